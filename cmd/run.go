package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/altwork/jobscore/internal/batch"
	"github.com/altwork/jobscore/internal/logger"
	"github.com/altwork/jobscore/internal/store"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"

	defaultDBPath = "jobscore.db"
)

var prompt = promptui.Select{
	Label: "Force-recalculate the entire population?",
	Items: []string{PromptYes, PromptNo},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch scoring pass",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("force", "f", false, "recalculate every active job, ignoring freshness")
	runCmd.Flags().BoolP("auto-aprove", "y", false, "do not ask for confirmation before a forced full recalculation")
	runCmd.Flags().String("jobs", "", "comma-separated job ids to score. Default is the stale population.")
	runCmd.Flags().String("users", "", "comma-separated user ids to personalize for. Default is job-only scoring.")
	runCmd.Flags().String("resume", "", "resume a previous run from its checkpoint by run id")
	runCmd.Flags().String("db", "", "path to the sqlite database. Default is jobscore.db.")

	viper.BindPFlag("db-path", runCmd.Flags().Lookup("db"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting jobscore", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	tuning := buildTuning(config)
	// Invalid composite weights are the one fatal misconfiguration;
	// reject them before touching the database.
	if err := tuning.Validate(); err != nil {
		logger.Fatal("validating scoring weights", zap.Error(err))
	}

	batchCfg, err := buildBatchConfig(cmd, config)
	if err != nil {
		logger.Fatal("building batch configuration", zap.Error(err))
	}

	if batchCfg.Force && len(batchCfg.JobIDs) == 0 && cmd.Flag("auto-aprove").Value.String() == "false" {
		_, action, err := prompt.Run()
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}
		if action != PromptYes {
			logger.Info("exiting", zap.String("reason", "got no from prompt"))
			return
		}
	}

	dbPath := resolveDBPath(config)
	st, err := store.NewStore(dbPath, store.Options{
		EngagementTolerance: tuning.Personal.EngagementTolerance,
	})
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err), zap.String("db", dbPath))
	}
	defer st.Close()

	summary, err := batch.New(st, tuning, logger).Run(ctx, batchCfg)
	if err != nil {
		logger.Fatal("batch run failed", zap.Error(err))
	}

	logger.Info("run summary",
		zap.String("run_id", summary.RunID),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Int("chunks", summary.Chunks),
		zap.Bool("canceled", summary.Canceled),
		zap.Duration("duration", summary.Duration),
	)

	for _, unit := range summary.Pending {
		logger.Warn("unit pending retry",
			zap.Int64("job_id", unit.JobID),
			zap.Int64("user_id", unit.UserID),
		)
	}
}

func buildBatchConfig(cmd *cobra.Command, config *Config) (batch.Config, error) {
	cfg := batch.Config{}
	if config != nil && config.Batch != nil {
		cfg = *config.Batch
	}

	cfg.Force = cmd.Flag("force").Value.String() == "true"
	cfg.ResumeRunID = strings.TrimSpace(cmd.Flag("resume").Value.String())

	jobIDs, err := parseIDList(cmd.Flag("jobs").Value.String())
	if err != nil {
		return cfg, fmt.Errorf("parsing --jobs: %w", err)
	}
	cfg.JobIDs = jobIDs

	userIDs, err := parseIDList(cmd.Flag("users").Value.String())
	if err != nil {
		return cfg, fmt.Errorf("parsing --users: %w", err)
	}
	cfg.UserIDs = userIDs

	return cfg, nil
}

func parseIDList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func resolveDBPath(config *Config) string {
	if config != nil && strings.TrimSpace(config.DBPath) != "" {
		return strings.TrimSpace(config.DBPath)
	}
	if env := strings.TrimSpace(viper.GetString("db-path")); env != "" {
		return env
	}
	return defaultDBPath
}
