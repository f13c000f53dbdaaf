package cmd

import (
	"log"

	"github.com/altwork/jobscore/internal/batch"
	"github.com/altwork/jobscore/internal/scoring"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "jobscore"
)

// Config is the file-level configuration. Everything is optional; the
// engine falls back to the built-in tuning defaults.
type Config struct {
	DBPath  string         `mapstructure:"db-path"`
	Batch   *batch.Config  `mapstructure:"batch"`
	Scoring *ScoringConfig `mapstructure:"scoring"`
}

// ScoringConfig carries the tuning knobs that may be overridden from
// the config file. The remaining constants are fixed business rules.
type ScoringConfig struct {
	Composite      *scoring.Weights `mapstructure:"composite"`
	TopKeywords    int              `mapstructure:"top-keywords"`
	FallbackRegion string           `mapstructure:"fallback-region"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "jobscore computes ranked compatibility scores for job postings in resumable batches",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := viper.BindEnv("db-path", "JOBSCORE_DB"); err != nil {
		log.Fatalf("binding JOBSCORE_DB environment variable: %v", err)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is jobscore.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Config needed only for run command now. If there is no config, we can skip initialization
	if runCmd.CalledAs() == "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app + ".yaml")
	}

	// The run command works with built-in defaults when no file exists.
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && cfgFile != "" {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return config, err
	}

	return config, nil
}

// buildTuning applies the file-level overrides onto the defaults.
func buildTuning(config *Config) scoring.Tuning {
	tuning := scoring.DefaultTuning()
	if config == nil || config.Scoring == nil {
		return tuning
	}

	if config.Scoring.Composite != nil {
		tuning.Composite = *config.Scoring.Composite
	}
	if config.Scoring.TopKeywords > 0 {
		tuning.Seo.TopKeywords = config.Scoring.TopKeywords
	}
	if config.Scoring.FallbackRegion != "" {
		tuning.Area.FallbackRegion = config.Scoring.FallbackRegion
	}

	return tuning
}
