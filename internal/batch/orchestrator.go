// Package batch drives the scoring calculators over large populations
// with bounded concurrency, chunked commits and a resumable checkpoint.
package batch

import (
	"context"
	"time"

	"github.com/altwork/jobscore/internal/logger"
	"github.com/altwork/jobscore/internal/model"
	"github.com/altwork/jobscore/internal/scoring"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Store aggregates every collaborator call the orchestrator makes.
// Implemented by the sqlite store; faked in tests.
type Store interface {
	scoring.WageSource
	scoring.BehaviorSource

	StaleJobIDs(ctx context.Context, olderThan time.Time, limit int, force bool) ([]int64, error)
	JobsByIDs(ctx context.Context, ids []int64) ([]model.Job, error)
	UsersByIDs(ctx context.Context, ids []int64) ([]model.User, error)
	TopKeywords(ctx context.Context, n int) ([]model.Keyword, error)
	CompanyPopularities(ctx context.Context) ([]model.CompanyPopularity, error)
	SeoFingerprints(ctx context.Context, jobIDs []int64) (map[string]float64, error)

	SaveScores(ctx context.Context, records []model.ScoreRecord) error
	SaveScore(ctx context.Context, record model.ScoreRecord) error
	MarkNeedsRecalculation(ctx context.Context, jobID, userID int64) error

	CreateRun(ctx context.Context, run *model.BatchRun) error
	UpdateRunProgress(ctx context.Context, id string, lastChunk, processed, failed int) error
	FinishRun(ctx context.Context, id string, status model.RunStatus) error
	GetRun(ctx context.Context, id string) (*model.BatchRun, error)
}

// Config is the per-invocation orchestration setup, accepted from the
// scheduler and validated at entry.
type Config struct {
	JobIDs  []int64
	UserIDs []int64

	ChunkSize     int           `mapstructure:"chunk-size"`
	Workers       int           `mapstructure:"workers"`
	Freshness     time.Duration `mapstructure:"freshness"`
	MaxJobs       int           `mapstructure:"max-jobs"`
	RatePerSecond float64       `mapstructure:"rate-per-second"`
	Force         bool
	ResumeRunID   string
}

const (
	defaultChunkSize = 500
	minChunkSize     = 100
	maxChunkSize     = 5000
	defaultWorkers   = 6
	maxWorkers       = 64
	defaultFreshness = 7 * 24 * time.Hour
	defaultMaxJobs   = 10000
)

// normalized returns a copy with every field forced into its valid range.
func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkSize < minChunkSize {
		c.ChunkSize = minChunkSize
	}
	if c.ChunkSize > maxChunkSize {
		c.ChunkSize = maxChunkSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Workers > maxWorkers {
		c.Workers = maxWorkers
	}
	if c.Freshness <= 0 {
		c.Freshness = defaultFreshness
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = defaultMaxJobs
	}
	return c
}

// UnitKey identifies one unit of work in a run summary.
type UnitKey struct {
	JobID  int64
	UserID int64
}

// Summary is the report handed back to the invoker.
type Summary struct {
	RunID     string
	Processed int
	Failed    int
	Chunks    int
	LastChunk int
	Canceled  bool
	Duration  time.Duration
	// Pending lists the units left flagged for retry.
	Pending []UnitKey
}

// Orchestrator runs one batch scoring pass.
type Orchestrator struct {
	store  Store
	tuning scoring.Tuning
	logger *zap.Logger
	now    func() time.Time
}

// New creates an orchestrator.
func New(store Store, tuning scoring.Tuning, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{store: store, tuning: tuning, logger: logger, now: time.Now}
}

// Run executes one pass: validate, select the population, build the
// read-only snapshots, then fan the unit pipeline out over a bounded
// worker pool, committing chunk by chunk. Cancellation is honored at
// chunk boundaries only; in-flight units always finish.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (*Summary, error) {
	// The sole fatal failure mode: invalid composite weights are
	// rejected before any computation or write happens.
	if err := o.tuning.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()
	start := o.now()

	run, startChunk, err := o.resolveRun(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	log := logger.WithRunFields(o.logger, run.ID, "")

	if len(cfg.JobIDs) == 0 {
		// Fresh population: nothing selected, nothing written.
		log.Info("population is fresh, nothing to score")
		if err := o.store.FinishRun(ctx, run.ID, model.RunStatusCompleted); err != nil {
			return nil, err
		}
		return &Summary{RunID: run.ID, Duration: o.now().Sub(start)}, nil
	}

	pipeline, units, err := o.prepare(ctx, log, cfg, cfg.JobIDs)
	if err != nil {
		return nil, err
	}

	summary := o.executeChunks(ctx, log, cfg, run, startChunk, pipeline, units)
	summary.Duration = o.now().Sub(start)

	status := model.RunStatusCompleted
	if summary.Canceled {
		status = model.RunStatusCanceled
	}
	if err := o.store.FinishRun(context.WithoutCancel(ctx), run.ID, status); err != nil {
		return summary, err
	}

	log.Info("batch run finished",
		zap.String("status", string(status)),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Int("chunks", summary.Chunks),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// resolveRun materializes the run's population scope and checkpoint.
// A fresh run selects its population and persists the selected scope
// on the run row; resuming reloads that scope and the recorded chunk
// size instead of re-selecting, because the chunks committed before
// the interruption are no longer stale and a re-selection would shift
// every chunk boundary under the checkpoint.
func (o *Orchestrator) resolveRun(ctx context.Context, cfg *Config) (*model.BatchRun, int, error) {
	if cfg.ResumeRunID != "" {
		run, err := o.store.GetRun(ctx, cfg.ResumeRunID)
		if err != nil {
			return nil, 0, err
		}
		if run.ChunkSize > 0 {
			cfg.ChunkSize = run.ChunkSize
		}
		cfg.JobIDs = run.JobIDs
		cfg.UserIDs = run.UserIDs
		return run, run.LastChunk, nil
	}

	jobIDs := cfg.JobIDs
	if len(jobIDs) == 0 {
		cutoff := o.now().Add(-cfg.Freshness)
		ids, err := o.store.StaleJobIDs(ctx, cutoff, cfg.MaxJobs, cfg.Force)
		if err != nil {
			return nil, 0, err
		}
		jobIDs = ids
		cfg.JobIDs = ids
	}

	run := &model.BatchRun{
		ID:        uuid.NewString(),
		Status:    model.RunStatusRunning,
		ChunkSize: cfg.ChunkSize,
		JobIDs:    jobIDs,
		UserIDs:   cfg.UserIDs,
		StartedAt: o.now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, 0, err
	}
	return run, 0, nil
}

// prepare is phase one: serial loading of every read-only snapshot the
// workers share, plus materializing the units of work.
func (o *Orchestrator) prepare(ctx context.Context, logger *zap.Logger, cfg Config, jobIDs []int64) (*scoring.Pipeline, []scoring.Unit, error) {
	jobs, err := o.store.JobsByIDs(ctx, jobIDs)
	if err != nil {
		return nil, nil, err
	}

	users, err := o.store.UsersByIDs(ctx, cfg.UserIDs)
	if err != nil {
		return nil, nil, err
	}

	area := scoring.NewAreaSnapshot(o.store, o.tuning.Area)
	if err := area.Warm(ctx, jobs); err != nil {
		return nil, nil, err
	}

	keywords, err := o.store.TopKeywords(ctx, o.tuning.Seo.TopKeywords)
	if err != nil {
		return nil, nil, err
	}

	popRecords, err := o.store.CompanyPopularities(ctx)
	if err != nil {
		return nil, nil, err
	}
	popularity := scoring.BuildPopularitySnapshot(popRecords)

	pipeline, err := scoring.NewPipeline(o.tuning, area, keywords, popularity, o.store, logger)
	if err != nil {
		return nil, nil, err
	}

	fingerprints, err := o.store.SeoFingerprints(ctx, jobIDs)
	if err != nil {
		return nil, nil, err
	}
	pipeline.WarmSeoCache(fingerprints)

	logger.Info("snapshots ready",
		zap.Int("jobs", len(jobs)),
		zap.Int("users", len(users)),
		zap.Int("keywords", len(keywords)),
		zap.Int("companies", len(popularity)),
		zap.Int("warm_fingerprints", len(fingerprints)),
	)

	return pipeline, buildUnits(jobs, users), nil
}

// buildUnits pairs every job with every scoped user; with no user
// scope the run produces job-only records.
func buildUnits(jobs []model.Job, users []model.User) []scoring.Unit {
	if len(users) == 0 {
		units := make([]scoring.Unit, 0, len(jobs))
		for i := range jobs {
			units = append(units, scoring.Unit{Job: &jobs[i]})
		}
		return units
	}

	units := make([]scoring.Unit, 0, len(jobs)*len(users))
	for u := range users {
		for j := range jobs {
			units = append(units, scoring.Unit{Job: &jobs[j], User: &users[u]})
		}
	}
	return units
}

func (o *Orchestrator) executeChunks(ctx context.Context, logger *zap.Logger, cfg Config, run *model.BatchRun, startChunk int, pipeline *scoring.Pipeline, units []scoring.Unit) *Summary {
	chunks := chunkUnits(units, cfg.ChunkSize)
	summary := &Summary{
		RunID:     run.ID,
		Chunks:    len(chunks),
		LastChunk: startChunk,
		Processed: run.Processed,
		Failed:    run.Failed,
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Workers)
	}

	// Workers run on a non-cancelable child context so an in-flight
	// unit always finishes; cancellation is checked between chunks.
	unitCtx := context.WithoutCancel(ctx)

	for i, chunk := range chunks {
		if i < startChunk {
			continue
		}
		if ctx.Err() != nil {
			summary.Canceled = true
			logger.Info("cancellation requested, stopping at chunk boundary", zap.Int("next_chunk", i))
			break
		}

		records := make([]model.ScoreRecord, len(chunk))

		g := new(errgroup.Group)
		g.SetLimit(cfg.Workers)
		for idx := range chunk {
			idx := idx
			g.Go(func() error {
				if limiter != nil {
					// Pacing is best-effort: a limiter failure must
					// never leave a zero-value record in the slot.
					_ = limiter.Wait(unitCtx)
				}
				records[idx] = pipeline.ScoreUnit(unitCtx, chunk[idx])
				return nil
			})
		}
		// Unit failures never surface here: the pipeline converts
		// them to safe defaults. The pool drains before the commit.
		_ = g.Wait()

		committed, pending := o.commitChunk(unitCtx, logger, records)
		summary.Processed += committed
		summary.Failed += len(pending)
		summary.Pending = append(summary.Pending, pending...)
		summary.LastChunk = i + 1

		if err := o.store.UpdateRunProgress(unitCtx, run.ID, summary.LastChunk, summary.Processed, summary.Failed); err != nil {
			logger.Warn("checkpoint update failed", zap.Int("chunk", i), zap.Error(err))
		}

		logger.Info("chunk committed",
			zap.Int("chunk", i),
			zap.Int("units", len(chunk)),
			zap.Int("committed", committed),
			zap.Int("failed", len(pending)),
		)
	}

	return summary
}

// chunkCommitBackoff pauses between a failed chunk commit and its
// item-by-item retry, giving a transiently locked database room.
const chunkCommitBackoff = 250 * time.Millisecond

// commitChunk persists a chunk in one write. When the batched write
// fails, it retries item by item so a single poison unit cannot take
// down its chunk; each failed unit is flagged for recalculation and
// the batch continues.
func (o *Orchestrator) commitChunk(ctx context.Context, logger *zap.Logger, records []model.ScoreRecord) (int, []UnitKey) {
	if err := o.store.SaveScores(ctx, records); err == nil {
		return len(records), nil
	} else {
		logger.Warn("chunk commit failed, isolating units", zap.Error(err))
	}

	_ = waitFor(ctx, chunkCommitBackoff)

	committed := 0
	var pending []UnitKey
	for i := range records {
		if err := o.store.SaveScore(ctx, records[i]); err != nil {
			logger.Warn("unit commit failed, flagging for retry",
				zap.Int64("job_id", records[i].JobID),
				zap.Int64("user_id", records[i].UserID),
				zap.Error(err),
			)
			if markErr := o.store.MarkNeedsRecalculation(ctx, records[i].JobID, records[i].UserID); markErr != nil {
				logger.Warn("flagging unit failed", zap.Int64("job_id", records[i].JobID), zap.Error(markErr))
			}
			pending = append(pending, UnitKey{JobID: records[i].JobID, UserID: records[i].UserID})
			continue
		}
		committed++
	}
	return committed, pending
}

func chunkUnits(units []scoring.Unit, size int) [][]scoring.Unit {
	if len(units) == 0 {
		return nil
	}
	chunks := make([][]scoring.Unit, 0, (len(units)+size-1)/size)
	for start := 0; start < len(units); start += size {
		end := start + size
		if end > len(units) {
			end = len(units)
		}
		chunks = append(chunks, units[start:end])
	}
	return chunks
}
