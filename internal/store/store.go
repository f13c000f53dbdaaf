// Package store is the sqlite-backed implementation of every read and
// write collaborator the scoring engine depends on.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/altwork/jobscore/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Options tune store-level query behavior.
type Options struct {
	// EngagementTolerance is the +/- band around a user's engagement
	// score within which other users count as similar.
	EngagementTolerance float64
}

// Store wraps the sqlite database holding jobs, users, actions,
// keywords, popularity, score records and batch runs.
type Store struct {
	db   *gorm.DB
	opts Options
}

// NewStore opens (or creates) the database and migrates the schema.
func NewStore(dbPath string, opts Options) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Job{},
		&model.User{},
		&model.Keyword{},
		&model.CompanyPopularity{},
		&model.UserAction{},
		&model.ScoreRecord{},
		&model.BatchRun{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db, opts: opts}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for seeding in tests and tooling.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ActiveWageSamples returns the per-job average wage of every active
// job with positive wages in the region. Implements scoring.WageSource.
func (s *Store) ActiveWageSamples(ctx context.Context, region string, granularity model.Granularity) ([]float64, error) {
	column := "prefecture"
	if granularity == model.GranularityCity {
		column = "city"
	}

	var samples []float64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("active = ? AND wage_min > 0 AND wage_max > 0", true).
		Where(column+" = ?", region).
		Pluck("(wage_min + wage_max) / 2.0", &samples).Error
	if err != nil {
		return nil, fmt.Errorf("query wage samples: %w", err)
	}
	return samples, nil
}

// SimilarUserIDs returns users in the same behavioral cluster or with
// an engagement score within the configured tolerance, excluding the
// user itself. Implements scoring.BehaviorSource.
func (s *Store) SimilarUserIDs(ctx context.Context, user *model.User) ([]int64, error) {
	var ids []int64
	q := s.db.WithContext(ctx).Model(&model.User{}).Where("id != ?", user.ID)

	tolerance := s.opts.EngagementTolerance
	if user.ClusterID != "" {
		q = q.Where("cluster_id = ? OR engagement BETWEEN ? AND ?",
			user.ClusterID, user.Engagement-tolerance, user.Engagement+tolerance)
	} else {
		q = q.Where("engagement BETWEEN ? AND ?",
			user.Engagement-tolerance, user.Engagement+tolerance)
	}

	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("query similar users: %w", err)
	}
	return ids, nil
}

// ActionsByUsers returns actions by the given users on the job or its
// company since the given time.
func (s *Store) ActionsByUsers(ctx context.Context, userIDs []int64, jobID, companyID int64, since time.Time) ([]model.UserAction, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	var actions []model.UserAction
	err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Where("job_id = ? OR company_id = ?", jobID, companyID).
		Where("created_at >= ?", since).
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("query similar user actions: %w", err)
	}
	return actions, nil
}

// HasCompanyInteraction reports whether the user interacted with the
// company at any point in the past.
func (s *Store) HasCompanyInteraction(ctx context.Context, userID, companyID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.UserAction{}).
		Where("user_id = ? AND company_id = ?", userID, companyID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query company interactions: %w", err)
	}
	return count > 0, nil
}

// StaleJobIDs selects the default work population: active jobs whose
// job-only score record is missing, flagged for recalculation, or
// older than the cutoff. Force selects every active job and ignores
// the safety cap. The result is ordered by id so chunk boundaries are
// deterministic for a given selection.
func (s *Store) StaleJobIDs(ctx context.Context, olderThan time.Time, limit int, force bool) ([]int64, error) {
	var ids []int64
	q := s.db.WithContext(ctx).Model(&model.Job{}).
		Select("jobs.id").
		Where("jobs.active = ?", true).
		Order("jobs.id")

	if !force {
		q = q.Joins("LEFT JOIN score_records sr ON sr.job_id = jobs.id AND sr.user_id = 0").
			Where("sr.id IS NULL OR sr.needs_recalculation = ? OR sr.computed_at < ?", true, olderThan)
		if limit > 0 {
			q = q.Limit(limit)
		}
	}

	if err := q.Pluck("jobs.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	return ids, nil
}

// JobsByIDs fetches jobs by id, preserving only rows that exist.
func (s *Store) JobsByIDs(ctx context.Context, ids []int64) ([]model.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var jobs []model.Job
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return jobs, nil
}

// UsersByIDs fetches users by id.
func (s *Store) UsersByIDs(ctx context.Context, ids []int64) ([]model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	return users, nil
}

// TopKeywords returns the n highest-volume keywords, the immutable
// corpus snapshot of one batch run.
func (s *Store) TopKeywords(ctx context.Context, n int) ([]model.Keyword, error) {
	var keywords []model.Keyword
	q := s.db.WithContext(ctx).Order("volume DESC, id ASC")
	if n > 0 {
		q = q.Limit(n)
	}
	if err := q.Find(&keywords).Error; err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	return keywords, nil
}

// CompanyPopularities returns every company popularity record.
func (s *Store) CompanyPopularities(ctx context.Context) ([]model.CompanyPopularity, error) {
	var records []model.CompanyPopularity
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query company popularity: %w", err)
	}
	return records, nil
}

// SeoFingerprints returns the persisted fingerprint/seo pairs for the
// given jobs, used to warm the rescoring cache.
func (s *Store) SeoFingerprints(ctx context.Context, jobIDs []int64) (map[string]float64, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	var records []model.ScoreRecord
	err := s.db.WithContext(ctx).
		Select("seo_fingerprint", "seo").
		Where("job_id IN ? AND seo_fingerprint != ''", jobIDs).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query seo fingerprints: %w", err)
	}

	out := make(map[string]float64, len(records))
	for i := range records {
		out[records[i].SeoFingerprint] = records[i].Seo
	}
	return out, nil
}

// scoreAssignments are the columns refreshed on an upsert; the flag is
// cleared in the same write so a unit is never half-updated.
var scoreAssignments = []string{
	"basic", "seo", "personalized", "composite",
	"seo_fingerprint", "needs_recalculation", "computed_at", "updated_at",
}

// SaveScores upserts a chunk of score records in one transaction.
func (s *Store) SaveScores(ctx context.Context, records []model.ScoreRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		records[i].NeedsRecalculation = false
	}

	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(scoreAssignments),
	}).Create(&records)
	if tx.Error != nil {
		return fmt.Errorf("upsert score records: %w", tx.Error)
	}
	return nil
}

// SaveScore upserts a single score record, used to isolate a poison
// unit after a chunk-level write failed.
func (s *Store) SaveScore(ctx context.Context, record model.ScoreRecord) error {
	record.NeedsRecalculation = false

	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(scoreAssignments),
	}).Create(&record)
	if tx.Error != nil {
		return fmt.Errorf("upsert score record: %w", tx.Error)
	}
	return nil
}

// MarkNeedsRecalculation flags an existing record for retry. A missing
// record needs no flag: absence already selects it into the next run.
func (s *Store) MarkNeedsRecalculation(ctx context.Context, jobID, userID int64) error {
	tx := s.db.WithContext(ctx).Model(&model.ScoreRecord{}).
		Where("job_id = ? AND user_id = ?", jobID, userID).
		Update("needs_recalculation", true)
	if tx.Error != nil {
		return fmt.Errorf("mark needs recalculation: %w", tx.Error)
	}
	return nil
}

// CreateRun persists a new batch run row.
func (s *Store) CreateRun(ctx context.Context, run *model.BatchRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create batch run: %w", err)
	}
	return nil
}

// UpdateRunProgress records the checkpoint after a committed chunk.
func (s *Store) UpdateRunProgress(ctx context.Context, id string, lastChunk, processed, failed int) error {
	tx := s.db.WithContext(ctx).Model(&model.BatchRun{}).Where("id = ?", id).Updates(map[string]any{
		"last_chunk": lastChunk,
		"processed":  processed,
		"failed":     failed,
	})
	if tx.Error != nil {
		return fmt.Errorf("update batch run progress: %w", tx.Error)
	}
	return nil
}

// FinishRun marks a run terminal.
func (s *Store) FinishRun(ctx context.Context, id string, status model.RunStatus) error {
	now := time.Now()
	tx := s.db.WithContext(ctx).Model(&model.BatchRun{}).Where("id = ?", id).Updates(map[string]any{
		"status":       status,
		"completed_at": &now,
	})
	if tx.Error != nil {
		return fmt.Errorf("finish batch run: %w", tx.Error)
	}
	return nil
}

// GetRun fetches a batch run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*model.BatchRun, error) {
	var run model.BatchRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get batch run: %w", err)
	}
	return &run, nil
}
