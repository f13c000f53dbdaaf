// Package model holds the persisted entities shared by the store, the
// calculators and the batch orchestrator.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// Granularity selects the regional level used for wage statistics.
type Granularity string

const (
	GranularityPrefecture Granularity = "prefecture"
	GranularityCity       Granularity = "city"
)

// ActionType classifies a user interaction with a job posting.
type ActionType string

const (
	ActionApplication ActionType = "application"
	ActionFavorite    ActionType = "favorite"
	ActionClick       ActionType = "click"
	ActionView        ActionType = "view"
	ActionOther       ActionType = "other"
)

// Job is a single posting as ingested from the jobs collaborator.
type Job struct {
	ID             int64 `gorm:"primaryKey"`
	CompanyID      int64 `gorm:"index"`
	CompanyName    string
	Title          string
	Description    string
	Benefits       string
	WageMin        int
	WageMax        int
	Fee            int
	Prefecture     string `gorm:"index"`
	City           string `gorm:"index"`
	Lat            *float64
	Lng            *float64
	OccupationCode string
	FeatureCodes   datatypes.JSONSlice[string]
	Active         bool `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AvgWage returns the midpoint of the posted wage range.
func (j *Job) AvgWage() float64 {
	return float64(j.WageMin+j.WageMax) / 2
}

// User carries the preference profile and behavioral attributes used
// for personalization. Nil weight maps mean the user has no profile.
type User struct {
	ID              int64 `gorm:"primaryKey"`
	Lat             *float64
	Lng             *float64
	RadiusKm        float64
	PreferredSalary int
	CategoryWeights datatypes.JSONMap
	FeatureWeights  datatypes.JSONMap
	ClusterID       string `gorm:"index"`
	Engagement      float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasProfile reports whether any preference data exists for the user.
func (u *User) HasProfile() bool {
	return len(u.CategoryWeights) > 0 || len(u.FeatureWeights) > 0 || u.PreferredSalary > 0
}

// Keyword is one entry of the search keyword corpus. The corpus is
// immutable for the duration of a batch run.
type Keyword struct {
	ID         int64  `gorm:"primaryKey"`
	Text       string `gorm:"index"`
	Volume     int    `gorm:"index"`
	Intent     string
	Difficulty int
}

// CompanyPopularity holds either a precomputed popularity score or the
// raw application rate used for the percentile fallback.
type CompanyPopularity struct {
	CompanyID       int64 `gorm:"primaryKey"`
	Score           *float64
	ApplicationRate *float64
	UpdatedAt       time.Time
}

// UserAction records one interaction, feeding the collaborative signal.
type UserAction struct {
	ID        int64      `gorm:"primaryKey"`
	UserID    int64      `gorm:"index:idx_actions_user"`
	JobID     int64      `gorm:"index:idx_actions_job"`
	CompanyID int64      `gorm:"index:idx_actions_company"`
	Type      ActionType `gorm:"index"`
	CreatedAt time.Time  `gorm:"index"`
}

// ScoreRecord is the engine's output: all four scores for one unit of
// work, written atomically. UserID 0 marks a job-only record.
type ScoreRecord struct {
	ID                 int64 `gorm:"primaryKey"`
	JobID              int64 `gorm:"uniqueIndex:idx_scores_unit"`
	UserID             int64 `gorm:"uniqueIndex:idx_scores_unit"`
	Basic              float64
	Seo                float64
	Personalized       float64
	Composite          float64
	SeoFingerprint     string `gorm:"index"`
	NeedsRecalculation bool   `gorm:"index"`
	ComputedAt         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BatchRun tracks one orchestrator invocation and its checkpoint. The
// selected scope is persisted at creation: a resume must replay the
// original population, not re-select it, because the chunks committed
// before the interruption are no longer stale.
type BatchRun struct {
	ID          string `gorm:"primaryKey"`
	Status      RunStatus
	ChunkSize   int
	LastChunk   int
	Processed   int
	Failed      int
	JobIDs      datatypes.JSONSlice[int64]
	UserIDs     datatypes.JSONSlice[int64]
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RunStatus is the lifecycle state of a BatchRun.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCanceled  RunStatus = "canceled"
)
