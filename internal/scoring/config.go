// Package scoring implements the per-job and per-pair score calculators:
// regional wage normalization, the basic wage/fee/popularity score, the
// keyword relevance score, personalization and the composite blend.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/altwork/jobscore/internal/model"
)

// Weights is the composite blend applied to the three component scores.
type Weights struct {
	Basic        float64 `mapstructure:"basic"`
	Seo          float64 `mapstructure:"seo"`
	Personalized float64 `mapstructure:"personalized"`
}

// weightTolerance is the accepted deviation of the weight sum from 1.0.
const weightTolerance = 0.01

// ConfigurationError reports invalid composite weights. It is the only
// fatal error the engine produces: it is raised before any scoring
// starts and halts the whole run.
type ConfigurationError struct {
	Weights Weights
	Sum     float64
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("composite weights must sum to 1.0 +/- %.2f, got %.4f (basic=%.2f seo=%.2f personalized=%.2f)",
		weightTolerance, e.Sum, e.Weights.Basic, e.Weights.Seo, e.Weights.Personalized)
}

// Validate checks the weight sum against the accepted tolerance.
func (w Weights) Validate() error {
	sum := w.Basic + w.Seo + w.Personalized
	if math.Abs(sum-1.0) > weightTolerance {
		return &ConfigurationError{Weights: w, Sum: sum}
	}
	return nil
}

// VolumeTier maps a minimum monthly search volume to a base match score.
type VolumeTier struct {
	MinVolume int
	Score     float64
}

// FieldWeights are the per-field multipliers for keyword matches.
type FieldWeights struct {
	Title       float64
	Description float64
	Benefits    float64
	Company     float64
}

// RadiusBucket scores a distance relative to the user's preferred
// radius: distances up to Factor*radius receive Score.
type RadiusBucket struct {
	Factor float64
	Score  float64
}

// BasicTuning holds the constants of the wage/fee/popularity score.
type BasicTuning struct {
	FeeFloor          int
	FeeCeil           int
	WageWeight        float64
	FeeWeight         float64
	PopularityWeight  float64
	DefaultPopularity float64
}

// SeoTuning holds the constants of the keyword relevance score.
type SeoTuning struct {
	TopKeywords        int `mapstructure:"top-keywords"`
	TheoreticalMax     float64
	FrequencyBonusCap  float64
	FrequencyBonusStep float64
	VolumeTiers        []VolumeTier
	BaseTierScore      float64
	Fields             FieldWeights
	IntentWeights      map[string]float64
	DefaultIntent      float64
}

// PersonalTuning holds the constants of the per-pair personalization.
type PersonalTuning struct {
	PreferenceWeight    float64
	CollaborativeWeight float64
	LocationWeight      float64

	CategoryWeight float64
	SalaryWeight   float64
	FeatureWeight  float64

	DefaultPreference float64
	DefaultLocation   float64
	DefaultRadiusKm   float64

	ActionWindow        time.Duration `mapstructure:"action-window"`
	EngagementTolerance float64
	CompanyBonus        float64
	ActionWeights       map[model.ActionType]float64
	DefaultActionWeight float64

	RadiusBuckets []RadiusBucket
}

// AreaTuning holds the fallback wage distribution and snapshot freshness.
type AreaTuning struct {
	DefaultMean    float64
	DefaultStdDev  float64
	DefaultMin     float64
	DefaultMax     float64
	Freshness      time.Duration `mapstructure:"freshness"`
	FallbackRegion string        `mapstructure:"fallback-region"`
}

// Tuning is the single immutable set of business constants threaded
// through the pipeline. Only a handful of knobs are meant to be
// overridden from the config file; the rest are fixed business rules.
type Tuning struct {
	Composite Weights        `mapstructure:"composite"`
	Basic     BasicTuning    `mapstructure:"-"`
	Seo       SeoTuning      `mapstructure:"seo"`
	Personal  PersonalTuning `mapstructure:"personal"`
	Area      AreaTuning     `mapstructure:"area"`
}

// DefaultTuning returns the production constants.
func DefaultTuning() Tuning {
	return Tuning{
		Composite: Weights{Basic: 0.30, Seo: 0.20, Personalized: 0.50},
		Basic: BasicTuning{
			FeeFloor:          500,
			FeeCeil:           5000,
			WageWeight:        0.40,
			FeeWeight:         0.30,
			PopularityWeight:  0.30,
			DefaultPopularity: 20,
		},
		Seo: SeoTuning{
			TopKeywords:        1000,
			TheoreticalMax:     1500,
			FrequencyBonusCap:  5,
			FrequencyBonusStep: 1.5,
			VolumeTiers: []VolumeTier{
				{MinVolume: 10000, Score: 15},
				{MinVolume: 5000, Score: 12},
				{MinVolume: 1000, Score: 10},
				{MinVolume: 500, Score: 8},
				{MinVolume: 100, Score: 5},
			},
			BaseTierScore: 3,
			Fields: FieldWeights{
				Title:       2.0,
				Description: 1.5,
				Benefits:    1.2,
				Company:     1.1,
			},
			IntentWeights: map[string]float64{
				"transactional": 1.5,
				"commercial":    1.3,
				"navigational":  1.1,
				"informational": 1.0,
			},
			DefaultIntent: 1.0,
		},
		Personal: PersonalTuning{
			PreferenceWeight:    0.40,
			CollaborativeWeight: 0.30,
			LocationWeight:      0.30,
			CategoryWeight:      0.40,
			SalaryWeight:        0.30,
			FeatureWeight:       0.30,
			DefaultPreference:   25,
			DefaultLocation:     50,
			DefaultRadiusKm:     10,
			ActionWindow:        90 * 24 * time.Hour,
			EngagementTolerance: 10,
			CompanyBonus:        15,
			ActionWeights: map[model.ActionType]float64{
				model.ActionApplication: 1.0,
				model.ActionFavorite:    0.8,
				model.ActionClick:       0.5,
				model.ActionView:        0.3,
				model.ActionOther:       0.1,
			},
			DefaultActionWeight: 0.1,
			RadiusBuckets: []RadiusBucket{
				{Factor: 0.5, Score: 100},
				{Factor: 1.0, Score: 80},
				{Factor: 1.5, Score: 60},
				{Factor: 2.0, Score: 40},
				{Factor: 3.0, Score: 20},
			},
		},
		Area: AreaTuning{
			DefaultMean:    1200,
			DefaultStdDev:  200,
			DefaultMin:     800,
			DefaultMax:     2000,
			Freshness:      time.Hour,
			FallbackRegion: "13",
		},
	}
}

// Validate rejects an unusable tuning before any computation begins.
func (t Tuning) Validate() error {
	return t.Composite.Validate()
}

// clamp bounds a score to the canonical [0,100] range.
func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
