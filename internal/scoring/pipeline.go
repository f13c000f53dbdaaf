package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/altwork/jobscore/internal/logger"
	"github.com/altwork/jobscore/internal/model"
	"go.uber.org/zap"
)

// Unit is one unit of scoring work: a job, optionally paired with a
// user for personalized scoring.
type Unit struct {
	Job  *model.Job
	User *model.User
}

// Pipeline runs Basic -> SEO -> Personalization -> Composite for one
// unit against the read-only per-run snapshots. It is safe for
// concurrent use by the batch workers.
type Pipeline struct {
	tuning     Tuning
	area       *AreaSnapshot
	keywords   KeywordSnapshot
	popularity PopularitySnapshot

	basic     BasicCalculator
	seo       *SeoCalculator
	personal  *PersonalizationEngine
	composite *CompositeScorer

	logger *zap.Logger
	now    func() time.Time
}

// NewPipeline wires the calculators against the per-run snapshots.
// It fails only on invalid composite weights.
func NewPipeline(tuning Tuning, area *AreaSnapshot, keywords KeywordSnapshot, popularity PopularitySnapshot, behavior BehaviorSource, logger *zap.Logger) (*Pipeline, error) {
	composite, err := NewCompositeScorer(tuning.Composite)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		tuning:     tuning,
		area:       area,
		keywords:   keywords,
		popularity: popularity,
		basic:      NewBasicCalculator(tuning.Basic),
		seo:        NewSeoCalculator(tuning.Seo, nil),
		personal:   NewPersonalizationEngine(tuning.Personal, behavior, logger),
		composite:  composite,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// WarmSeoCache seeds the fingerprint cache with previously persisted
// scores so unchanged job text is never rescored.
func (p *Pipeline) WarmSeoCache(entries map[string]float64) {
	for fingerprint, score := range entries {
		p.seo.Warm(fingerprint, score)
	}
}

// ScoreUnit computes all four scores for one unit. Calculator failures
// are converted to the documented safe defaults at this boundary; the
// returned record is always complete.
func (p *Pipeline) ScoreUnit(ctx context.Context, unit Unit) model.ScoreRecord {
	job := unit.Job

	area := p.area.Lookup(ctx, job.Prefecture, job.City)

	basic := p.safeEval("basic", job.ID, 0, func() float64 {
		return p.basic.Score(job, area, p.popularity)
	})

	var fingerprint string
	seo := p.safeEval("seo", job.ID, 0, func() float64 {
		score, fp := p.seo.Score(job, p.keywords)
		fingerprint = fp
		return score
	})

	var personalized float64
	var userID int64
	if unit.User != nil {
		userID = unit.User.ID
		personalized = p.safeEval("personalization", job.ID, p.tuning.Personal.DefaultPreference, func() float64 {
			return p.personal.Score(ctx, unit.User, job)
		})
	} else {
		// No user context: the basic score stands in for the
		// personalized component.
		personalized = basic
	}

	composite := p.composite.Score(basic, seo, personalized)

	return model.ScoreRecord{
		JobID:          job.ID,
		UserID:         userID,
		Basic:          basic,
		Seo:            seo,
		Personalized:   personalized,
		Composite:      composite,
		SeoFingerprint: fingerprint,
		ComputedAt:     p.now(),
	}
}

// safeEval is the single adapter between the pure calculators and the
// batch boundary: a panic inside a calculator becomes its documented
// default and a log line, never a failed run.
func (p *Pipeline) safeEval(name string, jobID int64, fallback float64, fn func() float64) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("calculator failed, using default",
				zap.String(logger.FieldCalculator, name),
				zap.Int64("job_id", jobID),
				zap.Float64("default", fallback),
				zap.String("panic", logger.TruncateForLog(fmt.Sprint(r), 200)),
			)
			score = fallback
		}
	}()

	return fn()
}
