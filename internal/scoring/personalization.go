package scoring

import (
	"context"
	"math"
	"time"

	"github.com/altwork/jobscore/internal/model"
	"go.uber.org/zap"
)

// BehaviorSource supplies the behavioral data behind the collaborative
// signal. Implemented by the store; faked in tests.
type BehaviorSource interface {
	// SimilarUserIDs returns users in the same behavioral cluster or
	// with an engagement score within the configured tolerance,
	// excluding the user itself.
	SimilarUserIDs(ctx context.Context, user *model.User) ([]int64, error)
	// ActionsByUsers returns actions by the given users on the job or
	// its company since the given time.
	ActionsByUsers(ctx context.Context, userIDs []int64, jobID, companyID int64, since time.Time) ([]model.UserAction, error)
	// HasCompanyInteraction reports whether the user has any prior
	// direct interaction with the company.
	HasCompanyInteraction(ctx context.Context, userID, companyID int64) (bool, error)
}

// PersonalizationEngine computes the user-specific component of a
// score: preference match, collaborative signal and location
// proximity, blended 40/30/30. Every sub-step degrades to its default
// on missing data instead of failing.
type PersonalizationEngine struct {
	cfg    PersonalTuning
	src    BehaviorSource
	logger *zap.Logger
	now    func() time.Time
}

// NewPersonalizationEngine creates an engine backed by the behavior source.
func NewPersonalizationEngine(cfg PersonalTuning, src BehaviorSource, logger *zap.Logger) *PersonalizationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersonalizationEngine{cfg: cfg, src: src, logger: logger, now: time.Now}
}

// Score computes the personalized score for one (user, job) pair.
func (e *PersonalizationEngine) Score(ctx context.Context, user *model.User, job *model.Job) float64 {
	preference := e.preferenceScore(user, job)
	collaborative := e.collaborativeScore(ctx, user, job)
	location := e.locationScore(user, job)

	return clamp(preference*e.cfg.PreferenceWeight +
		collaborative*e.cfg.CollaborativeWeight +
		location*e.cfg.LocationWeight)
}

// preferenceScore blends category interest, salary closeness and
// feature weights, normalized over the parts the profile actually
// provides. Users without a profile score the default.
func (e *PersonalizationEngine) preferenceScore(user *model.User, job *model.Job) float64 {
	if user == nil || !user.HasProfile() {
		return e.cfg.DefaultPreference
	}

	var weighted, weights float64

	if len(user.CategoryWeights) > 0 && job.OccupationCode != "" {
		weighted += e.categoryScore(user, job) * e.cfg.CategoryWeight
		weights += e.cfg.CategoryWeight
	}

	if user.PreferredSalary > 0 {
		weighted += e.salaryCloseness(user, job) * e.cfg.SalaryWeight
		weights += e.cfg.SalaryWeight
	}

	if len(user.FeatureWeights) > 0 {
		weighted += e.featureScore(user, job) * e.cfg.FeatureWeight
		weights += e.cfg.FeatureWeight
	}

	if weights == 0 {
		return e.cfg.DefaultPreference
	}
	return clamp(weighted / weights)
}

func (e *PersonalizationEngine) categoryScore(user *model.User, job *model.Job) float64 {
	return clamp(jsonNumber(user.CategoryWeights[job.OccupationCode]))
}

func (e *PersonalizationEngine) salaryCloseness(user *model.User, job *model.Job) float64 {
	preferred := float64(user.PreferredSalary)
	diff := math.Abs(job.AvgWage()-preferred) / preferred * 100
	return 100 - math.Min(100, diff)
}

func (e *PersonalizationEngine) featureScore(user *model.User, job *model.Job) float64 {
	var sum float64
	for _, code := range job.FeatureCodes {
		sum += jsonNumber(user.FeatureWeights[code])
	}
	return math.Min(100, sum)
}

// collaborativeScore averages the action weights of similar users on
// this job or company within the trailing window, plus a flat bonus
// when the user already interacted with the company. Missing data or
// source errors degrade to the absence of signal, never to a failure.
func (e *PersonalizationEngine) collaborativeScore(ctx context.Context, user *model.User, job *model.Job) float64 {
	if user == nil || e.src == nil {
		return 0
	}

	score := 0.0

	ids, err := e.src.SimilarUserIDs(ctx, user)
	if err != nil {
		e.logger.Debug("similar users lookup failed", zap.Int64("user_id", user.ID), zap.Error(err))
		ids = nil
	}

	if len(ids) > 0 {
		since := e.now().Add(-e.cfg.ActionWindow)
		actions, err := e.src.ActionsByUsers(ctx, ids, job.ID, job.CompanyID, since)
		if err != nil {
			e.logger.Debug("similar user actions lookup failed", zap.Int64("job_id", job.ID), zap.Error(err))
		} else if len(actions) > 0 {
			var sum float64
			for i := range actions {
				sum += e.actionWeight(actions[i].Type)
			}
			score = sum / float64(len(actions)) * 100
		}
	}

	interacted, err := e.src.HasCompanyInteraction(ctx, user.ID, job.CompanyID)
	if err != nil {
		e.logger.Debug("company interaction lookup failed", zap.Int64("user_id", user.ID), zap.Error(err))
	} else if interacted {
		score += e.cfg.CompanyBonus
	}

	return clamp(score)
}

func (e *PersonalizationEngine) actionWeight(t model.ActionType) float64 {
	if w, ok := e.cfg.ActionWeights[t]; ok {
		return w
	}
	return e.cfg.DefaultActionWeight
}

// locationScore buckets the haversine distance relative to the user's
// preferred radius. Either coordinate missing scores the default.
func (e *PersonalizationEngine) locationScore(user *model.User, job *model.Job) float64 {
	if user == nil || user.Lat == nil || user.Lng == nil || job.Lat == nil || job.Lng == nil {
		return e.cfg.DefaultLocation
	}

	radius := user.RadiusKm
	if radius <= 0 {
		radius = e.cfg.DefaultRadiusKm
	}

	distance := haversineKm(*user.Lat, *user.Lng, *job.Lat, *job.Lng)
	for _, bucket := range e.cfg.RadiusBuckets {
		if distance <= bucket.Factor*radius {
			return bucket.Score
		}
	}
	return 0
}

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// jsonNumber coerces a JSON map value into a float64, treating
// anything non-numeric as zero.
func jsonNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
