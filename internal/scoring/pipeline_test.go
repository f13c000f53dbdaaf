package scoring

import (
	"context"
	"testing"

	"github.com/altwork/jobscore/internal/model"
)

func newTestPipeline(t *testing.T, src BehaviorSource) *Pipeline {
	t.Helper()

	area := NewAreaSnapshot(&fakeWages{samples: map[string][]float64{
		"prefecture:13": {1100, 1200, 1300},
	}}, DefaultTuning().Area)

	keywords := KeywordSnapshot{{Text: "engineer", Volume: 12000, Intent: "transactional"}}

	pipeline, err := NewPipeline(DefaultTuning(), area, keywords, PopularitySnapshot{}, src, nil)
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	return pipeline
}

func TestNewPipelineRejectsBadWeights(t *testing.T) {
	t.Parallel()

	tuning := DefaultTuning()
	tuning.Composite.Basic = 0.9

	_, err := NewPipeline(tuning, nil, nil, nil, nil, nil)
	if err == nil {
		t.Fatalf("expected ConfigurationError for bad weights")
	}
}

func TestScoreUnitJobOnly(t *testing.T) {
	t.Parallel()

	pipeline := newTestPipeline(t, &fakeBehavior{})
	job := &model.Job{
		ID:         1,
		Title:      "Senior Engineer",
		WageMin:    1200,
		WageMax:    1320,
		Fee:        2750,
		Prefecture: "13",
		Active:     true,
	}

	record := pipeline.ScoreUnit(context.Background(), Unit{Job: job})

	if record.JobID != 1 || record.UserID != 0 {
		t.Fatalf("expected job-only record for job 1, got %+v", record)
	}
	if record.Personalized != record.Basic {
		t.Fatalf("expected basic to stand in for personalized, got basic=%v personalized=%v", record.Basic, record.Personalized)
	}
	if record.SeoFingerprint == "" {
		t.Fatalf("expected a seo fingerprint")
	}
	if record.ComputedAt.IsZero() {
		t.Fatalf("expected computed-at to be set")
	}
	for name, score := range map[string]float64{
		"basic":        record.Basic,
		"seo":          record.Seo,
		"personalized": record.Personalized,
		"composite":    record.Composite,
	} {
		if score < 0 || score > 100 {
			t.Fatalf("expected %s score within [0,100], got %v", name, score)
		}
	}
}

func TestScoreUnitWithUser(t *testing.T) {
	t.Parallel()

	pipeline := newTestPipeline(t, &fakeBehavior{})
	job := &model.Job{ID: 1, Fee: 2750, WageMin: 1200, WageMax: 1320, Prefecture: "13"}
	user := &model.User{ID: 5}

	record := pipeline.ScoreUnit(context.Background(), Unit{Job: job, User: user})

	if record.UserID != 5 {
		t.Fatalf("expected user id 5, got %d", record.UserID)
	}
	// No profile, no signal, no coordinates: 25*0.4 + 0 + 50*0.3 = 25.
	if record.Personalized != 25 {
		t.Fatalf("expected personalized 25, got %v", record.Personalized)
	}
}

func TestScoreUnitFeeFloorStillZero(t *testing.T) {
	t.Parallel()

	pipeline := newTestPipeline(t, &fakeBehavior{})
	job := &model.Job{ID: 1, Fee: 400, WageMin: 5000, WageMax: 6000, Prefecture: "13"}

	record := pipeline.ScoreUnit(context.Background(), Unit{Job: job})
	if record.Basic != 0 {
		t.Fatalf("expected basic 0 for fee under the floor, got %v", record.Basic)
	}
}

func TestScoreUnitIsDeterministic(t *testing.T) {
	t.Parallel()

	pipeline := newTestPipeline(t, &fakeBehavior{})
	job := &model.Job{ID: 1, Title: "Engineer", Fee: 2750, WageMin: 1200, WageMax: 1320, Prefecture: "13"}

	first := pipeline.ScoreUnit(context.Background(), Unit{Job: job})
	second := pipeline.ScoreUnit(context.Background(), Unit{Job: job})

	if first.Basic != second.Basic || first.Seo != second.Seo || first.Composite != second.Composite {
		t.Fatalf("expected identical scores across repeated calls: %+v vs %+v", first, second)
	}
}

func TestSafeEvalConvertsPanicToDefault(t *testing.T) {
	t.Parallel()

	pipeline := newTestPipeline(t, &fakeBehavior{})

	got := pipeline.safeEval("basic", 1, 42, func() float64 {
		panic("boom")
	})
	if got != 42 {
		t.Fatalf("expected fallback 42 after panic, got %v", got)
	}
}
