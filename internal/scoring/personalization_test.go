package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/altwork/jobscore/internal/model"
	"gorm.io/datatypes"
)

// fakeBehavior is a canned BehaviorSource.
type fakeBehavior struct {
	similar     []int64
	similarErr  error
	actions     []model.UserAction
	actionsErr  error
	interacted  bool
	interactErr error
}

func (f *fakeBehavior) SimilarUserIDs(context.Context, *model.User) ([]int64, error) {
	return f.similar, f.similarErr
}

func (f *fakeBehavior) ActionsByUsers(context.Context, []int64, int64, int64, time.Time) ([]model.UserAction, error) {
	return f.actions, f.actionsErr
}

func (f *fakeBehavior) HasCompanyInteraction(context.Context, int64, int64) (bool, error) {
	return f.interacted, f.interactErr
}

func ptr(v float64) *float64 { return &v }

func newTestEngine(src BehaviorSource) *PersonalizationEngine {
	return NewPersonalizationEngine(DefaultTuning().Personal, src, nil)
}

func TestPreferenceScoreDefaultsWithoutProfile(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(&fakeBehavior{})
	user := &model.User{ID: 1}
	job := &model.Job{ID: 10, OccupationCode: "sales"}

	if got := engine.preferenceScore(user, job); got != 25 {
		t.Fatalf("expected default preference 25, got %v", got)
	}
	if got := engine.preferenceScore(nil, job); got != 25 {
		t.Fatalf("expected default preference 25 for nil user, got %v", got)
	}
}

func TestPreferenceScoreNormalizesOverApplicableParts(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(&fakeBehavior{})

	// Only a salary preference exists: the score is the salary
	// closeness alone, not diluted by missing parts.
	user := &model.User{ID: 1, PreferredSalary: 1000}
	job := &model.Job{ID: 10, WageMin: 1200, WageMax: 1320}

	// avg 1260 vs preferred 1000 -> 26% off -> 74.
	if got := engine.preferenceScore(user, job); got != 74 {
		t.Fatalf("expected 74, got %v", got)
	}
}

func TestPreferenceScoreBlendsAllParts(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(&fakeBehavior{})
	user := &model.User{
		ID:              1,
		PreferredSalary: 1260,
		CategoryWeights: datatypes.JSONMap{"sales": 80.0},
		FeatureWeights:  datatypes.JSONMap{"remote": 30.0, "flex": 40.0},
	}
	job := &model.Job{
		ID:             10,
		WageMin:        1200,
		WageMax:        1320,
		OccupationCode: "sales",
		FeatureCodes:   datatypes.NewJSONSlice([]string{"remote", "flex", "unknown"}),
	}

	// category 80 x 0.4 + salary 100 x 0.3 + features 70 x 0.3, over weight sum 1.0.
	expect := 80*0.4 + 100*0.3 + 70*0.3
	if got := engine.preferenceScore(user, job); got != expect {
		t.Fatalf("expected %v, got %v", expect, got)
	}
}

func TestLocationScoreDefaultsOnMissingCoordinates(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(&fakeBehavior{})
	user := &model.User{ID: 1, Lat: ptr(35.0), Lng: ptr(139.0)}
	job := &model.Job{ID: 10}

	if got := engine.locationScore(user, job); got != 50 {
		t.Fatalf("expected default 50 when job coordinates missing, got %v", got)
	}
	if got := engine.locationScore(&model.User{ID: 2}, &model.Job{Lat: ptr(35.0), Lng: ptr(139.0)}); got != 50 {
		t.Fatalf("expected default 50 when user coordinates missing, got %v", got)
	}
}

func TestLocationScoreBuckets(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(&fakeBehavior{})
	user := &model.User{ID: 1, Lat: ptr(35.0), Lng: ptr(139.0), RadiusKm: 10}

	tests := []struct {
		name   string
		lat    float64
		expect float64
	}{
		{name: "same point", lat: 35.0, expect: 100},
		// 0.1 deg latitude is roughly 11.1km: beyond r, within 1.5r.
		{name: "just past radius", lat: 35.1, expect: 60},
		// 0.5 deg latitude is roughly 55.6km: beyond 3r.
		{name: "far away", lat: 35.5, expect: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job := &model.Job{ID: 10, Lat: ptr(tt.lat), Lng: ptr(139.0)}
			if got := engine.locationScore(user, job); got != tt.expect {
				t.Fatalf("expected %v, got %v", tt.expect, got)
			}
		})
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	t.Parallel()

	// Tokyo station to Yokohama station is roughly 27km.
	got := haversineKm(35.6812, 139.7671, 35.4658, 139.6223)
	if got < 25 || got > 29 {
		t.Fatalf("expected roughly 27km, got %v", got)
	}
}

func TestCollaborativeScoreAveragesSimilarUserActions(t *testing.T) {
	t.Parallel()

	src := &fakeBehavior{
		similar: []int64{2, 3},
		actions: []model.UserAction{
			{UserID: 2, JobID: 10, Type: model.ActionApplication},
			{UserID: 3, JobID: 10, Type: model.ActionClick},
		},
		interacted: true,
	}
	engine := newTestEngine(src)
	user := &model.User{ID: 1, ClusterID: "c1"}
	job := &model.Job{ID: 10, CompanyID: 7}

	// (1.0+0.5)/2*100 = 75, plus the 15 company bonus.
	if got := engine.collaborativeScore(context.Background(), user, job); got != 90 {
		t.Fatalf("expected 90, got %v", got)
	}
}

func TestCollaborativeScoreDegradesOnErrors(t *testing.T) {
	t.Parallel()

	src := &fakeBehavior{
		similarErr:  errors.New("db down"),
		interactErr: errors.New("db down"),
	}
	engine := newTestEngine(src)

	got := engine.collaborativeScore(context.Background(), &model.User{ID: 1}, &model.Job{ID: 10})
	if got != 0 {
		t.Fatalf("expected 0 on source errors, got %v", got)
	}
}

func TestPersonalizedScoreBlend(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(&fakeBehavior{})
	user := &model.User{ID: 1}
	job := &model.Job{ID: 10}

	// No profile (25), no signal (0), no coordinates (50):
	// 25*0.4 + 0*0.3 + 50*0.3 = 25.
	if got := engine.Score(context.Background(), user, job); got != 25 {
		t.Fatalf("expected 25, got %v", got)
	}
}
