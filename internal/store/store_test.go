package store

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/altwork/jobscore/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"), Options{EngagementTolerance: 5})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close error: %v", err)
		}
	})
	return s
}

func seed[T any](t *testing.T, s *Store, rows []T) {
	t.Helper()
	if err := s.DB().Create(&rows).Error; err != nil {
		t.Fatalf("seed error: %v", err)
	}
}

func TestSaveScoresUpsertKeepsOneRowPerUnit(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first := model.ScoreRecord{JobID: 1, UserID: 0, Composite: 40, SeoFingerprint: "a", ComputedAt: time.Now()}
	if err := s.SaveScores(ctx, []model.ScoreRecord{first}); err != nil {
		t.Fatalf("SaveScores error: %v", err)
	}

	second := model.ScoreRecord{JobID: 1, UserID: 0, Composite: 70, SeoFingerprint: "b", NeedsRecalculation: true, ComputedAt: time.Now()}
	if err := s.SaveScore(ctx, second); err != nil {
		t.Fatalf("SaveScore error: %v", err)
	}

	var rows []model.ScoreRecord
	if err := s.DB().Find(&rows).Error; err != nil {
		t.Fatalf("read back error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row per unit after upsert, got %d", len(rows))
	}
	if rows[0].Composite != 70 || rows[0].SeoFingerprint != "b" {
		t.Fatalf("expected updated values, got %+v", rows[0])
	}
	if rows[0].NeedsRecalculation {
		t.Fatalf("expected the recalculation flag cleared on write")
	}
}

func TestMarkNeedsRecalculation(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveScore(ctx, model.ScoreRecord{JobID: 1, ComputedAt: time.Now()}); err != nil {
		t.Fatalf("SaveScore error: %v", err)
	}
	if err := s.MarkNeedsRecalculation(ctx, 1, 0); err != nil {
		t.Fatalf("MarkNeedsRecalculation error: %v", err)
	}

	var record model.ScoreRecord
	if err := s.DB().First(&record, "job_id = ? AND user_id = ?", 1, 0).Error; err != nil {
		t.Fatalf("read back error: %v", err)
	}
	if !record.NeedsRecalculation {
		t.Fatalf("expected the record flagged")
	}

	// Flagging a unit with no record is a no-op, not an insert.
	if err := s.MarkNeedsRecalculation(ctx, 99, 0); err != nil {
		t.Fatalf("MarkNeedsRecalculation error: %v", err)
	}
	var count int64
	if err := s.DB().Model(&model.ScoreRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected no phantom rows, got %d", count)
	}
}

func TestStaleJobIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seed(t, s, []model.Job{
		{ID: 1, Active: true},  // never scored
		{ID: 2, Active: true},  // fresh record
		{ID: 3, Active: true},  // flagged for recalculation
		{ID: 4, Active: true},  // stale record
		{ID: 5, Active: false}, // inactive, never selected
	})
	seed(t, s, []model.ScoreRecord{
		{JobID: 2, ComputedAt: now},
		{JobID: 3, ComputedAt: now, NeedsRecalculation: true},
		{JobID: 4, ComputedAt: now.Add(-30 * 24 * time.Hour)},
	})

	cutoff := now.Add(-7 * 24 * time.Hour)

	ids, err := s.StaleJobIDs(ctx, cutoff, 0, false)
	if err != nil {
		t.Fatalf("StaleJobIDs error: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 3 || ids[2] != 4 {
		t.Fatalf("expected [1 3 4], got %v", ids)
	}

	forced, err := s.StaleJobIDs(ctx, cutoff, 2, true)
	if err != nil {
		t.Fatalf("StaleJobIDs error: %v", err)
	}
	if len(forced) != 4 {
		t.Fatalf("expected every active job under force, ignoring the cap, got %v", forced)
	}

	limited, err := s.StaleJobIDs(ctx, cutoff, 2, false)
	if err != nil {
		t.Fatalf("StaleJobIDs error: %v", err)
	}
	if len(limited) != 2 || limited[0] != 1 || limited[1] != 3 {
		t.Fatalf("expected the first two stale ids, got %v", limited)
	}
}

func TestActiveWageSamples(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, []model.Job{
		{ID: 1, Active: true, Prefecture: "13", City: "13101", WageMin: 1000, WageMax: 1200},
		{ID: 2, Active: true, Prefecture: "13", City: "13102", WageMin: 1400, WageMax: 1600},
		{ID: 3, Active: false, Prefecture: "13", WageMin: 2000, WageMax: 2000}, // inactive
		{ID: 4, Active: true, Prefecture: "13", WageMin: 0, WageMax: 0},       // no wage posted
		{ID: 5, Active: true, Prefecture: "01", WageMin: 900, WageMax: 1100},  // other region
	})

	samples, err := s.ActiveWageSamples(ctx, "13", model.GranularityPrefecture)
	if err != nil {
		t.Fatalf("ActiveWageSamples error: %v", err)
	}
	slices.Sort(samples)
	if len(samples) != 2 || samples[0] != 1100 || samples[1] != 1500 {
		t.Fatalf("expected midpoints [1100 1500], got %v", samples)
	}

	city, err := s.ActiveWageSamples(ctx, "13102", model.GranularityCity)
	if err != nil {
		t.Fatalf("ActiveWageSamples error: %v", err)
	}
	if len(city) != 1 || city[0] != 1500 {
		t.Fatalf("expected the single city sample, got %v", city)
	}
}

func TestSimilarUserIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, []model.User{
		{ID: 1, ClusterID: "c1", Engagement: 50},
		{ID: 2, ClusterID: "c1", Engagement: 90}, // same cluster
		{ID: 3, ClusterID: "c2", Engagement: 52}, // within tolerance
		{ID: 4, ClusterID: "c2", Engagement: 70}, // neither
	})

	ids, err := s.SimilarUserIDs(ctx, &model.User{ID: 1, ClusterID: "c1", Engagement: 50})
	if err != nil {
		t.Fatalf("SimilarUserIDs error: %v", err)
	}
	slices.Sort(ids)
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("expected [2 3], got %v", ids)
	}

	// Without a cluster only the engagement band applies.
	ids, err = s.SimilarUserIDs(ctx, &model.User{ID: 4, Engagement: 50})
	if err != nil {
		t.Fatalf("SimilarUserIDs error: %v", err)
	}
	slices.Sort(ids)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("expected [1 3], got %v", ids)
	}
}

func TestActionsByUsers(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seed(t, s, []model.UserAction{
		{ID: 1, UserID: 2, JobID: 10, CompanyID: 7, Type: model.ActionApplication, CreatedAt: now.Add(-time.Hour)},
		{ID: 2, UserID: 3, JobID: 11, CompanyID: 7, Type: model.ActionClick, CreatedAt: now.Add(-time.Hour)},
		{ID: 3, UserID: 2, JobID: 10, CompanyID: 7, Type: model.ActionView, CreatedAt: now.Add(-200 * 24 * time.Hour)}, // outside window
		{ID: 4, UserID: 9, JobID: 10, CompanyID: 7, Type: model.ActionFavorite, CreatedAt: now.Add(-time.Hour)},       // not a similar user
		{ID: 5, UserID: 2, JobID: 12, CompanyID: 8, Type: model.ActionClick, CreatedAt: now.Add(-time.Hour)},          // unrelated job and company
	})

	since := now.Add(-90 * 24 * time.Hour)
	actions, err := s.ActionsByUsers(ctx, []int64{2, 3}, 10, 7, since)
	if err != nil {
		t.Fatalf("ActionsByUsers error: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected the application and the company-level click, got %+v", actions)
	}

	empty, err := s.ActionsByUsers(ctx, nil, 10, 7, since)
	if err != nil {
		t.Fatalf("ActionsByUsers error: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil for an empty user set, got %+v", empty)
	}
}

func TestHasCompanyInteraction(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, []model.UserAction{
		{ID: 1, UserID: 1, JobID: 10, CompanyID: 7, Type: model.ActionView, CreatedAt: time.Now().Add(-365 * 24 * time.Hour)},
	})

	got, err := s.HasCompanyInteraction(ctx, 1, 7)
	if err != nil {
		t.Fatalf("HasCompanyInteraction error: %v", err)
	}
	if !got {
		t.Fatalf("expected an interaction regardless of age")
	}

	got, err = s.HasCompanyInteraction(ctx, 1, 8)
	if err != nil {
		t.Fatalf("HasCompanyInteraction error: %v", err)
	}
	if got {
		t.Fatalf("expected no interaction with company 8")
	}
}

func TestTopKeywords(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, []model.Keyword{
		{ID: 1, Text: "sales", Volume: 500},
		{ID: 2, Text: "engineer", Volume: 12000},
		{ID: 3, Text: "nurse", Volume: 3000},
	})

	keywords, err := s.TopKeywords(ctx, 2)
	if err != nil {
		t.Fatalf("TopKeywords error: %v", err)
	}
	if len(keywords) != 2 {
		t.Fatalf("expected 2 keywords, got %d", len(keywords))
	}
	if keywords[0].Text != "engineer" || keywords[1].Text != "nurse" {
		t.Fatalf("expected highest volume first, got %+v", keywords)
	}
}

func TestSeoFingerprints(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, []model.ScoreRecord{
		{JobID: 1, Seo: 40, SeoFingerprint: "fp-1", ComputedAt: time.Now()},
		{JobID: 2, Seo: 60, SeoFingerprint: "", ComputedAt: time.Now()},
		{JobID: 3, Seo: 80, SeoFingerprint: "fp-3", ComputedAt: time.Now()},
	})

	got, err := s.SeoFingerprints(ctx, []int64{1, 2})
	if err != nil {
		t.Fatalf("SeoFingerprints error: %v", err)
	}
	if len(got) != 1 || got["fp-1"] != 40 {
		t.Fatalf("expected only fp-1, got %v", got)
	}

	empty, err := s.SeoFingerprints(ctx, nil)
	if err != nil {
		t.Fatalf("SeoFingerprints error: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil for an empty id set, got %v", empty)
	}
}

func TestBatchRunLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	run := &model.BatchRun{ID: "run-1", Status: model.RunStatusRunning, ChunkSize: 100, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}

	if err := s.UpdateRunProgress(ctx, "run-1", 2, 200, 1); err != nil {
		t.Fatalf("UpdateRunProgress error: %v", err)
	}
	if err := s.FinishRun(ctx, "run-1", model.RunStatusCompleted); err != nil {
		t.Fatalf("FinishRun error: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got.LastChunk != 2 || got.Processed != 200 || got.Failed != 1 {
		t.Fatalf("expected checkpoint preserved, got %+v", got)
	}
	if got.Status != model.RunStatusCompleted {
		t.Fatalf("expected completed status, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected a completion timestamp")
	}

	if _, err := s.GetRun(ctx, "missing"); err == nil {
		t.Fatalf("expected an error for an unknown run")
	}
}
