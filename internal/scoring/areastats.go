package scoring

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/altwork/jobscore/internal/model"
)

// AreaStats is the wage distribution summary of one region, used to
// normalize wages with a Z-score. A lookup always yields a usable
// value: regions without data resolve to the configured defaults.
type AreaStats struct {
	Region      string
	Granularity model.Granularity
	Mean        float64
	StdDev      float64
	Min         float64
	Max         float64
	Count       int
	ComputedAt  time.Time
}

// WageSource supplies the per-job average wages of active jobs with
// positive wages in one region.
type WageSource interface {
	ActiveWageSamples(ctx context.Context, region string, granularity model.Granularity) ([]float64, error)
}

// Aggregate computes mean, standard deviation, min and max over the
// sample. An empty sample yields the default tuple.
func Aggregate(region string, granularity model.Granularity, sample []float64, cfg AreaTuning, now time.Time) AreaStats {
	if len(sample) == 0 {
		return defaultAreaStats(region, granularity, cfg, now)
	}

	var sum float64
	min := sample[0]
	max := sample[0]
	for _, v := range sample {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(sample))

	var variance float64
	for _, v := range sample {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(sample))

	return AreaStats{
		Region:      region,
		Granularity: granularity,
		Mean:        mean,
		StdDev:      math.Sqrt(variance),
		Min:         min,
		Max:         max,
		Count:       len(sample),
		ComputedAt:  now,
	}
}

func defaultAreaStats(region string, granularity model.Granularity, cfg AreaTuning, now time.Time) AreaStats {
	return AreaStats{
		Region:      region,
		Granularity: granularity,
		Mean:        cfg.DefaultMean,
		StdDev:      cfg.DefaultStdDev,
		Min:         cfg.DefaultMin,
		Max:         cfg.DefaultMax,
		Count:       0,
		ComputedAt:  now,
	}
}

// AreaSnapshot caches per-region statistics for the duration of a batch
// run so every job scored in one run is normalized against the same
// distribution. Entries older than the freshness window are recomputed.
type AreaSnapshot struct {
	src WageSource
	cfg AreaTuning
	now func() time.Time

	mu    sync.RWMutex
	stats map[string]AreaStats
}

// NewAreaSnapshot creates an empty snapshot backed by the wage source.
func NewAreaSnapshot(src WageSource, cfg AreaTuning) *AreaSnapshot {
	return &AreaSnapshot{
		src:   src,
		cfg:   cfg,
		now:   time.Now,
		stats: make(map[string]AreaStats),
	}
}

// Warm precomputes statistics for every distinct region of the given
// jobs. Run serially before the workers start so lookups during the
// parallel phase are read-only.
func (s *AreaSnapshot) Warm(ctx context.Context, jobs []model.Job) error {
	seen := make(map[string]struct{})
	for i := range jobs {
		region, granularity := s.resolveRegion(jobs[i].Prefecture, jobs[i].City)
		key := string(granularity) + ":" + region
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if _, err := s.compute(ctx, region, granularity); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves the statistics for a job's region: city granularity
// when a city code is present, else prefecture, else the configured
// fallback region. It never fails; missing data yields the defaults.
func (s *AreaSnapshot) Lookup(ctx context.Context, prefecture, city string) AreaStats {
	region, granularity := s.resolveRegion(prefecture, city)
	key := string(granularity) + ":" + region

	s.mu.RLock()
	cached, ok := s.stats[key]
	s.mu.RUnlock()
	if ok && s.now().Sub(cached.ComputedAt) <= s.cfg.Freshness {
		return cached
	}

	stats, err := s.compute(ctx, region, granularity)
	if err != nil {
		return defaultAreaStats(region, granularity, s.cfg, s.now())
	}
	return stats
}

func (s *AreaSnapshot) compute(ctx context.Context, region string, granularity model.Granularity) (AreaStats, error) {
	sample, err := s.src.ActiveWageSamples(ctx, region, granularity)
	if err != nil {
		return AreaStats{}, err
	}

	stats := Aggregate(region, granularity, sample, s.cfg, s.now())

	s.mu.Lock()
	s.stats[string(granularity)+":"+region] = stats
	s.mu.Unlock()

	return stats, nil
}

func (s *AreaSnapshot) resolveRegion(prefecture, city string) (string, model.Granularity) {
	if city != "" {
		return city, model.GranularityCity
	}
	if prefecture != "" {
		return prefecture, model.GranularityPrefecture
	}
	return s.cfg.FallbackRegion, model.GranularityPrefecture
}
