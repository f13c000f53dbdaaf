package scoring

import (
	"sort"

	"github.com/altwork/jobscore/internal/model"
)

// PopularitySnapshot maps company id to a popularity score in [0,100],
// resolved once per batch run.
type PopularitySnapshot map[int64]float64

// BuildPopularitySnapshot resolves every company's popularity: the
// precomputed score when present, otherwise the percentile rank of the
// company's application rate among all companies with a known rate.
// Companies absent from the snapshot fall back to the tuning default.
func BuildPopularitySnapshot(records []model.CompanyPopularity) PopularitySnapshot {
	snapshot := make(PopularitySnapshot, len(records))

	rates := make([]float64, 0, len(records))
	for i := range records {
		if records[i].Score == nil && records[i].ApplicationRate != nil {
			rates = append(rates, *records[i].ApplicationRate)
		}
	}
	sort.Float64s(rates)

	for i := range records {
		switch {
		case records[i].Score != nil:
			snapshot[records[i].CompanyID] = clamp(*records[i].Score)
		case records[i].ApplicationRate != nil:
			snapshot[records[i].CompanyID] = percentileRank(rates, *records[i].ApplicationRate)
		}
	}

	return snapshot
}

// percentileRank returns the share of values strictly below v, in [0,100].
func percentileRank(sorted []float64, v float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	below := sort.SearchFloat64s(sorted, v)
	return float64(below) / float64(len(sorted)) * 100
}

// BasicCalculator produces the wage/fee/popularity component of a job's
// score. It is pure: all inputs come from the per-run snapshots.
type BasicCalculator struct {
	cfg BasicTuning
}

// NewBasicCalculator creates a calculator with the given tuning.
func NewBasicCalculator(cfg BasicTuning) BasicCalculator {
	return BasicCalculator{cfg: cfg}
}

// Score computes the basic score in [0,100]. A fee at or below the
// floor is a terminal business rule: the job scores 0 regardless of
// wage and popularity.
func (c BasicCalculator) Score(job *model.Job, area AreaStats, popularity PopularitySnapshot) float64 {
	if job.Fee <= c.cfg.FeeFloor {
		return 0
	}

	wage := c.wageScore(job.AvgWage(), area)
	fee := c.feeScore(job.Fee)
	pop := c.popularityScore(job.CompanyID, popularity)

	return clamp(wage*c.cfg.WageWeight + fee*c.cfg.FeeWeight + pop*c.cfg.PopularityWeight)
}

// wageScore maps the wage Z-score so that -2 sigma scores 0, the mean
// scores 50 and +2 sigma scores 100.
func (c BasicCalculator) wageScore(avgWage float64, area AreaStats) float64 {
	z := 0.0
	if area.StdDev != 0 {
		z = (avgWage - area.Mean) / area.StdDev
	}
	return clamp((z + 2) * 25)
}

// feeScore interpolates linearly between the fee floor and ceiling.
func (c BasicCalculator) feeScore(fee int) float64 {
	switch {
	case fee <= c.cfg.FeeFloor:
		return 0
	case fee >= c.cfg.FeeCeil:
		return 100
	default:
		return float64(fee-c.cfg.FeeFloor) / float64(c.cfg.FeeCeil-c.cfg.FeeFloor) * 100
	}
}

func (c BasicCalculator) popularityScore(companyID int64, popularity PopularitySnapshot) float64 {
	if score, ok := popularity[companyID]; ok {
		return score
	}
	return c.cfg.DefaultPopularity
}
