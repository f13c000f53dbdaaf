package scoring

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/altwork/jobscore/internal/model"
)

// Matcher counts occurrences of a keyword in a text field. The
// production matcher is plain case-insensitive substring containment;
// the interface exists so tokenized matching can replace it without
// touching the calculator.
type Matcher interface {
	Count(text, keyword string) int
}

type substringMatcher struct{}

// NewSubstringMatcher returns the containment-based matcher.
func NewSubstringMatcher() Matcher {
	return substringMatcher{}
}

func (substringMatcher) Count(text, keyword string) int {
	if text == "" || keyword == "" {
		return 0
	}
	return strings.Count(strings.ToLower(text), strings.ToLower(keyword))
}

// KeywordSnapshot is the immutable top-N keyword corpus of one run.
type KeywordSnapshot []model.Keyword

// SeoCalculator estimates a posting's organic search value from
// keyword matches across its text fields. Scores are cached by a
// content fingerprint so unchanged text is never rescored.
type SeoCalculator struct {
	cfg     SeoTuning
	matcher Matcher

	mu    sync.RWMutex
	cache map[string]float64
}

// NewSeoCalculator creates a calculator with an empty fingerprint cache.
func NewSeoCalculator(cfg SeoTuning, matcher Matcher) *SeoCalculator {
	if matcher == nil {
		matcher = NewSubstringMatcher()
	}
	return &SeoCalculator{
		cfg:     cfg,
		matcher: matcher,
		cache:   make(map[string]float64),
	}
}

// Fingerprint hashes the scored text fields of a job. Identical text
// always produces an identical fingerprint.
func (c *SeoCalculator) Fingerprint(job *model.Job) string {
	h := fnv.New64a()
	for _, field := range []string{job.Title, job.Description, job.Benefits, job.CompanyName} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Warm seeds the cache with a previously persisted fingerprint/score
// pair, letting a rerun skip unchanged jobs entirely.
func (c *SeoCalculator) Warm(fingerprint string, score float64) {
	if fingerprint == "" {
		return
	}
	c.mu.Lock()
	c.cache[fingerprint] = score
	c.mu.Unlock()
}

// Score computes the keyword relevance score in [0,100] together with
// the content fingerprint it was computed for.
func (c *SeoCalculator) Score(job *model.Job, keywords KeywordSnapshot) (float64, string) {
	fingerprint := c.Fingerprint(job)

	c.mu.RLock()
	cached, ok := c.cache[fingerprint]
	c.mu.RUnlock()
	if ok {
		return cached, fingerprint
	}

	score := c.compute(job, keywords)

	c.mu.Lock()
	c.cache[fingerprint] = score
	c.mu.Unlock()

	return score, fingerprint
}

func (c *SeoCalculator) compute(job *model.Job, keywords KeywordSnapshot) float64 {
	fields := []struct {
		text   string
		weight float64
	}{
		{job.Title, c.cfg.Fields.Title},
		{job.Description, c.cfg.Fields.Description},
		{job.Benefits, c.cfg.Fields.Benefits},
		{job.CompanyName, c.cfg.Fields.Company},
	}

	var total float64
	for _, kw := range keywords {
		tier := c.volumeTier(kw.Volume)
		intent := c.intentWeight(kw.Intent)

		for _, field := range fields {
			count := c.matcher.Count(field.text, kw.Text)
			if count == 0 {
				continue
			}
			total += tier*field.weight*intent + c.frequencyBonus(count)
		}
	}

	if c.cfg.TheoreticalMax <= 0 {
		return 0
	}
	return clamp(total / c.cfg.TheoreticalMax * 100)
}

func (c *SeoCalculator) volumeTier(volume int) float64 {
	for _, tier := range c.cfg.VolumeTiers {
		if volume >= tier.MinVolume {
			return tier.Score
		}
	}
	return c.cfg.BaseTierScore
}

func (c *SeoCalculator) intentWeight(intent string) float64 {
	if w, ok := c.cfg.IntentWeights[strings.ToLower(intent)]; ok {
		return w
	}
	return c.cfg.DefaultIntent
}

func (c *SeoCalculator) frequencyBonus(count int) float64 {
	bonus := float64(count-1) * c.cfg.FrequencyBonusStep
	if bonus > c.cfg.FrequencyBonusCap {
		return c.cfg.FrequencyBonusCap
	}
	return bonus
}
