package scoring

// CompositeScorer blends the three component scores into the final
// ranking score. Construction validates the weights; every other
// calculator degrades on bad input, this one alone refuses to start.
type CompositeScorer struct {
	weights Weights
}

// NewCompositeScorer validates the weight triple and returns the
// scorer, or a ConfigurationError when the weights do not sum to 1.0
// within tolerance.
func NewCompositeScorer(weights Weights) (*CompositeScorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &CompositeScorer{weights: weights}, nil
}

// Score blends the components for a (user, job) pair.
func (s *CompositeScorer) Score(basic, seo, personalized float64) float64 {
	return clamp(basic*s.weights.Basic + seo*s.weights.Seo + personalized*s.weights.Personalized)
}

// ScoreJobOnly blends the components when no user context exists. The
// basic score stands in for the personalized component; a crude
// approximation kept for compatibility with the established ranking
// rather than renormalizing the remaining weights.
func (s *CompositeScorer) ScoreJobOnly(basic, seo float64) float64 {
	return s.Score(basic, seo, basic)
}
