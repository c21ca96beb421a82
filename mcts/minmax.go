package mcts

import "github.com/chewxy/math32"

// MinMaxStats tracks the bounds of node values observed during
// backpropagation so the selection formula can normalize Q values into
// [0,1] regardless of the environment's reward scale.
type MinMaxStats struct {
	min float32
	max float32
}

// NewMinMaxStats returns empty stats: min at +Inf, max at -Inf.
func NewMinMaxStats() *MinMaxStats {
	return &MinMaxStats{min: math32.Inf(1), max: math32.Inf(-1)}
}

// Update widens the bounds to include v.
func (s *MinMaxStats) Update(v float32) {
	if v > s.max {
		s.max = v
	}
	if v < s.min {
		s.min = v
	}
}

// Normalize maps v into [0,1] relative to the observed bounds. Before
// two distinct values have been seen the bounds are degenerate and v is
// returned unchanged.
func (s *MinMaxStats) Normalize(v float32) float32 {
	if s.max > s.min {
		return (v - s.min) / (s.max - s.min)
	}
	return v
}
