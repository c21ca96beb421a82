package mcts

import (
	"fmt"

	"github.com/MengbinZhu/muzero-safelife/game"
)

// Config holds the search parameters.
type Config struct {
	// ActionSpace is the full ordered action space. Expansions in this
	// system always cover the whole space; the model's policy head must
	// emit one logit per entry, in this order.
	ActionSpace []game.Action

	// NumSimulations is the number of tree walks per Run.
	NumSimulations int

	// Discount applies to predicted rewards during backpropagation.
	Discount float32

	// PBCBase and PBCInit control the exploration term of the UCB score.
	PBCBase float32
	PBCInit float32

	// RootDirichletAlpha is the concentration of the Dirichlet noise
	// mixed into root priors; RootExplorationFraction is the mixing
	// weight of that noise.
	RootDirichletAlpha      float64
	RootExplorationFraction float32
}

// DefaultConfig returns the standard search constants for the given
// action space. Callers typically override NumSimulations.
func DefaultConfig(actions []game.Action) Config {
	return Config{
		ActionSpace:             actions,
		NumSimulations:          50,
		Discount:                0.997,
		PBCBase:                 19652,
		PBCInit:                 1.25,
		RootDirichletAlpha:      0.25,
		RootExplorationFraction: 0.25,
	}
}

// Validate reports the first parameter that would make a search
// misbehave. New rejects invalid configs so errors surface at
// construction rather than mid-search.
func (c Config) Validate() error {
	if err := game.ValidateSpace(c.ActionSpace); err != nil {
		return err
	}
	if c.NumSimulations <= 0 {
		return fmt.Errorf("num simulations must be positive, got %d", c.NumSimulations)
	}
	if c.Discount <= 0 || c.Discount > 1 {
		return fmt.Errorf("discount must be in (0,1], got %v", c.Discount)
	}
	if c.PBCBase <= 0 {
		return fmt.Errorf("pb_c_base must be positive, got %v", c.PBCBase)
	}
	if c.RootExplorationFraction < 0 || c.RootExplorationFraction > 1 {
		return fmt.Errorf("root exploration fraction must be in [0,1], got %v", c.RootExplorationFraction)
	}
	return nil
}
