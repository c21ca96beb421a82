// Package game defines the contract between environments and the
// planning core.
//
// Environments expose flat float32 observations so they can feed the
// learned model directly; the search itself never touches an
// Environment, it only ever sees observations and latent states.
package game

import "fmt"

// Action is a discrete action id. Action spaces are dense: [0..n).
type Action int32

// Space returns the canonical ordered action space of size n.
func Space(n int) []Action {
	actions := make([]Action, n)
	for i := range actions {
		actions[i] = Action(i)
	}
	return actions
}

// Environment is a single-agent episodic environment.
//
// Step returns the observation AFTER the action, the reward for the
// transition, and whether the episode has terminated. Reset must be
// callable any number of times; Close is called once when the owner
// shuts down.
type Environment interface {
	Reset() ([]float32, error)
	Step(action Action) (obs []float32, reward float32, done bool, err error)
	LegalActions() []Action
	Render()
	Close() error
}

// ValidateSpace checks that an action space is usable by the planner:
// non-empty, no duplicates.
func ValidateSpace(actions []Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("action space is empty")
	}
	seen := make(map[Action]struct{}, len(actions))
	for _, a := range actions {
		if _, ok := seen[a]; ok {
			return fmt.Errorf("duplicate action %d in action space", a)
		}
		seen[a] = struct{}{}
	}
	return nil
}
