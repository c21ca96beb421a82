package selfplay

import (
	"fmt"

	"github.com/MengbinZhu/muzero-safelife/game"
	"github.com/MengbinZhu/muzero-safelife/mcts"
)

// GameHistory is the record of one self-play episode: everything the
// trainer needs to build targets.
//
// Observations holds the observation seen BEFORE each move plus the
// final one, so it is always one longer than the other slices.
// ChildVisits rows are normalized visit distributions over the full
// action space in canonical order, zero where the root had no child.
//
// The JSON form is the wire format workers use to ship games to the hub.
type GameHistory struct {
	GameID       string `json:"game_id"`
	ModelVersion int64  `json:"model_version"`

	Observations [][]float32   `json:"observations"`
	Actions      []game.Action `json:"actions"`
	Rewards      []float32     `json:"rewards"`
	ChildVisits  [][]float32   `json:"child_visits"`
	RootValues   []float32     `json:"root_values"`
}

// NewGameHistory returns an empty history for one episode.
func NewGameHistory(gameID string) *GameHistory {
	return &GameHistory{GameID: gameID}
}

// Moves is the number of completed moves.
func (h *GameHistory) Moves() int {
	return len(h.Actions)
}

// TotalReward sums the episode's rewards.
func (h *GameHistory) TotalReward() float32 {
	total := float32(0)
	for _, r := range h.Rewards {
		total += r
	}
	return total
}

// StoreSearchStatistics appends the root's visit distribution over the
// full action space and the root's current value estimate. Call once per
// move, after the search and before stepping to the next observation.
func (h *GameHistory) StoreSearchStatistics(t *mcts.Tree, actionSpace []game.Action) {
	root := t.Root()

	sumVisits := 0
	for _, id := range root.Children {
		sumVisits += t.Node(id).VisitCount
	}

	row := make([]float32, len(actionSpace))
	if sumVisits > 0 {
		for i, a := range actionSpace {
			if id, ok := root.Children[a]; ok {
				row[i] = float32(t.Node(id).VisitCount) / float32(sumVisits)
			}
		}
	}

	h.ChildVisits = append(h.ChildVisits, row)
	h.RootValues = append(h.RootValues, root.Value())
}

// Validate checks the length invariant that every consumer of a history
// relies on. The hub rejects games that fail it.
func (h *GameHistory) Validate() error {
	moves := len(h.Actions)
	if len(h.Rewards) != moves || len(h.ChildVisits) != moves || len(h.RootValues) != moves {
		return fmt.Errorf("inconsistent history %q: %d actions, %d rewards, %d child visit rows, %d root values",
			h.GameID, moves, len(h.Rewards), len(h.ChildVisits), len(h.RootValues))
	}
	if len(h.Observations) != moves+1 {
		return fmt.Errorf("history %q: expected %d observations for %d moves, got %d",
			h.GameID, moves+1, moves, len(h.Observations))
	}
	return nil
}
