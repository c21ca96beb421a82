// Package store persists completed self-play episodes as Parquet move
// rows, the on-disk replay buffer format the trainer and the viewer
// read.
package store

import (
	"fmt"

	"github.com/MengbinZhu/muzero-safelife/selfplay"
)

// TerminalAction marks the episode-final row, which carries the last
// observation but no action, reward or search statistics.
const TerminalAction int32 = -1

// MoveRow is a single (game, move) training sample.
//
// ChildVisits is the normalized root visit distribution over the full
// action space, the policy target. RootValue is the search value of the
// root, used to bootstrap n-step value targets at export time.
// Observation is the flattened observation the move was searched from.
type MoveRow struct {
	GameID       string    `parquet:"game_id,dict"`
	Move         int32     `parquet:"move"`
	Action       int32     `parquet:"action"`
	Reward       float32   `parquet:"reward"`
	RootValue    float32   `parquet:"root_value"`
	ChildVisits  []float32 `parquet:"child_visits"`
	Observation  []float32 `parquet:"observation"`
	ModelVersion int64     `parquet:"model_version"`
	Worker       int32     `parquet:"worker"`
	Source       string    `parquet:"source,dict"`
}

// RowsFromHistory flattens a completed episode into one row per move
// plus a terminal row holding the final observation.
func RowsFromHistory(h *selfplay.GameHistory, worker int32, source string) ([]MoveRow, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("history %s: %w", h.GameID, err)
	}

	moves := h.Moves()
	rows := make([]MoveRow, 0, moves+1)
	for i := 0; i < moves; i++ {
		rows = append(rows, MoveRow{
			GameID:       h.GameID,
			Move:         int32(i),
			Action:       int32(h.Actions[i]),
			Reward:       h.Rewards[i],
			RootValue:    h.RootValues[i],
			ChildVisits:  h.ChildVisits[i],
			Observation:  h.Observations[i],
			ModelVersion: h.ModelVersion,
			Worker:       worker,
			Source:       source,
		})
	}
	rows = append(rows, MoveRow{
		GameID:       h.GameID,
		Move:         int32(moves),
		Action:       TerminalAction,
		Observation:  h.Observations[moves],
		ModelVersion: h.ModelVersion,
		Worker:       worker,
		Source:       source,
	})
	return rows, nil
}
