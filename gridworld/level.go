// Package gridworld is a small SafeLife-flavored grid environment: an
// agent collects coins and reaches an exit on a walled board, with a
// per-step cost and dig actions that clear adjacent walls.
//
// It exists so the self-play pipeline runs end to end without any
// external environment assets; levels are plain JSON files.
package gridworld

import (
	"encoding/json"
	"fmt"
	"os"
)

// Cell is a board coordinate. (0,0) is bottom-left, y grows upward.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rewards are the per-event reward values of a level.
type Rewards struct {
	StepCost float32 `json:"step_cost"`
	Coin     float32 `json:"coin"`
	Exit     float32 `json:"exit"`
}

// DefaultRewards applies when a level file carries no rewards block.
var DefaultRewards = Rewards{StepCost: -0.01, Coin: 1, Exit: 5}

// Level describes a board layout.
type Level struct {
	Name    string   `json:"name"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Agent   Cell     `json:"agent"`
	Exit    Cell     `json:"exit"`
	Coins   []Cell   `json:"coins,omitempty"`
	Walls   []Cell   `json:"walls,omitempty"`
	Rewards *Rewards `json:"rewards,omitempty"`
}

func (l *Level) rewards() Rewards {
	if l.Rewards != nil {
		return *l.Rewards
	}
	return DefaultRewards
}

func (l *Level) inBounds(c Cell) bool {
	return c.X >= 0 && c.X < l.Width && c.Y >= 0 && c.Y < l.Height
}

// Validate checks the level for geometry problems: out-of-bounds or
// overlapping entities, degenerate boards.
func (l *Level) Validate() error {
	if l.Width < 2 || l.Height < 2 {
		return fmt.Errorf("level %q: board must be at least 2x2, got %dx%d", l.Name, l.Width, l.Height)
	}
	if !l.inBounds(l.Agent) {
		return fmt.Errorf("level %q: agent %v out of bounds", l.Name, l.Agent)
	}
	if !l.inBounds(l.Exit) {
		return fmt.Errorf("level %q: exit %v out of bounds", l.Name, l.Exit)
	}
	if l.Agent == l.Exit {
		return fmt.Errorf("level %q: agent starts on the exit", l.Name)
	}

	occupied := map[Cell]string{l.Agent: "agent", l.Exit: "exit"}
	for _, c := range l.Coins {
		if !l.inBounds(c) {
			return fmt.Errorf("level %q: coin %v out of bounds", l.Name, c)
		}
		if prev, ok := occupied[c]; ok {
			return fmt.Errorf("level %q: coin %v overlaps %s", l.Name, c, prev)
		}
		occupied[c] = "coin"
	}
	for _, c := range l.Walls {
		if !l.inBounds(c) {
			return fmt.Errorf("level %q: wall %v out of bounds", l.Name, c)
		}
		if prev, ok := occupied[c]; ok {
			return fmt.Errorf("level %q: wall %v overlaps %s", l.Name, c, prev)
		}
		occupied[c] = "wall"
	}
	return nil
}

// LoadLevel reads and validates a level JSON file.
func LoadLevel(path string) (*Level, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read level: %w", err)
	}
	var level Level
	if err := json.Unmarshal(data, &level); err != nil {
		return nil, fmt.Errorf("parse level %s: %w", path, err)
	}
	if err := level.Validate(); err != nil {
		return nil, err
	}
	return &level, nil
}

// DefaultLevel is the built-in board used when no level file is given:
// an 8x8 room with a wall pocket guarding one coin, so digging is
// occasionally the right move.
func DefaultLevel() *Level {
	return &Level{
		Name:   "default-8x8",
		Width:  8,
		Height: 8,
		Agent:  Cell{X: 1, Y: 1},
		Exit:   Cell{X: 6, Y: 6},
		Coins: []Cell{
			{X: 4, Y: 2},
			{X: 2, Y: 5},
			{X: 6, Y: 3},
		},
		Walls: []Cell{
			{X: 5, Y: 2}, {X: 5, Y: 3}, {X: 5, Y: 4},
			{X: 6, Y: 4}, {X: 7, Y: 4},
			{X: 3, Y: 3},
		},
	}
}
