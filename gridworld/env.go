package gridworld

import (
	"fmt"
	"log"
	"strings"

	"github.com/MengbinZhu/muzero-safelife/game"
)

// The action space: stay put, move, or dig out an adjacent wall.
const (
	ActionNoop = game.Action(iota)
	ActionMoveUp
	ActionMoveDown
	ActionMoveLeft
	ActionMoveRight
	ActionDigUp
	ActionDigDown
	ActionDigLeft
	ActionDigRight

	ActionCount = 9
)

// Observation channels, each a full board plane.
const (
	channelWall = iota
	channelCoin
	channelAgent
	channelExit

	channelCount = 4
)

var deltas = map[game.Action]Cell{
	ActionMoveUp:    {X: 0, Y: 1},
	ActionMoveDown:  {X: 0, Y: -1},
	ActionMoveLeft:  {X: -1, Y: 0},
	ActionMoveRight: {X: 1, Y: 0},
	ActionDigUp:     {X: 0, Y: 1},
	ActionDigDown:   {X: 0, Y: -1},
	ActionDigLeft:   {X: -1, Y: 0},
	ActionDigRight:  {X: 1, Y: 0},
}

// Env is a single-agent episode over one Level. Moving into a wall or
// off the board is a no-op that still pays the step cost; dig actions
// clear the adjacent wall cell. The episode ends when the agent reaches
// the exit.
type Env struct {
	level   *Level
	rewards Rewards

	walls   map[Cell]bool
	coins   map[Cell]bool
	agent   Cell
	steps   int
	done    bool
	started bool
	closed  bool
}

// New validates level and builds an environment. Reset must be called
// before the first Step.
func New(level *Level) (*Env, error) {
	if level == nil {
		return nil, fmt.Errorf("level is required")
	}
	if err := level.Validate(); err != nil {
		return nil, err
	}
	return &Env{level: level, rewards: level.rewards()}, nil
}

// ObservationSize is the length of the flat observation vector.
func (e *Env) ObservationSize() int {
	return channelCount * e.level.Width * e.level.Height
}

// Reset restores the level's initial layout and returns the first
// observation.
func (e *Env) Reset() ([]float32, error) {
	if e.closed {
		return nil, fmt.Errorf("env is closed")
	}

	e.walls = make(map[Cell]bool, len(e.level.Walls))
	for _, c := range e.level.Walls {
		e.walls[c] = true
	}
	e.coins = make(map[Cell]bool, len(e.level.Coins))
	for _, c := range e.level.Coins {
		e.coins[c] = true
	}
	e.agent = e.level.Agent
	e.steps = 0
	e.done = false
	e.started = true

	return e.observe(), nil
}

// Step applies one action.
func (e *Env) Step(action game.Action) ([]float32, float32, bool, error) {
	if e.closed {
		return nil, 0, false, fmt.Errorf("env is closed")
	}
	if !e.started {
		return nil, 0, false, fmt.Errorf("step before reset")
	}
	if e.done {
		return nil, 0, false, fmt.Errorf("episode finished, reset required")
	}
	if action < 0 || action >= ActionCount {
		return nil, 0, false, fmt.Errorf("action %d outside action space", action)
	}

	e.steps++
	reward := e.rewards.StepCost

	switch {
	case action >= ActionMoveUp && action <= ActionMoveRight:
		next := e.agent.plus(deltas[action])
		if e.level.inBounds(next) && !e.walls[next] {
			e.agent = next
			if e.coins[next] {
				delete(e.coins, next)
				reward += e.rewards.Coin
			}
			if next == e.level.Exit {
				reward += e.rewards.Exit
				e.done = true
			}
		}
	case action >= ActionDigUp && action <= ActionDigRight:
		target := e.agent.plus(deltas[action])
		if e.level.inBounds(target) && e.walls[target] {
			delete(e.walls, target)
		}
	}

	return e.observe(), reward, e.done, nil
}

// LegalActions returns the full action space: every action is always
// applicable, ineffective ones simply waste a step.
func (e *Env) LegalActions() []game.Action {
	return game.Space(ActionCount)
}

// Render logs an ASCII view of the board.
func (e *Env) Render() {
	if !e.started {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n=== %s step %d ===\n", e.level.Name, e.steps))
	for y := e.level.Height - 1; y >= 0; y-- {
		for x := 0; x < e.level.Width; x++ {
			c := Cell{X: x, Y: y}
			switch {
			case c == e.agent:
				sb.WriteString("A ")
			case c == e.level.Exit:
				sb.WriteString("E ")
			case e.walls[c]:
				sb.WriteString("# ")
			case e.coins[c]:
				sb.WriteString("o ")
			default:
				sb.WriteString(". ")
			}
		}
		sb.WriteString("\n")
	}
	log.Print(sb.String())
}

// Close releases the environment. Further Reset or Step calls fail.
func (e *Env) Close() error {
	e.closed = true
	return nil
}

func (e *Env) observe() []float32 {
	w, h := e.level.Width, e.level.Height
	obs := make([]float32, channelCount*w*h)

	plane := func(ch int, c Cell) {
		obs[ch*w*h+c.Y*w+c.X] = 1
	}
	for c := range e.walls {
		plane(channelWall, c)
	}
	for c := range e.coins {
		plane(channelCoin, c)
	}
	plane(channelAgent, e.agent)
	plane(channelExit, e.level.Exit)

	return obs
}

func (c Cell) plus(d Cell) Cell {
	return Cell{X: c.X + d.X, Y: c.Y + d.Y}
}

var _ game.Environment = (*Env)(nil)
