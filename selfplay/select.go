package selfplay

import (
	"math"
	"math/rand"
	"sort"

	"github.com/MengbinZhu/muzero-safelife/game"
	"github.com/MengbinZhu/muzero-safelife/mcts"
)

// SelectAction converts the root's visit counts into the move to play.
//
// temperature 0 is greedy (max visits, ties to the first action in
// ascending order), +Inf is uniform over the root's children, anything
// between samples visits^(1/temperature). If no child has been visited
// yet the sample falls back to uniform. The root must be expanded.
func SelectAction(rng *rand.Rand, t *mcts.Tree, temperature float64) game.Action {
	root := t.Root()

	actions := make([]game.Action, 0, len(root.Children))
	for a := range root.Children {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })

	visits := make([]int, len(actions))
	for i, a := range actions {
		visits[i] = t.Node(root.Children[a]).VisitCount
	}

	switch {
	case temperature == 0:
		best := 0
		for i := 1; i < len(visits); i++ {
			if visits[i] > visits[best] {
				best = i
			}
		}
		return actions[best]

	case math.IsInf(temperature, 1):
		return actions[rng.Intn(len(actions))]

	default:
		weights := make([]float64, len(visits))
		total := float64(0)
		for i, v := range visits {
			weights[i] = math.Pow(float64(v), 1/temperature)
			total += weights[i]
		}
		if total <= 0 {
			return actions[rng.Intn(len(actions))]
		}

		r := rng.Float64() * total
		cumulative := float64(0)
		for i, w := range weights {
			cumulative += w
			if r < cumulative {
				return actions[i]
			}
		}
		return actions[len(actions)-1] // fallback for rounding at the tail
	}
}

// VisitSoftmaxTemperature is the default schedule: explore broadly for
// the first half of training, then sharpen.
func VisitSoftmaxTemperature(trainingSteps int64) func(trainedSteps int64) float64 {
	return func(trainedSteps int64) float64 {
		switch {
		case float64(trainedSteps) < 0.5*float64(trainingSteps):
			return 1.0
		case float64(trainedSteps) < 0.75*float64(trainingSteps):
			return 0.5
		default:
			return 0.25
		}
	}
}
