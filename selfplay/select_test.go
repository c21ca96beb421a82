package selfplay

import (
	"math"
	"math/rand"
	"testing"

	"github.com/MengbinZhu/muzero-safelife/game"
)

func TestSelectActionGreedy(t *testing.T) {
	tree := visitTree(map[game.Action]int{0: 3, 1: 7, 2: 0})
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		if got := SelectAction(rng, tree, 0); got != 1 {
			t.Fatalf("Iteration %d: expected action 1, got %d", i, got)
		}
	}
}

func TestSelectActionGreedyTieTakesFirst(t *testing.T) {
	tree := visitTree(map[game.Action]int{0: 5, 1: 5, 2: 3})
	rng := rand.New(rand.NewSource(1))

	// Ties break to the first occurrence in ascending action order.
	for i := 0; i < 50; i++ {
		if got := SelectAction(rng, tree, 0); got != 0 {
			t.Fatalf("Iteration %d: expected action 0 on tie, got %d", i, got)
		}
	}
}

func TestSelectActionInfiniteTemperature(t *testing.T) {
	tree := visitTree(map[game.Action]int{0: 0, 1: 10, 2: 0})
	rng := rand.New(rand.NewSource(1))

	counts := map[game.Action]int{}
	for i := 0; i < 300; i++ {
		counts[SelectAction(rng, tree, math.Inf(1))]++
	}

	// Uniform over children regardless of visit counts.
	for a := game.Action(0); a < 3; a++ {
		if counts[a] == 0 {
			t.Errorf("Expected action %d to be sampled under infinite temperature, got 0 of 300", a)
		}
	}
}

func TestSelectActionSamplesByVisits(t *testing.T) {
	tree := visitTree(map[game.Action]int{0: 1, 1: 3, 2: 0})
	rng := rand.New(rand.NewSource(7))

	counts := map[game.Action]int{}
	for i := 0; i < 400; i++ {
		counts[SelectAction(rng, tree, 1)]++
	}

	if counts[2] != 0 {
		t.Errorf("Expected zero-visit action 2 never sampled at temperature 1, got %d", counts[2])
	}
	if counts[1] <= counts[0] {
		t.Errorf("Expected action 1 (3 visits) sampled more than action 0 (1 visit), got %d vs %d", counts[1], counts[0])
	}
}

func TestSelectActionNoVisitsFallsBackToUniform(t *testing.T) {
	tree := visitTree(map[game.Action]int{0: 0, 1: 0})
	rng := rand.New(rand.NewSource(3))

	counts := map[game.Action]int{}
	for i := 0; i < 100; i++ {
		a := SelectAction(rng, tree, 0.5)
		if a != 0 && a != 1 {
			t.Fatalf("Expected an existing child, got %d", a)
		}
		counts[a]++
	}
	if counts[0] == 0 || counts[1] == 0 {
		t.Errorf("Expected both children sampled under the fallback, got %v", counts)
	}
}

func TestVisitSoftmaxTemperature(t *testing.T) {
	fn := VisitSoftmaxTemperature(100)

	cases := []struct {
		step int64
		want float64
	}{
		{0, 1.0},
		{49, 1.0},
		{50, 0.5},
		{74, 0.5},
		{75, 0.25},
		{1000, 0.25},
	}
	for _, tc := range cases {
		if got := fn(tc.step); got != tc.want {
			t.Errorf("Step %d: expected temperature %v, got %v", tc.step, tc.want, got)
		}
	}
}
