package mcts

import (
	"context"
	"testing"

	"github.com/chewxy/math32"

	"github.com/MengbinZhu/muzero-safelife/game"
	"github.com/MengbinZhu/muzero-safelife/model"
)

// MockModel mocks the Inferencer interface with fixed outputs.
type MockModel struct {
	Logits     []float32
	Value      float32
	Reward     float32
	HiddenSize int

	InitialCalls   int
	RecurrentCalls int
}

func (m *MockModel) InitialInference(observation []float32) (model.Inference, error) {
	m.InitialCalls++
	return model.Inference{
		Value:        m.Value,
		Reward:       0,
		PolicyLogits: append([]float32(nil), m.Logits...),
		HiddenState:  make([]float32, m.HiddenSize),
	}, nil
}

func (m *MockModel) RecurrentInference(hidden []float32, action game.Action) (model.Inference, error) {
	m.RecurrentCalls++
	return model.Inference{
		Value:        m.Value,
		Reward:       m.Reward,
		PolicyLogits: append([]float32(nil), m.Logits...),
		HiddenState:  make([]float32, m.HiddenSize),
	}, nil
}

func testConfig(actions, sims int) Config {
	cfg := DefaultConfig(game.Space(actions))
	cfg.NumSimulations = sims
	cfg.Discount = 0.5
	return cfg
}

func TestExpandPriors(t *testing.T) {
	m, err := New(testConfig(3, 1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// exp(logits) proportional to 2:5:3 after normalization.
	logits := []float32{math32.Log(2), math32.Log(5), math32.Log(3)}
	tree := NewTree(4)
	m.expand(tree, RootID, 0, logits, nil)

	root := tree.Root()
	if len(root.Children) != 3 {
		t.Fatalf("Expected 3 children, got %d", len(root.Children))
	}

	want := []float32{0.2, 0.5, 0.3}
	sum := float32(0)
	for a, id := range root.Children {
		prior := tree.Node(id).Prior
		sum += prior
		if diff := math32.Abs(prior - want[a]); diff > 1e-5 {
			t.Errorf("Action %d: expected prior %v, got %v", a, want[a], prior)
		}
	}
	if math32.Abs(sum-1) > 1e-5 {
		t.Errorf("Expected priors to sum to 1, got %v", sum)
	}
}

func TestNodeValue(t *testing.T) {
	n := Node{}
	if v := n.Value(); v != 0 {
		t.Errorf("Expected unvisited value 0, got %v", v)
	}

	n.ValueSum = 3
	n.VisitCount = 2
	if v := n.Value(); v != 1.5 {
		t.Errorf("Expected value 1.5, got %v", v)
	}
}

func TestMinMaxStats(t *testing.T) {
	s := NewMinMaxStats()

	// Identity before any update.
	if v := s.Normalize(4.2); v != 4.2 {
		t.Errorf("Expected 4.2 before updates, got %v", v)
	}

	// Identity while bounds are collapsed onto a single value.
	s.Update(1)
	if v := s.Normalize(7); v != 7 {
		t.Errorf("Expected 7 with collapsed bounds, got %v", v)
	}

	s.Update(3)
	if v := s.Normalize(2); v != 0.5 {
		t.Errorf("Expected 0.5, got %v", v)
	}
	if v := s.Normalize(1); v != 0 {
		t.Errorf("Expected 0 at the minimum, got %v", v)
	}
	if v := s.Normalize(3); v != 1 {
		t.Errorf("Expected 1 at the maximum, got %v", v)
	}
}

func TestSelectChildPrefersHigherPrior(t *testing.T) {
	m, err := New(testConfig(3, 1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logits := []float32{math32.Log(2), math32.Log(5), math32.Log(3)}
	tree := NewTree(4)
	m.expand(tree, RootID, 0, logits, nil)

	// With one root visit the exploration term is proportional to the
	// prior, so the highest prior must win.
	tree.Root().VisitCount = 1

	action, _ := m.selectChild(tree, RootID, NewMinMaxStats())
	if action != 1 {
		t.Errorf("Expected action 1 (highest prior), got %d", action)
	}
}

func TestSelectChildTieBreaksOnActionID(t *testing.T) {
	m, err := New(testConfig(3, 1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logits := []float32{math32.Log(2), math32.Log(5), math32.Log(3)}
	tree := NewTree(4)
	m.expand(tree, RootID, 0, logits, nil)

	// Zero root visits zero out the exploration term, so every child
	// scores exactly 0 and the tie policy decides: larger action wins.
	action, _ := m.selectChild(tree, RootID, NewMinMaxStats())
	if action != 2 {
		t.Errorf("Expected action 2 on exact tie, got %d", action)
	}
}

func TestRunSingleSimulation(t *testing.T) {
	client := &MockModel{
		Logits:     []float32{math32.Log(2), math32.Log(5), math32.Log(3)},
		Value:      1.0,
		Reward:     0.5,
		HiddenSize: 4,
	}
	m, err := New(testConfig(3, 1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tree, err := m.Run(context.Background(), client, []float32{0}, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	root := tree.Root()
	if root.VisitCount != 1 {
		t.Errorf("Expected root VisitCount 1, got %d", root.VisitCount)
	}

	// The single simulation descends into exactly one child: the tie
	// policy sends it to action 2 while all scores are still zero.
	visited := game.Action(-1)
	for a, id := range root.Children {
		if tree.Node(id).VisitCount == 0 {
			continue
		}
		if visited >= 0 {
			t.Fatalf("Expected exactly one visited child, found %d and %d", visited, a)
		}
		visited = a
		if got := tree.Node(id).VisitCount; got != 1 {
			t.Errorf("Expected child VisitCount 1, got %d", got)
		}
	}
	if visited != 2 {
		t.Errorf("Expected the simulation to visit child 2, got %d", visited)
	}

	// Backprop folds the leaf's predicted reward into the root's value:
	// root receives reward + discount*value = 0.5 + 0.5*1.0.
	if diff := math32.Abs(root.ValueSum - 1.0); diff > 1e-5 {
		t.Errorf("Expected root ValueSum 1.0, got %v", root.ValueSum)
	}
	if client.InitialCalls != 1 {
		t.Errorf("Expected 1 initial inference, got %d", client.InitialCalls)
	}
	if client.RecurrentCalls != 1 {
		t.Errorf("Expected 1 recurrent inference, got %d", client.RecurrentCalls)
	}
}

func TestRunVisitAccounting(t *testing.T) {
	client := &MockModel{
		Logits:     []float32{0.1, 0.9, 0.3, 0.2},
		Value:      0.7,
		Reward:     0.1,
		HiddenSize: 8,
	}
	m, err := New(testConfig(4, 25))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tree, err := m.Run(context.Background(), client, []float32{0}, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	simulations := 25
	root := tree.Root()
	if root.VisitCount != simulations {
		t.Errorf("Expected root VisitCount %d, got %d", simulations, root.VisitCount)
	}

	totalChildVisits := 0
	for _, id := range root.Children {
		totalChildVisits += tree.Node(id).VisitCount
	}
	if totalChildVisits != simulations {
		t.Errorf("Expected sum of child visits %d, got %d", simulations, totalChildVisits)
	}

	if client.RecurrentCalls != simulations {
		t.Errorf("Expected %d recurrent inferences, got %d", simulations, client.RecurrentCalls)
	}
}

func TestRunDiscardsInitialValue(t *testing.T) {
	// An absurd initial value must leave no trace in the tree: only
	// recurrent values are backed up.
	client := &MockModel{
		Logits:     []float32{0, 0, 0},
		Value:      1.0,
		Reward:     0,
		HiddenSize: 2,
	}
	m, err := New(testConfig(3, 1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tree, err := m.Run(context.Background(), client, []float32{0}, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// One backprop of value 1.0 through reward 0, discount 0.5.
	if got := tree.Root().ValueSum; math32.Abs(got-0.5) > 1e-5 {
		t.Errorf("Expected root ValueSum 0.5, got %v", got)
	}
}

func TestExplorationNoise(t *testing.T) {
	client := &MockModel{
		Logits:     []float32{math32.Log(2), math32.Log(5), math32.Log(3)},
		HiddenSize: 2,
	}
	m, err := New(testConfig(3, 1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.Seed(1)

	tree, err := m.Run(context.Background(), client, []float32{0}, true)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	root := tree.Root()
	sum := float32(0)
	changed := false
	want := []float32{0.2, 0.5, 0.3}
	for a, id := range root.Children {
		prior := tree.Node(id).Prior
		if prior < 0 || prior > 1 {
			t.Errorf("Action %d: prior %v out of [0,1]", a, prior)
		}
		if math32.Abs(prior-want[a]) > 1e-6 {
			changed = true
		}
		sum += prior
	}
	if math32.Abs(sum-1) > 1e-5 {
		t.Errorf("Expected noisy priors to sum to 1, got %v", sum)
	}
	if !changed {
		t.Errorf("Expected noise to move at least one prior")
	}
}

func TestRunCancelled(t *testing.T) {
	client := &MockModel{Logits: []float32{0, 0}, HiddenSize: 2}
	m, err := New(testConfig(2, 100))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tree, err := m.Run(ctx, client, []float32{0}, false)
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if tree == nil {
		t.Fatalf("Expected partial tree on cancellation")
	}
	if !tree.Root().Expanded() {
		t.Errorf("Expected root to be expanded before the first simulation check")
	}
	if tree.Root().VisitCount != 0 {
		t.Errorf("Expected no simulations to run, got %d", tree.Root().VisitCount)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty action space", func(c *Config) { c.ActionSpace = nil }},
		{"duplicate actions", func(c *Config) { c.ActionSpace = []game.Action{0, 1, 1} }},
		{"zero simulations", func(c *Config) { c.NumSimulations = 0 }},
		{"zero discount", func(c *Config) { c.Discount = 0 }},
		{"discount above one", func(c *Config) { c.Discount = 1.5 }},
		{"negative pb_c_base", func(c *Config) { c.PBCBase = -1 }},
		{"exploration fraction above one", func(c *Config) { c.RootExplorationFraction = 1.5 }},
	}

	for _, tc := range cases {
		cfg := DefaultConfig(game.Space(3))
		tc.mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}

	if _, err := New(DefaultConfig(game.Space(3))); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func BenchmarkRun(b *testing.B) {
	client := &MockModel{
		Logits:     make([]float32, 9),
		Value:      0.3,
		Reward:     0.05,
		HiddenSize: 64,
	}
	cfg := testConfig(9, 50)
	m, err := New(cfg)
	if err != nil {
		b.Fatalf("New failed: %v", err)
	}
	obs := make([]float32, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Run(context.Background(), client, obs, true); err != nil {
			b.Fatalf("Run failed: %v", err)
		}
	}
}
