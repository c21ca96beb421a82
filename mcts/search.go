// Package mcts implements Monte-Carlo Tree Search over the latent
// states of a learned model.
//
// The search never touches an environment. The root is expanded from an
// observation via the model's initial inference; every deeper node is
// reached by feeding the parent's hidden state and the chosen action to
// the recurrent inference. Values backed up through the tree are
// normalized by the running min/max so the exploration term stays
// comparable across reward scales.
package mcts

import (
	"context"
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/MengbinZhu/muzero-safelife/game"
	"github.com/MengbinZhu/muzero-safelife/model"
)

// Inferencer is the slice of the model contract the search needs.
type Inferencer interface {
	InitialInference(observation []float32) (model.Inference, error)
	RecurrentInference(hidden []float32, action game.Action) (model.Inference, error)
}

// MCTS holds the search context. Safe to reuse across runs from a
// single goroutine; each worker replica owns its own MCTS.
type MCTS struct {
	cfg      Config
	noiseSrc rand.Source
}

// New validates cfg and returns a search context.
func New(cfg Config) (*MCTS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mcts config: %w", err)
	}
	return &MCTS{
		cfg:      cfg,
		noiseSrc: rand.NewSource(uint64(time.Now().UnixNano())),
	}, nil
}

// Seed replaces the exploration-noise source, for reproducible runs.
func (m *MCTS) Seed(seed uint64) {
	m.noiseSrc = rand.NewSource(seed)
}

// Run searches from observation and returns the finished tree.
//
// The initial inference expands the root; its value estimate is
// discarded, only values backed up from simulations count. When ctx is
// cancelled mid-run the tree built so far is returned together with the
// ctx error, so callers can still inspect partial statistics.
func (m *MCTS) Run(ctx context.Context, mdl Inferencer, observation []float32, addExplorationNoise bool) (*Tree, error) {
	tree := NewTree(1 + (m.cfg.NumSimulations+1)*len(m.cfg.ActionSpace))

	inf, err := mdl.InitialInference(observation)
	if err != nil {
		return nil, fmt.Errorf("initial inference: %w", err)
	}
	m.expand(tree, RootID, inf.Reward, inf.PolicyLogits, inf.HiddenState)

	if addExplorationNoise {
		m.addExplorationNoise(tree)
	}

	minmax := NewMinMaxStats()
	path := make([]NodeID, 0, 32)

	for i := 0; i < m.cfg.NumSimulations; i++ {
		select {
		case <-ctx.Done():
			return tree, ctx.Err()
		default:
		}

		// Selection: walk down until we leave the expanded frontier.
		node := RootID
		path = append(path[:0], node)
		var lastAction game.Action

		for tree.Node(node).Expanded() {
			lastAction, node = m.selectChild(tree, node, minmax)
			path = append(path, node)
		}

		// Expansion: the dynamics function produces the leaf's latent
		// state from the parent's latent state and the taken action.
		parent := path[len(path)-2]
		inf, err := mdl.RecurrentInference(tree.Node(parent).Hidden, lastAction)
		if err != nil {
			return nil, fmt.Errorf("recurrent inference: %w", err)
		}
		m.expand(tree, node, inf.Reward, inf.PolicyLogits, inf.HiddenState)

		m.backpropagate(tree, path, inf.Value, minmax)
	}

	return tree, nil
}

// expand attaches one child per action with priors softmaxed over the
// given actions only. Children are appended to the arena, so no *Node
// may be held across the loop.
func (m *MCTS) expand(t *Tree, id NodeID, reward float32, policyLogits []float32, hidden []float32) {
	priors := softmaxOver(policyLogits, m.cfg.ActionSpace)

	n := t.Node(id)
	n.Reward = reward
	n.Hidden = hidden
	n.Children = make(map[game.Action]NodeID, len(m.cfg.ActionSpace))

	for i, a := range m.cfg.ActionSpace {
		child := t.Add(priors[i])
		t.Node(id).Children[a] = child
	}
}

// softmaxOver computes softmax(logits) restricted to the given actions,
// indexing logits by action id. Shifted by the max logit so large
// magnitudes cannot overflow float32.
func softmaxOver(logits []float32, actions []game.Action) []float32 {
	out := make([]float32, len(actions))
	if len(actions) == 0 {
		return out
	}

	maxV := math32.Inf(-1)
	for _, a := range actions {
		if int(a) < len(logits) && logits[a] > maxV {
			maxV = logits[a]
		}
	}
	if math32.IsInf(maxV, -1) {
		maxV = 0
	}

	sum := float32(0)
	for i, a := range actions {
		v := float32(0)
		if int(a) < len(logits) {
			v = logits[a]
		}
		e := math32.Exp(v - maxV)
		out[i] = e
		sum += e
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}

// selectChild picks the child with the highest UCB score. Ties break
// toward the higher action id so the choice never depends on map
// iteration order.
func (m *MCTS) selectChild(t *Tree, id NodeID, minmax *MinMaxStats) (game.Action, NodeID) {
	bestScore := math32.Inf(-1)
	bestAction := game.Action(-1)
	bestChild := NodeID(-1)

	for action, child := range t.Node(id).Children {
		score := m.ucbScore(t, id, child, minmax)
		if score > bestScore || (score == bestScore && action > bestAction) {
			bestScore = score
			bestAction = action
			bestChild = child
		}
	}
	return bestAction, bestChild
}

// ucbScore scores a child from its parent's perspective: prior-weighted
// exploration bonus plus the normalized mean value.
func (m *MCTS) ucbScore(t *Tree, parentID, childID NodeID, minmax *MinMaxStats) float32 {
	parent := t.Node(parentID)
	child := t.Node(childID)

	pbC := math32.Log((float32(parent.VisitCount)+m.cfg.PBCBase+1)/m.cfg.PBCBase) + m.cfg.PBCInit
	pbC *= math32.Sqrt(float32(parent.VisitCount)) / float32(child.VisitCount+1)

	return pbC*child.Prior + minmax.Normalize(child.Value())
}

// backpropagate walks the search path from the leaf back to the root,
// folding each node's predicted reward into the carried value. Backup is
// single-perspective: no sign flip, the network is expected to model
// opponents itself.
func (m *MCTS) backpropagate(t *Tree, path []NodeID, value float32, minmax *MinMaxStats) {
	for i := len(path) - 1; i >= 0; i-- {
		n := t.Node(path[i])
		n.ValueSum += value
		n.VisitCount++
		minmax.Update(n.Value())

		value = n.Reward + m.cfg.Discount*value
	}
}

// addExplorationNoise mixes Dirichlet noise into the root priors, one
// draw per child, applied in action-space order.
func (m *MCTS) addExplorationNoise(t *Tree) {
	root := t.Root()
	if len(root.Children) == 0 {
		return
	}

	alpha := make([]float64, len(root.Children))
	for i := range alpha {
		alpha[i] = m.cfg.RootDirichletAlpha
	}
	noise := distmv.NewDirichlet(alpha, m.noiseSrc).Rand(nil)

	frac := m.cfg.RootExplorationFraction
	i := 0
	for _, a := range m.cfg.ActionSpace {
		child, ok := root.Children[a]
		if !ok {
			continue
		}
		n := t.Node(child)
		n.Prior = n.Prior*(1-frac) + float32(noise[i])*frac
		i++
	}
}
