package mcts

import (
	"github.com/MengbinZhu/muzero-safelife/game"
)

// NodeID is a stable handle into a Tree's node arena. Handles stay valid
// as the tree grows; raw *Node pointers do not survive an expansion and
// must never be held across one.
type NodeID int32

// RootID is the id of the root node in every tree.
const RootID NodeID = 0

// Node is one state in the search tree.
//
// Hidden is the latent state the model produced for this node. Reward is
// the model's predicted reward on the edge leading into the node (zero
// at the root). ToPlay is carried for schema compatibility with
// multi-player setups but never used: backup is single-perspective, the
// network is expected to model opponents itself.
type Node struct {
	VisitCount int
	ToPlay     int
	Prior      float32
	ValueSum   float32
	Reward     float32
	Hidden     []float32
	Children   map[game.Action]NodeID
}

// Expanded reports whether the node has at least one child.
func (n *Node) Expanded() bool {
	return len(n.Children) > 0
}

// Value is the mean backed-up value, exactly 0 while unvisited.
func (n *Node) Value() float32 {
	if n.VisitCount == 0 {
		return 0
	}
	return n.ValueSum / float32(n.VisitCount)
}

// Tree is a search tree backed by a flat node arena. There are no parent
// pointers; a walk records its path as an explicit []NodeID.
type Tree struct {
	nodes []Node
}

// NewTree allocates a tree holding a single unexpanded root.
func NewTree(capacityHint int) *Tree {
	if capacityHint < 1 {
		capacityHint = 1
	}
	t := &Tree{nodes: make([]Node, 0, capacityHint)}
	t.Add(0)
	return t
}

// Add appends a fresh unexpanded node with the given prior and returns
// its id. Any *Node obtained before the call may be invalidated.
func (t *Tree) Add(prior float32) NodeID {
	t.nodes = append(t.nodes, Node{Prior: prior, ToPlay: -1})
	return NodeID(len(t.nodes) - 1)
}

// Node returns the node for id. The pointer is invalidated by the next
// expansion; re-resolve instead of caching it.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// Root returns the root node, with the same validity caveat as Node.
func (t *Tree) Root() *Node {
	return &t.nodes[RootID]
}

// Len is the number of allocated nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}
