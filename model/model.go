// Package model defines the learned-model inference contract the
// planner runs against, plus its backends: an ONNX Runtime pair of
// sessions for trained networks and a closed-form uniform model for
// bootstrap and debugging.
package model

import (
	"errors"
	"fmt"
	"os"

	"github.com/MengbinZhu/muzero-safelife/game"
)

// ErrNoSnapshot indicates a weight store that has not received a
// snapshot from the trainer yet. Workers treat it as "keep playing with
// the current model" rather than as a failure.
var ErrNoSnapshot = errors.New("no weight snapshot available")

// Inference is the result of one model call.
//
// PolicyLogits has one entry per action in the canonical action space
// order. HiddenState is the latent the planner hands back to
// RecurrentInference to walk deeper.
type Inference struct {
	Value        float32
	Reward       float32
	PolicyLogits []float32
	HiddenState  []float32
}

// Model is a MuZero-style network: representation + prediction behind
// InitialInference, dynamics + prediction behind RecurrentInference.
//
// InitialInference must return Reward == 0: there is no transition into
// the root, and the planner discards the initial value estimate too.
// Implementations are used by a single worker at a time; they do not
// need to be safe for concurrent inference.
type Model interface {
	InitialInference(observation []float32) (Inference, error)
	RecurrentInference(hidden []float32, action game.Action) (Inference, error)

	// SetWeights installs a snapshot. The model must not retain the
	// caller's slices; Snapshot.Clone at the fetch boundary guarantees
	// each replica owns its weights.
	SetWeights(snap *Snapshot) error
	// Weights returns the currently installed snapshot, nil if none.
	Weights() *Snapshot
}

// Snapshot is an immutable, versioned weight payload as produced by the
// trainer: two serialized ONNX graphs, one for each inference path.
type Snapshot struct {
	// Version increases monotonically with each trainer publish.
	Version int64
	// Initial is the representation+prediction graph.
	Initial []byte
	// Recurrent is the dynamics+prediction graph.
	Recurrent []byte
}

// Clone deep-copies the snapshot so the receiver can own it.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{Version: s.Version}
	if len(s.Initial) > 0 {
		out.Initial = make([]byte, len(s.Initial))
		copy(out.Initial, s.Initial)
	}
	if len(s.Recurrent) > 0 {
		out.Recurrent = make([]byte, len(s.Recurrent))
		copy(out.Recurrent, s.Recurrent)
	}
	return out
}

// LoadSnapshot reads an exported graph pair from disk. Used to seed the
// hub at startup and by debug tools that run a fixed checkpoint.
func LoadSnapshot(initialPath, recurrentPath string, version int64) (*Snapshot, error) {
	initial, err := os.ReadFile(initialPath)
	if err != nil {
		return nil, fmt.Errorf("read initial graph: %w", err)
	}
	recurrent, err := os.ReadFile(recurrentPath)
	if err != nil {
		return nil, fmt.Errorf("read recurrent graph: %w", err)
	}
	snap := &Snapshot{Version: version, Initial: initial, Recurrent: recurrent}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Validate checks that a snapshot is plausibly loadable.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if s.Version <= 0 {
		return fmt.Errorf("snapshot version must be positive, got %d", s.Version)
	}
	if len(s.Initial) == 0 {
		return fmt.Errorf("snapshot has no initial graph")
	}
	if len(s.Recurrent) == 0 {
		return fmt.Errorf("snapshot has no recurrent graph")
	}
	return nil
}
