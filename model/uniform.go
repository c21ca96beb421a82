package model

import (
	"fmt"

	"github.com/MengbinZhu/muzero-safelife/game"
)

// bootstrapWeights is what Uniform reports as its installed snapshot.
// Version 0 is reserved for model-free play; the trainer starts at 1.
var bootstrapWeights = &Snapshot{Version: 0}

// Uniform is the closed-form bootstrap model: zero logits (a flat policy
// after softmax), zero value and reward, and a zero latent state. Workers
// run it before a trainer exists, and debug tools use it for model-free
// episodes where the search degenerates to uniform exploration.
type Uniform struct {
	actionCount  int
	encodingSize int
}

func NewUniform(actionCount, encodingSize int) (*Uniform, error) {
	if actionCount <= 0 {
		return nil, fmt.Errorf("action count must be positive, got %d", actionCount)
	}
	if encodingSize <= 0 {
		return nil, fmt.Errorf("encoding size must be positive, got %d", encodingSize)
	}
	return &Uniform{actionCount: actionCount, encodingSize: encodingSize}, nil
}

func (u *Uniform) InitialInference(observation []float32) (Inference, error) {
	return u.infer(), nil
}

func (u *Uniform) RecurrentInference(hidden []float32, action game.Action) (Inference, error) {
	if int(action) < 0 || int(action) >= u.actionCount {
		return Inference{}, fmt.Errorf("action %d out of range [0, %d)", action, u.actionCount)
	}
	return u.infer(), nil
}

func (u *Uniform) infer() Inference {
	return Inference{
		PolicyLogits: make([]float32, u.actionCount),
		HiddenState:  make([]float32, u.encodingSize),
	}
}

// SetWeights rejects snapshots: wiring a weight store with real weights
// to a uniform model is a misconfiguration, not something to paper over.
func (u *Uniform) SetWeights(snap *Snapshot) error {
	return fmt.Errorf("uniform model cannot install weight snapshots")
}

func (u *Uniform) Weights() *Snapshot {
	return bootstrapWeights
}

var _ Model = (*Uniform)(nil)
