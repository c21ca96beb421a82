// Package storage connects workers to shared weights and the replay
// buffer: an in-process implementation for single-binary runs and
// HTTP/WebSocket clients for running against a hub.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/MengbinZhu/muzero-safelife/model"
	"github.com/MengbinZhu/muzero-safelife/selfplay"
)

// DefaultWindowSize is how many completed games Local retains.
const DefaultWindowSize = 1000

// Local keeps weights, counters and a bounded game window in memory.
// It serves single-process setups and tests; every replica in the
// process shares one instance.
type Local struct {
	mu     sync.Mutex
	snap   *model.Snapshot
	infos  map[string]float64
	games  []*selfplay.GameHistory
	window int
}

func NewLocal(windowSize int) *Local {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Local{
		infos:  make(map[string]float64),
		window: windowSize,
	}
}

func (s *Local) Weights(ctx context.Context) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, model.ErrNoSnapshot
	}
	return s.snap.Clone(), nil
}

// PushWeights installs a new snapshot. Versions must increase; a stale
// push is an error so a restarted trainer cannot silently roll workers
// back.
func (s *Local) PushWeights(ctx context.Context, snap *model.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil && snap.Version <= s.snap.Version {
		return fmt.Errorf("stale snapshot version %d, have %d", snap.Version, s.snap.Version)
	}
	s.snap = snap.Clone()
	return nil
}

func (s *Local) Infos(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.infos))
	for k, v := range s.infos {
		out[k] = v
	}
	return out, nil
}

func (s *Local) SetInfo(ctx context.Context, key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[key] = value
	return nil
}

// SaveGame appends a completed episode, evicting the oldest once the
// window is full.
func (s *Local) SaveGame(ctx context.Context, h *selfplay.GameHistory) error {
	if err := h.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games = append(s.games, h)
	if len(s.games) > s.window {
		drop := len(s.games) - s.window
		s.games = append(s.games[:0:0], s.games[drop:]...)
	}
	return nil
}

// Games returns the retained window, oldest first.
func (s *Local) Games() []*selfplay.GameHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*selfplay.GameHistory, len(s.games))
	copy(out, s.games)
	return out
}

func (s *Local) GameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.games)
}

var (
	_ selfplay.Storage    = (*Local)(nil)
	_ selfplay.ReplaySink = (*Local)(nil)
)
