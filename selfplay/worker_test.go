package selfplay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MengbinZhu/muzero-safelife/game"
	"github.com/MengbinZhu/muzero-safelife/mcts"
	"github.com/MengbinZhu/muzero-safelife/model"
)

// stubModel returns flat policies and fixed values, and records weight
// installs. Like the uniform bootstrap model it reports version 0 until
// something is installed.
type stubModel struct {
	actions    int
	hiddenSize int
	snap       *model.Snapshot
	setCalls   int
}

func (s *stubModel) InitialInference(observation []float32) (model.Inference, error) {
	return model.Inference{
		PolicyLogits: make([]float32, s.actions),
		HiddenState:  make([]float32, s.hiddenSize),
	}, nil
}

func (s *stubModel) RecurrentInference(hidden []float32, action game.Action) (model.Inference, error) {
	return model.Inference{
		Value:        0.5,
		Reward:       0.1,
		PolicyLogits: make([]float32, s.actions),
		HiddenState:  make([]float32, s.hiddenSize),
	}, nil
}

func (s *stubModel) SetWeights(snap *model.Snapshot) error {
	s.setCalls++
	s.snap = snap
	return nil
}

func (s *stubModel) Weights() *model.Snapshot {
	if s.snap == nil {
		return &model.Snapshot{}
	}
	return s.snap
}

// weightlessModel mimics an ONNX replica before any snapshot install.
type weightlessModel struct{ stubModel }

func (m *weightlessModel) Weights() *model.Snapshot { return nil }

// stubEnv terminates every episode after episodeLen steps, optionally
// failing once at failAtStep of the first episode.
type stubEnv struct {
	episodeLen int
	failAtStep int
	failed     bool
	steps      int
	resets     int
	closed     bool
}

func (e *stubEnv) Reset() ([]float32, error) {
	e.resets++
	e.steps = 0
	return []float32{0}, nil
}

func (e *stubEnv) Step(action game.Action) ([]float32, float32, bool, error) {
	e.steps++
	if e.failAtStep > 0 && !e.failed && e.steps == e.failAtStep {
		e.failed = true
		return nil, 0, false, fmt.Errorf("synthetic env failure")
	}
	return []float32{float32(e.steps)}, 1, e.steps >= e.episodeLen, nil
}

func (e *stubEnv) LegalActions() []game.Action { return game.Space(3) }
func (e *stubEnv) Render()                     {}
func (e *stubEnv) Close() error                { e.closed = true; return nil }

// memStorage is an in-memory Storage stub.
type memStorage struct {
	mu           sync.Mutex
	snap         *model.Snapshot
	infos        map[string]float64
	weightsCalls int
}

func newMemStorage() *memStorage {
	return &memStorage{infos: map[string]float64{}}
}

func (s *memStorage) Weights(ctx context.Context) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weightsCalls++
	if s.snap == nil {
		return nil, model.ErrNoSnapshot
	}
	return s.snap.Clone(), nil
}

func (s *memStorage) Infos(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.infos))
	for k, v := range s.infos {
		out[k] = v
	}
	return out, nil
}

func (s *memStorage) SetInfo(ctx context.Context, key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[key] = value
	return nil
}

// memSink collects games.
type memSink struct {
	mu    sync.Mutex
	games []*GameHistory
}

func (s *memSink) SaveGame(ctx context.Context, h *GameHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games = append(s.games, h)
	return nil
}

func testWorkerConfig(episodes chan *GameHistory) Config {
	cfg := Config{
		Search:   mcts.DefaultConfig(game.Space(3)),
		MaxMoves: 10,
	}
	cfg.Search.NumSimulations = 4
	if episodes != nil {
		// Non-blocking like the production OnEpisode wiring: the worker
		// keeps producing after waitEpisodes stops draining, and a
		// blocking send here would wedge Run past cancellation.
		cfg.OnEpisode = func(h *GameHistory) {
			select {
			case episodes <- h:
			default:
			}
		}
	}
	return cfg
}

// runWorker starts w and returns a join function that cancels it and
// waits for Run to return.
func runWorker(t *testing.T, w *Worker) (cancelAndJoin func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("worker did not stop after cancellation")
			return nil
		}
	}
}

func waitEpisodes(t *testing.T, ch chan *GameHistory, n int) []*GameHistory {
	t.Helper()
	out := make([]*GameHistory, 0, n)
	for len(out) < n {
		select {
		case h := <-ch:
			out = append(out, h)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for episode %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestWorkerSavesCompletedGames(t *testing.T) {
	episodes := make(chan *GameHistory, 16)
	env := &stubEnv{episodeLen: 3}
	mdl := &stubModel{actions: 3, hiddenSize: 4}
	storage := newMemStorage()
	sink := &memSink{}

	w, err := NewWorker(0, testWorkerConfig(episodes), env, mdl, storage, sink)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	join := runWorker(t, w)
	waitEpisodes(t, episodes, 2)
	if err := join(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if len(sink.games) < 2 {
		t.Fatalf("Expected at least 2 saved games, got %d", len(sink.games))
	}
	for _, h := range sink.games {
		if err := h.Validate(); err != nil {
			t.Errorf("Saved game failed validation: %v", err)
		}
		if h.Moves() != 3 {
			t.Errorf("Expected 3 moves, got %d", h.Moves())
		}
		if h.TotalReward() != 3 {
			t.Errorf("Expected total reward 3, got %v", h.TotalReward())
		}
		for _, row := range h.ChildVisits {
			if len(row) != 3 {
				t.Errorf("Expected visit rows over full action space, got %d", len(row))
			}
		}
	}

	if storage.weightsCalls < 2 {
		t.Errorf("Expected a weights fetch per episode, got %d", storage.weightsCalls)
	}
	if !env.closed {
		t.Errorf("Expected env to be closed on shutdown")
	}
}

func TestWorkerTestModeReportsReward(t *testing.T) {
	episodes := make(chan *GameHistory, 16)
	env := &stubEnv{episodeLen: 3}
	mdl := &stubModel{actions: 3, hiddenSize: 4}
	storage := newMemStorage()

	cfg := testWorkerConfig(episodes)
	cfg.TestMode = true

	w, err := NewWorker(0, cfg, env, mdl, storage, nil)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	join := runWorker(t, w)
	waitEpisodes(t, episodes, 1)
	if err := join(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	infos, err := storage.Infos(context.Background())
	if err != nil {
		t.Fatalf("Infos failed: %v", err)
	}
	if got := infos["total_reward"]; got != 3 {
		t.Errorf("Expected total_reward 3, got %v", got)
	}
}

func TestWorkerDiscardsPartialEpisodeOnEnvError(t *testing.T) {
	episodes := make(chan *GameHistory, 16)
	env := &stubEnv{episodeLen: 3, failAtStep: 2}
	mdl := &stubModel{actions: 3, hiddenSize: 4}
	storage := newMemStorage()
	sink := &memSink{}

	w, err := NewWorker(0, testWorkerConfig(episodes), env, mdl, storage, sink)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	join := runWorker(t, w)
	waitEpisodes(t, episodes, 1)
	if err := join(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	// The failed episode aborted after one successful step; nothing
	// partial may reach the sink.
	if len(sink.games) == 0 {
		t.Fatalf("Expected the retry episode to be saved")
	}
	for _, h := range sink.games {
		if err := h.Validate(); err != nil {
			t.Errorf("Saved game failed validation: %v", err)
		}
		if h.Moves() != 3 {
			t.Errorf("Expected only complete 3-move games in sink, got %d moves", h.Moves())
		}
	}
	if env.resets < 2 {
		t.Errorf("Expected a fresh reset after the aborted episode, got %d resets", env.resets)
	}
}

func TestWorkerInstallsPublishedWeights(t *testing.T) {
	episodes := make(chan *GameHistory, 16)
	env := &stubEnv{episodeLen: 2}
	mdl := &stubModel{actions: 3, hiddenSize: 4}
	storage := newMemStorage()
	storage.snap = &model.Snapshot{Version: 7, Initial: []byte{1}, Recurrent: []byte{2}}
	sink := &memSink{}

	w, err := NewWorker(0, testWorkerConfig(episodes), env, mdl, storage, sink)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	join := runWorker(t, w)
	got := waitEpisodes(t, episodes, 2)
	if err := join(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if mdl.setCalls != 1 {
		t.Errorf("Expected exactly one install for an unchanged version, got %d", mdl.setCalls)
	}
	for _, h := range got {
		if h.ModelVersion != 7 {
			t.Errorf("Expected episodes tagged with model version 7, got %d", h.ModelVersion)
		}
	}
}

func TestWorkerWaitsForFirstSnapshot(t *testing.T) {
	episodes := make(chan *GameHistory, 16)
	env := &stubEnv{episodeLen: 2}
	mdl := &weightlessModel{stubModel{actions: 3, hiddenSize: 4}}
	storage := newMemStorage()
	sink := &memSink{}

	w, err := NewWorker(0, testWorkerConfig(episodes), env, mdl, storage, sink)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	join := runWorker(t, w)
	time.Sleep(100 * time.Millisecond)
	if err := join(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if env.resets != 0 {
		t.Errorf("Expected no episodes before the first snapshot, got %d resets", env.resets)
	}
	if len(sink.games) != 0 {
		t.Errorf("Expected no saved games before the first snapshot, got %d", len(sink.games))
	}
}

func TestNewWorkerValidation(t *testing.T) {
	env := &stubEnv{episodeLen: 1}
	mdl := &stubModel{actions: 3}
	storage := newMemStorage()
	sink := &memSink{}
	cfg := testWorkerConfig(nil)

	if _, err := NewWorker(0, cfg, nil, mdl, storage, sink); err == nil {
		t.Errorf("Expected error for nil environment")
	}
	if _, err := NewWorker(0, cfg, env, mdl, storage, nil); err == nil {
		t.Errorf("Expected error for nil replay sink outside test mode")
	}

	bad := cfg
	bad.Search.NumSimulations = 0
	if _, err := NewWorker(0, bad, env, mdl, storage, sink); err == nil {
		t.Errorf("Expected error for invalid search config")
	}
}
