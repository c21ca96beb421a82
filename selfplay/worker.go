// Package selfplay drives episodes: it runs the search on each
// observation, selects actions from visit counts, accumulates
// GameHistories and ships them to the replay buffer in an unbounded
// fetch-weights / play / report loop.
package selfplay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/MengbinZhu/muzero-safelife/game"
	"github.com/MengbinZhu/muzero-safelife/mcts"
	"github.com/MengbinZhu/muzero-safelife/model"
)

// Storage is the slice of the shared-storage contract the worker needs:
// fresh weights before each episode and the trainer's progress counters.
type Storage interface {
	Weights(ctx context.Context) (*model.Snapshot, error)
	Infos(ctx context.Context) (map[string]float64, error)
	SetInfo(ctx context.Context, key string, value float64) error
}

// ReplaySink receives completed games. Partial games are never sent.
type ReplaySink interface {
	SaveGame(ctx context.Context, h *GameHistory) error
}

// storageRetryDelay paces retries when shared storage is unreachable.
const storageRetryDelay = 2 * time.Second

// Config controls one worker replica.
type Config struct {
	// Search configures the per-move tree search.
	Search mcts.Config

	// MaxMoves caps episode length even if the environment never
	// terminates. Defaults to 500.
	MaxMoves int

	// SelfPlayDelay inserts a pause between episodes so self-play does
	// not starve the trainer. Ignored in test mode.
	SelfPlayDelay time.Duration

	// TestMode plays greedily (temperature 0) and reports total_reward
	// to storage instead of saving games.
	TestMode bool

	// Render dumps the environment after every step.
	Render bool

	// TemperatureFn maps the trainer's step counter to the sampling
	// temperature. Defaults to VisitSoftmaxTemperature(TrainingSteps).
	TemperatureFn func(trainedSteps int64) float64

	// TrainingSteps is the schedule base for the default TemperatureFn.
	// Defaults to 100000.
	TrainingSteps int64

	// OnEpisode, if set, observes every completed episode after it has
	// been reported or saved.
	OnEpisode func(h *GameHistory)
}

func (c Config) withDefaults() Config {
	if c.MaxMoves <= 0 {
		c.MaxMoves = 500
	}
	if c.TrainingSteps <= 0 {
		c.TrainingSteps = 100000
	}
	if c.TemperatureFn == nil {
		c.TemperatureFn = VisitSoftmaxTemperature(c.TrainingSteps)
	}
	return c
}

// Worker is one self-play replica. It owns its environment, its model
// instance and its search context; only storage and the replay sink are
// shared.
type Worker struct {
	id      int
	cfg     Config
	env     game.Environment
	model   model.Model
	storage Storage
	replay  ReplaySink
	search  *mcts.MCTS
	rng     *rand.Rand
}

// NewWorker validates the wiring and builds a replica.
func NewWorker(id int, cfg Config, env game.Environment, mdl model.Model, storage Storage, replay ReplaySink) (*Worker, error) {
	cfg = cfg.withDefaults()

	if env == nil {
		return nil, fmt.Errorf("worker %d: environment is required", id)
	}
	if mdl == nil {
		return nil, fmt.Errorf("worker %d: model is required", id)
	}
	if storage == nil {
		return nil, fmt.Errorf("worker %d: storage is required", id)
	}
	if replay == nil && !cfg.TestMode {
		return nil, fmt.Errorf("worker %d: replay sink is required outside test mode", id)
	}

	search, err := mcts.New(cfg.Search)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}

	return &Worker{
		id:      id,
		cfg:     cfg,
		env:     env,
		model:   mdl,
		storage: storage,
		replay:  replay,
		search:  search,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*1000003)),
	}, nil
}

// Run plays episodes until ctx is cancelled and returns ctx's error.
//
// Each cycle fetches the latest weights, plays one episode, then either
// reports total_reward (test mode) or saves the game to the replay
// sink. Environment and inference failures abort only the current
// episode: the history is discarded, never submitted partially, and the
// loop continues.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.env.Close(); err != nil {
			log.Printf("[worker %d] env close: %v", w.id, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.refreshWeights(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[worker %d] fetch weights: %v", w.id, err)
			if !sleepCtx(ctx, storageRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		// A model with no weights at all cannot run the search. Uniform
		// bootstrap models always report weights; this only waits when an
		// ONNX replica starts against a storage the trainer has not
		// published to yet.
		if w.model.Weights() == nil {
			log.Printf("[worker %d] waiting for first weight snapshot", w.id)
			if !sleepCtx(ctx, storageRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		temperature := float64(0)
		if !w.cfg.TestMode {
			step := int64(0)
			infos, err := w.storage.Infos(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[worker %d] fetch infos: %v", w.id, err)
			} else {
				step = int64(infos["training_step"])
			}
			temperature = w.cfg.TemperatureFn(step)
		}

		h, err := w.playEpisode(ctx, temperature)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[worker %d] episode aborted: %v", w.id, err)
			continue
		}

		if w.cfg.TestMode {
			if err := w.storage.SetInfo(ctx, "total_reward", float64(h.TotalReward())); err != nil && ctx.Err() == nil {
				log.Printf("[worker %d] report total_reward: %v", w.id, err)
			}
		} else {
			if err := w.replay.SaveGame(ctx, h); err != nil && ctx.Err() == nil {
				log.Printf("[worker %d] save game %s: %v", w.id, h.GameID, err)
			}
		}

		if w.cfg.OnEpisode != nil {
			w.cfg.OnEpisode(h)
		}

		if w.cfg.SelfPlayDelay > 0 && !w.cfg.TestMode {
			if !sleepCtx(ctx, w.cfg.SelfPlayDelay) {
				return ctx.Err()
			}
		}
	}
}

// refreshWeights installs the latest snapshot into the replica's model.
// Snapshots are immutable and versioned, so an unchanged version means
// the installed weights are already current and the rebuild is skipped.
func (w *Worker) refreshWeights(ctx context.Context) error {
	snap, err := w.storage.Weights(ctx)
	if err != nil {
		if errors.Is(err, model.ErrNoSnapshot) {
			// Trainer has not published yet: keep the bootstrap model.
			return nil
		}
		return err
	}

	if cur := w.model.Weights(); cur != nil && cur.Version == snap.Version {
		return nil
	}
	if err := w.model.SetWeights(snap); err != nil {
		return fmt.Errorf("install weights v%d: %w", snap.Version, err)
	}
	log.Printf("[worker %d] weights updated to version %d", w.id, snap.Version)
	return nil
}

// playEpisode runs one episode to termination or MaxMoves and returns
// its complete history.
func (w *Worker) playEpisode(ctx context.Context, temperature float64) (*GameHistory, error) {
	obs, err := w.env.Reset()
	if err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	h := NewGameHistory(fmt.Sprintf("selfplay_%d_%d", time.Now().UnixNano(), w.id))
	if snap := w.model.Weights(); snap != nil {
		h.ModelVersion = snap.Version
	}
	h.Observations = append(h.Observations, obs)

	done := false
	for !done && len(h.Actions) < w.cfg.MaxMoves {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tree, err := w.search.Run(ctx, w.model, obs, true)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}

		action := SelectAction(w.rng, tree, temperature)

		var reward float32
		obs, reward, done, err = w.env.Step(action)
		if err != nil {
			return nil, fmt.Errorf("step action %d: %w", action, err)
		}
		if w.cfg.Render {
			w.env.Render()
		}

		h.Observations = append(h.Observations, obs)
		h.Rewards = append(h.Rewards, reward)
		h.Actions = append(h.Actions, action)
		h.StoreSearchStatistics(tree, w.cfg.Search.ActionSpace)
	}

	return h, nil
}

// sleepCtx waits for d or until ctx is done; reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
