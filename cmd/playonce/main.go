package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/MengbinZhu/muzero-safelife/game"
	"github.com/MengbinZhu/muzero-safelife/gridworld"
	"github.com/MengbinZhu/muzero-safelife/mcts"
	"github.com/MengbinZhu/muzero-safelife/model"
	"github.com/MengbinZhu/muzero-safelife/selfplay"
	"github.com/MengbinZhu/muzero-safelife/store"
)

var actionNames = []string{"Noop", "Up", "Down", "Left", "Right", "DigUp", "DigDown", "DigLeft", "DigRight"}

func actionName(a game.Action) string {
	if int(a) >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "?"
}

func main() {
	levelPath := flag.String("level", "", "Level JSON path (empty uses the built-in level)")
	sims := flag.Int("sims", 100, "Number of simulations per move")
	maxMoves := flag.Int("max-moves", 100, "Maximum moves before giving up")
	temperature := flag.Float64("temperature", 0, "Sampling temperature (0 plays greedily)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Sampling seed")
	initialGraph := flag.String("initial-graph", "", "Initial-inference ONNX graph (empty plays with the uniform model)")
	recurrentGraph := flag.String("recurrent-graph", "", "Recurrent-inference ONNX graph")
	encodingSize := flag.Int("encoding-size", 32, "Hidden state width the model emits")
	cuda := flag.Bool("cuda", true, "Enable CUDA for inference")
	outDir := flag.String("out-dir", "", "If set, write the episode as a parquet file here")
	flag.Parse()

	if !*cuda {
		os.Setenv("MUZERO_ORT_DISABLE_CUDA", "1")
	}

	level := gridworld.DefaultLevel()
	if *levelPath != "" {
		lvl, err := gridworld.LoadLevel(*levelPath)
		if err != nil {
			log.Fatalf("Failed to load level %s: %v", *levelPath, err)
		}
		level = lvl
	}

	env, err := gridworld.New(level)
	if err != nil {
		log.Fatalf("Failed to build environment: %v", err)
	}
	defer env.Close()

	var mdl model.Model
	if *initialGraph != "" && *recurrentGraph != "" {
		snap, err := model.LoadSnapshot(*initialGraph, *recurrentGraph, 1)
		if err != nil {
			log.Fatalf("Failed to load ONNX graphs: %v", err)
		}
		m, err := model.NewOnnxModel(model.OnnxConfig{
			ObservationSize: env.ObservationSize(),
			ActionCount:     gridworld.ActionCount,
			EncodingSize:    *encodingSize,
		})
		if err != nil {
			log.Fatalf("Failed to create ONNX model: %v", err)
		}
		defer m.Close()
		if err := m.SetWeights(snap); err != nil {
			log.Fatalf("Failed to install weights: %v", err)
		}
		mdl = m
		log.Printf("Loaded model snapshot (initial=%d bytes, recurrent=%d bytes)", len(snap.Initial), len(snap.Recurrent))
	} else {
		m, err := model.NewUniform(gridworld.ActionCount, *encodingSize)
		if err != nil {
			log.Fatalf("Failed to create uniform model: %v", err)
		}
		mdl = m
		log.Printf("Playing with the uniform bootstrap model")
	}

	cfg := mcts.DefaultConfig(game.Space(gridworld.ActionCount))
	cfg.NumSimulations = *sims
	search, err := mcts.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build search: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rng := rand.New(rand.NewSource(*seed))

	obs, err := env.Reset()
	if err != nil {
		log.Fatalf("Failed to reset environment: %v", err)
	}

	h := selfplay.NewGameHistory(fmt.Sprintf("selfplay_%d_0", time.Now().UnixNano()))
	if snap := mdl.Weights(); snap != nil {
		h.ModelVersion = snap.Version
	}
	h.Observations = append(h.Observations, obs)

	log.Printf("Playing one episode with %d sims, temperature %.2f", *sims, *temperature)
	env.Render()

	done := false
	for !done && len(h.Actions) < *maxMoves {
		tree, err := search.Run(ctx, mdl, obs, true)
		if err != nil {
			log.Fatalf("Search failed: %v", err)
		}

		action := selfplay.SelectAction(rng, tree, *temperature)
		root := tree.Root()

		var reward float32
		obs, reward, done, err = env.Step(action)
		if err != nil {
			log.Fatalf("Step failed: %v", err)
		}

		fmt.Printf("  Move %3d | %-8s | reward %+.2f | root value %.3f\n",
			len(h.Actions), actionName(action), reward, root.Value())
		env.Render()

		h.Observations = append(h.Observations, obs)
		h.Rewards = append(h.Rewards, reward)
		h.Actions = append(h.Actions, action)
		h.StoreSearchStatistics(tree, cfg.ActionSpace)
	}

	if done {
		log.Printf("Episode complete: %d moves, total reward %.2f", h.Moves(), h.TotalReward())
	} else {
		log.Printf("Episode truncated at %d moves, total reward %.2f", h.Moves(), h.TotalReward())
	}

	if *outDir != "" {
		rows, err := store.RowsFromHistory(h, 0, "debug")
		if err != nil {
			log.Fatalf("Failed to flatten episode: %v", err)
		}
		outPath := filepath.Join(*outDir, h.GameID+".parquet")
		if err := store.WriteEpisodeParquet(outPath, rows); err != nil {
			log.Fatalf("Failed to write episode: %v", err)
		}
		log.Printf("Episode written to: %s", outPath)
	}
}
