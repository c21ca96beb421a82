package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MengbinZhu/muzero-safelife/game"
	"github.com/MengbinZhu/muzero-safelife/gridworld"
	"github.com/MengbinZhu/muzero-safelife/mcts"
	"github.com/MengbinZhu/muzero-safelife/model"
	"github.com/MengbinZhu/muzero-safelife/selfplay"
	"github.com/MengbinZhu/muzero-safelife/storage"
	"github.com/MengbinZhu/muzero-safelife/store"
	tea "github.com/charmbracelet/bubbletea"
)

var totalMoves atomic.Int64
var totalInferences atomic.Int64
var totalGames atomic.Int64

// instrumentedModel counts inference calls across all replicas.
type instrumentedModel struct {
	model.Model
}

func (m *instrumentedModel) InitialInference(observation []float32) (model.Inference, error) {
	totalInferences.Add(1)
	return m.Model.InitialInference(observation)
}

func (m *instrumentedModel) RecurrentInference(hidden []float32, action game.Action) (model.Inference, error) {
	totalInferences.Add(1)
	return m.Model.RecurrentInference(hidden, action)
}

type gameWriteRequest struct {
	rows []store.MoveRow
}

// parquetSink is the local-mode replay sink. Completed games are
// flattened into move rows and handed to the parquet writer goroutine.
type parquetSink struct {
	worker int32
	reqs   chan<- gameWriteRequest
}

func (s *parquetSink) SaveGame(ctx context.Context, h *selfplay.GameHistory) error {
	rows, err := store.RowsFromHistory(h, s.worker, "selfplay")
	if err != nil {
		return err
	}
	select {
	case s.reqs <- gameWriteRequest{rows: rows}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func main() {
	workers := flag.Int("workers", 4, "Number of self-play replicas")
	hubURL := flag.String("hub", os.Getenv("MUZERO_HUB_URL"), "Hub base URL (http://host:port). Empty runs fully local")
	outDir := flag.String("out-dir", "data/selfplay", "Output directory for local-mode parquet batches")
	gamesPerFlush := flag.Int("games-per-flush", 20, "Number of games to buffer per parquet flush (local mode)")
	maxGames := flag.Int64("max-games", 0, "If > 0, stop after playing this many games (across all replicas)")
	levelPath := flag.String("level", "", "Level JSON path (empty uses the built-in level)")
	sims := flag.Int("sims", 50, "Simulations per move")
	maxMoves := flag.Int("max-moves", 500, "Maximum moves per episode")
	encodingSize := flag.Int("encoding-size", 32, "Hidden state width the model emits")
	selfPlayDelay := flag.Duration("self-play-delay", 0, "Pause between episodes")
	testMode := flag.Bool("test-mode", false, "Play greedily and report total_reward instead of saving games")
	render := flag.Bool("render", false, "Render the environment after every step")
	useTUI := flag.Bool("tui", false, "Show the live dashboard instead of plain logs")
	initialGraph := flag.String("initial-graph", "", "Initial-inference ONNX graph for local mode")
	recurrentGraph := flag.String("recurrent-graph", "", "Recurrent-inference ONNX graph for local mode")
	flag.Parse()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	level := gridworld.DefaultLevel()
	if *levelPath != "" {
		lvl, err := gridworld.LoadLevel(*levelPath)
		if err != nil {
			log.Fatalf("Failed to load level %s: %v", *levelPath, err)
		}
		level = lvl
	}

	// ONNX replicas run whenever weights can arrive: from the hub, or
	// from graphs on disk. Otherwise the uniform bootstrap model plays.
	useOnnx := *hubURL != "" || (*initialGraph != "" && *recurrentGraph != "")

	var st selfplay.Storage
	var local *storage.Local
	if *hubURL != "" {
		client, err := storage.NewClient(*hubURL)
		if err != nil {
			log.Fatalf("Failed to build hub client: %v", err)
		}
		st = client
		log.Printf("Using hub at %s", *hubURL)
	} else {
		local = storage.NewLocal(0)
		st = local
		if useOnnx {
			snap, err := model.LoadSnapshot(*initialGraph, *recurrentGraph, 1)
			if err != nil {
				log.Fatalf("Failed to load ONNX graphs: %v", err)
			}
			if err := local.PushWeights(ctx, snap); err != nil {
				log.Fatalf("Failed to seed local weights: %v", err)
			}
			log.Printf("Seeded local snapshot (initial=%d bytes, recurrent=%d bytes)", len(snap.Initial), len(snap.Recurrent))
		}
	}

	var replay selfplay.ReplaySink
	var replayClient *storage.ReplayClient
	var writeReqs chan gameWriteRequest
	writerDone := make(chan struct{})

	if *hubURL != "" {
		rc, err := storage.NewReplayClient(*hubURL)
		if err != nil {
			log.Fatalf("Failed to build replay client: %v", err)
		}
		replayClient = rc
		replay = rc
		close(writerDone)
	} else {
		writeReqs = make(chan gameWriteRequest, (*workers)*4)
		go func() {
			parquetWriterLoop(*outDir, *gamesPerFlush, writeReqs)
			close(writerDone)
		}()
	}

	searchCfg := mcts.DefaultConfig(game.Space(gridworld.ActionCount))
	searchCfg.NumSimulations = *sims

	updates := make(chan episodeUpdate, *workers)

	log.Printf("Starting self-play with %d replicas", *workers)

	var workerWG sync.WaitGroup
	var modelClosers []interface{ Close() error }

	for i := 0; i < *workers; i++ {
		env, err := gridworld.New(level)
		if err != nil {
			log.Fatalf("Failed to build environment: %v", err)
		}

		var mdl model.Model
		if useOnnx {
			m, err := model.NewOnnxModel(model.OnnxConfig{
				ObservationSize: env.ObservationSize(),
				ActionCount:     gridworld.ActionCount,
				EncodingSize:    *encodingSize,
			})
			if err != nil {
				log.Fatalf("Failed to create ONNX model: %v", err)
			}
			modelClosers = append(modelClosers, m)
			mdl = m
		} else {
			m, err := model.NewUniform(gridworld.ActionCount, *encodingSize)
			if err != nil {
				log.Fatalf("Failed to create uniform model: %v", err)
			}
			mdl = m
		}

		sink := replay
		if sink == nil {
			sink = &parquetSink{worker: int32(i), reqs: writeReqs}
		}

		workerID := i
		cfg := selfplay.Config{
			Search:        searchCfg,
			MaxMoves:      *maxMoves,
			SelfPlayDelay: *selfPlayDelay,
			TestMode:      *testMode,
			Render:        *render,
			OnEpisode: func(h *selfplay.GameHistory) {
				totalMoves.Add(int64(h.Moves()))
				total := totalGames.Add(1)
				if *maxGames > 0 && total >= *maxGames {
					// Cancel the whole run after the target number of games.
					cancel()
				}
				// Avoid blocking shutdown if the UI loop stops consuming.
				select {
				case updates <- episodeUpdate{WorkerID: workerID, Moves: h.Moves(), Reward: h.TotalReward(), Version: h.ModelVersion}:
				default:
				}
			},
		}

		w, err := selfplay.NewWorker(workerID, cfg, env, &instrumentedModel{Model: mdl}, st, sink)
		if err != nil {
			log.Fatalf("Failed to build worker %d: %v", workerID, err)
		}

		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			log.Printf("Worker %d started", workerID)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Worker %d stopped: %v", workerID, err)
			}
		}()
	}

	drain := func() {
		workerWG.Wait()
		if writeReqs != nil {
			close(writeReqs)
		}
		<-writerDone
		if replayClient != nil {
			if err := replayClient.Close(); err != nil {
				log.Printf("Replay client close: %v", err)
			}
		}
		for _, c := range modelClosers {
			_ = c.Close()
		}
	}

	if *useTUI {
		p := tea.NewProgram(newDashboard(updates), tea.WithAltScreen())
		go func() {
			<-ctx.Done()
			p.Quit()
		}()
		if _, err := p.Run(); err != nil {
			log.Printf("Dashboard error: %v", err)
		}
		cancel()
		drain()
		log.Printf("Shutdown complete: %d games played", totalGames.Load())
		return
	}

	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Shutdown requested; waiting for workers to finish current games...")
			drain()
			if *testMode && local != nil {
				if infos, err := local.Infos(context.Background()); err == nil {
					log.Printf("Test run infos: %v", infos)
				}
			}
			log.Printf("Shutdown complete: final parquet flush done (games=%d)", totalGames.Load())
			return
		case u := <-updates:
			log.Printf("Worker %d: moves=%d reward=%.2f model=v%d", u.WorkerID, u.Moves, u.Reward, u.Version)
		case <-ticker.C:
			duration := time.Since(startTime)
			moves := totalMoves.Load()
			inferences := totalInferences.Load()
			log.Printf("Stats: Games: %d, Moves/s: %.2f, Inf/s: %.2f", totalGames.Load(), float64(moves)/duration.Seconds(), float64(inferences)/duration.Seconds())
		}
	}
}

func parquetWriterLoop(outDir string, gamesPerFlush int, in <-chan gameWriteRequest) {
	if gamesPerFlush <= 0 {
		gamesPerFlush = 20
	}

	pendingRows := make([]store.MoveRow, 0, 256*gamesPerFlush)
	pendingGames := 0

	for req := range in {
		if len(req.rows) == 0 {
			continue
		}
		pendingRows = append(pendingRows, req.rows...)
		pendingGames++

		if pendingGames < gamesPerFlush {
			continue
		}

		outPath, err := store.WriteBatchAtomic(outDir, pendingRows)
		if err != nil {
			log.Printf("Parquet flush failed (games=%d rows=%d): %v", pendingGames, len(pendingRows), err)
		} else {
			log.Printf("Parquet flush ok: %s (games=%d rows=%d)", outPath, pendingGames, len(pendingRows))
		}

		pendingRows = pendingRows[:0]
		pendingGames = 0
	}

	if pendingGames > 0 && len(pendingRows) > 0 {
		outPath, err := store.WriteBatchAtomic(outDir, pendingRows)
		if err != nil {
			log.Printf("Parquet final flush failed (games=%d rows=%d): %v", pendingGames, len(pendingRows), err)
			return
		}
		log.Printf("Parquet final flush ok: %s (games=%d rows=%d)", outPath, pendingGames, len(pendingRows))
	}
}
