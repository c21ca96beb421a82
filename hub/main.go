// The hub is the coordination point between the trainer and self-play
// workers: it serves weight snapshots and training counters over HTTP
// and ingests completed games over a WebSocket into Parquet batches.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MengbinZhu/muzero-safelife/logging"
	"github.com/MengbinZhu/muzero-safelife/model"
	"github.com/MengbinZhu/muzero-safelife/storage"
	"github.com/MengbinZhu/muzero-safelife/store"
)

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type hubServer struct {
	mu    sync.RWMutex
	snap  *model.Snapshot
	infos map[string]float64

	ingest   *replayIngest
	upgrader websocket.Upgrader
	started  time.Time
}

func newHubServer(ingest *replayIngest) *hubServer {
	return &hubServer{
		infos:  make(map[string]float64),
		ingest: ingest,
		upgrader: websocket.Upgrader{
			// Workers are not browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// setWeights installs a snapshot, enforcing monotonic versions so a
// restarted trainer cannot roll workers back.
func (s *hubServer) setWeights(snap *model.Snapshot) error {
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

func (s *hubServer) weights() *model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *hubServer) handleWeights(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.weights()
		if snap == nil {
			http.Error(w, "no snapshot published", http.StatusNotFound)
			return
		}
		writeJSON(w, storage.WeightsPayload{
			Version:   snap.Version,
			Initial:   snap.Initial,
			Recurrent: snap.Recurrent,
		})
	case http.MethodPost:
		var payload storage.WeightsPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		snap := &model.Snapshot{
			Version:   payload.Version,
			Initial:   payload.Initial,
			Recurrent: payload.Recurrent,
		}
		if err := s.setWeights(snap); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Info("weights published",
			"version", snap.Version,
			"initial_bytes", len(snap.Initial),
			"recurrent_bytes", len(snap.Recurrent))
		writeJSON(w, map[string]int64{"version": snap.Version})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *hubServer) handleInfos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.RLock()
		out := make(map[string]float64, len(s.infos))
		for k, v := range s.infos {
			out[k] = v
		}
		s.mu.RUnlock()
		writeJSON(w, out)
	case http.MethodPost:
		var updates map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		for k, v := range updates {
			s.infos[k] = v
		}
		s.mu.Unlock()
		writeJSON(w, map[string]bool{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *hubServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	games, rows, dupes, buffered := s.ingest.stats()
	version := int64(0)
	if snap := s.weights(); snap != nil {
		version = snap.Version
	}
	writeJSON(w, map[string]any{
		"service":          "hub",
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"snapshot_version": version,
		"games_written":    games,
		"rows_written":     rows,
		"games_deduped":    dupes,
		"games_buffered":   buffered,
	})
}

// handleReplayWS reads save_game frames until the worker goes away.
// Unknown frame types are ignored so the protocol can grow.
func (s *hubServer) handleReplayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("replay upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	slog.Info("replay client connected", "remote", remote)

	for {
		// Idle workers mid-game send nothing; allow long gaps before
		// declaring the connection dead. Clients redial on the next save.
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))

		var frame storage.SaveGameFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("replay client disconnected", "remote", remote)
			} else {
				slog.Warn("replay read failed", "remote", remote, "err", err)
			}
			return
		}
		if frame.Type != "save_game" || frame.Game == nil {
			continue
		}

		accepted, err := s.ingest.ingest(frame.Game)
		if err != nil {
			slog.Warn("game rejected",
				"remote", remote,
				"game_id", frame.Game.GameID,
				"err", err)
			continue
		}
		if accepted {
			slog.Debug("game ingested",
				"game_id", frame.Game.GameID,
				"moves", frame.Game.Moves(),
				"total_reward", frame.Game.TotalReward())
		}
	}
}

func (s *hubServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/weights", s.handleWeights)
	mux.HandleFunc("/api/infos", s.handleInfos)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws/replay", s.handleReplayWS)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	listen := fs.String("listen", getEnvOrDefault("HUB_LISTEN", ":8080"), "HTTP listen address")
	dataDir := fs.String("data-dir", getEnvOrDefault("HUB_DATA_DIR", filepath.Join("data", "replay")), "Directory for replay parquet batches")
	writtenLog := fs.String("written-log", "", "Dedupe log path (default <data-dir>/written.log)")
	batchGames := fs.Int("batch-games", 32, "Games per parquet batch file")
	flushEvery := fs.Duration("flush-every", 5*time.Minute, "Finalize a non-empty batch at least this often")
	logLevel := fs.String("log-level", getEnvOrDefault("HUB_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	initialGraph := fs.String("initial-graph", "", "Optional initial-graph ONNX file to seed weights from")
	recurrentGraph := fs.String("recurrent-graph", "", "Optional recurrent-graph ONNX file to seed weights from")
	seedVersion := fs.Int64("seed-version", 1, "Version for the seeded snapshot")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "flag parse: %v\n", err)
		os.Exit(2)
	}

	if err := logging.Setup(os.Stdout, *logLevel, false); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	logPath := *writtenLog
	if logPath == "" {
		logPath = filepath.Join(*dataDir, "written.log")
	}
	written, err := store.OpenWrittenLog(logPath)
	if err != nil {
		slog.Error("open written log", "path", logPath, "err", err)
		os.Exit(1)
	}

	ingest, err := newReplayIngest(*dataDir, *batchGames, written)
	if err != nil {
		slog.Error("init replay ingest", "dir", *dataDir, "err", err)
		os.Exit(1)
	}

	server := newHubServer(ingest)

	if *initialGraph != "" || *recurrentGraph != "" {
		snap, err := model.LoadSnapshot(*initialGraph, *recurrentGraph, *seedVersion)
		if err != nil {
			slog.Error("seed snapshot", "err", err)
			os.Exit(1)
		}
		if err := server.setWeights(snap); err != nil {
			slog.Error("seed snapshot", "err", err)
			os.Exit(1)
		}
		slog.Info("seeded weights from disk", "version", snap.Version)
	}

	srv := &http.Server{
		Addr:              *listen,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(*flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ingest.flush(); err != nil {
					slog.Error("periodic flush", "err", err)
				}
			}
		}
	}()

	go func() {
		slog.Info("hub listening",
			"addr", *listen,
			"data_dir", *dataDir,
			"known_games", written.Count())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "err", err)
	}
	if err := ingest.close(); err != nil {
		slog.Error("finalize pending batch", "err", err)
	}
	if err := written.Close(); err != nil {
		slog.Warn("close written log", "err", err)
	}
}
