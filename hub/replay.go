package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/MengbinZhu/muzero-safelife/selfplay"
	"github.com/MengbinZhu/muzero-safelife/store"
)

// replayIngest turns incoming games into finalized Parquet batches.
// Games land in the dedupe log only after their batch is durable, so a
// crash re-ingests at most one batch worth of games instead of losing
// them.
type replayIngest struct {
	mu         sync.Mutex
	dir        string
	batchGames int
	writer     *store.BatchWriter
	written    *store.WrittenLog

	gamesTotal int64
	rowsTotal  int64
	dupes      int64
}

func newReplayIngest(dir string, batchGames int, written *store.WrittenLog) (*replayIngest, error) {
	if batchGames <= 0 {
		batchGames = 32
	}
	writer, err := store.NewBatchWriter(dir)
	if err != nil {
		return nil, err
	}
	return &replayIngest{
		dir:        dir,
		batchGames: batchGames,
		writer:     writer,
		written:    written,
	}, nil
}

// ingest buffers one game, reporting false for duplicates. A full batch
// is finalized inline.
func (ri *replayIngest) ingest(h *selfplay.GameHistory) (bool, error) {
	if err := h.Validate(); err != nil {
		return false, err
	}

	ri.mu.Lock()
	defer ri.mu.Unlock()

	if ri.writer == nil {
		return false, fmt.Errorf("replay ingest is closed")
	}
	if ri.written.Has(h.GameID) {
		ri.dupes++
		return false, nil
	}

	if err := ri.writer.WriteGame(h, workerFromGameID(h.GameID), "selfplay"); err != nil {
		return false, err
	}

	if ri.writer.BufferedGames() >= ri.batchGames {
		if err := ri.rotateLocked(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// flush finalizes the current batch if it holds any games. The periodic
// flusher calls it so a slow trickle of games still becomes durable.
func (ri *replayIngest) flush() error {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.writer == nil || ri.writer.BufferedGames() == 0 {
		return nil
	}
	return ri.rotateLocked()
}

func (ri *replayIngest) rotateLocked() error {
	if err := ri.finalizeLocked(); err != nil {
		return err
	}
	writer, err := store.NewBatchWriter(ri.dir)
	if err != nil {
		ri.writer = nil
		return fmt.Errorf("open next batch: %w", err)
	}
	ri.writer = writer
	return nil
}

func (ri *replayIngest) finalizeLocked() error {
	ids := ri.writer.GameIDs()
	path, rows, games, err := ri.writer.Finalize()
	if err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	if games > 0 {
		if err := ri.written.AddMany(ids); err != nil {
			return fmt.Errorf("record written games: %w", err)
		}
		ri.gamesTotal += int64(games)
		ri.rowsTotal += int64(rows)
		slog.Info("batch finalized", "path", path, "games", games, "rows", rows)
	}
	return nil
}

// close finalizes whatever is buffered and stops accepting games.
func (ri *replayIngest) close() error {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.writer == nil {
		return nil
	}
	err := ri.finalizeLocked()
	ri.writer = nil
	return err
}

func (ri *replayIngest) stats() (games, rows, dupes int64, buffered int) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.writer != nil {
		buffered = ri.writer.BufferedGames()
	}
	return ri.gamesTotal, ri.rowsTotal, ri.dupes, buffered
}

// workerFromGameID recovers the worker index from selfplay_<ns>_<worker>
// IDs, 0 when the ID has another shape.
func workerFromGameID(gameID string) int32 {
	idx := strings.LastIndexByte(gameID, '_')
	if idx < 0 || idx == len(gameID)-1 {
		return 0
	}
	n, err := strconv.Atoi(gameID[idx+1:])
	if err != nil || n < 0 {
		return 0
	}
	return int32(n)
}
