package main

import (
	"context"
	"database/sql"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DBCache maintains a cached DuckDB connection that refreshes periodically.
type DBCache struct {
	roots       []string
	refreshRate time.Duration

	mu          sync.RWMutex
	db          *sql.DB
	lastRefresh time.Time

	// Cached episodes index for fast pagination
	episodesIndex     []EpisodeSummary
	episodesIndexTime time.Time
}

// NewDBCache creates a new DBCache with the given roots and refresh rate.
func NewDBCache(roots []string, refreshRate time.Duration) *DBCache {
	return &DBCache{
		roots:       roots,
		refreshRate: refreshRate,
	}
}

// Get returns the cached DB connection, refreshing if needed.
func (c *DBCache) Get() (*sql.DB, error) {
	c.mu.RLock()
	if c.db != nil && time.Since(c.lastRefresh) < c.refreshRate {
		db := c.db
		c.mu.RUnlock()
		return db, nil
	}
	c.mu.RUnlock()

	// Need to refresh
	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if c.db != nil && time.Since(c.lastRefresh) < c.refreshRate {
		return c.db, nil
	}

	return c.refreshLocked()
}

// Refresh forces a refresh of the cached DB connection.
func (c *DBCache) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.refreshLocked()
	return err
}

func (c *DBCache) refreshLocked() (*sql.DB, error) {
	start := time.Now()

	newDB, err := openDuckDBWithGlobs(c.roots)
	if err != nil {
		return nil, err
	}

	// Close old DB if exists
	if c.db != nil {
		_ = c.db.Close()
	}

	c.db = newDB
	c.lastRefresh = time.Now()
	// Invalidate episodes index so it gets rebuilt on next access
	c.episodesIndex = nil
	c.episodesIndexTime = time.Time{}

	log.Printf("DBCache refreshed in %v", time.Since(start))
	return c.db, nil
}

// GetEpisodesIndex returns the cached episodes index, rebuilding if needed.
// The index is only rebuilt when the DB itself is refreshed (new files detected).
func (c *DBCache) GetEpisodesIndex(ctx context.Context) ([]EpisodeSummary, error) {
	c.mu.RLock()
	if c.episodesIndex != nil && c.db != nil {
		idx := c.episodesIndex
		c.mu.RUnlock()
		return idx, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check
	if c.episodesIndex != nil && c.db != nil {
		return c.episodesIndex, nil
	}

	// Ensure DB is initialized
	if c.db == nil {
		if _, err := c.refreshLocked(); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	episodes, err := queryAllEpisodes(ctx, c.db, c.roots)
	if err != nil {
		return nil, err
	}

	c.episodesIndex = episodes
	c.episodesIndexTime = time.Now()
	log.Printf("Episodes index rebuilt: %d episodes in %v", len(episodes), time.Since(start))

	return c.episodesIndex, nil
}

// Close closes the cached DB connection.
func (c *DBCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		err := c.db.Close()
		c.db = nil
		return err
	}
	return nil
}

// openDuckDBWithGlobs creates a DuckDB connection using glob patterns for the roots.
// This is much faster than enumerating all files.
func openDuckDBWithGlobs(roots []string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, err
	}
	// Basic pragmas; ignore errors for compatibility across versions.
	_, _ = db.Exec("PRAGMA threads=4")

	// Build glob patterns for each root, excluding tmp directories
	globs := make([]string, 0, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		// Use glob pattern to match all parquet files recursively
		glob := filepath.Join(root, "**", "*.parquet")
		globs = append(globs, "'"+escapeSQLString(glob)+"'")
	}

	if len(globs) == 0 {
		// Empty view
		_, err := db.Exec(`CREATE OR REPLACE VIEW moves AS
			SELECT * FROM (
				SELECT
					NULL::VARCHAR AS game_id,
					NULL::INTEGER AS move,
					NULL::INTEGER AS action,
					NULL::REAL AS reward,
					NULL::REAL AS root_value,
					NULL::REAL[] AS child_visits,
					NULL::REAL[] AS observation,
					NULL::BIGINT AS model_version,
					NULL::INTEGER AS worker,
					NULL::VARCHAR AS source,
					NULL::VARCHAR AS filename
			) WHERE 1=0`)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	// Use glob patterns directly - DuckDB handles this efficiently
	// Exclude tmp directories by filtering on filename
	// Use union_by_name=true to handle parquet files with different schemas
	sqlText := `CREATE OR REPLACE VIEW moves AS
		SELECT * FROM read_parquet([` + strings.Join(globs, ",") + `], filename=true, union_by_name=true)
		WHERE NOT contains(filename, '/tmp/')`
	if _, err := db.Exec(sqlText); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func normalizeSort(sortKey string, sortDir string) (string, string) {
	sk := strings.ToLower(strings.TrimSpace(sortKey))
	sd := strings.ToLower(strings.TrimSpace(sortDir))
	if sd != "asc" && sd != "desc" {
		sd = "desc"
	}
	// Map user-facing keys to index fields. Must be safe (no user input concatenated).
	switch sk {
	case "time", "started", "started_ns":
		sk = "started_ns"
	case "id", "game", "game_id":
		sk = "game_id"
	case "moves", "move_count":
		sk = "moves"
	case "reward", "total_reward":
		sk = "total_reward"
	case "model", "version", "model_version":
		sk = "model_version"
	case "worker":
		sk = "worker"
	case "source":
		sk = "source"
	case "file", "filename":
		sk = "file"
	default:
		sk = "started_ns"
		sd = "desc"
	}
	return sk, sd
}

func makeRelativeToRoots(filename string, roots []string) string {
	fn := strings.TrimSpace(filename)
	if fn == "" {
		return ""
	}
	best := fn
	bestLen := len(best)
	for _, r := range roots {
		root := strings.TrimSpace(r)
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(root, fn)
		if err != nil {
			continue
		}
		// Ignore paths that escape the root.
		if strings.HasPrefix(rel, "..") {
			continue
		}
		cand := filepath.ToSlash(filepath.Join(root, rel))
		if len(cand) < bestLen {
			best = cand
			bestLen = len(cand)
		}
	}
	return best
}

// queryAllEpisodes loads all episode summaries from DuckDB (used to build the cache).
//
// MAX(move) counts the moves of an episode because the terminal row is
// written with move == number of moves.
func queryAllEpisodes(ctx context.Context, db *sql.DB, roots []string) ([]EpisodeSummary, error) {
	query := `SELECT
			game_id,
			CASE
				WHEN starts_with(game_id, 'selfplay_') THEN try_cast(regexp_extract(game_id, '^selfplay_([0-9]+)_', 1) AS BIGINT)
				ELSE NULL
			END AS started_ns,
			MAX(move)::INTEGER AS moves,
			SUM(reward)::DOUBLE AS total_reward,
			MAX(model_version)::BIGINT AS model_version,
			MIN(worker)::INTEGER AS worker,
			MIN(source)::VARCHAR AS source,
			MIN(filename)::VARCHAR AS file
		FROM moves
		GROUP BY game_id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]EpisodeSummary, 0, 10000)
	for rows.Next() {
		var e EpisodeSummary
		var file string
		if err := rows.Scan(&e.GameID, &e.StartedNs, &e.Moves, &e.TotalReward, &e.ModelVersion, &e.Worker, &e.Source, &file); err != nil {
			return nil, err
		}
		e.SourceFile = makeRelativeToRoots(file, roots)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Pre-sort by started_ns DESC (default) for fast subsequent sorts
	sort.Slice(out, func(i, j int) bool {
		// Handle nil started_ns (put at end)
		if out[i].StartedNs == nil && out[j].StartedNs == nil {
			return out[i].GameID > out[j].GameID
		}
		if out[i].StartedNs == nil {
			return false
		}
		if out[j].StartedNs == nil {
			return true
		}
		if *out[i].StartedNs != *out[j].StartedNs {
			return *out[i].StartedNs > *out[j].StartedNs
		}
		return out[i].GameID > out[j].GameID
	})

	return out, nil
}

// paginateEpisodes sorts and paginates an episodes index in memory.
func paginateEpisodes(episodes []EpisodeSummary, limit, offset int, sortKey, sortDir string) []EpisodeSummary {
	sk, sd := normalizeSort(sortKey, sortDir)

	sorted := make([]EpisodeSummary, len(episodes))
	copy(sorted, episodes)

	sort.Slice(sorted, func(i, j int) bool {
		var less bool
		switch sk {
		case "started_ns":
			// Handle nil
			if sorted[i].StartedNs == nil && sorted[j].StartedNs == nil {
				less = sorted[i].GameID < sorted[j].GameID
			} else if sorted[i].StartedNs == nil {
				less = false // nil goes last in ASC
			} else if sorted[j].StartedNs == nil {
				less = true
			} else {
				less = *sorted[i].StartedNs < *sorted[j].StartedNs
			}
		case "game_id":
			less = sorted[i].GameID < sorted[j].GameID
		case "moves":
			less = sorted[i].Moves < sorted[j].Moves
		case "total_reward":
			less = sorted[i].TotalReward < sorted[j].TotalReward
		case "model_version":
			less = sorted[i].ModelVersion < sorted[j].ModelVersion
		case "worker":
			less = sorted[i].Worker < sorted[j].Worker
		case "source":
			less = sorted[i].Source < sorted[j].Source
		case "file":
			less = sorted[i].SourceFile < sorted[j].SourceFile
		default:
			less = sorted[i].GameID < sorted[j].GameID
		}

		if sd == "desc" {
			return !less
		}
		return less
	})

	// Apply pagination
	if offset >= len(sorted) {
		return []EpisodeSummary{}
	}
	end := offset + limit
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[offset:end]
}

// queryEpisodesFromIndex returns paginated episodes from the cached index.
func queryEpisodesFromIndex(episodes []EpisodeSummary, limit, offset int, sortKey, sortDir string) ([]EpisodeSummary, int64) {
	total := int64(len(episodes))
	paginated := paginateEpisodes(episodes, limit, offset, sortKey, sortDir)
	return paginated, total
}

func queryEpisodeMoves(ctx context.Context, db *sql.DB, gameID string, includeObs bool) ([]MoveDetail, error) {
	cols := `move::INTEGER, action::INTEGER, reward, root_value, child_visits`
	if includeObs {
		cols += `, observation`
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+cols+`
		 FROM moves
		 WHERE game_id = ?
		 ORDER BY move ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	moves := make([]MoveDetail, 0, 256)
	for rows.Next() {
		var m MoveDetail
		var rewardAny any
		var rootValueAny any
		var visitsAny any
		var obsAny any
		dest := []any{&m.Move, &m.Action, &rewardAny, &rootValueAny, &visitsAny}
		if includeObs {
			dest = append(dest, &obsAny)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		m.Reward = asFloat32(rewardAny)
		m.RootValue = asFloat32(rootValueAny)
		m.ChildVisits = asFloat32Slice(visitsAny)
		if includeObs {
			m.Observation = asFloat32Slice(obsAny)
		}
		moves = append(moves, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return moves, nil
}

func queryStats(ctx context.Context, db *sql.DB, fromNs int64, toNs int64, bucketNs int64) ([]StatsPoint, error) {
	query := `WITH episodes AS (
		SELECT
			game_id,
			try_cast(regexp_extract(game_id, '^selfplay_([0-9]+)_', 1) AS BIGINT) AS ts_ns,
			MAX(move)::BIGINT AS move_count,
			SUM(reward)::DOUBLE AS total_reward,
			MAX(model_version)::BIGINT AS model_version
		FROM moves
		GROUP BY game_id
	),
	filtered AS (
		SELECT *
		FROM episodes
		WHERE ts_ns IS NOT NULL
			AND ts_ns >= ?
			AND ts_ns <= ?
	),
	joined AS (
		SELECT *,
			(? + floor((ts_ns - ?)::DOUBLE / ?::DOUBLE) * ?)::BIGINT AS bucket_start_ns
		FROM filtered
	)
	SELECT
		bucket_start_ns,
		COUNT(*)::BIGINT AS episodes,
		SUM(move_count)::BIGINT AS total_moves,
		SUM(total_reward)::DOUBLE AS total_reward,
		MAX(model_version)::BIGINT AS max_model_version
	FROM joined
	GROUP BY bucket_start_ns
	ORDER BY bucket_start_ns ASC`

	rows, err := db.QueryContext(ctx, query, fromNs, toNs, fromNs, fromNs, bucketNs, bucketNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]StatsPoint, 0, 1024)
	for rows.Next() {
		var p StatsPoint
		if err := rows.Scan(
			&p.TNs,
			&p.Episodes,
			&p.TotalMoves,
			&p.TotalReward,
			&p.MaxModelVersion,
		); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}
