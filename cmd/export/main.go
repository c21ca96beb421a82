package main

import (
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MengbinZhu/muzero-safelife/store"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// TrainingRow is one training position. Policy targets are the
// normalized root visit distributions; value targets are n-step
// discounted returns bootstrapped on the stored root values.
type TrainingRow struct {
	GameID string `parquet:"game_id,dict"`
	Move   int32  `parquet:"move"`

	Observation []float32 `parquet:"observation"`
	Action      int32     `parquet:"action"`

	TargetPolicy []float32 `parquet:"target_policy"`
	TargetValue  float32   `parquet:"target_value"`
	TargetReward float32   `parquet:"target_reward"`

	ModelVersion int64  `parquet:"model_version"`
	Source       string `parquet:"source,dict"`
}

func main() {
	inDir := flag.String("in-dir", "", "Directory containing episode parquet batches (move_row_v1)")
	outDir := flag.String("out-dir", "", "Output directory for training parquet shards")
	tdSteps := flag.Int("td-steps", 10, "Steps before bootstrapping the value target on the stored root value")
	discount := flag.Float64("discount", 0.997, "Discount applied to rewards and the bootstrap value")
	flag.Parse()

	if *inDir == "" || *outDir == "" {
		fmt.Fprintln(os.Stderr, "-in-dir and -out-dir are required")
		os.Exit(2)
	}
	if *tdSteps < 0 {
		fmt.Fprintln(os.Stderr, "-td-steps must not be negative")
		os.Exit(2)
	}
	if *discount <= 0 || *discount > 1 {
		fmt.Fprintln(os.Stderr, "-discount must be in (0,1]")
		os.Exit(2)
	}

	absIn, _ := filepath.Abs(*inDir)
	absOut, _ := filepath.Abs(*outDir)
	if absIn == absOut {
		fmt.Fprintln(os.Stderr, "out-dir must be different from in-dir")
		os.Exit(2)
	}

	if err := os.MkdirAll(absOut, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create out-dir: %v\n", err)
		os.Exit(2)
	}

	// Clean old outputs to avoid unbounded growth.
	_ = filepath.WalkDir(absOut, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".parquet") {
			_ = os.Remove(path)
		}
		return nil
	})

	inputs := make([]string, 0, 1024)
	_ = filepath.WalkDir(absIn, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".parquet") {
			inputs = append(inputs, path)
		}
		return nil
	})

	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "no parquet inputs found")
		os.Exit(1)
	}

	convertedFiles := 0
	for _, inPath := range inputs {
		base := filepath.Base(inPath)
		outPath := filepath.Join(absOut, strings.TrimSuffix(base, filepath.Ext(base))+".train.parquet")
		n, err := convertOne(inPath, outPath, *tdSteps, float32(*discount))
		if err != nil {
			fmt.Fprintf(os.Stderr, "convert %s: %v\n", inPath, err)
			continue
		}
		if n > 0 {
			convertedFiles++
		}
	}

	if convertedFiles == 0 {
		fmt.Fprintln(os.Stderr, "no output written (no convertible rows)")
		os.Exit(1)
	}
}

func convertOne(inPath string, outPath string, tdSteps int, discount float32) (int, error) {
	rows, err := store.ReadRows(inPath)
	if err != nil {
		return 0, err
	}

	games := groupByGame(rows)

	outBuf := make([]TrainingRow, 0, len(rows))
	for _, g := range games {
		targets, err := buildTargets(g, tdSteps, discount)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", inPath, err)
		}
		outBuf = append(outBuf, targets...)
	}

	if len(outBuf) == 0 {
		return 0, nil
	}

	outTmp := outPath + ".tmp"
	_ = os.Remove(outTmp)
	outF, err := os.OpenFile(outTmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	writer := parquet.NewGenericWriter[TrainingRow](
		outF,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
	)
	writer.SetKeyValueMetadata("schema", "training_row_v1")

	if _, err := writer.Write(outBuf); err != nil {
		_ = writer.Close()
		_ = outF.Close()
		_ = os.Remove(outTmp)
		return 0, err
	}
	if err := writer.Close(); err != nil {
		_ = outF.Close()
		_ = os.Remove(outTmp)
		return 0, err
	}
	if err := outF.Sync(); err != nil {
		_ = outF.Close()
		_ = os.Remove(outTmp)
		return 0, err
	}
	if err := outF.Close(); err != nil {
		_ = os.Remove(outTmp)
		return 0, err
	}

	if err := os.Rename(outTmp, outPath); err != nil {
		_ = os.Remove(outTmp)
		return 0, err
	}
	return len(outBuf), nil
}

// groupByGame splits rows by game id, preserving first-seen game order
// and ordering each game's rows by move.
func groupByGame(rows []store.MoveRow) [][]store.MoveRow {
	order := make([]string, 0, 64)
	byGame := make(map[string][]store.MoveRow, 64)
	for _, r := range rows {
		if _, ok := byGame[r.GameID]; !ok {
			order = append(order, r.GameID)
		}
		byGame[r.GameID] = append(byGame[r.GameID], r)
	}

	out := make([][]store.MoveRow, 0, len(order))
	for _, id := range order {
		g := byGame[id]
		sort.Slice(g, func(i, j int) bool { return g[i].Move < g[j].Move })
		out = append(out, g)
	}
	return out
}

// buildTargets emits one training row per played move of a single game.
// The terminal row (action -1) marks the episode end and gets no row;
// value targets that would bootstrap past it truncate to the remaining
// discounted rewards.
func buildTargets(g []store.MoveRow, tdSteps int, discount float32) ([]TrainingRow, error) {
	moves := make([]store.MoveRow, 0, len(g))
	for _, r := range g {
		if r.Action == store.TerminalAction {
			continue
		}
		moves = append(moves, r)
	}
	if len(moves) == 0 {
		return nil, nil
	}

	out := make([]TrainingRow, 0, len(moves))
	for t, r := range moves {
		policy, err := normalizeVisits(r.ChildVisits)
		if err != nil {
			return nil, fmt.Errorf("game=%s move=%d: %w", r.GameID, r.Move, err)
		}

		value := float32(0)
		bootstrap := t + tdSteps
		if bootstrap < len(moves) {
			value = moves[bootstrap].RootValue * pow(discount, tdSteps)
		}
		for i := t; i < bootstrap && i < len(moves); i++ {
			value += moves[i].Reward * pow(discount, i-t)
		}

		out = append(out, TrainingRow{
			GameID:       r.GameID,
			Move:         r.Move,
			Observation:  r.Observation,
			Action:       r.Action,
			TargetPolicy: policy,
			TargetValue:  value,
			TargetReward: r.Reward,
			ModelVersion: r.ModelVersion,
			Source:       r.Source,
		})
	}
	return out, nil
}

func normalizeVisits(visits []float32) ([]float32, error) {
	if len(visits) == 0 {
		return nil, fmt.Errorf("no child visits")
	}
	var sum float32
	for _, v := range visits {
		sum += v
	}
	if sum <= 0 {
		return nil, fmt.Errorf("child visits sum to %v", sum)
	}
	out := make([]float32, len(visits))
	for i, v := range visits {
		out[i] = v / sum
	}
	return out, nil
}

func pow(base float32, exp int) float32 {
	return float32(math.Pow(float64(base), float64(exp)))
}
