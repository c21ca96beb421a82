package model

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/MengbinZhu/muzero-safelife/game"
)

func TestSnapshotValidate(t *testing.T) {
	cases := []struct {
		name    string
		snap    *Snapshot
		wantErr bool
	}{
		{"valid", &Snapshot{Version: 1, Initial: []byte{1}, Recurrent: []byte{2}}, false},
		{"nil", nil, true},
		{"zero version", &Snapshot{Initial: []byte{1}, Recurrent: []byte{2}}, true},
		{"missing initial", &Snapshot{Version: 1, Recurrent: []byte{2}}, true},
		{"missing recurrent", &Snapshot{Version: 1, Initial: []byte{1}}, true},
	}

	for _, tc := range cases {
		err := tc.snap.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: expected no error, got %v", tc.name, err)
		}
	}
}

func TestSnapshotClone(t *testing.T) {
	orig := &Snapshot{Version: 4, Initial: []byte{1, 2}, Recurrent: []byte{3, 4}}
	clone := orig.Clone()

	orig.Initial[0] = 9
	orig.Recurrent[1] = 9

	if clone.Version != 4 {
		t.Errorf("Expected version 4, got %d", clone.Version)
	}
	if clone.Initial[0] != 1 || clone.Recurrent[1] != 4 {
		t.Errorf("Clone shares memory with the original: %v %v", clone.Initial, clone.Recurrent)
	}

	var nilSnap *Snapshot
	if nilSnap.Clone() != nil {
		t.Errorf("Expected nil clone of nil snapshot")
	}
}

func TestLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	initialPath := filepath.Join(dir, "initial.onnx")
	recurrentPath := filepath.Join(dir, "recurrent.onnx")
	if err := os.WriteFile(initialPath, []byte("init-bytes"), 0o644); err != nil {
		t.Fatalf("write initial: %v", err)
	}
	if err := os.WriteFile(recurrentPath, []byte("rec-bytes"), 0o644); err != nil {
		t.Fatalf("write recurrent: %v", err)
	}

	snap, err := LoadSnapshot(initialPath, recurrentPath, 3)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("Expected version 3, got %d", snap.Version)
	}
	if string(snap.Initial) != "init-bytes" || string(snap.Recurrent) != "rec-bytes" {
		t.Errorf("Loaded wrong graph bytes: %q %q", snap.Initial, snap.Recurrent)
	}

	if _, err := LoadSnapshot(filepath.Join(dir, "missing.onnx"), recurrentPath, 1); err == nil {
		t.Errorf("Expected error for missing initial graph file")
	}
	if _, err := LoadSnapshot(initialPath, recurrentPath, 0); err == nil {
		t.Errorf("Expected error for non-positive version")
	}
}

func TestUniformInference(t *testing.T) {
	u, err := NewUniform(5, 8)
	if err != nil {
		t.Fatalf("NewUniform failed: %v", err)
	}

	inf, err := u.InitialInference(make([]float32, 12))
	if err != nil {
		t.Fatalf("InitialInference failed: %v", err)
	}
	if inf.Value != 0 || inf.Reward != 0 {
		t.Errorf("Expected zero value and reward, got %v %v", inf.Value, inf.Reward)
	}
	if len(inf.PolicyLogits) != 5 {
		t.Errorf("Expected 5 logits, got %d", len(inf.PolicyLogits))
	}
	for i, l := range inf.PolicyLogits {
		if l != 0 {
			t.Errorf("Expected zero logit at %d, got %v", i, l)
		}
	}
	if len(inf.HiddenState) != 8 {
		t.Errorf("Expected hidden size 8, got %d", len(inf.HiddenState))
	}

	rec, err := u.RecurrentInference(inf.HiddenState, game.Action(4))
	if err != nil {
		t.Fatalf("RecurrentInference failed: %v", err)
	}
	if len(rec.PolicyLogits) != 5 || len(rec.HiddenState) != 8 {
		t.Errorf("Expected same shapes from recurrent inference, got %d %d",
			len(rec.PolicyLogits), len(rec.HiddenState))
	}

	if _, err := u.RecurrentInference(inf.HiddenState, game.Action(5)); err == nil {
		t.Errorf("Expected error for out-of-range action")
	}
}

func TestUniformWeights(t *testing.T) {
	u, err := NewUniform(3, 4)
	if err != nil {
		t.Fatalf("NewUniform failed: %v", err)
	}

	snap := u.Weights()
	if snap == nil {
		t.Fatalf("Expected bootstrap weights, got nil")
	}
	if snap.Version != 0 {
		t.Errorf("Expected bootstrap version 0, got %d", snap.Version)
	}

	real := &Snapshot{Version: 1, Initial: []byte{1}, Recurrent: []byte{2}}
	if err := u.SetWeights(real); err == nil {
		t.Errorf("Expected uniform model to reject snapshot installs")
	}
}

func TestNewUniformValidation(t *testing.T) {
	if _, err := NewUniform(0, 4); err == nil {
		t.Errorf("Expected error for zero action count")
	}
	if _, err := NewUniform(3, 0); err == nil {
		t.Errorf("Expected error for zero encoding size")
	}
}

func TestOnnxConfigValidate(t *testing.T) {
	good := OnnxConfig{ObservationSize: 16, ActionCount: 9, EncodingSize: 8}
	if err := good.validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	cases := []OnnxConfig{
		{ObservationSize: 0, ActionCount: 9, EncodingSize: 8},
		{ObservationSize: 16, ActionCount: 0, EncodingSize: 8},
		{ObservationSize: 16, ActionCount: 9, EncodingSize: 0},
	}
	for i, cfg := range cases {
		if err := cfg.validate(); err == nil {
			t.Errorf("case %d: expected error, got nil", i)
		}
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// TestOnnxRoundTrip exercises the real ORT path against an exported graph
// pair. It needs the onnxruntime shared library plus graphs produced by
// the trainer, so it skips unless the paths are provided.
func TestOnnxRoundTrip(t *testing.T) {
	initialPath := os.Getenv("MUZERO_TEST_INITIAL_ONNX")
	recurrentPath := os.Getenv("MUZERO_TEST_RECURRENT_ONNX")
	if initialPath == "" || recurrentPath == "" {
		t.Skip("MUZERO_TEST_INITIAL_ONNX / MUZERO_TEST_RECURRENT_ONNX not set; skipping")
	}

	cfg := OnnxConfig{
		ObservationSize: envInt("MUZERO_TEST_OBS_SIZE", 256),
		ActionCount:     envInt("MUZERO_TEST_ACTION_COUNT", 9),
		EncodingSize:    envInt("MUZERO_TEST_ENCODING_SIZE", 32),
	}

	m, err := NewOnnxModel(cfg)
	if err != nil {
		t.Skipf("ORT init failed: %v", err)
	}
	defer m.Close()

	if _, err := m.InitialInference(make([]float32, cfg.ObservationSize)); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("Expected ErrNoSnapshot before install, got %v", err)
	}

	snap, err := LoadSnapshot(initialPath, recurrentPath, 1)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if err := m.SetWeights(snap); err != nil {
		t.Fatalf("SetWeights failed: %v", err)
	}
	if m.Weights().Version != 1 {
		t.Errorf("Expected installed version 1, got %d", m.Weights().Version)
	}

	inf, err := m.InitialInference(make([]float32, cfg.ObservationSize))
	if err != nil {
		t.Fatalf("InitialInference failed: %v", err)
	}
	if inf.Reward != 0 {
		t.Errorf("Expected zero reward from initial inference, got %v", inf.Reward)
	}
	if len(inf.PolicyLogits) != cfg.ActionCount || len(inf.HiddenState) != cfg.EncodingSize {
		t.Fatalf("Unexpected output shapes: %d logits, %d hidden",
			len(inf.PolicyLogits), len(inf.HiddenState))
	}

	rec, err := m.RecurrentInference(inf.HiddenState, game.Action(0))
	if err != nil {
		t.Fatalf("RecurrentInference failed: %v", err)
	}
	if len(rec.PolicyLogits) != cfg.ActionCount || len(rec.HiddenState) != cfg.EncodingSize {
		t.Fatalf("Unexpected recurrent output shapes: %d logits, %d hidden",
			len(rec.PolicyLogits), len(rec.HiddenState))
	}
}
