package main

import (
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestNormalizeSort(t *testing.T) {
	cases := []struct {
		key, dir string
		wantKey  string
		wantDir  string
	}{
		{"", "", "started_ns", "desc"},
		{"time", "asc", "started_ns", "asc"},
		{"REWARD", "ASC", "total_reward", "asc"},
		{"moves", "desc", "moves", "desc"},
		{"model", "asc", "model_version", "asc"},
		{"filename", "desc", "file", "desc"},
		{"bogus", "asc", "started_ns", "desc"},
		{"game_id", "sideways", "game_id", "desc"},
	}
	for _, c := range cases {
		gotKey, gotDir := normalizeSort(c.key, c.dir)
		if gotKey != c.wantKey || gotDir != c.wantDir {
			t.Errorf("normalizeSort(%q, %q): Expected (%q, %q), got (%q, %q)", c.key, c.dir, c.wantKey, c.wantDir, gotKey, gotDir)
		}
	}
}

func TestParseDataRoots(t *testing.T) {
	got := parseDataRoots(" data/replay, ,data/selfplay,data/replay ")
	want := []string{"data/replay", "data/selfplay"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestMakeRelativeToRoots(t *testing.T) {
	roots := []string{"/data/replay"}
	got := makeRelativeToRoots("/data/replay/batch_1.parquet", roots)
	if got != "/data/replay/batch_1.parquet" {
		t.Errorf("Expected path under root unchanged, got %q", got)
	}
	got = makeRelativeToRoots("/elsewhere/batch_2.parquet", roots)
	if got != "/elsewhere/batch_2.parquet" {
		t.Errorf("Expected path outside root unchanged, got %q", got)
	}
	if got := makeRelativeToRoots("  ", roots); got != "" {
		t.Errorf("Expected empty result for blank filename, got %q", got)
	}
}

func TestParseQueryHelpers(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/episodes?limit=5&offset=-3&from_ns=1200&obs=1", nil)

	if got := parseIntQuery(r, "limit", 200); got != 5 {
		t.Errorf("Expected limit 5, got %d", got)
	}
	if got := parseIntQuery(r, "offset", 0); got != 0 {
		t.Errorf("Expected negative offset to fall back to 0, got %d", got)
	}
	if got := parseIntQuery(r, "missing", 42); got != 42 {
		t.Errorf("Expected default 42, got %d", got)
	}
	if got := parseInt64Query(r, "from_ns", 0); got != 1200 {
		t.Errorf("Expected from_ns 1200, got %d", got)
	}
	if !parseBoolQuery(r, "obs") {
		t.Error("Expected obs=1 to parse as true")
	}
	if parseBoolQuery(r, "missing") {
		t.Error("Expected missing bool query to parse as false")
	}
}

func TestAsFloat32Slice(t *testing.T) {
	if got := asFloat32Slice(nil); got != nil {
		t.Errorf("Expected nil, got %v", got)
	}
	if got := asFloat32Slice([]float64{1, 2.5}); !reflect.DeepEqual(got, []float32{1, 2.5}) {
		t.Errorf("Expected [1 2.5], got %v", got)
	}
	if got := asFloat32Slice([]any{float64(3), int64(4)}); !reflect.DeepEqual(got, []float32{3, 4}) {
		t.Errorf("Expected [3 4], got %v", got)
	}
	if got := asFloat32Slice("nope"); got != nil {
		t.Errorf("Expected nil for unsupported type, got %v", got)
	}
}
