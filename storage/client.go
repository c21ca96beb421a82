package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MengbinZhu/muzero-safelife/model"
	"github.com/MengbinZhu/muzero-safelife/selfplay"
)

// WeightsPayload is the JSON body of GET/POST /api/weights. The graph
// bytes ride as base64, encoding/json's default for []byte.
type WeightsPayload struct {
	Version   int64  `json:"version"`
	Initial   []byte `json:"initial"`
	Recurrent []byte `json:"recurrent"`
}

// Client talks to a hub over HTTP. It implements the worker-facing
// storage contract plus PushWeights for the trainer side.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) (*Client, error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("hub URL is required")
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) Weights(ctx context.Context) (*model.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/weights", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch weights: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, model.ErrNoSnapshot
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch weights: unexpected status %s", resp.Status)
	}

	var payload WeightsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	snap := &model.Snapshot{
		Version:   payload.Version,
		Initial:   payload.Initial,
		Recurrent: payload.Recurrent,
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("fetched weights: %w", err)
	}
	return snap, nil
}

// PushWeights publishes a snapshot to the hub. The trainer-side export
// pipeline uses it after each checkpoint.
func (c *Client) PushWeights(ctx context.Context, snap *model.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	payload := WeightsPayload{
		Version:   snap.Version,
		Initial:   snap.Initial,
		Recurrent: snap.Recurrent,
	}
	return c.postJSON(ctx, "/api/weights", payload)
}

func (c *Client) Infos(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/infos", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch infos: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch infos: unexpected status %s", resp.Status)
	}
	var infos map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decode infos: %w", err)
	}
	return infos, nil
}

// SetInfo merges one counter into the hub's info map.
func (c *Client) SetInfo(ctx context.Context, key string, value float64) error {
	return c.postJSON(ctx, "/api/infos", map[string]float64{key: value})
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: unexpected status %s", path, resp.Status)
	}
	return nil
}

var _ selfplay.Storage = (*Client)(nil)
