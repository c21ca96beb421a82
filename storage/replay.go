package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MengbinZhu/muzero-safelife/selfplay"
)

// SaveGameFrame is one message on the replay WebSocket. Type is always
// "save_game"; the hub ignores frames it does not recognize.
type SaveGameFrame struct {
	Type string                `json:"type"`
	Game *selfplay.GameHistory `json:"game"`
}

const (
	replayHandshakeTimeout = 10 * time.Second
	replayWriteTimeout     = 10 * time.Second
)

// ReplayClient ships completed games to the hub over a single WebSocket.
// The connection is dialed lazily and redialed once per save on write
// failure, so a hub restart costs at most one failed save.
type ReplayClient struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewReplayClient accepts the hub base URL in http, https, ws or wss
// form and derives the /ws/replay endpoint from it.
func NewReplayClient(rawURL string) (*ReplayClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("replay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("replay URL: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/replay"

	return &ReplayClient{
		url: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: replayHandshakeTimeout,
		},
	}, nil
}

// SaveGame writes one frame, redialing once if the connection has gone
// away since the last save. Safe for use from multiple workers.
func (c *ReplayClient) SaveGame(ctx context.Context, h *selfplay.GameHistory) error {
	if err := h.Validate(); err != nil {
		return err
	}
	frame := SaveGameFrame{Type: "save_game", Game: h}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			return err
		}
	}

	if err := c.writeLocked(frame); err != nil {
		// One reconnect attempt; the first write after a hub restart
		// fails on the dead connection.
		if err := c.dialLocked(ctx); err != nil {
			return err
		}
		if err := c.writeLocked(frame); err != nil {
			c.closeLocked()
			return fmt.Errorf("save game %s: %w", h.GameID, err)
		}
	}
	return nil
}

func (c *ReplayClient) dialLocked(ctx context.Context) error {
	c.closeLocked()
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial replay %s: %w", c.url, err)
	}
	c.conn = conn
	return nil
}

func (c *ReplayClient) writeLocked(frame SaveGameFrame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(replayWriteTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *ReplayClient) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the connection. SaveGame redials if called again.
func (c *ReplayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

var _ selfplay.ReplaySink = (*ReplayClient)(nil)
