// Package channel implements the push event channel over plain WebSockets
// and over Socket.IO.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/internal/supervisor"
)

const (
	writeWait     = 10 * time.Second
	frameBuffer   = 64
	maxFrameBytes = 1 << 20
)

// WebSocketDialer opens channels with gorilla/websocket. Frames travel as
// JSON text messages of the form {"event": ..., "data": ...}.
type WebSocketDialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// WebSocketOption configures a WebSocketDialer.
type WebSocketOption func(*WebSocketDialer)

// WithDialer replaces the underlying gorilla dialer.
func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(w *WebSocketDialer) { w.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WebSocketOption {
	return func(w *WebSocketDialer) { w.logger = l }
}

// NewWebSocketDialer creates a dialer with gorilla's default settings.
func NewWebSocketDialer(opts ...WebSocketOption) *WebSocketDialer {
	w := &WebSocketDialer{
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ supervisor.Dialer = (*WebSocketDialer)(nil)

// Dial implements supervisor.Dialer.
func (w *WebSocketDialer) Dial(ctx context.Context, cfg supervisor.ChannelConfig) (supervisor.Channel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url: %w", err)
	}
	q := u.Query()
	if cfg.Filter != "" {
		q.Set("filter", string(cfg.Filter))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := w.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &wsChannel{
		conn:   conn,
		frames: make(chan feed.Frame, frameBuffer),
		done:   make(chan struct{}),
		logger: w.logger,
	}
	go c.readPump()
	return c, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	frames chan feed.Frame
	done   chan struct{}
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *wsChannel) Frames() <-chan feed.Frame { return c.frames }

func (c *wsChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsChannel) readPump() {
	defer close(c.frames)
	for {
		var f feed.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if isDecodeError(err) {
				c.logger.Debug("dropping undecodable websocket message", "error", err)
				continue
			}
			select {
			case <-c.done:
			default:
				c.setErr(err)
			}
			return
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// isDecodeError reports a message that was read but is not a frame. The
// connection stays usable after one.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (c *wsChannel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *wsChannel) Send(ctx context.Context, f feed.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
