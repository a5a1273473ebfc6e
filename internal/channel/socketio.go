package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/internal/supervisor"
)

// DefaultSocketIOPath is where the server mounts its Socket.IO handler.
const DefaultSocketIOPath = "/socket.io"

// inboundEvents are the server events forwarded as frames.
var inboundEvents = []string{
	feed.FrameNewItem,
	feed.FrameItemUpdated,
	feed.FrameItemDeleted,
	feed.FrameItemLiked,
	feed.FrameFollowChanged,
}

// SocketIODialer opens channels with the Socket.IO client. Each named event
// becomes a frame whose data is the event's first argument.
type SocketIODialer struct {
	path   string
	logger *slog.Logger
}

// NewSocketIODialer creates a dialer for a server mounted at path (empty for
// DefaultSocketIOPath).
func NewSocketIODialer(path string, logger *slog.Logger) *SocketIODialer {
	if path == "" {
		path = DefaultSocketIOPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketIODialer{path: path, logger: logger}
}

var _ supervisor.Dialer = (*SocketIODialer)(nil)

// Dial implements supervisor.Dialer. It returns once the server accepted the
// handshake or refused it.
func (d *SocketIODialer) Dial(ctx context.Context, cfg supervisor.ChannelConfig) (supervisor.Channel, error) {
	opts := socket.DefaultOptions()
	opts.SetPath(d.path)
	opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	opts.SetAuth(map[string]any{
		"token":    cfg.Token,
		"viewerId": cfg.ViewerID,
		"filter":   string(cfg.Filter),
	})

	sock, err := socket.Connect(cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &sioChannel{
		sock:   sock,
		frames: make(chan feed.Frame, frameBuffer),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	ready := make(chan error, 1)

	sock.On(types.EventName("connect"), func(args ...any) {
		select {
		case ready <- nil:
		default:
		}
	})
	sock.On(types.EventName("connect_error"), func(args ...any) {
		err := errors.New("connection refused")
		if len(args) > 0 {
			err = fmt.Errorf("connection refused: %v", args[0])
		}
		select {
		case ready <- err:
		default:
		}
		c.end(err)
	})
	sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := "disconnected"
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}
		c.end(fmt.Errorf("socket.io %s", reason))
	})
	for _, name := range inboundEvents {
		event := name
		sock.On(types.EventName(event), func(args ...any) {
			c.deliver(event, args)
		})
	}

	select {
	case err := <-ready:
		if err != nil {
			sock.Disconnect()
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		sock.Disconnect()
		return nil, ctx.Err()
	}
}

type sioChannel struct {
	sock   *socket.Socket
	frames chan feed.Frame
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once

	// mu guards frames against a send after end closed it.
	mu    sync.Mutex
	ended bool
	err   error
}

func (c *sioChannel) Frames() <-chan feed.Frame { return c.frames }

func (c *sioChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sioChannel) deliver(event string, args []any) {
	var data json.RawMessage
	if len(args) > 0 {
		raw, err := json.Marshal(args[0])
		if err != nil {
			c.logger.Debug("dropping unencodable socket.io payload", "event", event, "error", err)
			return
		}
		data = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	select {
	case c.frames <- feed.Frame{Event: event, Data: data}:
	case <-c.done:
	}
}

func (c *sioChannel) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.frames)
}

func (c *sioChannel) Send(_ context.Context, f feed.Frame) error {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return errors.New("socket.io channel closed")
	}

	var payload any
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return fmt.Errorf("failed to decode frame data: %w", err)
		}
	}
	c.sock.Emit(f.Event, payload)
	return nil
}

func (c *sioChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Disconnect()
		c.end(nil)
	})
	return nil
}
