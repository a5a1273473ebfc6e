package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	socket "github.com/zishang520/socket.io/servers/socket/v3"
	sockettypes "github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/pkg/auth"
)

const (
	sioPingInterval = 5 * time.Second
	sioPingTimeout  = 15 * time.Second
)

// SocketIOServer pushes frames to Socket.IO clients. Each frame is emitted
// as an event named after the frame, carrying the decoded frame data.
type SocketIOServer struct {
	issuer *auth.Issuer
	logger *slog.Logger
	server *socket.Server

	sockets sync.Map // socket id -> *sioClient
	count   atomic.Int64
}

type sioClient struct {
	sock   *socket.Socket
	viewer string
}

type sioAuth struct {
	Token    string `json:"token"`
	ViewerID string `json:"viewerId"`
	Filter   string `json:"filter"`
}

// NewSocketIOServer creates a server mounted at SocketIOPath.
func NewSocketIOServer(issuer *auth.Issuer, logger *slog.Logger) *SocketIOServer {
	opts := socket.DefaultServerOptions()
	opts.SetCors(&sockettypes.Cors{
		Origin:      "*",
		Credentials: false,
	})
	opts.SetPingTimeout(sioPingTimeout)
	opts.SetPingInterval(sioPingInterval)
	opts.SetPath(SocketIOPath)

	s := &SocketIOServer{
		issuer: issuer,
		logger: logger,
		server: socket.NewServer(nil, opts),
	}
	s.server.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		s.handleConnection(client)
	})
	return s
}

func (s *SocketIOServer) handleConnection(client *socket.Socket) {
	socketID := string(client.Id())

	var a sioAuth
	if err := decodeAny(client.Handshake().Auth, &a); err != nil || a.Token == "" {
		s.logger.Warn("socket.io client without credentials", "socket", socketID)
		client.Emit("error", map[string]string{"message": "Missing authentication data"})
		client.Disconnect(true)
		return
	}
	viewer, err := s.issuer.Verify(a.Token)
	if err != nil {
		s.logger.Warn("socket.io client with invalid token", "socket", socketID, "error", err)
		client.Emit("error", map[string]string{"message": "Invalid authentication token"})
		client.Disconnect(true)
		return
	}

	s.sockets.Store(socketID, &sioClient{sock: client, viewer: viewer})
	s.count.Add(1)
	s.logger.Info("socket.io client connected", "viewer", viewer, "filter", a.Filter, "socket", socketID)

	client.On(feed.FramePresence, func(data ...any) {
		s.logger.Debug("presence", "viewer", viewer, "data", data)
	})
	client.On("disconnect", func(data ...any) {
		if _, ok := s.sockets.LoadAndDelete(socketID); ok {
			s.count.Add(-1)
		}
		s.logger.Info("socket.io client disconnected", "viewer", viewer, "socket", socketID)
	})
}

func decodeAny(input any, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Publish emits f to every connected client.
func (s *SocketIOServer) Publish(f feed.Frame) {
	var payload any
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			s.logger.Warn("cannot emit undecodable frame", "event", f.Event, "error", err)
			return
		}
	}
	s.sockets.Range(func(_, value any) bool {
		if c, ok := value.(*sioClient); ok {
			c.sock.Emit(f.Event, payload)
		}
		return true
	})
}

// Clients returns the number of authenticated clients.
func (s *SocketIOServer) Clients() int { return int(s.count.Load()) }

// Handler returns the gin handler serving the Socket.IO protocol.
func (s *SocketIOServer) Handler() gin.HandlerFunc {
	h := s.server.ServeHandler(nil)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusOK)
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Close disconnects every client and stops the server.
func (s *SocketIOServer) Close() {
	s.server.Close(nil)
}
