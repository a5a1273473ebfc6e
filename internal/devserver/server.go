// Package devserver is a self-contained feed server for development and
// end-to-end tests. It serves the pull and mutation API over HTTP and pushes
// events over a plain WebSocket endpoint and over Socket.IO.
package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/pkg/auth"
)

// Endpoint paths.
const (
	WebSocketPath = "/ws"
	SocketIOPath  = "/socket.io"
)

const (
	viewerKey       = "viewerID"
	defaultPageSize = 20
	maxPageSize     = 100
)

// Server is the development feed server.
type Server struct {
	store  *Store
	issuer *auth.Issuer
	logger *slog.Logger
	router *gin.Engine
	hub    *Hub
	sio    *SocketIOServer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server over store. Requests must carry a bearer token minted
// by issuer.
func New(store *Store, issuer *auth.Issuer, opts ...Option) *Server {
	s := &Server{
		store:  store,
		issuer: issuer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	s.sio = NewSocketIOServer(issuer, s.logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
	}))
	router.Use(s.logging())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", s.authenticate())
	{
		api.GET("/items", s.listItems)
		api.POST("/items", s.createItem)
		api.DELETE("/items/:id", s.deleteItem)
		api.POST("/items/:id/like", s.likeItem(true))
		api.DELETE("/items/:id/like", s.likeItem(false))
		api.GET("/follows", s.listFollows)
		api.POST("/follows/:id", s.follow(true))
		api.DELETE("/follows/:id", s.follow(false))
		api.GET(WebSocketPath, s.hub.HandleWebSocket)
	}

	sio := s.sio.Handler()
	router.Any(SocketIOPath, sio)
	router.Any(SocketIOPath+"/*any", sio)

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Store returns the backing store.
func (s *Server) Store() *Store { return s.store }

// Clients returns the number of connected push clients on both transports.
func (s *Server) Clients() int { return s.hub.Clients() + s.sio.Clients() }

// Publish pushes f to every connected client.
func (s *Server) Publish(f feed.Frame) {
	s.hub.Publish(f)
	s.sio.Publish(f)
}

// Close disconnects every push client.
func (s *Server) Close() {
	s.hub.Close()
	s.sio.Close()
}

func (s *Server) logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "missing authorization header"})
			return
		}
		viewer, err := s.issuer.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		c.Set(viewerKey, viewer)
		c.Next()
	}
}

func bearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func viewerOf(c *gin.Context) string {
	return c.GetString(viewerKey)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type listResponse struct {
	Items   []feed.WireItem `json:"items"`
	Success bool            `json:"success"`
}

type mutationResponse struct {
	Success bool           `json:"success"`
	Item    *feed.WireItem `json:"item,omitempty"`
}

type createRequest struct {
	Content  string `json:"content"`
	MediaRef string `json:"mediaRef"`
	ClientID string `json:"clientId"`
}

func (s *Server) listItems(c *gin.Context) {
	filter, err := feed.ParseFilter(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}

	items := s.store.List(viewerOf(c), filter, page, limit)
	wire := make([]feed.WireItem, 0, len(items))
	for _, it := range items {
		wire = append(wire, feed.ToWire(it))
	}
	c.JSON(http.StatusOK, listResponse{Items: wire, Success: true})
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (s *Server) createItem(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	it, created, err := s.store.Create(viewerOf(c), req.Content, req.MediaRef, req.ClientID)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "post must have content or media"})
		return
	}
	w := feed.ToWire(it)
	if created {
		s.Publish(frame(feed.FrameNewItem, w))
	}
	c.JSON(http.StatusCreated, mutationResponse{Success: true, Item: &w})
}

func (s *Server) deleteItem(c *gin.Context) {
	it, err := s.store.Delete(viewerOf(c), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	s.Publish(frame(feed.FrameItemDeleted, deletedPayload{ID: it.ID, Version: it.Version}))
	c.JSON(http.StatusOK, mutationResponse{Success: true})
}

func (s *Server) likeItem(liked bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer := viewerOf(c)
		it, changed, err := s.store.Like(viewer, c.Param("id"), liked)
		if err != nil {
			s.storeError(c, err)
			return
		}
		if changed {
			s.Publish(frame(feed.FrameItemLiked, likedPayload{
				ID:        it.ID,
				UserID:    viewer,
				Liked:     liked,
				LikeCount: it.LikeCount,
				Version:   it.Version,
			}))
		}
		w := feed.ToWire(it)
		c.JSON(http.StatusOK, mutationResponse{Success: true, Item: &w})
	}
}

func (s *Server) listFollows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"following": s.store.Following(viewerOf(c))})
}

func (s *Server) follow(following bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, target := viewerOf(c), c.Param("id")
		changed, err := s.store.Follow(viewer, target, following)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "cannot follow yourself"})
			return
		}
		if changed {
			s.Publish(frame(feed.FrameFollowChanged, followPayload{
				FollowerID: viewer,
				FolloweeID: target,
				Following:  following,
			}))
		}
		c.JSON(http.StatusOK, mutationResponse{Success: true})
	}
}

func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

type deletedPayload struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

type likedPayload struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Liked     bool   `json:"liked"`
	LikeCount int    `json:"likeCount"`
	Version   int64  `json:"version"`
}

type followPayload struct {
	FollowerID string `json:"followerId"`
	FolloweeID string `json:"followeeId"`
	Following  bool   `json:"following"`
}

func frame(event string, payload any) feed.Frame {
	data, _ := json.Marshal(payload)
	return feed.Frame{Event: event, Data: data}
}
