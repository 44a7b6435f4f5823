// Package devserver is a self-contained stub chat server for local
// development and integration tests. It speaks the full wire protocol:
// handshake, presence, message acks, typing relays, and scripted AI
// response streams, plus the REST surface the client bootstraps from.
package devserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nelsonmandeladev/retrochat-client/internal/config"
	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

// Server is the stub chat server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	echo   *echo.Echo
	world  *world

	mu    sync.RWMutex
	conns map[string]*conn

	// streamDelay paces scripted AI chunks. Tests shrink it.
	streamDelay time.Duration

	failStreams bool // when set, AI requests abort with ai_stream_error
}

// NewServer creates a stub server with a seeded demo world. logger may
// be nil.
func NewServer(cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		echo:        e,
		world:       newWorld(),
		conns:       make(map[string]*conn),
		streamDelay: 100 * time.Millisecond,
	}

	e.GET("/ws", s.handleWebSocket)
	e.GET("/v1/snapshot", s.handleSnapshot)
	e.GET("/v1/conversations/:kind/:target/messages", s.handleHistory)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the server for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// FailStreams makes subsequent AI requests end in ai_stream_error
// instead of a final message.
func (s *Server) FailStreams(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStreams = fail
}

func (s *Server) failingStreams() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failStreams
}

// Push broadcasts a server event to every connected client. Tests use
// it to simulate other participants.
func (s *Server) Push(v any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		s.sendJSON(c, v)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	s.mu.RLock()
	n := len(s.conns)
	s.mu.RUnlock()
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": n,
	})
}

func (s *Server) handleSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, s.world.snapshot())
}

func (s *Server) handleHistory(c echo.Context) error {
	kind := domain.Kind(c.Param("kind"))
	switch kind {
	case domain.KindDirect, domain.KindGroup, domain.KindCompanion:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown conversation kind"})
	}
	key := domain.ConversationKey{Kind: kind, TargetID: c.Param("target")}

	limit := s.cfg.HistoryPage
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}

	page := s.world.historyBefore(key, c.QueryParam("before"), limit)
	return c.JSON(http.StatusOK, map[string]any{"messages": page})
}

// connIDs returns the ids of live connections, for logs and tests.
func (s *Server) connIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
