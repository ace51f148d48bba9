package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mwaller/outpost/internal/auth"
	"github.com/mwaller/outpost/internal/connection"
	"github.com/mwaller/outpost/internal/hub"
	"github.com/mwaller/outpost/internal/jobs"
	"github.com/mwaller/outpost/internal/model"
	"github.com/mwaller/outpost/internal/state"
)

// Config holds HTTP server configuration.
type Config struct {
	Port      int
	JWTSecret string

	CommandLimit  int
	CommandWindow time.Duration
	ConnectLimit  int
	ConnectWindow time.Duration

	InactivityTimeout time.Duration
}

// ConnectionManager is the session-manager surface the handlers drive.
type ConnectionManager interface {
	Connect(ctx context.Context, link model.ServerLink) error
	Disconnect(ctx context.Context, linkID int64) error
	Connected(linkID int64) bool
	Fetch(ctx context.Context, linkID int64, method string, refresh bool) (json.RawMessage, error)
	SetEntityValue(ctx context.Context, linkID int64, args json.RawMessage) error
	SendTeamChat(ctx context.Context, linkID int64, args json.RawMessage) error
	Stats() connection.Stats
}

// LinkStore is the pairing-store surface the handlers read.
type LinkStore interface {
	Get(ctx context.Context, id int64) (*model.ServerLink, error)
	ListByOwner(ctx context.Context, userID string) ([]model.ServerLink, error)
	TouchViewed(ctx context.Context, id int64) error
}

// PushSupervisor manages per-user push listeners.
type PushSupervisor interface {
	EnsureListener(ctx context.Context, userID string) error
	ListenerCount() int
}

// PushRegistry persists the caller's push credential. Registration is
// what makes a user listenable; without it EnsureListener has nothing
// to load.
type PushRegistry interface {
	Save(ctx context.Context, cred *model.PushCredential) error
}

// Scheduler is the job-scheduler surface the handlers drive.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, name string, payload []byte, delay time.Duration) error
	Cancel(ctx context.Context, name string) error
	Stats() jobs.Stats
}

// Server is the browser-facing HTTP surface: the event stream, command
// relay, connection lifecycle, heartbeat and health.
type Server struct {
	cfg      Config
	verifier *auth.Verifier
	hub      *hub.Hub
	manager  ConnectionManager
	links    LinkStore
	pushReg  PushRegistry
	push     PushSupervisor
	sched    Scheduler
	store    state.Store
	limiter  *state.Limiter
	logger   *slog.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the HTTP surface. push may be nil when the push
// provider is not configured.
func NewServer(cfg Config, verifier *auth.Verifier, h *hub.Hub, manager ConnectionManager, links LinkStore, pushReg PushRegistry, push PushSupervisor, sched Scheduler, st state.Store, limiter *state.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		hub:      h,
		manager:  manager,
		links:    links,
		pushReg:  pushReg,
		push:     push,
		sched:    sched,
		store:    st,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the gin engine. Exposed for handler tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api", s.authMiddleware())
	{
		api.GET("/stream", s.handleStream)
		api.GET("/servers", s.handleListServers)
		api.POST("/servers/:id/connect",
			s.rateLimit("connect", s.cfg.ConnectLimit, s.cfg.ConnectWindow),
			s.handleConnect)
		api.POST("/servers/:id/disconnect", s.handleDisconnect)
		api.POST("/command",
			s.rateLimit("command", s.cfg.CommandLimit, s.cfg.CommandWindow),
			s.handleCommand)
		api.POST("/heartbeat", s.handleHeartbeat)
		api.POST("/push/register", s.handlePushRegister)
	}

	return r
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()

	s.logger.Info("http server started", "port", s.cfg.Port)
	return nil
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.logger.Info("http server stopped")
	return err
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// The stream endpoint is long-lived; logging it on close only.
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
