// Package api exposes the engine over HTTP and WebSocket.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/turnclock/turnclock/pkg/audit"
	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/config"
	"github.com/turnclock/turnclock/pkg/database"
	"github.com/turnclock/turnclock/pkg/delivery"
	"github.com/turnclock/turnclock/pkg/engine"
)

// Server is the HTTP front of one replica. It owns no session state; every
// handler goes through the engine.
type Server struct {
	cfg         *config.Config
	engine      *engine.Engine
	connManager *delivery.Manager
	clk         clock.Clock

	// Optional: nil when the audit pipeline is disabled.
	dbClient *database.Client
	pipeline *audit.Pipeline

	generalLimiter *keyRateLimiter
	switchLimiter  *keyRateLimiter

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer wires routes and middleware. The server does not listen until
// Start is called.
func NewServer(cfg *config.Config, eng *engine.Engine, connManager *delivery.Manager, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.System{}
	}
	s := &Server{
		cfg:            cfg,
		engine:         eng,
		connManager:    connManager,
		clk:            clk,
		generalLimiter: newKeyRateLimiter(perMinute(cfg.RateLimitGeneralPerMinute), int(cfg.RateLimitGeneralPerMinute)),
		switchLimiter:  newKeyRateLimiter(perSecond(cfg.RateLimitSwitchPerSecond), int(cfg.RateLimitSwitchPerSecond)),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(corsMiddleware(cfg.CORSOrigin))

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")
	v1.Use(s.generalRateLimit())
	v1.GET("/time", s.timeHandler)
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.POST("/sessions/:id/start", s.startSessionHandler)
	v1.POST("/sessions/:id/switch", s.switchCycleHandler)
	v1.POST("/sessions/:id/pause", s.pauseSessionHandler)
	v1.POST("/sessions/:id/resume", s.resumeSessionHandler)
	v1.POST("/sessions/:id/complete", s.completeSessionHandler)
	v1.DELETE("/sessions/:id", s.deleteSessionHandler)

	s.echo = e
	return s
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// SetDBClient attaches the audit database for health reporting.
func (s *Server) SetDBClient(db *database.Client) { s.dbClient = db }

// SetAuditPipeline attaches the audit pipeline for health reporting.
func (s *Server) SetAuditPipeline(p *audit.Pipeline) { s.pipeline = p }

// Start listens on addr and blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
