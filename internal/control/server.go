// Package control exposes one strategy instance's read-only status,
// position list and safety limits over HTTP. Routing and middleware
// stack follow the teacher's internal/api gin wiring (recovery, request
// ID, rate limit, timeout, CORS, JWT auth), adapted here as this
// package's own middleware rather than imported cross-package, since
// this is a distinct, narrower surface scoped to a single running
// instance rather than the multi-user trading API.
package control

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fundingarb-core/internal/risk"
	"fundingarb-core/pkg/db"
	"fundingarb-core/pkg/eventbus"
	"fundingarb-core/pkg/metrics"
)

func metricsHandler(reg *metrics.Registry) http.Handler {
	return promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})
}

// Server is the per-instance control-plane HTTP surface.
type Server struct {
	Router        *gin.Engine
	db            *db.Database
	accountID     string
	strategyRunID string
	limiter       *risk.Limiter
	metrics       *metrics.Registry
	bus           *eventbus.Bus
	log           *zap.SugaredLogger
}

// New builds a control-plane Server for one running instance. limiter
// may be nil for an aggregate/supervisor-level server; the halt/resume
// routes are omitted in that case, and the read-only routes remain.
// bus may be nil, in which case /api/v1/stream is not registered.
func New(database *db.Database, accountID, strategyRunID string, limiter *risk.Limiter, jwtSecret string, reg *metrics.Registry, bus *eventbus.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(rateLimitMiddleware())
	r.Use(timeoutMiddleware(15 * time.Second))
	r.Use(corsMiddleware())

	s := &Server{Router: r, db: database, accountID: accountID, strategyRunID: strategyRunID, limiter: limiter, metrics: reg, bus: bus, log: logger.Sugar()}
	s.routes(jwtSecret)
	return s
}

func (s *Server) routes(jwtSecret string) {
	s.Router.GET("/healthz", s.healthz)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(metricsHandler(s.metrics)))
	}

	protected := s.Router.Group("/api/v1")
	protected.Use(authMiddleware(jwtSecret))
	{
		protected.GET("/positions", s.getPositions)
		protected.GET("/status", s.getStatus)
		protected.GET("/limits", s.getLimits)
		protected.GET("/notifications", s.getNotifications)
		if s.limiter != nil {
			protected.POST("/halt", s.postHalt)
			protected.POST("/resume", s.postResume)
		}
		if s.bus != nil {
			protected.GET("/stream", s.getStream)
		}
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "strategy_run_id": s.strategyRunID})
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.db.ListOpenPositions(c.Request.Context(), s.accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{
		"strategy_run_id": s.strategyRunID,
		"account_id":      s.accountID,
		"time":            time.Now(),
	}
	if s.limiter != nil {
		if check, err := s.limiter.QuickCheck(c.Request.Context()); err == nil {
			resp["risk_level"] = check.Level
			resp["new_opens_allowed"] = check.Allowed
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getLimits(c *gin.Context) {
	limits, err := s.db.GetSafetyLimits(c.Request.Context(), s.strategyRunID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no safety limits configured for this run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"max_open_positions":   limits.MaxOpenPositions,
		"max_leg_notional_usd": limits.MaxLegNotionalUSD,
		"max_daily_losses":     limits.MaxDailyLosses,
		"halted":               limits.Halted,
		"halted_reason":        limits.HaltedReason,
	})
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) postHalt(c *gin.Context) {
	var req haltRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "halted via control API by " + CurrentUserID(c)
	}
	if err := s.limiter.Halt(c.Request.Context(), req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"halted": true, "reason": req.Reason})
}

func (s *Server) postResume(c *gin.Context) {
	if err := s.limiter.Resume(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

func (s *Server) getNotifications(c *gin.Context) {
	notifications, err := s.db.ListUnacknowledgedNotifications(c.Request.Context(), s.strategyRunID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
