// Package server exposes the sentinel's read-only status surface and
// the small admin API over HTTP.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/config"
	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/health"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/ratelimit"
	"github.com/mbd888/treasury-sentinel/internal/security"
	"github.com/mbd888/treasury-sentinel/internal/store"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg     *config.Config
	store   store.Store
	ledger  *budget.Ledger
	machine *escalation.Machine
	checks  *health.Registry
	router  *gin.Engine
	httpSrv *http.Server
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	ready   atomic.Bool
	healthy atomic.Bool
}

// New assembles the router. The machine and ledger are live views; the
// server never mutates them except through the admin endpoints.
func New(cfg *config.Config, st store.Store, led *budget.Ledger, machine *escalation.Machine, checks *health.Registry, logger *slog.Logger) *Server {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		store:   st,
		ledger:  led,
		machine: machine,
		checks:  checks,
		router:  gin.New(),
		limiter: ratelimit.New(ratelimit.DefaultConfig()),
		logger:  logger,
	}
	s.healthy.Store(true)

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic in handler", "path", c.Request.URL.Path, "panic", fmt.Sprintf("%v", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			var buf [8]byte
			_, _ = rand.Read(buf[:])
			id = hex.EncodeToString(buf[:])
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Probes and the scraper stay unthrottled.
	limited := s.limiter.Middleware()

	s.router.GET("/status", limited, s.statusHandler)

	v1 := s.router.Group("/v1", limited)
	{
		v1.GET("/runs", s.listRunsHandler)
		v1.GET("/runs/:id", s.getRunHandler)
		v1.GET("/runs/:id/transitions", s.runTransitionsHandler)
		v1.GET("/runs/:id/payments", s.runPaymentsHandler)
		v1.GET("/transitions", s.listTransitionsHandler)
		v1.GET("/budget", s.budgetHandler)
	}

	admin := s.router.Group("/admin", limited, s.adminAuthMiddleware())
	{
		admin.POST("/budget/reset", s.resetBudgetHandler)
		admin.POST("/pause", s.pauseHandler)
		admin.POST("/resume", s.resumeHandler)
		admin.POST("/override", s.overrideHandler)
	}
}

// adminAuthMiddleware gates mutation endpoints on the shared admin
// secret. With no secret configured, admin routes are disabled.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled"})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "subsystems": statuses})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// statusHandler is the one-look operational summary: level, budget,
// and the most recent run.
func (s *Server) statusHandler(c *gin.Context) {
	status := s.ledger.Status()

	resp := gin.H{
		"level":       s.machine.Level().String(),
		"level_since": s.machine.EnteredAt().UTC().Format(time.RFC3339),
		"budget":      status,
	}

	runs, err := s.store.ListRuns(c.Request.Context(), 1)
	if err == nil && len(runs) > 0 {
		resp["last_run"] = runs[0]
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) listRunsHandler(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	runs, err := s.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list runs failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load run failed"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) runTransitionsHandler(c *gin.Context) {
	trs, err := s.store.ListTransitionsByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list transitions failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": trs, "count": len(trs)})
}

func (s *Server) runPaymentsHandler(c *gin.Context) {
	pays, err := s.store.ListPaymentsByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list payments failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": pays, "count": len(pays)})
}

func (s *Server) listTransitionsHandler(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100)
	trs, err := s.store.ListTransitions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list transitions failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": trs, "count": len(trs)})
}

func (s *Server) budgetHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.ledger.Status())
}

// resetBudgetHandler zeroes the spend counter. The machine leaves the
// blocked sink on its next budget-restored evaluation.
func (s *Server) resetBudgetHandler(c *gin.Context) {
	before := s.ledger.Status()
	s.ledger.Reset()
	s.logger.Warn("budget reset via admin API",
		"spent_before", before.Spent.String(),
		"request_id", c.GetString("request_id"),
	)
	c.JSON(http.StatusOK, gin.H{"budget": s.ledger.Status()})
}

func (s *Server) pauseHandler(c *gin.Context) {
	s.machine.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resumeHandler(c *gin.Context) {
	s.machine.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// overrideHandler forces the level. Body: {"level": "L2_ALERT"}.
func (s *Server) overrideHandler(c *gin.Context) {
	var body struct {
		Level string `json:"level"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	level, ok := escalation.ParseLevel(body.Level)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level " + body.Level})
		return
	}

	tr := s.machine.Override(c.Request.Context(), "", level)
	c.JSON(http.StatusOK, gin.H{"level": s.machine.Level().String(), "transition_id": tr.ID})
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.healthy.Store(false)
		return err
	case <-ctx.Done():
	}

	s.ready.Store(false)
	s.limiter.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// Router exposes the handler for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
