// Package metrics serves operational endpoints for the ingestion service: liveness backed by
// the storage health check, a JSON snapshot of pipeline counters, and the last run report.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/ratelimit"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// RunSource exposes the pipeline counters and the most recent run.
type RunSource interface {
	Metrics() *collector.CollectionMetrics
	LastReport() *collector.RunReport
}

// StatsSource reports stored data volume.
type StatsSource interface {
	GetStats(ctx context.Context) (*storage.StorageStats, error)
}

// Dependencies are the components whose state the server exposes. Only Health is required.
type Dependencies struct {
	Health    storage.HealthChecker
	Storage   StatsSource
	Runs      RunSource
	Scheduler func() collector.SchedulerStats
	Throttle  *ratelimit.Throttle

	// ReportDir is read when Runs has no report yet, e.g. right after a restart.
	ReportDir string
}

// Snapshot is the body of /metrics.
type Snapshot struct {
	Timestamp     time.Time                    `json:"timestamp"`
	UptimeSeconds int64                        `json:"uptime_seconds"`
	Collector     *collector.CollectionMetrics `json:"collector,omitempty"`
	Scheduler     *collector.SchedulerStats    `json:"scheduler,omitempty"`
	RateLimit     *RateLimitSnapshot           `json:"rate_limit,omitempty"`
	Storage       *storage.StorageStats        `json:"storage,omitempty"`
	Errors        map[string]string            `json:"errors,omitempty"`
}

// RateLimitSnapshot reports the shared request budget.
type RateLimitSnapshot struct {
	ConsumedWeight int                     `json:"consumed_weight"`
	WindowSeconds  float64                 `json:"window_seconds"`
	Throttle       ratelimit.ThrottleStats `json:"throttle"`
}

// HealthStatus is the body of /healthz.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Server serves the operational endpoints over HTTP.
type Server struct {
	cfg       config.ServerConfig
	deps      Dependencies
	logger    *slog.Logger
	engine    *gin.Engine
	startTime time.Time

	mu     sync.Mutex
	server *http.Server
}

// NewServer builds the router. It does not listen until Start.
func NewServer(cfg config.ServerConfig, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "metrics_server"),
		startTime: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/runs/last", s.handleLastRun)
	s.engine = engine
	return s
}

// Handler returns the router, for tests and for embedding into another server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server

	go func() {
		s.logger.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	s.logger.Info("metrics server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	start := time.Now()
	status := HealthStatus{Status: "ok", Timestamp: start.UTC()}

	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(c.Request.Context()); err != nil {
			status.Status = "unhealthy"
			status.Error = err.Error()
		}
	}
	status.Duration = time.Since(start)

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot(c.Request.Context()))
}

// Snapshot gathers the current state of every configured dependency. A failing storage
// query is reported under Errors rather than failing the whole snapshot.
func (s *Server) Snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	if s.deps.Runs != nil {
		snap.Collector = s.deps.Runs.Metrics()
	}
	if s.deps.Scheduler != nil {
		stats := s.deps.Scheduler()
		snap.Scheduler = &stats
	}
	if t := s.deps.Throttle; t != nil {
		snap.RateLimit = &RateLimitSnapshot{
			ConsumedWeight: t.Budget().Consumed(),
			WindowSeconds:  t.Budget().Window().Seconds(),
			Throttle:       t.Stats(),
		}
	}
	if s.deps.Storage != nil {
		stats, err := s.deps.Storage.GetStats(ctx)
		if err != nil {
			snap.Errors = map[string]string{"storage": err.Error()}
		} else {
			snap.Storage = stats
		}
	}
	return snap
}

func (s *Server) handleLastRun(c *gin.Context) {
	if s.deps.Runs != nil {
		if report := s.deps.Runs.LastReport(); report != nil {
			c.JSON(http.StatusOK, report)
			return
		}
	}

	if s.deps.ReportDir != "" {
		report, err := collector.LoadLastRun(s.deps.ReportDir)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if report != nil {
			c.JSON(http.StatusOK, report)
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "no run recorded yet"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
