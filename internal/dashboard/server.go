package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"coinflow/config"
	"coinflow/internal/metrics"
	"coinflow/internal/pipeline"
	"coinflow/internal/runlog"
	"coinflow/logger"
)

// RunSource exposes the live orchestrator state.
type RunSource interface {
	Running() bool
	History() *pipeline.History
}

// RunArchive reads persisted run history.
type RunArchive interface {
	Recent(ctx context.Context, limit int) ([]runlog.Run, error)
	Find(ctx context.Context, runID string) (runlog.Run, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Server hosts the Gin status API of coinflow.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	runs            RunSource
	archive         RunArchive
	prometheus      http.Handler
	diskPath        string
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
}

type Option func(*Server)

// WithArchive serves persisted runs under /api/runs/history.
func WithArchive(a RunArchive) Option {
	return func(s *Server) { s.archive = a }
}

// WithPrometheus serves h under /metrics.
func WithPrometheus(h http.Handler) Option {
	return func(s *Server) { s.prometheus = h }
}

// WithDiskPath samples disk usage of the volume holding path.
func WithDiskPath(path string) Option {
	return func(s *Server) { s.diskPath = path }
}

// NewServer constructs the status server when the dashboard is enabled.
// When the dashboard is disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, runs RunSource, opts ...Option) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if runs == nil {
		return nil, errors.New("dashboard requires a run source")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	server := &Server{
		cfg:         cfg,
		log:         log,
		runs:        runs,
		metricStore: metricStore,
		logStore:    logStore,
		diskPath:    "/",
	}
	for _, opt := range opts {
		opt(server)
	}
	server.resourceSampler = newResourceSampler(cfg.MetricsHistory, cfg.SampleInterval, server.diskPath, log)
	server.metricHandler = metrics.RegisterMetricHandler(metricStore.handle)
	return server, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app": appName,
			"endpoints": []string{
				"/healthz", "/api/runs", "/api/runs/:id", "/api/runs/history",
				"/api/metrics", "/api/logs", "/api/resources", "/metrics",
			},
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok", "run_in_progress": s.runs.Running()}
		if last, ok := s.runs.History().Last(); ok {
			body["last_run"] = gin.H{
				"run_id":      last.RunID,
				"status":      last.Status,
				"run_at":      last.RunAt.Format(time.RFC3339Nano),
				"failed_task": last.FailedTask,
			}
		}
		c.JSON(http.StatusOK, body)
	})

	router.GET("/api/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runs": s.runs.History().Recent(queryLimit(c, 20))})
	})

	router.GET("/api/runs/history", func(c *gin.Context) {
		if s.archive == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run history is not configured"})
			return
		}
		runs, err := s.archive.Recent(c.Request.Context(), queryLimit(c, 50))
		if err != nil {
			s.log.WithComponent("dashboard").WithError(err).Warn("failed to read run history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		counts, err := s.archive.CountByStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs, "counts": counts})
	})

	router.GET("/api/runs/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, run := range s.runs.History().Recent(0) {
			if run.RunID == id {
				c.JSON(http.StatusOK, run)
				return
			}
		}
		if s.archive != nil {
			run, err := s.archive.Find(c.Request.Context(), id)
			if err == nil {
				c.JSON(http.StatusOK, run)
				return
			}
			if !errors.Is(err, runlog.ErrNotFound) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metricStore.query(c.Query("component"), c.Query("name"))})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.query(c.Query("level"), c.Query("component"))})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		body := gin.H{"resources": s.resourceSampler.snapshot()}
		if latest, ok := s.resourceSampler.latest(); ok {
			body["latest"] = latest
		}
		c.JSON(http.StatusOK, body)
	})

	if s.prometheus != nil {
		router.GET("/metrics", gin.WrapH(s.prometheus))
	}

	return router, nil
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
