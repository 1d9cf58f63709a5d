// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/suraksha/internal/authclient"
	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/challenge"
	"github.com/mbd888/suraksha/internal/circuitbreaker"
	"github.com/mbd888/suraksha/internal/config"
	"github.com/mbd888/suraksha/internal/dataset"
	"github.com/mbd888/suraksha/internal/devicetrust"
	"github.com/mbd888/suraksha/internal/health"
	"github.com/mbd888/suraksha/internal/logging"
	"github.com/mbd888/suraksha/internal/metrics"
	"github.com/mbd888/suraksha/internal/ratelimit"
	"github.com/mbd888/suraksha/internal/realtime"
	"github.com/mbd888/suraksha/internal/retry"
	"github.com/mbd888/suraksha/internal/risk"
	"github.com/mbd888/suraksha/internal/security"
	"github.com/mbd888/suraksha/internal/validation"
	"github.com/mbd888/suraksha/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	clock        clock.Clock
	backend      *authclient.Client
	riskManager  *risk.Manager
	datasetStore dataset.Store
	challenges   *challenge.Service
	trust        *trustHandler
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	drainDelay time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the time source of every background component.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		clock:      clock.New(),
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var riskStore risk.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Postgres often comes up after us in compose and k8s
		ping := retry.Backoff{
			Attempts: 5,
			Base:     500 * time.Millisecond,
			Max:      4 * time.Second,
			Notify: func(attempt int, err error, wait time.Duration) {
				s.logger.Warn("database not ready, retrying", "attempt", attempt, "wait", wait, "error", err)
			},
		}.WithClock(s.clock)
		if err := ping.Do(ctx, db.PingContext); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}

		s.db = db
		s.datasetStore = dataset.NewPostgresStore(db)
		riskStore = risk.NewPostgresStore(db)
		s.health.Register("database", health.PingChecker(db))
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.datasetStore = dataset.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Auth backend behind a circuit breaker
	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor).WithClock(s.clock)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("auth backend circuit changed", "endpoint", key, "from", from.String(), "to", to.String())
	})
	s.backend = authclient.New(cfg.AuthBackendURL, cfg.AuthBackendTimeout).
		WithBreaker(breaker).
		WithLogger(s.logger)
	s.health.RegisterOptional("auth_backend", backendChecker(s.backend))

	// Realtime alerts
	s.realtimeHub = realtime.NewHub(s.logger).
		WithClock(s.clock).
		WithAllowedOrigins(cfg.CORSOrigins)

	// Risk
	s.riskManager = risk.NewManager(riskStore).
		WithEvents(&riskEvents{hub: s.realtimeHub}).
		WithLogger(s.logger).
		WithSecondaryAnswer(cfg.SecondaryAnswer).
		WithClock(s.clock).
		WithSessionTTL(cfg.SessionTTL)

	// Challenges
	extractor := biometrics.NewExtractor(biometrics.Bounds{
		MaxDwellMs: cfg.DwellMaxMs,
		MaxPauseMs: cfg.PauseMaxMs,
	})
	s.challenges = challenge.NewService(extractor, s.datasetStore, s.backend, s.riskManager).
		WithClock(s.clock).
		WithLogger(s.logger)

	// Device trust
	policy := devicetrust.DefaultPolicy()
	if cfg.TrustPolicyFile != "" {
		p, err := devicetrust.LoadPolicy(cfg.TrustPolicyFile)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to load trust policy: %w", err)
		}
		policy = p
		s.logger.Info("trust policy loaded", "file", cfg.TrustPolicyFile)
	}
	var reporter trustReporter
	if cfg.ReportTrustResults {
		reporter = s.backend
	}
	s.trust = newTrustHandler(policy, s.realtimeHub, reporter, cfg.CORSOrigins, s.clock, s.logger)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         max(cfg.RateLimitRPM/7, 1),
		CleanupInterval:   time.Minute,
	}).WithClock(s.clock)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func backendChecker(c *authclient.Client) health.Checker {
	return func(ctx context.Context) health.Status {
		if _, err := c.Health(ctx); err != nil {
			return health.Status{Healthy: false, Detail: "unreachable"}
		}
		return health.Status{Healthy: true}
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, mobile client)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidSessionID(requestID) {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.clock.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := s.clock.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			// Keystroke capture is chatty; successful requests stay at debug
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1", s.rateLimiter.Middleware(ratelimit.ByClientIP))

	risk.NewHandler(s.riskManager).RegisterRoutes(v1)
	challenge.NewHandler(s.challenges).RegisterRoutes(v1)
	dataset.NewHandler(s.datasetStore).RegisterRoutes(v1)
	s.trust.RegisterRoutes(v1)

	v1.GET("/status", s.statusHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !rep.Ready:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    rep.Statuses,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() || !s.health.CheckAll(c.Request.Context()).Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// statusHandler reports in-process counts for operators.
func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions":       s.riskManager.Len(),
		"openChallenges": s.challenges.Len(),
		"realtime":       s.realtimeHub.Stats(),
		"trustStreams":   s.trust.active.Load(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers. Run calls it; tests that drive
// the router directly call it themselves.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	s.riskManager.Start(runCtx)
	go s.riskManager.Run(runCtx)
	go s.challenges.Run(runCtx)
	go s.rateLimiter.Run(runCtx)
	go metrics.StartStatsCollector(runCtx, s.clock, s.db, 15*time.Second)

	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"auth_backend", s.backend.BaseURL(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stops the hub, risk workers, challenge sweeper and rate limiter
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.trust.Close()
	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
