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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/thanhtungtav4/Silent-Trust/internal/asyncgate"
	"github.com/thanhtungtav4/Silent-Trust/internal/cache"
	"github.com/thanhtungtav4/Silent-Trust/internal/config"
	"github.com/thanhtungtav4/Silent-Trust/internal/decision"
	"github.com/thanhtungtav4/Silent-Trust/internal/geoip"
	"github.com/thanhtungtav4/Silent-Trust/internal/health"
	"github.com/thanhtungtav4/Silent-Trust/internal/jobs"
	"github.com/thanhtungtav4/Silent-Trust/internal/logging"
	"github.com/thanhtungtav4/Silent-Trust/internal/metrics"
	"github.com/thanhtungtav4/Silent-Trust/internal/ratelimit"
	"github.com/thanhtungtav4/Silent-Trust/internal/retry"
	"github.com/thanhtungtav4/Silent-Trust/internal/risk"
	"github.com/thanhtungtav4/Silent-Trust/internal/security"
	"github.com/thanhtungtav4/Silent-Trust/internal/store"
	"github.com/thanhtungtav4/Silent-Trust/internal/validation"
	"github.com/thanhtungtav4/Silent-Trust/internal/validator"
	"github.com/thanhtungtav4/Silent-Trust/internal/vpn"
	"github.com/thanhtungtav4/Silent-Trust/internal/weights"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Gateway is the full persistence surface the server wires together. Both
// store implementations satisfy it.
type Gateway interface {
	risk.Store
	decision.Store
	asyncgate.Store
	weights.Store
	decision.MailPatcher
	DeleteExpiredPenalties(ctx context.Context) (int64, error)
	ListSubmissions(ctx context.Context, before time.Time, beforeID string, limit int) ([]*store.Submission, error)
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	gateway     Gateway
	riskEngine  *risk.Engine
	decisions   *decision.Engine
	mailer      *decision.DelayedMailer
	gate        *asyncgate.Gate
	adjuster    *weights.Adjuster
	runner      *jobs.Runner
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	redisClient *redis.Client
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	mailSender  decision.Sender
	locations   geoip.LocationProvider
	asns        geoip.ASNProvider

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

// WithGateway sets a custom persistence gateway (for testing)
func WithGateway(g Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithMailSender sets the delivery collaborator used for delayed sends.
func WithMailSender(sender decision.Sender) Option {
	return func(s *Server) {
		s.mailSender = sender
	}
}

// WithReputationProviders sets the GeoIP lookups behind the timezone and
// VPN/ASN signals. Without providers those signals never fire.
func WithReputationProviders(locations geoip.LocationProvider, asns geoip.ASNProvider) Option {
	return func(s *Server) {
		s.locations = locations
		s.asns = asns
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.gateway == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			// The database often comes up after the service in container
			// deployments; retry the first contact briefly.
			pingCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = retry.Do(pingCtx, 5, time.Second, func() error {
				return db.PingContext(pingCtx)
			})
			cancel()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.gateway = store.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.gateway = store.NewMemoryStore()
			s.logger.Warn("using in-memory storage (data will not persist)")
		}
	}

	// Quick-tier counter (Redis if configured, in-process otherwise)
	var counter cache.Counter
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redisClient = redis.NewClient(redisOpts)
		// Breaker-fronted so a Redis outage degrades to in-process counts
		// instead of stalling the quick path.
		counter = cache.NewBreakerCounter(
			cache.NewRedisCounter(s.redisClient, "st"),
			cache.NewMemoryCounter(),
			5, 30*time.Second,
		)
		s.logger.Info("using Redis quick-tier counters")
	} else {
		counter = cache.NewMemoryCounter()
	}

	// Reputation lookups, injected via WithReputationProviders. Nil providers
	// are handled gracefully: geo-dependent signals simply never fire.
	detector := vpn.NewDetector(vpn.WithAllowlist(cfg.VPNWhitelist))
	payloadValidator := validator.New(s.locations)

	s.riskEngine = risk.NewEngine(s.gateway, payloadValidator, detector, s.locations, s.asns,
		risk.Config{TrafficMode: cfg.TrafficMode, DailyLimit: cfg.DailyLimit}, s.logger)

	sender := s.mailSender
	if sender == nil {
		sender = logSender{log: s.logger}
	}
	s.mailer = decision.NewDelayedMailer(s.gateway, sender, s.logger)
	s.decisions = decision.NewEngine(s.gateway, s.mailer, s.logger)
	s.gate = asyncgate.NewGate(s.gateway, s.riskEngine, counter, cfg.AsyncMode, s.logger)
	s.adjuster = weights.NewAdjuster(s.gateway)
	s.runner = jobs.NewRunner(s.logger)

	s.registerHealthChecks()
	if err := s.registerJobs(); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	gin.SetMode(ginMode(cfg))
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// logSender is the default delivery collaborator: it only logs. Real
// deployments wire the form framework's sender via WithMailSender.
type logSender struct {
	log *slog.Logger
}

func (s logSender) Send(_ context.Context, submissionID string) error {
	s.log.Info("mail release requested", "submission_id", submissionID)
	return nil
}

func ginMode(cfg *config.Config) string {
	if cfg.IsProduction() {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}

func (s *Server) registerHealthChecks() {
	s.healthReg.Register("storage", func(ctx context.Context) health.Status {
		if _, err := s.gateway.DailyVolume(ctx); err != nil {
			return health.Status{Name: "storage", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "storage", Healthy: true}
	})
	if s.redisClient != nil {
		s.healthReg.Register("redis", func(ctx context.Context) health.Status {
			if err := s.redisClient.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
	s.healthReg.Register("scheduler", func(context.Context) health.Status {
		return health.Status{Name: "scheduler", Healthy: s.runner.Running()}
	})
}

func (s *Server) registerJobs() error {
	specs := []struct {
		name string
		spec string
		fn   jobs.Job
	}{
		{"penalty-sweep", "@every 10m", func(ctx context.Context) error {
			n, err := s.gateway.DeleteExpiredPenalties(ctx)
			if err == nil && n > 0 {
				s.logger.Info("expired penalties removed", "count", n)
			}
			return err
		}},
		{"queue-purge", "@every 10m", func(ctx context.Context) error {
			_, err := s.gate.PurgeProcessed(ctx)
			return err
		}},
		{"queue-reclaim", "@every 5m", func(ctx context.Context) error {
			n, err := s.gate.ReclaimStale(ctx)
			if err == nil && n > 0 {
				s.logger.Warn("stale queue items requeued", "count", n)
			}
			return err
		}},
		{"queue-drain", "@every 1m", func(ctx context.Context) error {
			for {
				more, err := s.gate.ProcessNext(ctx)
				if err != nil || !more {
					return err
				}
			}
		}},
		{"stuck-mail-sweep", "@every 15s", func(ctx context.Context) error {
			if n := s.mailer.SweepStuck(ctx); n > 0 {
				s.logger.Warn("stuck delayed mail released via fallback", "count", n)
			}
			metrics.DelayedMailPending.Set(float64(s.mailer.Pending()))
			return nil
		}},
		{"queue-gauges", "@every 30s", func(ctx context.Context) error {
			stats, err := s.gate.Stats(ctx)
			if err != nil {
				return err
			}
			metrics.QueuePending.Set(float64(stats.Pending))
			metrics.QueueProcessing.Set(float64(stats.Processing))
			return nil
		}},
		{"retrain-weights", "@daily", func(ctx context.Context) error {
			ok, err := s.adjuster.CanTrain(ctx)
			if err != nil || !ok {
				return err
			}
			if _, err := s.adjuster.Train(ctx); err != nil {
				if errors.Is(err, weights.ErrInsufficientData) {
					metrics.TrainingRunsTotal.WithLabelValues("insufficient_data").Inc()
					return nil
				}
				metrics.TrainingRunsTotal.WithLabelValues("error").Inc()
				return err
			}
			metrics.TrainingRunsTotal.WithLabelValues("ok").Inc()
			return nil
		}},
	}
	for _, j := range specs {
		if err := s.runner.Register(j.name, j.spec, j.fn); err != nil {
			return fmt.Errorf("job %s: %w", j.name, err)
		}
	}
	return nil
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	limiterCfg.BurstSize = s.cfg.RateLimitRPS * 2
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		v1.POST("/submissions/check", s.checkSubmissionHandler)

		admin := v1.Group("/admin", s.adminAuthMiddleware())
		{
			admin.GET("/submissions", s.listSubmissionsHandler)
			admin.GET("/weights", s.getWeightsHandler)
			admin.POST("/weights/train", s.trainWeightsHandler)
			admin.POST("/weights/reset", s.resetWeightsHandler)
			admin.GET("/queue/stats", s.queueStatsHandler)
		}
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

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
		s.logger.Info("starting server", "port", s.cfg.Port, "async_mode", s.cfg.AsyncMode)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.runner.Start()

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the scheduler and wait for in-flight jobs
	s.runner.Stop()
	s.logger.Info("scheduler stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
