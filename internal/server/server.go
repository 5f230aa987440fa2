// Package server wires storage, the billing and chat webhooks, and the admin
// API into one HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/chatgate/internal/admin"
	"github.com/mbd888/chatgate/internal/auth"
	"github.com/mbd888/chatgate/internal/billing"
	"github.com/mbd888/chatgate/internal/chat"
	"github.com/mbd888/chatgate/internal/circuitbreaker"
	"github.com/mbd888/chatgate/internal/classifier"
	"github.com/mbd888/chatgate/internal/config"
	"github.com/mbd888/chatgate/internal/health"
	"github.com/mbd888/chatgate/internal/idgen"
	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/profile"
	"github.com/mbd888/chatgate/internal/ratelimit"
	"github.com/mbd888/chatgate/internal/security"
	"github.com/mbd888/chatgate/internal/usage"
	"github.com/mbd888/chatgate/internal/validation"
	"github.com/mbd888/chatgate/internal/workflow"
	"github.com/mbd888/chatgate/migrations"
)

const (
	chatBurst      = 5
	startupTimeout = 10 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// chatLimiter is shared through Redis when it is configured.
type chatLimiter interface {
	ratelimit.Allower
	Stop()
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil unless REDIS_URL is set
	publisher   *usage.AMQPPublisher
	profiles    profile.Store
	usageStore  usage.Store
	usage       *usage.Recorder
	events      billing.EventLog
	messenger   chat.Messenger
	chatHandler *chat.Handler
	rateLimiter *ratelimit.Limiter
	chatLimiter chatLimiter
	breaker     *circuitbreaker.Breaker
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

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

// WithMessenger replaces the Telegram messenger (for testing)
func WithMessenger(m chat.Messenger) Option {
	return func(s *Server) {
		s.messenger = m
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := s.initStorage(ctx); err != nil {
		s.closeResources()
		return nil, err
	}
	if err := s.initUsageStream(); err != nil {
		s.closeResources()
		return nil, err
	}

	// A nil *AMQPPublisher must not become a non-nil Publisher
	var publisher usage.Publisher
	if s.publisher != nil {
		publisher = s.publisher
	}
	s.usage = usage.NewRecorder(s.usageStore, publisher, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage picks Postgres when DATABASE_URL is set and in-memory stores
// otherwise. Without a database, REDIS_URL moves the seen-event log to Redis.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.profiles = profile.NewPostgresStore(db)
		s.usageStore = usage.NewPostgresStore(db)
		s.health.Register("database", db.PingContext)
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.profiles = profile.NewMemoryStore()
		s.usageStore = usage.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		s.redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.health.Register("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		s.logger.Info("connected to Redis", "addr", opts.Addr)
	}

	s.events = eventLogFor(s.db, s.redis)
	return nil
}

// eventLogFor keeps seen events next to the profiles when a database is
// configured, so failed events stay in billing_events for replay.
func eventLogFor(db *sql.DB, rdb *redis.Client) billing.EventLog {
	switch {
	case db != nil:
		return billing.NewPostgresEventLog(db)
	case rdb != nil:
		return billing.NewRedisEventLog(rdb)
	default:
		return billing.NewMemoryEventLog()
	}
}

func (s *Server) initUsageStream() error {
	if s.cfg.AMQPURL == "" {
		return nil
	}
	pub, err := usage.NewAMQPPublisher(s.cfg.AMQPURL, s.cfg.AMQPExchange)
	if err != nil {
		return fmt.Errorf("failed to connect usage stream: %w", err)
	}
	s.publisher = pub
	s.health.Register("amqp", func(context.Context) error {
		return pub.Healthy()
	})
	s.logger.Info("usage events publishing enabled", "exchange", s.cfg.AMQPExchange)
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
		logging.Alert(c.Request.Context(), logging.L(c.Request.Context()), "panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// Webhooks are server-to-server; only the admin API is ever called from a browser
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())

	s.router.Use(s.requestIDMiddleware())

	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream ID only if it is safe to log
		requestID := c.GetHeader("X-Request-ID")
		if !idgen.IsValidRequestID(requestID) {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
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

	// Billing provider webhook
	processor := billing.NewProcessor(s.cfg.StripeWebhookSecret, s.profiles, s.events, s.logger)
	billing.NewHandler(processor).RegisterRoutes(s.router)

	// Messaging platform webhook
	s.chatHandler = chat.NewHandler(s.newChatRouter(), s.cfg.TelegramWebhookSecret,
		s.cfg.ClassifierTimeout+s.cfg.WorkflowTimeout+10*time.Second, s.logger)
	s.chatHandler.RegisterRoutes(s.router)

	// Admin API
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
	})
	v1 := s.router.Group("/v1", s.rateLimiter.Middleware(), auth.RequireAdmin(s.cfg.AdminSecret))
	admin.NewHandler(s.profiles, s.usage).RegisterRoutes(v1)

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin API disabled")
	}
}

func (s *Server) newChatRouter() *chat.Router {
	breaker := circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenPeriod, s.logger)
	s.breaker = breaker

	if s.messenger == nil {
		s.messenger = chat.NewTelegramMessenger(s.cfg.TelegramAPIURL, s.cfg.TelegramBotToken)
	}
	if s.cfg.WorkflowBaseURL == "" {
		s.logger.Warn("WORKFLOW_BASE_URL not set, workflow requests will fail")
	}

	limits := ratelimit.Config{
		RequestsPerMinute: s.cfg.ChatMessagesPerMinute,
		BurstSize:         chatBurst,
	}
	if s.redis != nil {
		s.chatLimiter = ratelimit.NewRedisLimiter(s.redis, limits, s.logger)
	} else {
		s.chatLimiter = ratelimit.New(limits)
	}

	return chat.NewRouter(chat.RouterConfig{
		Profiles: s.profiles,
		Classifier: classifier.NewClient(classifier.Config{
			URL:       s.cfg.ClassifierURL,
			APIKey:    s.cfg.ClassifierAPIKey,
			Model:     s.cfg.ClassifierModel,
			Timeout:   s.cfg.ClassifierTimeout,
			Workflows: classifier.DefaultWorkflows,
		}, breaker, s.logger),
		Executor:  workflow.NewClient(s.cfg.WorkflowBaseURL, s.cfg.WorkflowAPIKey, s.cfg.WorkflowTimeout, breaker, s.logger),
		Usage:     s.usage,
		Messenger: s.messenger,
		Limiter:   s.chatLimiter,
		Links: chat.Links{
			SignupURL:  s.cfg.SignupURL,
			BillingURL: s.cfg.BillingURL,
		},
		Logger: s.logger,
	})
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Storage string          `json:"storage"`
	Checks  []health.Status `json:"checks,omitempty"`
	// Open circuits degrade chat replies but not the process itself
	OpenCircuits []string `json:"openCircuits,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:       status,
		Version:      s.version,
		Storage:      storage,
		Checks:       checks,
		OpenCircuits: s.breaker.OpenKeys(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	select {
	case err := <-errChan:
		s.closeResources()
		return fmt.Errorf("server error: %w", err)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			s.logger.Info("context cancelled")
		} else {
			s.logger.Info("shutdown signal received")
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight chat updates are given the
// same deadline as open HTTP requests.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.chatHandler != nil {
		if err := s.chatHandler.Wait(ctx); err != nil {
			s.logger.Warn("chat updates still in flight at shutdown", "error", err)
		}
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.chatLimiter != nil {
		s.chatLimiter.Stop()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("usage stream close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
