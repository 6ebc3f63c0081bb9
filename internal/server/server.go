// Package server wires the account lookup switch and serves its HTTP API
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
	"github.com/gomodule/redigo/redis"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/alswitch/internal/callback"
	"github.com/mbd888/alswitch/internal/circuitbreaker"
	"github.com/mbd888/alswitch/internal/config"
	"github.com/mbd888/alswitch/internal/discovery"
	"github.com/mbd888/alswitch/internal/endpoints"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/health"
	"github.com/mbd888/alswitch/internal/lock"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/metrics"
	"github.com/mbd888/alswitch/internal/oracle"
	"github.com/mbd888/alswitch/internal/participant"
	"github.com/mbd888/alswitch/internal/participants"
	"github.com/mbd888/alswitch/internal/parties"
	"github.com/mbd888/alswitch/internal/proxycache"
	"github.com/mbd888/alswitch/internal/ratelimit"
	"github.com/mbd888/alswitch/internal/security"
	"github.com/mbd888/alswitch/internal/timeout"
	"github.com/mbd888/alswitch/internal/traces"
	"github.com/mbd888/alswitch/internal/transport"
	"github.com/mbd888/alswitch/internal/validation"
	"github.com/mbd888/alswitch/migrations"
)

// Version is reported by /health and the tracer resource.
var Version = "dev"

const (
	serviceName      = "als-switch"
	sweepLockName    = "als:timeout:sweep"
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
	statsInterval    = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db           *sql.DB     // nil if using in-memory
	redisPool    *redis.Pool // nil unless the proxy cache is on Redis
	registry     participant.Registry
	client       transport.Doer
	cachedReg    *participant.CachedRegistry
	oracleStore  *oracle.CachedStore
	resolver     *endpoints.Resolver
	proxyCache   proxycache.Client
	deps         *discovery.Deps
	runner       *discovery.Runner
	timeoutTimer *timeout.Timer
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

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

// WithRegistry replaces the participant registry (for testing)
func WithRegistry(r participant.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithTransport replaces the outbound HTTP client (for testing)
func WithTransport(d transport.Doer) Option {
	return func(s *Server) {
		s.client = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger/registry/transport)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTrace, err := traces.Init(ctx, cfg.OTLPEndpoint, serviceName, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	if s.client == nil {
		breaker := circuitbreaker.New(breakerThreshold, breakerOpenFor)
		breaker.OnTransition(func(host string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker transition", "host", host, "from", from.String(), "to", to.String())
		})
		s.client = transport.New(cfg.HTTPTimeout, breaker)
	}

	store, err := s.openOracleStore(ctx)
	if err != nil {
		return nil, err
	}
	s.oracleStore = oracle.NewCachedStore(store, cfg.OracleCacheTTL)

	if s.registry == nil {
		s.registry = s.newRegistry()
	}
	if p, ok := s.registry.(interface{ Ping(context.Context) error }); ok {
		s.health.Register("participants", health.Ping("participants", p.Ping))
	}
	s.cachedReg = participant.NewCachedRegistry(s.registry, cfg.ParticipantCacheTTL)
	s.resolver = endpoints.NewResolver(s.cachedReg, cfg.EndpointCacheTTL)

	s.deps = &discovery.Deps{
		HubName:      cfg.HubName,
		Participants: s.cachedReg,
		Oracle:       oracle.NewGateway(s.oracleStore, s.client, cfg.HubName, s.logger),
		Callbacks: callback.NewDispatcher(
			s.resolver,
			s.client,
			callback.NewFormatter(cfg.APIType),
			cfg.HubName,
			s.logger,
		),
		Logger: s.logger,
	}

	if cfg.ProxyCacheEnabled {
		s.setupProxyCache()
	}

	s.runner = discovery.NewRunner(cfg.WorkerPoolSize, cfg.TaskTimeout, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openOracleStore returns the Postgres store when DATABASE_URL is set and a
// memory store seeded from ORACLE_ENDPOINTS otherwise.
func (s *Server) openOracleStore(ctx context.Context) (oracle.Store, error) {
	if s.cfg.DatabaseURL == "" {
		mem := oracle.NewMemoryStore()
		for _, seed := range s.cfg.OracleEndpoints {
			d := &oracle.Descriptor{
				PartyIDType: seed.Type,
				BaseURL:     seed.URL,
				IsDefault:   true,
				IsActive:    true,
			}
			if seed.Currency != "" {
				cur := seed.Currency
				d.Currency = &cur
			}
			if err := mem.Create(ctx, d); err != nil {
				return nil, fmt.Errorf("failed to seed oracle %s: %w", seed.Type, err)
			}
		}
		s.logger.Info("using in-memory oracle store", "oracles", len(s.cfg.OracleEndpoints))
		return mem, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db = db
	s.health.Register("database", health.Ping("database", db.PingContext))
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return oracle.NewPostgresStore(db), nil
}

func (s *Server) newRegistry() participant.Registry {
	if s.cfg.CentralLedgerURL == "" {
		s.logger.Warn("CENTRAL_LEDGER_URL not set, serving participants from memory")
		return participant.NewMemoryRegistry()
	}
	return participant.NewHTTPRegistry(s.cfg.CentralLedgerURL, s.cfg.HubName, s.client)
}

func (s *Server) setupProxyCache() {
	opts := proxycache.Options{
		DiscoveryTTL:  s.cfg.ProxyDiscoveryTTL,
		GetPartiesTTL: s.cfg.ProxyGetPartiesTTL,
	}

	var locker lock.Locker
	if len(s.cfg.RedisAddrs) > 0 {
		s.redisPool = proxycache.NewPool(s.cfg.RedisAddrs, s.cfg.RedisPassword, s.cfg.HTTPTimeout)
		s.proxyCache = proxycache.NewRedisClient(s.redisPool, opts)
		locker = lock.NewRedisLocker(s.redisPool, sweepLockName, s.cfg.TimeoutLockTTL)
		s.logger.Info("proxy cache on redis", "addrs", s.cfg.RedisAddrs)
	} else {
		s.proxyCache = proxycache.NewMemoryClient(opts)
		locker = lock.NewMemoryLease(time.Now).NewLocker(s.cfg.TimeoutLockTTL)
		s.logger.Warn("REDIS_ADDRS not set, proxy cache is in memory")
	}
	s.deps.ProxyCache = s.proxyCache
	s.health.Register("proxycache", health.Probe("proxycache", s.proxyCache.HealthCheck))

	sweeper := timeout.NewSweeper(s.deps, locker, s.cfg.TimeoutBatchSize)
	s.timeoutTimer = timeout.NewTimer(sweeper, s.cfg.TimeoutSweepInterval, s.logger)
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
		fe := fspiop.NewError(fspiop.ErrInternalServer, "an unexpected error occurred")
		c.AbortWithStatusJSON(http.StatusInternalServerError, fspiop.ErrorInformationObject{ErrorInformation: fe.Information()})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-FSP rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"source", c.GetHeader(fspiop.HeaderSource),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics (no auth)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.DELETE("/endpointcache", s.dropCacheHandler)

	parties.NewHandler(parties.NewService(s.deps, s.runner)).RegisterRoutes(s.router)
	participants.NewHandler(participants.NewService(s.deps, s.runner)).RegisterRoutes(s.router)

	s.router.NoRoute(func(c *gin.Context) {
		fe := fspiop.NewError(fspiop.ErrUnknownURI, "unknown resource "+c.Request.URL.Path)
		c.JSON(http.StatusNotFound, fspiop.ErrorInformationObject{ErrorInformation: fe.Information()})
	})
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// dropCacheHandler handles DELETE /endpointcache
func (s *Server) dropCacheHandler(c *gin.Context) {
	s.DropCaches()
	logging.L(c.Request.Context()).Info("caches dropped")
	c.Status(http.StatusAccepted)
}

// DropCaches empties the endpoint, participant and oracle caches.
func (s *Server) DropCaches() {
	s.resolver.DropCache()
	s.cachedReg.DropCache()
	s.oracleStore.DropCache()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"hub", s.cfg.HubName,
			"api", s.cfg.APIType,
			"proxy_cache", s.deps.ProxyEnabled(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go metrics.StartStatsCollector(runCtx, s.db, statsInterval)

	// Start expired-request sweeper
	if s.timeoutTimer != nil {
		go s.timeoutTimer.Start(runCtx)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (timer, stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop expired-request sweeper
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.logger.Info("timeout timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Drain accepted discovery work
	s.runner.Stop()
	s.logger.Info("discovery runner drained")

	if s.redisPool != nil {
		if err := s.redisPool.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
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
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
