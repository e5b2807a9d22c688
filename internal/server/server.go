// Package server wires the Hive services together behind a gin router.
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
	_ "github.com/lib/pq"

	"github.com/thehive/hive/internal/auth"
	"github.com/thehive/hive/internal/config"
	"github.com/thehive/hive/internal/conversation"
	"github.com/thehive/hive/internal/handshake"
	"github.com/thehive/hive/internal/health"
	"github.com/thehive/hive/internal/honey"
	"github.com/thehive/hive/internal/interest"
	"github.com/thehive/hive/internal/listing"
	"github.com/thehive/hive/internal/logging"
	"github.com/thehive/hive/internal/metrics"
	"github.com/thehive/hive/internal/profile"
	"github.com/thehive/hive/internal/ratelimit"
	"github.com/thehive/hive/internal/realtime"
	"github.com/thehive/hive/internal/reconcile"
	"github.com/thehive/hive/internal/security"
	"github.com/thehive/hive/internal/traces"
	"github.com/thehive/hive/internal/user"
	"github.com/thehive/hive/internal/validation"
)

// Server is the Hive HTTP server: marketplace API, honey ledger,
// conversations and the realtime chat channel.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	router  *gin.Engine
	httpSrv *http.Server
	db      *sql.DB

	users         *user.Service
	authMgr       *auth.Manager
	ledger        *honey.Ledger
	listings      *listing.Service
	interests     *interest.Service
	handshakes    *handshake.Service
	conversations *conversation.Service
	profiles      *profile.Service

	reconRunner *reconcile.Runner

	hub     *realtime.Hub
	channel *realtime.Channel

	listingTimer *listing.Timer
	reconTimer   *reconcile.Timer
	rateLimiter  *ratelimit.Limiter

	healthReg      *health.Registry
	shutdownTraces func(context.Context) error

	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
	healthy      atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.IsProduction()),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		userStore    user.Store
		tokenStore   auth.TokenStore
		honeyStore   honey.Store
		listingStore listing.Store
		intStore     interest.Store
		hsStore      handshake.Store
		msgStore     conversation.MessageStore
		profileStore profile.Store
		reconStore   reconcile.Store
	)

	// Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Connection pool sizing
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		us := user.NewPostgresStore(db)
		if err := us.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate user store", "error", err)
		}
		userStore = us

		ts := auth.NewPostgresTokenStore(db)
		if err := ts.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate token store", "error", err)
		}
		tokenStore = ts

		hs := honey.NewPostgresStore(db, cfg.StartingHoney)
		if err := hs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate honey store", "error", err)
		}
		honeyStore = hs

		ls := listing.NewPostgresStore(db)
		if err := ls.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate listing store", "error", err)
		}
		listingStore = ls

		is := interest.NewPostgresStore(db)
		if err := is.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate interest store", "error", err)
		}
		intStore = is

		hss := handshake.NewPostgresStore(db)
		if err := hss.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate handshake store", "error", err)
		}
		hsStore = hss

		ms := conversation.NewPostgresMessageStore(db)
		if err := ms.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate message store", "error", err)
		}
		msgStore = ms

		ps := profile.NewPostgresStore(db)
		if err := ps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate profile store", "error", err)
		}
		profileStore = ps

		rs := reconcile.NewPostgresStore(db)
		if err := rs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate settlement store", "error", err)
		}
		reconStore = rs
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		userStore = user.NewMemoryStore()
		tokenStore = auth.NewMemoryTokenStore()
		honeyStore = honey.NewMemoryStore(cfg.StartingHoney)
		listingStore = listing.NewMemoryStore()
		intStore = interest.NewMemoryStore()
		hsStore = handshake.NewMemoryStore()
		msgStore = conversation.NewMemoryMessageStore()
		profileStore = profile.NewMemoryStore()
		reconStore = reconcile.NewMemoryStore()
	}

	// Services, inner layers first
	s.users = user.NewService(userStore)
	s.authMgr = auth.NewManager(tokenStore, cfg.TokenTTL)
	s.ledger = honey.New(honeyStore)
	s.listings = listing.NewService(listingStore)
	s.interests = interest.NewService(intStore, s.listings)
	s.profiles = profile.NewService(profileStore)

	// The reconcile runner doubles as the handshake service's recorder for
	// failed settlements, so it is built before the handshake service.
	s.reconRunner = reconcile.NewRunner(reconStore, s.ledger, s.logger)
	s.handshakes = handshake.NewService(hsStore, s.ledger, s.interests, s.listings, s.reconRunner, s.logger)
	s.conversations = conversation.NewService(msgStore, s.listings, s.interests, s.handshakes, conversation.Directory{
		Users:    s.users,
		Profiles: s.profiles,
		Balances: s.ledger,
	})

	// Realtime chat
	s.hub = realtime.NewHub(s.logger)
	s.channel = realtime.NewChannel(s.hub, s.conversations, s.authMgr, s.users, s.logger)

	// Background timers
	s.listingTimer = listing.NewTimer(s.listings, 0, s.logger)
	s.reconTimer = reconcile.NewTimer(s.reconRunner, 0, s.logger)

	s.healthReg = health.NewRegistry()
	s.healthReg.Register("storage", s.storageChecker())
	s.healthReg.Register("hub", s.hubChecker())

	// Router
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
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

		// Log level based on status code
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket chat channel, one socket per conversation
	s.router.GET("/ws/chat/:id", func(c *gin.Context) {
		s.channel.HandleWebSocket(c.Writer, c.Request, c.Param("id"))
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	authHandler := auth.NewHandler(s.users, s.authMgr, s.logger)
	listingHandler := listing.NewHandler(s.listings, s.logger)
	interestHandler := interest.NewHandler(s.interests, s.logger)
	handshakeHandler := handshake.NewHandler(s.handshakes, s.logger)
	convHandler := conversation.NewHandler(s.conversations, s.logger)
	honeyHandler := honey.NewHandler(s.ledger, s.logger)
	profileHandler := profile.NewHandler(s.profiles, s.logger)

	// Public: register/login, browse listings and profiles
	authHandler.RegisterRoutes(v1)
	listingHandler.RegisterRoutes(v1)
	profileHandler.RegisterRoutes(v1)

	// Everything else needs a session token
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())

	authHandler.RegisterProtectedRoutes(protected)
	listingHandler.RegisterProtectedRoutes(protected)
	interestHandler.RegisterProtectedRoutes(protected)
	handshakeHandler.RegisterProtectedRoutes(protected)
	convHandler.RegisterProtectedRoutes(protected)
	honeyHandler.RegisterProtectedRoutes(protected)
	profileHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "The Hive",
		"description": "Community marketplace where neighbors trade time for honey",
		"version":     "0.1.0",
		"currency":    "honey (1 unit = 1 hour)",
		"websocket":   "GET /ws/chat/{conversation_id}?token={session_token}",
	})
}

func (s *Server) storageChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		st := health.Status{Name: "storage", Healthy: true, Detail: "in-memory"}
		if s.db == nil {
			return st
		}
		st.Detail = "postgres"
		if err := s.db.PingContext(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	}
}

func (s *Server) hubChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		stats := s.hub.Stats()
		return health.Status{
			Name:    "realtime",
			Healthy: true,
			Detail:  fmt.Sprintf("%v clients", stats["connectedClients"]),
		}
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Traces are optional; without an endpoint the SDK stays unconfigured.
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to init traces", "error", err)
		} else {
			s.shutdownTraces = shutdown
		}
	}

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

	// Realtime hub
	go s.hub.Run(runCtx)

	// Listing expiry sweeper (spawns its own goroutine)
	s.listingTimer.Start(runCtx)

	// Settlement retry loop
	go s.reconTimer.Start(runCtx)

	// Expired session token sweep
	go s.tokenSweepLoop(runCtx)

	// DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

func (s *Server) tokenSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.authMgr.Sweep(ctx)
			if err != nil {
				s.logger.Warn("token sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired tokens swept", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, sweeps)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.listingTimer.Stop()
	s.reconTimer.Stop()
	s.logger.Info("timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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
