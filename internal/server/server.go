// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/clearhold/clearhold/internal/config"
	"github.com/clearhold/clearhold/internal/directory"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/funding"
	"github.com/clearhold/clearhold/internal/health"
	"github.com/clearhold/clearhold/internal/journal"
	"github.com/clearhold/clearhold/internal/logging"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/notify"
	"github.com/clearhold/clearhold/internal/ratelimit"
	"github.com/clearhold/clearhold/internal/realtime"
	"github.com/clearhold/clearhold/internal/reconciliation"
	"github.com/clearhold/clearhold/internal/security"
	"github.com/clearhold/clearhold/internal/validation"
	"github.com/clearhold/clearhold/internal/wallet"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	journals      *journal.Writer
	wallets       *wallet.Service
	escrowStore   escrow.Store
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	analytics     *escrow.AnalyticsService
	recon         *reconciliation.Service
	reconTimer    *reconciliation.Timer
	healthReg     *health.Registry
	notifier      *notify.Service
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithNotifier sets a custom notification service (for testing)
func WithNotifier(n *notify.Service) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set notifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		journalStore journal.Store
		walletStore  wallet.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		journalStore = journal.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		escrowStore := escrow.NewPostgresStore(db)
		s.escrowStore = escrowStore
		s.analytics = escrow.NewAnalyticsService(escrowStore)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		journalStore = journal.NewMemoryStore()
		walletStore = wallet.NewMemoryStore(journalStore)
		escrowStore := escrow.NewMemoryStore(walletStore, journalStore)
		s.escrowStore = escrowStore
		s.analytics = escrow.NewAnalyticsService(escrowStore)
	}

	s.journals = journal.NewWriter(journalStore)

	s.wallets = wallet.New(walletStore).WithLogger(s.logger)
	if cfg.TopUpHoldHours > 0 {
		s.wallets = s.wallets.WithHoldPeriod(time.Duration(cfg.TopUpHoldHours) * time.Hour)
		s.logger.Info("top-up hold period enabled", "hours", cfg.TopUpHoldHours)
	}

	// Notifications (log-only unless a webhook endpoint is configured or a
	// notifier was injected)
	if s.notifier == nil {
		if cfg.WebhookURL != "" {
			s.notifier = notify.New(notify.NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret), s.logger)
			s.logger.Info("webhook notifications enabled", "url", cfg.WebhookURL)
		} else {
			s.notifier = notify.New(notify.NewLogSender(s.logger), s.logger)
		}
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	s.escrowService = escrow.NewService(s.escrowStore, s.wallets).
		WithLogger(s.logger).
		WithFeePolicy(escrow.BasisPointsFee{Bps: cfg.FeeBasisPoints}).
		WithNotifier(s.notifier).
		WithEventSink(s.realtimeHub).
		WithDefaults(cfg.AutoReleaseDays, cfg.DisputeWindowDays)

	// Direct card funding through Stripe, wrapped with retries and a breaker.
	// Without an API key the escrow service still supports wallet funding.
	if cfg.StripeAPIKey != "" {
		src := funding.NewStripeSource(cfg.StripeAPIKey)
		s.escrowService = s.escrowService.WithFundingSource(funding.NewResilient(src, s.logger))
		s.logger.Info("direct funding enabled", "provider", "stripe")
	}

	// Without a directory URL, sellers must be referenced by ID.
	if cfg.DirectoryURL != "" {
		s.escrowService = s.escrowService.WithDirectory(directory.New(cfg.DirectoryURL))
		s.logger.Info("seller email lookup enabled", "url", cfg.DirectoryURL)
	}

	sweepInterval, err := time.ParseDuration(cfg.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep interval %q: %w", cfg.SweepInterval, err)
	}
	staleAfter := time.Duration(cfg.StaleFundingDays) * 24 * time.Hour
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.escrowStore, s.wallets, sweepInterval, staleAfter, s.logger)

	// Periodic journal-versus-escrow consistency checks
	s.recon = reconciliation.NewService(journalStore, s.escrowStore)
	s.reconTimer = reconciliation.NewTimer(s.recon, 5*time.Minute, s.logger)

	s.registerHealthChecks()

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
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         20,
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

// adminMiddleware guards admin routes with a shared secret header.
// In development with no secret configured, admin routes stay open for testing.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin API is not configured",
				})
				return
			}
			c.Next()
			return
		}

		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "not_permitted",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time escrow event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoint
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	walletHandler := wallet.NewHandler(s.wallets, s.logger)
	walletHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService, s.logger)
	escrowHandler.RegisterRoutes(v1)

	journalHandler := journal.NewHandler(s.journals)
	journalHandler.RegisterRoutes(v1)

	// Analytics (aggregate escrow stats)
	v1.GET("/analytics/escrows", s.analyticsHandler)

	// Admin routes (dispute resolution, manual adjustments)
	admin := s.router.Group("/v1")
	admin.Use(s.adminMiddleware())
	walletHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/reconciliation", s.reconciliationHandler)
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

// registerHealthChecks wires the subsystem checkers reported by /health.
func (s *Server) registerHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.healthReg.Register("storage", func(ctx context.Context) health.Status {
			return health.Status{Name: "storage", Healthy: true}
		})
	}

	// Timer checks only matter once Run has started the background loops.
	s.healthReg.Register("sweeper", func(ctx context.Context) health.Status {
		if !s.ready.Load() || s.escrowTimer.Running() {
			return health.Status{Name: "sweeper", Healthy: true}
		}
		return health.Status{Name: "sweeper", Healthy: false, Detail: "sweep timer not running"}
	})
	s.healthReg.Register("reconciler", func(ctx context.Context) health.Status {
		if !s.ready.Load() || s.reconTimer.Running() {
			return health.Status{Name: "reconciler", Healthy: true}
		}
		return health.Status{Name: "reconciler", Healthy: false, Detail: "reconciliation timer not running"}
	})
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

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Clearhold",
		"description": "Escrow and wallet infrastructure for marketplace payments",
		"version":     "0.1.0",
		"docs":        "https://github.com/clearhold/clearhold",
	})
}

// analyticsHandler returns aggregate escrow stats, optionally filtered
// by seller, currency, and time window
func (s *Server) analyticsHandler(c *gin.Context) {
	filter := escrow.AnalyticsFilter{
		SellerID: c.Query("sellerId"),
		Currency: c.Query("currency"),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "from must be RFC3339",
			})
			return
		}
		filter.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "to must be RFC3339",
			})
			return
		}
		filter.To = &t
	}

	result, err := s.analytics.GetAnalytics(c.Request.Context(), filter)
	if err != nil {
		logging.L(c.Request.Context()).Error("analytics query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute analytics",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// reconciliationHandler runs an on-demand consistency check
func (s *Server) reconciliationHandler(c *gin.Context) {
	result, err := s.recon.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, result)
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the lifecycle sweeper (auto-release, stale cancellation, hold settlement)
	go s.escrowTimer.Start(runCtx)

	// Start the reconciliation loop
	go s.reconTimer.Start(runCtx)

	// Export connection pool stats
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escrow timer
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	// Stop reconciliation timer
	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
