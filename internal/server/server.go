// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/chainmirror"
	"github.com/teocoin/settlement/internal/checkout"
	"github.com/teocoin/settlement/internal/circuitbreaker"
	"github.com/teocoin/settlement/internal/config"
	"github.com/teocoin/settlement/internal/decision"
	"github.com/teocoin/settlement/internal/health"
	"github.com/teocoin/settlement/internal/hold"
	"github.com/teocoin/settlement/internal/idgen"
	"github.com/teocoin/settlement/internal/ledger"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/metrics"
	"github.com/teocoin/settlement/internal/outbox"
	"github.com/teocoin/settlement/internal/provider"
	"github.com/teocoin/settlement/internal/ratelimit"
	"github.com/teocoin/settlement/internal/realtime"
	"github.com/teocoin/settlement/internal/reconciler"
	"github.com/teocoin/settlement/internal/reconciliation"
	"github.com/teocoin/settlement/internal/retry"
	"github.com/teocoin/settlement/internal/security"
	"github.com/teocoin/settlement/internal/snapshot"
	"github.com/teocoin/settlement/internal/split"
	"github.com/teocoin/settlement/internal/syncutil"
	"github.com/teocoin/settlement/internal/tier"
	"github.com/teocoin/settlement/internal/traces"
	"github.com/teocoin/settlement/internal/validation"
	"github.com/teocoin/settlement/internal/webhooks"
)

// DemoCourse is seeded into the in-memory catalog in development.
var DemoCourse = checkout.Course{
	ID:         "course_demo",
	TeacherRef: "teacher_demo",
	Title:      "Introduction to TeoCoin",
	Price:      decimal.RequireFromString("49.00"),
	Active:     true,
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	db       *sql.DB // nil if using in-memory
	router   *gin.Engine
	httpSrv  *http.Server
	logger   *slog.Logger
	provider provider.Provider
	catalog  checkout.Catalog

	authMgr        *auth.Manager
	tiers          *tier.Resolver
	ledger         *ledger.Ledger
	holds          *hold.Service
	snapshots      *snapshot.Service
	decisions      *decision.Engine
	reconciler     *reconciler.Reconciler
	verifier       provider.Verifier
	checkout       *checkout.Service
	webhookStore   webhooks.Store
	realtimeHub    *realtime.Hub
	reconciliation *reconciliation.Runner
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter

	decisionTimer  *decision.Timer
	reaper         *checkout.Reaper
	relayTimer     *outbox.Timer
	reconcileTimer *reconciliation.Timer

	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider replaces the payment provider (for testing)
func WithProvider(p provider.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithCatalog replaces the course catalog
func WithCatalog(c checkout.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// stores is one storage backend's set of stores.
type stores struct {
	auth        auth.Store
	tiers       tier.Store
	ledger      ledger.Store
	snapshots   snapshot.Store
	decisions   decision.Store
	absorptions decision.AbsorptionStore
	events      reconciler.EventStore
	catalog     checkout.Catalog
	enrollments checkout.Enrollments
	outbox      outbox.Store
	webhooks    webhooks.Store
	mirror      chainmirror.Store
	locker      syncutil.Locker
}

func postgresStores(db *sql.DB, lockTimeout time.Duration) *stores {
	return &stores{
		auth:        auth.NewPostgresStore(db),
		tiers:       tier.NewPostgresStore(db),
		ledger:      ledger.NewPostgresStore(db),
		snapshots:   snapshot.NewPostgresStore(db),
		decisions:   decision.NewPostgresStore(db),
		absorptions: decision.NewPostgresAbsorptionStore(db),
		events:      reconciler.NewPostgresEventStore(db),
		catalog:     checkout.NewPostgresCatalog(db),
		enrollments: checkout.NewPostgresEnrollments(db),
		outbox:      outbox.NewPostgresStore(db),
		webhooks:    webhooks.NewPostgresStore(db),
		mirror:      chainmirror.NewPostgresStore(db),
		locker:      syncutil.NewAdvisoryLocker(db, lockTimeout),
	}
}

func memoryStores(lockTimeout time.Duration) *stores {
	snaps := snapshot.NewMemoryStore()
	return &stores{
		auth:        auth.NewMemoryStore(),
		tiers:       tier.NewMemoryStore(tier.Defaults()...),
		ledger:      ledger.NewMemoryStore(),
		snapshots:   snaps,
		decisions:   decision.NewMemoryStore(snaps),
		absorptions: decision.NewMemoryAbsorptionStore(),
		events:      reconciler.NewMemoryEventStore(),
		catalog:     checkout.NewMemoryCatalog(DemoCourse),
		enrollments: checkout.NewMemoryEnrollments(),
		outbox:      outbox.NewMemoryStore(),
		webhooks:    webhooks.NewMemoryStore(),
		mirror:      chainmirror.NewMemoryStore(),
		locker:      syncutil.NewLocalLocker(lockTimeout),
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set provider/logger/catalog)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st *stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		st = postgresStores(db, cfg.LockTimeout)
		s.health.Register("database", health.DB(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		if cfg.IsProduction() {
			return nil, errors.New("DATABASE_URL is required in production")
		}
		st = memoryStores(cfg.LockTimeout)
		s.logger.Info("using in-memory storage (data will not persist)", "demoCourse", DemoCourse.ID)
	}
	if s.catalog != nil {
		st.catalog = s.catalog
	}

	if s.provider == nil {
		s.provider = newProvider(cfg, s.logger)
	}
	s.verifier = provider.NewWebhookVerifier(cfg.ProviderWebhookSecret)

	s.wire(st)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// newProvider returns Stripe when an API key is configured and the
// in-process fake otherwise.
func newProvider(cfg *config.Config, logger *slog.Logger) provider.Provider {
	if cfg.ProviderAPIKey == "" {
		logger.Warn("PROVIDER_API_KEY not set, using the fake payment provider")
		return provider.NewFake()
	}
	policy := retry.DefaultPolicy
	if cfg.ProviderRetryCount > 0 {
		policy.MaxAttempts = cfg.ProviderRetryCount
	}
	logger.Info("stripe payment provider enabled", "retries", policy.MaxAttempts, "timeout", cfg.ProviderCallTimeout)
	return provider.NewStripe(provider.StripeConfig{
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderCallTimeout,
		Retry:   policy,
		Breaker: circuitbreaker.New(5, 30*time.Second),
		Logger:  logger,
	})
}

// wire builds the services on top of st.
func (s *Server) wire(st *stores) {
	cfg := s.cfg
	emitter := outbox.NewEmitter(st.outbox)

	s.authMgr = auth.NewManager(st.auth, cfg.AdminSecret)
	s.ledger = ledger.New(st.ledger)
	s.tiers = tier.NewResolver(tier.NewCache(st.tiers, cfg.TierCacheTTL), s.ledger)
	s.holds = hold.NewService(s.ledger, cfg.PlatformTreasuryUser)
	s.snapshots = snapshot.NewService(st.snapshots, st.locker)

	s.decisions = decision.NewEngine(decision.Config{
		Store:       st.decisions,
		Absorptions: st.absorptions,
		Snapshots:   s.snapshots,
		Ledger:      s.ledger,
		Locker:      st.locker,
		Mirror:      chainmirror.NewRecorder(st.mirror),
		Events:      emitter,
		Treasury:    cfg.PlatformTreasuryUser,
		TTL:         cfg.DecisionTTL,
	})
	s.decisionTimer = decision.NewTimer(s.decisions, s.logger)

	s.reconciler = reconciler.New(reconciler.Config{
		Snapshots: s.snapshots,
		Holds:     s.holds,
		Decisions: s.decisions,
		Enroller:  st.enrollments,
		Processed: st.events,
		Locker:    st.locker,
		Events:    emitter,
		Treasury:  cfg.PlatformTreasuryUser,
	})

	s.checkout = checkout.NewService(checkout.Config{
		Catalog:      st.catalog,
		Tiers:        s.tiers,
		Snapshots:    s.snapshots,
		Holds:        s.holds,
		Decisions:    s.decisions,
		Provider:     s.provider,
		Settler:      s.reconciler,
		Enrollments:  st.enrollments,
		Locker:       st.locker,
		Events:       emitter,
		TokenEURRate: cfg.TokenEURRate,
	})
	s.reaper = checkout.NewReaper(s.checkout, cfg.SnapshotReaperTTL, s.logger)

	s.webhookStore = st.webhooks
	s.realtimeHub = realtime.NewHub(s.logger)
	relay := outbox.NewRelay(st.outbox, s.logger,
		webhooks.NewDispatcher(st.webhooks, cfg.NotifyWebhookSecret),
		s.realtimeHub,
	)
	s.relayTimer = outbox.NewTimer(relay, 2*time.Second, s.logger)

	// The decision store, not the engine, so a sweep never expires anything.
	s.reconciliation = reconciliation.NewRunner(reconciliation.Config{
		Ledger:    s.ledger,
		Snapshots: s.snapshots,
		Decisions: st.decisions,
		Holds:     s.holds,
		Logger:    s.logger,
	})
	s.reconcileTimer = reconciliation.NewTimer(s.reconciliation, s.logger)

	s.health.Register("decision_expiry", health.Timer(s.decisionTimer))
	s.health.Register("snapshot_reaper", health.Timer(s.reaper))
	s.health.Register("outbox_relay", health.Timer(s.relayTimer))
	s.health.Register("reconciliation", health.Timer(s.reconcileTimer))
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())

	// Sets the actor when credentials are present; never aborts.
	s.router.Use(auth.Middleware(s.authMgr))

	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
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
	// Health & metrics endpoints
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Provider webhooks authenticate by signature and are not rate limited;
	// the provider retries on 429 and we want every event processed.
	reconcilerHandler := reconciler.NewHandler(s.reconciler, s.verifier)
	reconcilerHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), s.rateLimiter.Middleware())
	split.NewHandler(s.tiers, s.cfg.TokenEURRate).RegisterProtectedRoutes(protected)
	snapshot.NewHandler(s.snapshots).RegisterProtectedRoutes(protected)
	hold.NewHandler(s.holds).RegisterProtectedRoutes(protected)
	decision.NewHandler(s.decisions).RegisterProtectedRoutes(protected)
	checkout.NewHandler(s.checkout).RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore).RegisterProtectedRoutes(protected)
	s.realtimeHub.RegisterProtectedRoutes(protected)

	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.RegisterProtectedRoutes(protected)
	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin())
	reconcilerHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciliation).RegisterAdminRoutes(admin)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTelEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTelEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.traceShutdown = shutdown
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"treasury", s.cfg.PlatformTreasuryUser,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.decisionTimer.Start(runCtx)
	go s.reaper.Start(runCtx)
	go s.relayTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
		cancel()
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.decisionTimer.Stop()
	s.reaper.Stop()
	s.relayTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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

// Ready marks the server ready without Run (for testing).
func (s *Server) Ready() {
	s.ready.Store(true)
}
