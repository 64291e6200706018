// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/bountyledger/internal/amount"
	"github.com/mbd888/bountyledger/internal/auth"
	"github.com/mbd888/bountyledger/internal/balances"
	"github.com/mbd888/bountyledger/internal/circuitbreaker"
	"github.com/mbd888/bountyledger/internal/config"
	"github.com/mbd888/bountyledger/internal/escrow"
	"github.com/mbd888/bountyledger/internal/health"
	"github.com/mbd888/bountyledger/internal/logging"
	"github.com/mbd888/bountyledger/internal/metrics"
	"github.com/mbd888/bountyledger/internal/ratelimit"
	"github.com/mbd888/bountyledger/internal/realtime"
	"github.com/mbd888/bountyledger/internal/reconciliation"
	"github.com/mbd888/bountyledger/internal/security"
	"github.com/mbd888/bountyledger/internal/traces"
	"github.com/mbd888/bountyledger/internal/validation"
	"github.com/mbd888/bountyledger/internal/wallet"
	"github.com/mbd888/bountyledger/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Consecutive payout failures before the payout rail fails fast.
const (
	payoutBreakerThreshold = 5
	payoutBreakerCooldown  = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	ledger        *escrow.Ledger
	ledgerStore   escrow.Store
	book          *balances.Book
	payer         escrow.Payer
	wallet        *wallet.Wallet // nil unless PAYOUT_MODE=onchain
	payoutBreaker *circuitbreaker.Breaker
	reconciler    *reconciliation.Service // nil unless PAYOUT_MODE=onchain
	authMgr       *auth.Manager
	watcher       *escrow.Watcher
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB // nil if not using Postgres
	closers       []io.Closer
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithPayer overrides the payout backend chosen by PAYOUT_MODE (for testing)
func WithPayer(p escrow.Payer) Option {
	return func(s *Server) {
		s.payer = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Config{Endpoint: cfg.OTLPEndpoint, ServiceVersion: Version}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.setupStorage(ctx); err != nil {
		s.closeAll()
		return nil, err
	}

	if err := s.setupPayer(); err != nil {
		s.closeAll()
		return nil, err
	}
	s.payoutBreaker = circuitbreaker.New("payout", payoutBreakerThreshold, payoutBreakerCooldown)
	s.payer = circuitbreaker.NewPayer(s.payer, s.payoutBreaker)

	params, err := ledgerParams(cfg)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	// Realtime hub and the log sink both see every ledger event
	s.realtimeHub = realtime.NewHub(s.logger)
	emitter := escrow.MultiEmitter{s.realtimeHub, escrow.LogEmitter{Logger: s.logger}}

	s.ledger, err = escrow.NewLedger(ctx, s.ledgerStore, s.payer, params,
		escrow.WithFunder(s.book),
		escrow.WithEmitter(emitter),
		escrow.WithLogger(s.logger),
	)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	s.watcher = escrow.NewWatcher(s.ledger, emitter, cfg.ExpiryScanInterval, s.logger)
	if s.wallet != nil {
		s.reconciler = reconciliation.NewService(s.ledger, s.wallet)
	}

	s.logger.Info("bounty ledger ready",
		"arbitrator", params.Arbitrator.Hex(),
		"treasury", params.Treasury.Hex(),
		"authorizers", len(params.Authorizers),
		"minDeposit", amount.Format(params.MinDeposit),
		"minDuration", params.MinDuration.String(),
		"payoutMode", cfg.PayoutMode,
	)

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage picks Postgres when DATABASE_URL is set, Bolt when BOLT_PATH
// is set, and in-memory stores otherwise. Balances and API keys follow
// Postgres when available and stay in memory otherwise.
func (s *Server) setupStorage(ctx context.Context) error {
	cfg := s.cfg

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		applied, err := migrations.Up(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL), "migrationsApplied", applied)

		pg := escrow.NewPostgresStore(db)
		s.ledgerStore = pg
		s.health.RegisterPing("ledger_store", pg.Ping)
		s.book = balances.NewBook(balances.NewPostgresStore(db))
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		return nil
	}

	if cfg.BoltPath != "" {
		bs, err := escrow.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("failed to open bolt store: %w", err)
		}
		s.closers = append(s.closers, bs)
		s.ledgerStore = bs
		s.health.RegisterPing("ledger_store", bs.Ping)
		s.logger.Info("using bolt storage for the ledger", "path", cfg.BoltPath)
	} else {
		s.ledgerStore = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.book = balances.NewBook(balances.NewMemoryStore())
	s.authMgr = auth.NewManager(auth.NewMemoryStore())
	return nil
}

// setupPayer selects where payouts go unless one was injected.
func (s *Server) setupPayer() error {
	if s.payer != nil {
		return nil
	}

	switch s.cfg.PayoutMode {
	case config.PayoutOnchain:
		w, err := wallet.New(wallet.Config{
			RPCURL:     s.cfg.RPCURL,
			PrivateKey: s.cfg.PayoutPrivateKey,
			ChainID:    s.cfg.ChainID,
		})
		if err != nil {
			return fmt.Errorf("failed to create payout wallet: %w", err)
		}
		s.wallet = w
		s.payer = w
		s.closers = append(s.closers, w)
		s.logger.Info("onchain payouts enabled", "wallet", w.Address().Hex(), "chainId", s.cfg.ChainID)
	default:
		s.payer = s.book
		s.logger.Info("internal payouts enabled (credited to balances)")
	}
	return nil
}

func ledgerParams(cfg *config.Config) (escrow.Params, error) {
	minDeposit, ok := amount.Parse(cfg.MinDeposit)
	if !ok {
		return escrow.Params{}, fmt.Errorf("invalid MIN_DEPOSIT %q", cfg.MinDeposit)
	}
	params := escrow.Params{
		Arbitrator:  common.HexToAddress(cfg.ArbitratorAddress),
		MinDeposit:  minDeposit,
		MinDuration: cfg.MinDuration,
	}
	if cfg.TreasuryAddress != "" {
		params.Treasury = common.HexToAddress(cfg.TreasuryAddress)
	}
	for _, a := range cfg.AuthorizerAddresses {
		params.Authorizers = append(params.Authorizers, common.HexToAddress(a))
	}
	return params, nil
}

func (s *Server) registerHealthChecks() {
	if s.wallet != nil {
		s.health.RegisterPing("payout_wallet", func(ctx context.Context) error {
			_, err := s.wallet.Balance(ctx)
			return err
		})
	}
	if s.reconciler != nil {
		s.health.Register("custody", func(ctx context.Context) health.Status {
			st := health.Status{Name: "custody", Healthy: true}
			res, err := s.reconciler.Check(ctx)
			switch {
			case err != nil:
				st.Healthy, st.Detail = false, err.Error()
			case !res.Solvent:
				st.Healthy, st.Detail = false, "shortfall "+res.Shortfall
			}
			return st
		})
	}
	if s.db != nil {
		s.health.RegisterPing("balances_db", s.db.PingContext)
	}
	s.health.Register("payout_circuit", func(context.Context) health.Status {
		state := s.payoutBreaker.State()
		st := health.Status{Name: "payout_circuit", Healthy: state != circuitbreaker.StateOpen}
		if !st.Healthy {
			st.Detail = "payouts failing fast after repeated errors"
		}
		return st
	})
	s.health.Register("expiry_watcher", func(context.Context) health.Status {
		st := health.Status{Name: "expiry_watcher", Healthy: true}
		if s.ready.Load() && !s.watcher.Running() {
			st.Healthy = false
			st.Detail = "not running"
		}
		return st
	})
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Identity first so the limiter can key by it
	s.router.Use(auth.Middleware(s.authMgr))
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(ratelimit.DefaultConfig().BurstSize, s.cfg.RateLimitRPM/10),
	})
	s.router.Use(s.rateLimiter.Middleware())
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
	s.router.GET("/health", s.health.Handler(Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for ledger events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)

	ledgerHandler := escrow.NewHandler(s.ledger)
	balanceHandler := balances.NewHandler(s.book)
	authHandler := auth.NewHandler(s.authMgr)

	// Public reads
	ledgerHandler.RegisterRoutes(v1)
	balanceHandler.RegisterRoutes(v1)

	// Calls made as the API key's identity
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	ledgerHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterRoutes(protected)

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	authHandler.RegisterAdminRoutes(admin)
	balanceHandler.RegisterAdminRoutes(admin)
	if s.reconciler != nil {
		reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	}
	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes disabled")
	}
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
	params := s.ledger.Params()
	authorizers := make([]string, len(params.Authorizers))
	for i, a := range params.Authorizers {
		authorizers[i] = a.Hex()
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "bountyledger",
		"version":     Version,
		"feePercent":  escrow.FeePercent,
		"minDeposit":  amount.Format(params.MinDeposit),
		"minDuration": params.MinDuration.String(),
		"arbitrator":  params.Arbitrator.Hex(),
		"treasury":    params.Treasury.Hex(),
		"authorizers": authorizers,
		"payoutMode":  s.cfg.PayoutMode,
		"chainId":     s.cfg.ChainID,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.watcher.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Hub and watcher stop with the run context
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.watcher.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.closeAll()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeAll() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("close error", "error", err)
		}
	}
	s.closers = nil

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger returns the bounty ledger
func (s *Server) Ledger() *escrow.Ledger {
	return s.ledger
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
