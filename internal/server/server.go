// Package server wires configuration, storage, wallets and the swap manager
// into the swapd HTTP service.
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/swapd/internal/circuitbreaker"
	"github.com/mbd888/swapd/internal/config"
	"github.com/mbd888/swapd/internal/health"
	"github.com/mbd888/swapd/internal/logging"
	"github.com/mbd888/swapd/internal/metrics"
	"github.com/mbd888/swapd/internal/simnet"
	"github.com/mbd888/swapd/internal/swap"
	"github.com/mbd888/swapd/internal/timelock"
	"github.com/mbd888/swapd/internal/transport"
)

// Version is reported by /health.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the swap engine behind it.
type Server struct {
	cfg     *config.Config
	db      *sql.DB // nil if using in-memory
	store   swap.Store
	network *simnet.Network
	manager *swap.Manager
	breaker *circuitbreaker.Breaker
	health  *health.Registry
	limiter *rateLimiter
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	// Swaps outlive the requests that start them; they run under runCtx.
	runCtx       context.Context
	cancelRunCtx context.CancelFunc

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

// WithNetwork uses an existing simulated network instead of creating one.
func WithNetwork(n *simnet.Network) Option {
	return func(s *Server) {
		s.network = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runCtx, s.cancelRunCtx = context.WithCancel(context.Background())

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.store = swap.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = swap.NewMemoryStore()
		s.logger.Warn("using in-memory storage; swaps will not survive a restart")
	}

	// Wallet backend. Only the simulated network ships.
	if s.network == nil {
		s.network = simnet.New(cfg.RefundAddress, cfg.SimnetFunds)
	}
	oracle := timelock.NewOracle(s.network.Bitcoin,
		timelock.WithPollInterval(cfg.TimelockPollInterval),
		timelock.WithLogger(s.logger),
	)

	connect := s.remotePeer
	if cfg.PeerURL == "" {
		peers := newSimnetPeers(s.network, s.store, cfg)
		connect = peers.connect
		s.logger.Info("no PEER_URL set; each swap gets an in-process simnet counterparty")
	}

	s.manager = swap.NewManager(swap.ManagerConfig{
		Store:     s.store,
		Bitcoin:   s.network.Bitcoin,
		Monero:    s.network.Monero,
		Timelocks: oracle,
		Protocol:  cfg.Protocol(),
		Connect:   connect,
		Logger:    s.logger,
	})

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

func (s *Server) remotePeer(context.Context, uuid.UUID) (swap.Connection, error) {
	return transport.NewConn(s.cfg.PeerURL, transport.Options{
		Breaker: s.breaker,
		Logger:  s.logger,
	}), nil
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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(s.limiter.Middleware())
	swap.NewHandler(s.runCtx, s.manager, s.store).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) registerHealthChecks() {
	s.health.Register("store", health.FromError(func(ctx context.Context) error {
		_, err := s.store.ListUnfinished(ctx, 1)
		return err
	}))
	if s.db != nil {
		s.health.Register("database", health.FromError(s.db.PingContext))
	}
	if s.cfg.PeerURL != "" {
		s.health.Register("peer", func(context.Context) health.Status {
			if s.breaker.State(s.cfg.PeerURL) == circuitbreaker.StateOpen {
				return health.Status{Healthy: false, Detail: "circuit open"}
			}
			return health.Status{Healthy: true, Detail: s.cfg.PeerURL}
		})
	}
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches background work: block production on the simulated
// network, database stats, and every swap the store left unfinished.
func (s *Server) Start() error {
	if s.db != nil {
		go metrics.StartDBStatsCollector(s.runCtx, s.db, 15*time.Second)
	}
	go s.network.AutoMine(s.runCtx, s.cfg.SimnetBlockGap, s.logger)
	go s.limiter.Cleanup(s.runCtx, time.Minute)

	n, err := s.manager.ResumeAll(s.runCtx)
	if err != nil {
		return fmt.Errorf("resuming swaps: %w", err)
	}
	if n > 0 {
		s.logger.Info("resumed unfinished swaps", "count", n)
	}
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
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
		s.logger.Info("starting server", "port", s.cfg.Port, "network", s.cfg.Network)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.Stop()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Stop cancels every running swap and waits for the drivers to return. The
// swaps resume from their last recorded state on the next start.
func (s *Server) Stop() {
	s.cancelRunCtx()
	s.manager.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.Stop()
	s.logger.Info("swap drivers stopped")

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Manager returns the swap manager.
func (s *Server) Manager() *swap.Manager {
	return s.manager
}
