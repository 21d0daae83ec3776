// Package server wires the HTTP API over the transfer pipeline.
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

	"github.com/fubapay/fubapay/internal/actor"
	"github.com/fubapay/fubapay/internal/advisor"
	"github.com/fubapay/fubapay/internal/audit"
	"github.com/fubapay/fubapay/internal/chain"
	"github.com/fubapay/fubapay/internal/config"
	"github.com/fubapay/fubapay/internal/idgen"
	"github.com/fubapay/fubapay/internal/ledger"
	"github.com/fubapay/fubapay/internal/limits"
	"github.com/fubapay/fubapay/internal/logging"
	"github.com/fubapay/fubapay/internal/metrics"
	"github.com/fubapay/fubapay/internal/pipeline"
	"github.com/fubapay/fubapay/internal/ratelimit"
	"github.com/fubapay/fubapay/internal/realtime"
	"github.com/fubapay/fubapay/internal/risk"
	"github.com/fubapay/fubapay/internal/scoring"
	"github.com/fubapay/fubapay/internal/security"
	"github.com/fubapay/fubapay/internal/settlement"
)

// Server owns the router, the pipeline, and their lifecycles.
type Server struct {
	cfg      *config.Config
	network  chain.Network
	pool     *chain.Pool
	engine   *settlement.Engine // nil when a custom settler is injected
	settler  pipeline.Settler
	adv      advisor.Advisor
	actors   *actor.Registry
	txs      ledger.Store
	pipeline *pipeline.Service
	auditor  *audit.Recorder
	hub      *realtime.Hub
	limiter  *ratelimit.Limiter
	db       *sql.DB // nil when using in-memory stores
	router   *gin.Engine
	httpSrv  *http.Server
	logger   *slog.Logger

	cancelRun context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSettler replaces the on-chain settlement engine, for testing.
func WithSettler(st pipeline.Settler) Option {
	return func(s *Server) { s.settler = st }
}

// WithAdvisor replaces the external risk advisor, for testing.
func WithAdvisor(a advisor.Advisor) Option {
	return func(s *Server) { s.adv = a }
}

// New assembles the full service: stores, risk engines, settlement, and
// routes. Storage is PostgreSQL when DATABASE_URL is set, in-memory
// otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFmt),
	}
	for _, opt := range opts {
		opt(s)
	}

	network, err := chain.Lookup(cfg.Network)
	if err != nil {
		return nil, err
	}
	s.network = network

	var (
		txStore    ledger.Store
		actorStore actor.Store
		auditStore audit.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		txStore = ledger.NewPostgresStore(db)
		actorStore = actor.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		txStore = ledger.NewMemoryStore()
		actorStore = actor.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	s.txs = txStore
	s.actors = actor.NewRegistry(actorStore)
	scorer := scoring.NewEngine(txStore, s.actors, s.logger)

	if s.adv == nil {
		s.adv = advisor.NewClient(
			cfg.AdvisorURL, cfg.AdvisorAPIKey, cfg.AdvisorModel, s.logger,
			advisor.WithTimeout(cfg.AdvisorTimeout),
		)
	}
	riskEngine := risk.NewEngine(txStore, s.actors, scorer, s.adv, s.logger)

	if s.settler == nil {
		s.pool = chain.NewPool(network, cfg.RPCURLs(cfg.Network), s.logger)
		engine, err := settlement.New(network, s.pool, settlement.Config{
			PrivateKey:       cfg.PrivateKey,
			MinConfirmations: cfg.MinConfirmations,
			PollInterval:     cfg.ConfirmInterval,
			ConfirmTimeout:   cfg.ConfirmTimeout,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.engine = engine
		s.settler = engine
		s.logger.Info("settlement engine ready",
			"network", network.Name,
			"from", engine.From(),
			"usdc", network.USDCContract.Hex(),
		)
	}

	s.hub = realtime.NewHub(s.logger)
	s.auditor = audit.NewRecorder(auditStore, s.logger)

	s.pipeline = pipeline.New(pipeline.Deps{
		Transactions: txStore,
		Actors:       s.actors,
		Risk:         riskEngine,
		Limits:       limits.NewPolicy(txStore, s.actors),
		Scoring:      scorer,
		Settler:      s.settler,
		Audit:        s.auditor,
		Notifier:     s.hub,
		Network:      network.Name,
		Logger:       s.logger,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.limiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", logging.RequestID(c.Request.Context()),
		}
		switch {
		case status >= 500:
			s.logger.Error("request completed", attrs...)
		case status >= 400:
			s.logger.Warn("request completed", attrs...)
		default:
			s.logger.Info("request completed", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/transfers", s.createTransfer)
		v1.GET("/transfers/:id", s.getTransfer)
		v1.GET("/transfers/reference/:ref", s.getTransferByReference)
		v1.POST("/transfers/:id/settle", s.settleTransfer)
		v1.POST("/transfers/:id/resolve", s.resolveTransfer)
		v1.POST("/transfers/:id/review", s.reviewTransfer)
		v1.POST("/transfers/:id/dispute", s.disputeTransfer)
		v1.POST("/transfers/:id/refund", s.refundTransfer)

		v1.POST("/actors", s.registerActor)
		v1.GET("/actors/:id/reputation", s.actorReputation)
		v1.GET("/actors/:id/limits", s.actorLimits)
		v1.GET("/actors/:id/transfers", s.actorTransfers)
		v1.GET("/actors/:id/audit", s.actorAudit)

		v1.GET("/networks", s.networksHandler)
		v1.GET("/wallet", s.walletHandler)
	}
}

// Run starts the HTTP server and blocks until a shutdown signal or context
// cancellation, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute, // settlement confirmation can be slow
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "network", s.network.Name)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

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

// Shutdown stops the server, background goroutines, and storage.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin router for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
