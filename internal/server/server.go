// Package server wires configuration, storage, services, and HTTP routes.
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
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/peervault/peervault/internal/audit"
	"github.com/peervault/peervault/internal/auth"
	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/internal/dispute"
	"github.com/peervault/peervault/internal/escrow"
	"github.com/peervault/peervault/internal/health"
	"github.com/peervault/peervault/internal/identity"
	"github.com/peervault/peervault/internal/ledger"
	"github.com/peervault/peervault/internal/logging"
	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/notify"
	"github.com/peervault/peervault/internal/ratelimit"
	"github.com/peervault/peervault/internal/realtime"
	"github.com/peervault/peervault/internal/security"
	"github.com/peervault/peervault/internal/watcher"
)

// Server wraps the HTTP server and all service dependencies.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil when using in-memory stores

	identities *identity.Service
	authMgr    *auth.Manager
	escrows    *escrow.Service
	disputes   *dispute.Service
	ledger     *ledger.Service
	audit      *audit.Service
	dispatcher *notify.Dispatcher
	worker     *notify.Worker
	chain      *watcher.Watcher
	hub        *realtime.Hub
	limiter    *ratelimit.Limiter
	checks     *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a fully wired server from configuration. Postgres is used when
// DATABASE_URL is set; otherwise all state lives in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		identityStore identity.Store
		escrowStore   escrow.Store
		disputeStore  dispute.Store
		ledgerStore   ledger.Store
		notifyStore   notify.Store
		notifyQueue   notify.QueueStore
		auditStore    audit.Store
		cursorStore   watcher.CursorStore
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		identityStore = identity.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		notifyQueue = notify.NewPostgresQueue(db)
		auditStore = audit.NewPostgresStore(db)
		cursorStore = watcher.NewPostgresCursorStore(db)

		s.checks.Register("database", health.DatabaseChecker("database", db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		escrowMem := escrow.NewMemoryStore()
		identityStore = identity.NewMemoryStore()
		escrowStore = escrowMem
		disputeStore = dispute.NewMemoryStore(escrowMem)
		ledgerStore = ledger.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		notifyQueue = notify.NewMemoryQueue()
		auditStore = audit.NewMemoryStore()
		cursorStore = watcher.NewMemoryCursorStore()
	}

	s.audit = audit.NewService(auditStore, s.logger)
	s.identities = identity.NewService(identityStore, s.audit,
		cfg.AdminAllowlist, cfg.SuperAdminAllowlist, s.logger)
	s.authMgr = auth.NewManager([]byte(cfg.AuthSecret), s.identities)

	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = notify.NewDispatcher(notifyStore, notifyQueue, notify.WebhookConfig{
		URL:   cfg.WebhookURL,
		Token: cfg.WebhookToken,
	}, s.logger).WithRealtime(s.hub)
	s.worker = notify.NewWorker(notifyQueue, s.dispatcher, 15*time.Second, s.logger)

	s.escrows = escrow.NewService(escrowStore, s.logger).
		WithListener(&transitionNotifier{dispatcher: s.dispatcher, audit: s.audit})
	s.disputes = dispute.NewService(disputeStore, escrowStore, s.dispatcher, s.audit, s.logger)

	blobs, err := s.buildBlobStore(cfg)
	if err != nil {
		return nil, err
	}
	s.ledger = ledger.NewService(ledgerStore, escrowStore, blobs, s.dispatcher, s.logger)

	if cfg.WatcherEnabled() {
		w, err := watcher.New(watcher.Config{
			RPCURL:       cfg.RPCURL,
			ChainID:      cfg.ChainID,
			Contract:     common.HexToAddress(cfg.EscrowContract),
			PollInterval: cfg.PollInterval,
			StartBlock:   cfg.StartBlock,
		}, s.escrows, cursorStore, s.logger)
		if err != nil {
			return nil, fmt.Errorf("create chain watcher: %w", err)
		}
		s.chain = w
		s.logger.Info("chain watcher configured",
			"chain_id", cfg.ChainID, "contract", cfg.EscrowContract)
	} else {
		s.logger.Info("chain watcher disabled (no ESCROW_CONTRACT set)")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) buildBlobStore(cfg *config.Config) (blobstore.Store, error) {
	if !cfg.BlobEnabled() {
		s.logger.Info("evidence blob store disabled, using stub presigner")
		return &blobstore.StubStore{TTL: cfg.PresignTTL}, nil
	}
	store, err := blobstore.NewS3Store(context.Background(), blobstore.Config{
		Bucket:     cfg.BlobBucket,
		Region:     cfg.BlobRegion,
		Endpoint:   cfg.BlobEndpoint,
		AccessKey:  cfg.BlobAccessKey,
		SecretKey:  cfg.BlobSecretKey,
		PresignTTL: cfg.PresignTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	s.logger.Info("evidence blob store enabled", "bucket", cfg.BlobBucket)
	return store, nil
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	s.limiter = ratelimit.New(float64(s.cfg.RateLimitRPS), s.cfg.RateLimitRPS*2)
	s.router.Use(s.limiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.POST("/auth/login", auth.LoginHandler(s.authMgr))

	escrowHandler := escrow.NewHandler(s.escrows)
	disputeHandler := dispute.NewHandler(s.disputes)
	ledgerHandler := ledger.NewHandler(s.ledger)
	notifyHandler := notify.NewHandler(s.dispatcher.Store())
	identityHandler := identity.NewHandler(s.identities)
	auditHandler := audit.NewHandler(s.audit)

	// Everything below requires a resolved wallet identity.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		escrowHandler.RegisterRoutes(protected)
		disputeHandler.RegisterRoutes(protected)
		ledgerHandler.RegisterRoutes(protected)
		notifyHandler.RegisterRoutes(protected)

		protected.GET("/ws", func(c *gin.Context) {
			caller, _ := auth.CurrentIdentity(c)
			s.hub.HandleFeed(c.Writer, c.Request, caller.Address)
		})
	}

	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAuth(),
		auth.RequireRole(identity.RoleAdmin, identity.RoleSuperAdmin))
	{
		escrowHandler.RegisterIngestRoutes(admin)
		identityHandler.RegisterAdminRoutes(admin)
		auditHandler.RegisterRoutes(admin)
		admin.GET("/indexer", s.indexerStatusHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

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

func (s *Server) indexerStatusHandler(c *gin.Context) {
	resp := gin.H{
		"realtime": s.hub.Stats(),
	}
	if s.chain != nil {
		resp["watcher"] = s.chain.Status(c.Request.Context())
	} else {
		resp["watcher"] = nil
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and all background loops, blocking until ctx is
// cancelled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.hub.Run(runCtx)
		return nil
	})

	g.Go(func() error {
		s.worker.Run(runCtx)
		return nil
	})

	if s.chain != nil {
		g.Go(func() error {
			return s.chain.Run(runCtx)
		})
	}

	g.Go(func() error {
		<-runCtx.Done()
		return s.shutdownHTTP()
	})

	// Mark ready after a brief startup delay.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	err := g.Wait()

	s.limiter.Stop()
	if s.db != nil {
		if closeErr := s.db.Close(); closeErr != nil {
			s.logger.Error("database close error", "error", closeErr)
		}
	}
	s.logger.Info("server stopped")
	return err
}

func (s *Server) shutdownHTTP() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Auth returns the auth manager, used by tests to mint tokens.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
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
