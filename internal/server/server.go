// Package server wires storage, the job engine, delivery, and all the
// background loops behind one HTTP surface.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vladholos492-wq/mediagw/internal/callback"
	"github.com/vladholos492-wq/mediagw/internal/catalog"
	"github.com/vladholos492-wq/mediagw/internal/circuitbreaker"
	"github.com/vladholos492-wq/mediagw/internal/config"
	"github.com/vladholos492-wq/mediagw/internal/delivery"
	"github.com/vladholos492-wq/mediagw/internal/freetier"
	"github.com/vladholos492-wq/mediagw/internal/health"
	"github.com/vladholos492-wq/mediagw/internal/idgen"
	"github.com/vladholos492-wq/mediagw/internal/ingress"
	"github.com/vladholos492-wq/mediagw/internal/job"
	"github.com/vladholos492-wq/mediagw/internal/kie"
	"github.com/vladholos492-wq/mediagw/internal/logging"
	"github.com/vladholos492-wq/mediagw/internal/metrics"
	"github.com/vladholos492-wq/mediagw/internal/money"
	"github.com/vladholos492-wq/mediagw/internal/ratelimit"
	"github.com/vladholos492-wq/mediagw/internal/reconcile"
	"github.com/vladholos492-wq/mediagw/internal/security"
	"github.com/vladholos492-wq/mediagw/internal/singleton"
	"github.com/vladholos492-wq/mediagw/internal/storage"
	"github.com/vladholos492-wq/mediagw/internal/traces"
	"github.com/vladholos492-wq/mediagw/internal/users"
	"github.com/vladholos492-wq/mediagw/internal/wallet"
)

const (
	breakerThreshold  = 5
	breakerOpenWindow = time.Minute
	maxBodyBytes      = 10 << 20
)

// Server wraps the HTTP server and all gateway dependencies.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	instanceID string

	db          *sql.DB // nil in JSON storage mode
	catalog     *catalog.Static
	wallets     *wallet.Service
	walletStore wallet.Store
	userStore   users.Store
	freeTier    freetier.Store
	jobStore    job.Store
	jobUsers    interface{ AddUser(userID int64) } // memory job store only
	sender      delivery.Sender
	dedup       ingress.Dedup
	engine      *job.Engine
	kieClient   *kie.Client
	coordinator *delivery.Coordinator
	dispatcher  *ingress.Dispatcher
	limiter     *ratelimit.Limiter
	leader      singleton.Leader
	checks      *health.Registry

	leaderLock    *singleton.Lock // nil in JSON storage mode
	walletTimer   *wallet.Timer
	jobTimer      *job.Timer
	deliveryTimer *delivery.Timer
	reconciler    *reconcile.Reconciler

	router       *gin.Engine
	httpSrv      *http.Server
	tracesStop   func(context.Context) error
	cancelRunCtx context.CancelFunc
	startedAt    time.Time

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSender sets the chat-platform sender for delivery.
func WithSender(sender delivery.Sender) Option {
	return func(s *Server) { s.sender = sender }
}

// New creates a fully wired server.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, "json"),
		instanceID: idgen.WithPrefix("gw_"),
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cat, err := catalog.LoadFile(cfg.DataDir, cfg.USDToRUB, cfg.PriceMultiplier)
	if err != nil {
		return nil, err
	}
	s.catalog = cat

	if err := s.initStorage(); err != nil {
		return nil, err
	}

	s.kieClient = kie.New(kie.Options{
		BaseURL: cfg.KIEAPIURL,
		APIKey:  cfg.KIEAPIKey,
		Stub:    !cfg.OutboundAllowed(),
	}, s.catalog, circuitbreaker.New(breakerThreshold, breakerOpenWindow))

	if s.sender == nil {
		s.sender = &logSender{logger: s.logger}
	}
	s.coordinator = delivery.New(s.jobStore, s.sender)

	callbackURL := ""
	if cfg.WebhookBaseURL != "" {
		callbackURL = cfg.WebhookBaseURL + "/callbacks/kie"
	}
	s.engine = job.NewEngine(s.jobStore, s.kieClient, s.coordinator,
		&freeTierInfo{store: s.freeTier}, callbackURL)

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())

	s.dispatcher = ingress.New(s.dedup, s.instanceID, s.logger, ingress.Config{})

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("storage", health.DB("storage", s.db))
	}

	s.walletTimer = wallet.NewTimer(s.walletStore, s.logger)
	s.jobTimer = job.NewTimer(s.jobStore, s.leader.Active, s.logger)
	s.deliveryTimer = delivery.NewTimer(s.coordinator, s.logger, s.leader.Active)
	s.reconciler = reconcile.New(s.jobStore, s.engine, s.logger, s.leader.Active)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) initStorage() error {
	if s.cfg.UsePostgres() {
		db, err := storage.Open(s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		s.db = db
		s.logger.Info("using postgres storage", "dsn", storage.MaskDSN(s.cfg.DatabaseURL))

		walletPG := wallet.NewPostgresStore(db)
		s.walletStore = walletPG
		s.wallets = wallet.NewService(walletPG)
		s.jobStore = job.NewPostgresStore(db, walletPG)
		s.freeTier = freetier.NewPostgresStore(db)
		s.userStore = users.NewPostgresStore(db)
		s.dedup = ingress.NewPostgresDedup(db)

		lock := singleton.New(db, s.instanceID, s.logger)
		s.leaderLock = lock
		s.leader = lock
		return nil
	}

	s.logger.Info("using json file storage", "dataDir", s.cfg.DataDir)
	if err := os.MkdirAll(s.cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	walletMem, err := wallet.NewFileStore(s.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("wallet store: %w", err)
	}
	s.walletStore = walletMem
	s.wallets = wallet.NewService(walletMem)

	jobMem := job.NewMemoryStore(walletMem)
	s.jobStore = jobMem
	s.jobUsers = jobMem

	s.freeTier = freetier.NewMemoryStore()

	userFS, err := users.NewFileStore(s.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("user store: %w", err)
	}
	s.userStore = userFS

	s.dedup = ingress.NewMemoryDedup()
	s.leader = singleton.Static{}
	return nil
}

// freeTierInfo adapts the free-tier store to the engine's lookup.
type freeTierInfo struct {
	store freetier.Store
}

func (f *freeTierInfo) IsFree(ctx context.Context, modelID string) bool {
	cfg, err := f.store.GetConfig(ctx, modelID)
	return err == nil && cfg != nil && cfg.Enabled
}

// logSender is the delivery sender used when no chat platform is attached
// (dry runs and tests). It logs instead of sending.
type logSender struct {
	logger *slog.Logger
}

func (l *logSender) SendPhoto(ctx context.Context, chatID int64, url, caption string) error {
	l.logger.Info("dry-run send photo", "chatId", chatID, "url", url)
	return nil
}

func (l *logSender) SendPhotoBytes(ctx context.Context, chatID int64, data []byte, caption string) error {
	l.logger.Info("dry-run send photo bytes", "chatId", chatID, "bytes", len(data))
	return nil
}

func (l *logSender) SendVideo(ctx context.Context, chatID int64, url, caption string) error {
	l.logger.Info("dry-run send video", "chatId", chatID, "url", url)
	return nil
}

func (l *logSender) SendAudio(ctx context.Context, chatID int64, url, caption string) error {
	l.logger.Info("dry-run send audio", "chatId", chatID, "url", url)
	return nil
}

func (l *logSender) SendDocument(ctx context.Context, chatID int64, url, caption string) error {
	l.logger.Info("dry-run send document", "chatId", chatID, "url", url)
	return nil
}

func (l *logSender) SendText(ctx context.Context, chatID int64, text string) error {
	l.logger.Info("dry-run send text", "chatId", chatID)
	return nil
}

// Accessors for the chat-platform layer.

func (s *Server) Engine() *job.Engine                { return s.engine }
func (s *Server) Wallets() *wallet.Service           { return s.wallets }
func (s *Server) Users() users.Store                 { return s.userStore }
func (s *Server) FreeTier() freetier.Store           { return s.freeTier }
func (s *Server) Catalog() *catalog.Static           { return s.catalog }
func (s *Server) Limiter() *ratelimit.Limiter        { return s.limiter }
func (s *Server) Dispatcher() *ingress.Dispatcher    { return s.dispatcher }
func (s *Server) Coordinator() *delivery.Coordinator { return s.coordinator }
func (s *Server) Leader() singleton.Leader           { return s.leader }
func (s *Server) Router() *gin.Engine                { return s.router }
func (s *Server) KIE() *kie.Client                   { return s.kieClient }

// EnsureUser registers first contact. In JSON storage mode the job store
// keeps its own user set, so it is updated alongside.
func (s *Server) EnsureUser(ctx context.Context, id int64, username string) (*users.User, error) {
	u, err := s.userStore.EnsureUser(ctx, id, username)
	if err != nil {
		return nil, err
	}
	if s.jobUsers != nil {
		s.jobUsers.AddUser(id)
	}
	return u, nil
}

// Price computes the charge for one job of the given model.
func (s *Server) Price(modelID string) (money.RUB, error) {
	return s.catalog.PriceRUB(modelID)
}

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

	s.router.Use(security.Headers())
	s.router.Use(security.BodyLimit(maxBodyBytes))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Correlation()
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), requestID)
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
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())
	callback.NewHandler(s.engine).Register(s.router)
}

// healthHandler always answers 200: a passive or degraded instance still
// serves traffic, and the body says in what role.
func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.checks.CheckAll(c.Request.Context())
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	lockState := s.leader.LockState()
	var lockIdle any
	if lockState != "" {
		lockIdle = s.leader.LockIdle().Seconds()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":             status,
		"uptime":             int64(time.Since(s.startedAt).Seconds()),
		"active":             s.leader.Active(),
		"lock_state":         lockState,
		"lock_idle_duration": lockIdle,
		"checks":             checks,
		"queue": gin.H{
			"queue_depth": s.dispatcher.QueueDepth(),
		},
	})
}

// Run starts the HTTP server plus all background loops and blocks until
// a shutdown signal, server error, or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	tracesStop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to init tracing", "error", err)
	} else {
		s.tracesStop = tracesStop
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"instanceId", s.instanceID,
			"storage", map[bool]string{true: "postgres", false: "json"}[s.db != nil])
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.leaderLock != nil {
		go s.leaderLock.Start(runCtx)
	}
	go s.coordinator.Start(runCtx)
	s.dispatcher.Start(runCtx)
	go s.walletTimer.Start(runCtx)
	go s.jobTimer.Start(runCtx)
	go s.deliveryTimer.Start(runCtx)
	go s.reconciler.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server and every background loop.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	s.dispatcher.Stop()
	s.walletTimer.Stop()
	s.jobTimer.Stop()
	s.deliveryTimer.Stop()
	s.reconciler.Stop()
	s.limiter.Stop()
	if s.leaderLock != nil {
		s.leaderLock.Stop()
	}

	if s.tracesStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
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
