package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/combinator/combinator/internal/api"
	"github.com/combinator/combinator/internal/catalog"
	"github.com/combinator/combinator/internal/config"
	"github.com/combinator/combinator/internal/kv"
	"github.com/combinator/combinator/internal/metrics"
	"github.com/combinator/combinator/internal/middleware"
	"github.com/combinator/combinator/internal/rdb"
	"github.com/combinator/combinator/internal/registry"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

// Server represents the Combinator gateway
type Server struct {
	config         *config.Config
	logger         *logrus.Logger
	httpServer     *http.Server
	kvStores       *registry.Registry[kv.Engine]
	rdbStores      *registry.Registry[*rdb.Database]
	catalog        *catalog.Catalog
	metricsManager metrics.Manager
	rateLimitStore *middleware.InMemoryRateLimitStore

	mu   sync.Mutex
	addr string
}

// New creates a new gateway server. Stores are opened lazily on first use.
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := middleware.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, err
	}

	storeCatalog, err := catalog.Open(context.Background(), cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store catalog: %w", err)
	}

	metricsManager := metrics.NewManager(cfg.Metrics, cfg.DataDir, logger)

	s := &Server{
		config:         cfg,
		logger:         logger,
		catalog:        storeCatalog,
		metricsManager: metricsManager,
	}

	s.kvStores, err = registry.New(registry.Options[kv.Engine]{
		Kind:       catalog.KindKV,
		AutoCreate: cfg.KV.AutoCreate,
		DefaultURL: cfg.KV.DefaultURL,
		DataDir:    cfg.DataDir,
		Entries:    cfg.KV.Entries(),
		Open:       s.openKV,
		OnOpen: func(id, url string, engine kv.Engine, open int) {
			s.recordOpen(catalog.KindKV, id, url, engine.Type(), open)
		},
		Logger: logger,
	})
	if err != nil {
		storeCatalog.Close()
		return nil, fmt.Errorf("failed to create kv registry: %w", err)
	}

	s.rdbStores, err = registry.New(registry.Options[*rdb.Database]{
		Kind:       catalog.KindRDB,
		AutoCreate: cfg.RDB.AutoCreate,
		DefaultURL: cfg.RDB.DefaultURL,
		DataDir:    cfg.DataDir,
		Entries:    cfg.RDB.Entries(),
		Open:       s.openRDB,
		OnOpen: func(id, url string, db *rdb.Database, open int) {
			s.recordOpen(catalog.KindRDB, id, url, db.Type(), open)
		},
		Logger: logger,
	})
	if err != nil {
		storeCatalog.Close()
		return nil, fmt.Errorf("failed to create rdb registry: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	return s, nil
}

func (s *Server) openKV(ctx context.Context, id, url string) (kv.Engine, error) {
	parsed, err := kv.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return kv.NewEngine(ctx, parsed, s.logger)
}

func (s *Server) openRDB(ctx context.Context, id, url string) (*rdb.Database, error) {
	parsed, err := rdb.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return rdb.Open(ctx, parsed, rdb.Options{Logger: s.logger})
}

// recordOpen is called by the registries once a store is open, outside their lock.
func (s *Server) recordOpen(kind, id, url, engine string, open int) {
	s.metricsManager.SetOpenStores(kind, open)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.catalog.RecordOpen(ctx, kind, id, url, engine); err != nil {
		s.logger.WithFields(logrus.Fields{
			"kind":  kind,
			"store": id,
		}).WithError(err).Warn("Failed to record store in catalog")
	}
}

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()

	apiHandler := api.NewHandler(api.Options{
		KV:           s.kvStores,
		RDB:          s.rdbStores,
		Catalog:      s.catalog,
		Metrics:      s.metricsManager,
		Logger:       s.logger,
		MaxBodyBytes: s.config.Server.MaxBodyBytes,
	})

	router.Use(middleware.Tracing(s.logger))
	router.Use(middleware.LoggingWithConfig(&middleware.LoggingConfig{
		Logger:    s.logger,
		SkipPaths: []string{"/health", s.config.Metrics.Path},
	}))
	if s.config.Metrics.Enable {
		router.Use(s.metricsManager.Middleware())
		router.Handle(s.config.Metrics.Path, s.metricsManager.GetMetricsHandler()).Methods(http.MethodGet)
	}
	if s.config.Server.RateLimitRPS > 0 {
		rateLimit := middleware.NewRateLimitConfig(
			s.config.Server.RateLimitRPS,
			s.config.Server.RateLimitBurst,
			"/health", s.config.Metrics.Path,
		)
		s.rateLimitStore = rateLimit.Store.(*middleware.InMemoryRateLimitStore)
		router.Use(middleware.RateLimitWithConfig(rateLimit))
	}

	apiHandler.RegisterRoutes(router)

	// CORS wraps the router so preflight requests never hit method matching
	var handler http.Handler = router
	if s.config.Server.CORS {
		handler = middleware.CORS()(handler)
	}

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(true),
	)(handler)
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the bound listen address once Start is serving
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves until ctx is cancelled, then shuts down gracefully and
// closes every store.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		s.closeStores()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address":  s.addr,
		"data_dir": s.config.DataDir,
	}).Info("Starting Combinator gateway")

	if err := s.metricsManager.Start(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to start metrics collection")
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-serveErr:
		s.logger.WithError(err).Error("HTTP server error")
		return errors.Join(err, s.shutdown())
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.metricsManager.Stop(); err != nil {
		s.logger.WithError(err).Debug("Metrics manager already stopped")
	}
	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases stores without serving. Start already does this on shutdown.
func (s *Server) Close() error {
	return s.closeStores()
}

// closeStores closes registries before the catalog they report to
func (s *Server) closeStores() error {
	if s.rateLimitStore != nil {
		s.rateLimitStore.Close()
	}

	var errs []error
	if err := s.kvStores.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.rdbStores.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.catalog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close catalog: %w", err))
	}
	return errors.Join(errs...)
}

// Reload applies the static store lists and trusted proxies of cfg. Other
// settings need a restart.
func (s *Server) Reload(cfg *config.Config) error {
	var errs []error
	if err := middleware.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		errs = append(errs, err)
	}
	if err := s.kvStores.Reload(cfg.KV.Entries()); err != nil {
		errs = append(errs, err)
	}
	if err := s.rdbStores.Reload(cfg.RDB.Entries()); err != nil {
		errs = append(errs, err)
	}
	s.metricsManager.SetOpenStores(catalog.KindKV, s.kvStores.Len())
	s.metricsManager.SetOpenStores(catalog.KindRDB, s.rdbStores.Len())

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"kv_stores":  len(cfg.KV.Stores),
		"rdb_stores": len(cfg.RDB.Stores),
	}).Info("Store configuration reloaded")
	return nil
}
