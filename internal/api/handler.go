package api

import (
	"context"
	"net/http"
	"time"

	"github.com/combinator/combinator/internal/catalog"
	"github.com/combinator/combinator/internal/config"
	"github.com/combinator/combinator/internal/kv"
	"github.com/combinator/combinator/internal/metrics"
	"github.com/combinator/combinator/internal/rdb"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Identifying request headers
const (
	HeaderKVID  = "X-Combinator-KV-ID"
	HeaderKVKey = "X-Combinator-KV-Key"
	HeaderRDBID = "X-Combinator-RDB-ID"
)

// KVStores resolves a KV store ID to its engine
type KVStores interface {
	Get(ctx context.Context, id string) (kv.Engine, error)
	Len() int
}

// RDBStores resolves an RDB store ID to its database
type RDBStores interface {
	Get(ctx context.Context, id string) (*rdb.Database, error)
	Len() int
}

// StoreCatalog lists stores the gateway has opened
type StoreCatalog interface {
	List(ctx context.Context, kind string) ([]catalog.Entry, error)
}

// Options configures a Handler. Catalog and Metrics are optional.
type Options struct {
	KV           KVStores
	RDB          RDBStores
	Catalog      StoreCatalog
	Metrics      metrics.Manager
	Logger       *logrus.Logger
	MaxBodyBytes int64
}

// Handler serves the KV and RDB gateway endpoints
type Handler struct {
	kvStores     KVStores
	rdbStores    RDBStores
	catalog      StoreCatalog
	metrics      metrics.Manager
	logger       *logrus.Logger
	maxBodyBytes int64
	startTime    time.Time
}

// NewHandler creates a new API handler
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewManager(config.MetricsConfig{}, "", logger)
	}

	return &Handler{
		kvStores:     opts.KV,
		rdbStores:    opts.RDB,
		catalog:      opts.Catalog,
		metrics:      m,
		logger:       logger,
		maxBodyBytes: opts.MaxBodyBytes,
		startTime:    time.Now(),
	}
}

// RegisterRoutes registers the gateway routes on router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	if h.catalog != nil {
		router.HandleFunc("/admin/stores", h.handleListStores).Methods(http.MethodGet)
	}

	kvRouter := router.PathPrefix("/kv").Subrouter()
	kvRouter.Use(h.requireHeaders(HeaderKVID, HeaderKVKey))
	kvRouter.HandleFunc("/set", h.handleKVSet).Methods(http.MethodPost)
	kvRouter.HandleFunc("/get", h.handleKVGet).Methods(http.MethodGet)

	rdbRouter := router.PathPrefix("/rdb").Subrouter()
	rdbRouter.Use(h.requireHeaders(HeaderRDBID))
	rdbRouter.HandleFunc("/exec", h.handleRDBExec).Methods(http.MethodPost)
	rdbRouter.HandleFunc("/query", h.handleRDBQuery).Methods(http.MethodPost)
	rdbRouter.HandleFunc("/batch", h.handleRDBBatch).Methods(http.MethodPost)
}

type headerKey string

// requireHeaders rejects requests missing any of the named headers before
// they reach a store, and stores the values in the request context.
func (h *Handler) requireHeaders(names ...string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			for _, name := range names {
				value := r.Header.Get(name)
				if value == "" {
					h.writeError(w, r, http.StatusBadRequest, "missing "+name+" header", nil)
					return
				}
				ctx = context.WithValue(ctx, headerKey(name), value)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// headerValue returns a header captured by requireHeaders
func headerValue(r *http.Request, name string) string {
	value, _ := r.Context().Value(headerKey(name)).(string)
	return value
}

type healthResponse struct {
	Status        string         `json:"status"`
	Service       string         `json:"service"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Metrics       string         `json:"metrics"`
	Stores        map[string]int `json:"stores"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stores := map[string]int{catalog.KindKV: 0, catalog.KindRDB: 0}
	if h.kvStores != nil {
		stores[catalog.KindKV] = h.kvStores.Len()
	}
	if h.rdbStores != nil {
		stores[catalog.KindRDB] = h.rdbStores.Len()
	}

	metricsState := "running"
	if !h.metrics.IsHealthy() {
		metricsState = "stopped"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Service:       "combinator",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Metrics:       metricsState,
		Stores:        stores,
	})
}

func (h *Handler) handleListStores(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != catalog.KindKV && kind != catalog.KindRDB {
		h.writeError(w, r, http.StatusBadRequest, "invalid kind, expected kv or rdb", nil)
		return
	}

	entries, err := h.catalog.List(r.Context(), kind)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err.Error(), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
