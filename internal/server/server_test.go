package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/combinator/combinator/internal/catalog"
	"github.com/combinator/combinator/internal/config"
	"github.com/combinator/combinator/internal/middleware"
	"github.com/combinator/combinator/internal/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Listen:    "127.0.0.1:0",
		DataDir:   t.TempDir(),
		LogLevel:  "error",
		LogFormat: "text",
		Server: config.ServerConfig{
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  60,
			MaxBodyBytes: 1 << 20,
			CORS:         true,
		},
		KV: config.StoresConfig{
			AutoCreate: true,
			DefaultURL: "memory://",
		},
		RDB: config.StoresConfig{
			AutoCreate: true,
			DefaultURL: "sqlite://{data_dir}/rdb/{hash}.db",
		},
		Metrics: config.MetricsConfig{
			Enable:   true,
			Path:     "/metrics",
			Interval: 60,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	srv, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func serve(srv *Server, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func kvHeaders(id, key string) map[string]string {
	return map[string]string{"X-Combinator-KV-ID": id, "X-Combinator-KV-Key": key}
}

func rdbHeaders(id string) map[string]string {
	return map[string]string{"X-Combinator-RDB-ID": id}
}

func TestServer_Gateway(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	rec := serve(srv, "POST", "/kv/set", kvHeaders("1", "k"), "value")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(srv, "GET", "/kv/get", kvHeaders("1", "k"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "value", rec.Body.String())

	rec = serve(srv, "POST", "/rdb/exec", rdbHeaders("1"), `{"stmt": "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = serve(srv, "POST", "/rdb/exec", rdbHeaders("1"), `{"stmt": "INSERT INTO t (v) VALUES (?)", "args": ["x"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"rows_affected": 1, "last_insert_id": 1}`, rec.Body.String())

	rec = serve(srv, "POST", "/rdb/query", rdbHeaders("1"), `{"stmt": "SELECT id, v FROM t"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "id,v\n1,x\n", rec.Body.String())

	assert.FileExists(t, srv.config.DataDir+"/rdb/"+registry.HashID("1")+".db")
}

func TestServer_CatalogRecordsStores(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	serve(srv, "POST", "/kv/set", kvHeaders("cache", "k"), "v")
	serve(srv, "POST", "/rdb/exec", rdbHeaders("main"), `{"stmt": "SELECT 1"}`)

	rec := serve(srv, "GET", "/admin/stores", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []catalog.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, catalog.KindKV, entries[0].Kind)
	assert.Equal(t, "cache", entries[0].StoreID)
	assert.Equal(t, "memory", entries[0].Engine)
	assert.Equal(t, catalog.KindRDB, entries[1].Kind)
	assert.Equal(t, "main", entries[1].StoreID)
	assert.Equal(t, "sqlite", entries[1].Engine)
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	serve(srv, "POST", "/kv/set", kvHeaders("1", "k"), "v")
	serve(srv, "GET", "/kv/get", kvHeaders("1", "missing"), "")

	rec := serve(srv, "GET", "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `combinator_kv_operations_total{operation="set",status="success"} 1`)
	assert.Contains(t, body, `combinator_kv_operations_total{operation="get",status="error"} 1`)
	assert.Contains(t, body, `combinator_registry_open_stores{kind="kv"} 1`)
	assert.Contains(t, body, `combinator_http_requests_total{method="GET",path="/kv/get",status="500"} 1`)
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Metrics.Enable = false
	srv := newTestServer(t, cfg)

	rec := serve(srv, "GET", "/metrics", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	rec := serve(srv, "OPTIONS", "/kv/set", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimit(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.RateLimitRPS = 0.001
	cfg.Server.RateLimitBurst = 1
	srv := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, serve(srv, "POST", "/kv/set", kvHeaders("1", "k"), "v").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, "POST", "/kv/set", kvHeaders("1", "k"), "v").Code)
	assert.Equal(t, http.StatusOK, serve(srv, "GET", "/health", nil, "").Code)
}

func TestServer_RateLimitBehindTrustedProxy(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.RateLimitRPS = 0.001
	cfg.Server.RateLimitBurst = 1
	// httptest requests come from 192.0.2.1
	cfg.Server.TrustedProxies = []string{"192.0.2.0/24"}
	srv := newTestServer(t, cfg)
	t.Cleanup(func() { _ = middleware.SetTrustedProxies(nil) })

	from := func(client string) map[string]string {
		headers := kvHeaders("1", "k")
		headers["X-Forwarded-For"] = client
		return headers
	}

	assert.Equal(t, http.StatusOK, serve(srv, "POST", "/kv/set", from("198.51.100.1"), "v").Code)
	assert.Equal(t, http.StatusOK, serve(srv, "POST", "/kv/set", from("198.51.100.2"), "v").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, "POST", "/kv/set", from("198.51.100.1"), "v").Code)
}

func TestServer_InvalidTrustedProxy(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.TrustedProxies = []string{"proxy.internal"}

	_, err := New(cfg, logrus.New())
	assert.Error(t, err)
}

func TestServer_AutoCreateDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.KV.AutoCreate = false
	cfg.KV.Stores = []config.StoreConfig{{ID: "known", URL: "memory://"}}
	srv := newTestServer(t, cfg)

	rec := serve(srv, "POST", "/kv/set", kvHeaders("unknown", "k"), "v")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error": "invalid KV ID"}`, rec.Body.String())

	rec = serve(srv, "POST", "/kv/set", kvHeaders("known", "k"), "v")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Reload(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.KV.Stores = []config.StoreConfig{{ID: "pinned", URL: "memory://"}}
	srv := newTestServer(t, cfg)

	require.Equal(t, http.StatusOK, serve(srv, "POST", "/kv/set", kvHeaders("pinned", "k"), "v").Code)
	require.Equal(t, http.StatusOK, serve(srv, "POST", "/kv/set", kvHeaders("auto", "k"), "v").Code)

	// Same configuration keeps both stores open
	require.NoError(t, srv.Reload(cfg))
	assert.Equal(t, http.StatusOK, serve(srv, "GET", "/kv/get", kvHeaders("pinned", "k"), "").Code)

	next := *cfg
	next.KV.Stores = []config.StoreConfig{{ID: "pinned", URL: "pebble://{data_dir}/kv/{id}"}}
	require.NoError(t, srv.Reload(&next))

	assert.Equal(t, http.StatusInternalServerError, serve(srv, "GET", "/kv/get", kvHeaders("pinned", "k"), "").Code)
	assert.Equal(t, http.StatusOK, serve(srv, "GET", "/kv/get", kvHeaders("auto", "k"), "").Code)
	assert.DirExists(t, cfg.DataDir+"/kv/pinned")
}

func TestServer_PersistsAcrossRestart(t *testing.T) {
	cfg := newTestConfig(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	srv, err := New(cfg, logger)
	require.NoError(t, err)
	rec := serve(srv, "POST", "/rdb/batch", rdbHeaders("orders"), `["CREATE TABLE o (id INTEGER PRIMARY KEY, total REAL)", "INSERT INTO o (total) VALUES (9.5)"]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, srv.Close())

	srv = newTestServer(t, cfg)
	rec = serve(srv, "POST", "/rdb/query", rdbHeaders("orders"), `{"stmt": "SELECT total FROM o"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "total\n9.5\n", rec.Body.String())

	entries, err := srv.catalog.List(context.Background(), catalog.KindRDB)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].OpenCount)
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv := newTestServer(t, newTestConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = srv.kvStores.Get(context.Background(), "1")
	assert.ErrorIs(t, err, registry.ErrClosed)
}

func TestServer_StartListenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := newTestConfig(t)
	cfg.Listen = busy.Addr().String()
	srv := newTestServer(t, cfg)

	err = srv.Start(context.Background())
	assert.Error(t, err)
}
