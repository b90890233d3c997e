package migrate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/combinator/combinator/internal/config"
	"github.com/combinator/combinator/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newGateway serves a real gateway with file-backed sqlite stores.
func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Listen:  "127.0.0.1:0",
		DataDir: t.TempDir(),
		Server: config.ServerConfig{
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  60,
			MaxBodyBytes: 1 << 20,
		},
		KV:  config.StoresConfig{AutoCreate: true, DefaultURL: "memory://"},
		RDB: config.StoresConfig{AutoCreate: true, DefaultURL: "sqlite://{data_dir}/rdb/{hash}.db"},
	}
	srv, err := server.New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
}

func newTestRunner(t *testing.T, ts *httptest.Server, id string) *Runner {
	t.Helper()
	runner, err := NewRunner(Options{Addr: ts.URL, StoreID: id, Client: ts.Client(), Logger: testLogger()})
	require.NoError(t, err)
	return runner
}

func query(t *testing.T, ts *httptest.Server, id, stmt string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{"stmt": stmt})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rdb/query", strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("X-Combinator-RDB-ID", id)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	return string(data)
}

func TestRunner_AppliesInOrder(t *testing.T) {
	ts := newGateway(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"002_seed.sql":   "INSERT INTO users (name) VALUES ('alice');\nINSERT INTO users (name) VALUES ('bob');\n",
		"001_init.sql":   "-- users table\nCREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);\n",
		"003_rename.SQL": "ALTER TABLE users RENAME COLUMN name TO username;",
		"README.md":      "not a migration",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "004_dir.sql"), 0755))

	result, err := newTestRunner(t, ts, "app").Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_seed.sql", "003_rename.SQL"}, result.Applied)
	assert.Empty(t, result.Skipped)

	assert.Equal(t, "username\nalice\nbob\n", query(t, ts, "app", "SELECT username FROM users ORDER BY id"))
	assert.Equal(t, "migration\n001_init.sql\n002_seed.sql\n003_rename.SQL\n",
		query(t, ts, "app", "SELECT migration FROM combinator_migrations ORDER BY id"))
}

func TestRunner_SkipsApplied(t *testing.T) {
	ts := newGateway(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"001_init.sql": "CREATE TABLE t (v INTEGER);",
	})
	runner := newTestRunner(t, ts, "app")

	_, err := runner.Run(context.Background(), dir)
	require.NoError(t, err)

	writeFiles(t, dir, map[string]string{
		"002_more.sql": "INSERT INTO t VALUES (1);",
	})
	result, err := runner.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"002_more.sql"}, result.Applied)
	assert.Equal(t, []string{"001_init.sql"}, result.Skipped)

	result, err = runner.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Len(t, result.Skipped, 2)
	assert.Equal(t, "n\n1\n", query(t, ts, "app", "SELECT count(*) AS n FROM t"))
}

func TestRunner_FailingFileIsRolledBack(t *testing.T) {
	ts := newGateway(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"001_init.sql":   "CREATE TABLE t (v INTEGER NOT NULL);",
		"002_broken.sql": "INSERT INTO t VALUES (1);\nINSERT INTO t VALUES (NULL);",
		"003_never.sql":  "INSERT INTO t VALUES (3);",
	})

	result, err := newTestRunner(t, ts, "app").Run(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_broken.sql")
	assert.Contains(t, err.Error(), "statement 2 failed")
	assert.Equal(t, []string{"001_init.sql"}, result.Applied)

	assert.Equal(t, "n\n0\n", query(t, ts, "app", "SELECT count(*) AS n FROM t"))
	assert.Equal(t, "migration\n001_init.sql\n", query(t, ts, "app", "SELECT migration FROM combinator_migrations"))
}

func TestRunner_TriggerAndQuotedName(t *testing.T) {
	ts := newGateway(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"001_it's.sql": `CREATE TABLE t (v INTEGER);
CREATE TABLE counter (n INTEGER);
INSERT INTO counter VALUES (0);
CREATE TRIGGER count_t AFTER INSERT ON t BEGIN
	UPDATE counter SET n = n + 1;
END;
INSERT INTO t VALUES (1), (2);`,
	})

	result, err := newTestRunner(t, ts, "app").Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_it's.sql"}, result.Applied)
	assert.Equal(t, "n\n2\n", query(t, ts, "app", "SELECT n FROM counter"))
}

func TestRunner_StoresAreSeparate(t *testing.T) {
	ts := newGateway(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"001_init.sql": "CREATE TABLE t (v INTEGER);"})

	_, err := newTestRunner(t, ts, "a").Run(context.Background(), dir)
	require.NoError(t, err)

	result, err := newTestRunner(t, ts, "b").Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql"}, result.Applied)
}

func TestRunner_Errors(t *testing.T) {
	_, err := NewRunner(Options{Addr: "localhost:8899"})
	assert.Error(t, err)

	_, err = NewRunner(Options{StoreID: "1"})
	assert.Error(t, err)

	ts := newGateway(t)
	_, err = newTestRunner(t, ts, "app").Run(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = newTestRunner(t, ts, "../bad").Run(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}

func TestNewRunner_Address(t *testing.T) {
	runner, err := NewRunner(Options{Addr: "localhost:8899", StoreID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8899", runner.baseURL)

	runner, err = NewRunner(Options{Addr: "https://gw.example.com/", StoreID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example.com", runner.baseURL)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'plain.sql'", quote("plain.sql"))
	assert.Equal(t, "'it''s.sql'", quote("it's.sql"))
}
