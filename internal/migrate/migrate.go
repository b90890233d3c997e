// Package migrate applies a directory of .sql files to one RDB store through
// a running gateway, recording each applied file in the store itself.
package migrate

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/combinator/combinator/internal/rdb"
	"github.com/sirupsen/logrus"
)

// TableName is the table that tracks applied migration files.
const TableName = "combinator_migrations"

const createTable = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	migration TEXT NOT NULL UNIQUE,
	applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
)`

const storeHeader = "X-Combinator-RDB-ID"

// Options configures a Runner
type Options struct {
	// Addr is the gateway address, host:port or a full http(s) URL
	Addr    string
	StoreID string
	Client  *http.Client
	Logger  *logrus.Logger
}

// Runner applies migrations to one store
type Runner struct {
	baseURL string
	storeID string
	client  *http.Client
	logger  *logrus.Logger
}

// Result lists the files of one run
type Result struct {
	Applied []string
	Skipped []string
}

// NewRunner creates a Runner
func NewRunner(opts Options) (*Runner, error) {
	if opts.StoreID == "" {
		return nil, fmt.Errorf("rdb store id is required")
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("gateway address is required")
	}
	baseURL := strings.TrimSuffix(opts.Addr, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Runner{
		baseURL: baseURL,
		storeID: opts.StoreID,
		client:  opts.Client,
		logger:  opts.Logger,
	}, nil
}

// Run applies every .sql file of dir that has not been applied yet, in file
// name order. Each file runs as one batch together with its bookkeeping
// insert, so a failing file leaves neither its changes nor its record.
// Run stops at the first failing file.
func (r *Runner) Run(ctx context.Context, dir string) (*Result, error) {
	files, err := Collect(dir)
	if err != nil {
		return nil, err
	}

	if err := r.batch(ctx, []string{createTable}); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", TableName, err)
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}

	result := &Result{}
	for _, path := range files {
		name := filepath.Base(path)
		log := r.logger.WithFields(logrus.Fields{
			"store":     r.storeID,
			"migration": name,
		})

		if applied[name] {
			log.Debug("Migration already applied, skipping")
			result.Skipped = append(result.Skipped, name)
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return result, fmt.Errorf("failed to read %s: %w", name, err)
		}
		stmts := rdb.SplitScript(string(content))
		stmts = append(stmts, fmt.Sprintf("INSERT INTO %s (migration) VALUES (%s)", TableName, quote(name)))

		if err := r.batch(ctx, stmts); err != nil {
			log.WithError(err).Error("Migration failed")
			return result, fmt.Errorf("migration %s failed: %w", name, err)
		}
		log.WithField("statements", len(stmts)-1).Info("Migration applied")
		result.Applied = append(result.Applied, name)
	}
	return result, nil
}

// Collect returns the .sql files of dir sorted by name. Subdirectories are
// ignored.
func Collect(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (r *Runner) applied(ctx context.Context) (map[string]bool, error) {
	body, err := json.Marshal(map[string]any{
		"stmt": "SELECT migration FROM " + TableName,
		"args": []any{},
	})
	if err != nil {
		return nil, err
	}
	resp, err := r.post(ctx, "/rdb/query", body)
	if err != nil {
		return nil, err
	}

	records, err := csv.NewReader(bytes.NewReader(resp)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid query response: %w", err)
	}
	applied := make(map[string]bool, len(records))
	for i, record := range records {
		if i == 0 || len(record) == 0 {
			continue
		}
		applied[record[0]] = true
	}
	return applied, nil
}

func (r *Runner) batch(ctx context.Context, stmts []string) error {
	body, err := json.Marshal(stmts)
	if err != nil {
		return err
	}
	_, err = r.post(ctx, "/rdb/batch", body)
	return err
}

func (r *Runner) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(storeHeader, r.storeID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// quote returns s as a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
