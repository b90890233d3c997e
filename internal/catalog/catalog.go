package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/combinator/combinator/internal/db/migrations"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store kinds
const (
	KindKV  = "kv"
	KindRDB = "rdb"
)

// Entry is one store the gateway has opened at least once.
type Entry struct {
	Kind         string    `json:"kind"`
	StoreID      string    `json:"store_id"`
	URL          string    `json:"url"`
	Engine       string    `json:"engine"`
	OpenCount    int64     `json:"open_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastOpenedAt time.Time `json:"last_opened_at"`
}

// Catalog records opened stores in a SQLite database.
type Catalog struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens {dataDir}/catalog.db and migrates its schema.
func Open(ctx context.Context, dataDir string, logger *logrus.Logger) (*Catalog, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "catalog.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := migrations.NewMigrationManager(db, logger).Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
	}

	logger.WithField("path", dbPath).Debug("Store catalog opened")
	return &Catalog{db: db, logger: logger}, nil
}

// RecordOpen inserts the store or refreshes its URL, engine and open time.
func (c *Catalog) RecordOpen(ctx context.Context, kind, storeID, rawURL, engine string) error {
	now := time.Now().Unix()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO stores (kind, store_id, url, engine, created_at, last_opened_at, open_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (kind, store_id) DO UPDATE SET
			url = excluded.url,
			engine = excluded.engine,
			last_opened_at = excluded.last_opened_at,
			open_count = stores.open_count + 1
	`, kind, storeID, Redact(rawURL), engine, now, now)
	if err != nil {
		return fmt.Errorf("failed to record store %s/%s: %w", kind, storeID, err)
	}
	return nil
}

// List returns catalog entries ordered by kind then store ID. An empty kind
// lists every kind.
func (c *Catalog) List(ctx context.Context, kind string) ([]Entry, error) {
	query := `SELECT kind, store_id, url, engine, open_count, created_at, last_opened_at FROM stores`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY kind, store_id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var createdAt, lastOpenedAt int64
		if err := rows.Scan(&e.Kind, &e.StoreID, &e.URL, &e.Engine, &e.OpenCount, &createdAt, &lastOpenedAt); err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.LastOpenedAt = time.Unix(lastOpenedAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Redact hides the password of URLs carrying credentials.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	return u.Redacted()
}
