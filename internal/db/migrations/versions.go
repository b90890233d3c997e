package migrations

import (
	"context"
	"database/sql"
)

// catalogMigrations returns every catalog schema migration
func catalogMigrations() []Migration {
	return []Migration{
		migration1Stores(),
		migration2OpenCount(),
	}
}

// migration1Stores creates the stores table keyed by (kind, store_id)
func migration1Stores() Migration {
	return Migration{
		Version:     1,
		Description: "Create stores table",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS stores (
					kind TEXT NOT NULL,
					store_id TEXT NOT NULL,
					url TEXT NOT NULL,
					engine TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					last_opened_at INTEGER NOT NULL,
					PRIMARY KEY (kind, store_id)
				)
			`)
			return err
		},
	}
}

// migration2OpenCount tracks how often a store was opened and indexes recency
func migration2OpenCount() Migration {
	return Migration{
		Version:     2,
		Description: "Add open_count and last_opened_at index",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `ALTER TABLE stores ADD COLUMN open_count INTEGER NOT NULL DEFAULT 0`); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_stores_last_opened ON stores(last_opened_at DESC)`)
			return err
		},
	}
}
