package rdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Database is one isolated SQLite database. Writers are exclusive, readers
// share a read lock.
type Database struct {
	db     *sql.DB
	mu     sync.RWMutex
	parsed *ParsedURL
	retry  RetryPolicy
	closed atomic.Bool
	logger *logrus.Logger
}

// Options contains configuration options for Database
type Options struct {
	Retry  RetryPolicy
	Logger *logrus.Logger
}

// Open opens (creating if needed) the database described by parsed.
func Open(ctx context.Context, parsed *ParsedURL, opts Options) (*Database, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy
	}

	if !parsed.InMemory {
		if err := os.MkdirAll(filepath.Dir(parsed.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", parsed.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if parsed.InMemory {
		// Every connection to :memory: is a different database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":      parsed.Path,
		"in_memory": parsed.InMemory,
	}).Debug("SQLite database opened")

	return &Database{
		db:     db,
		parsed: parsed,
		retry:  opts.Retry,
		logger: opts.Logger,
	}, nil
}

// Exec runs one statement and reports rows affected, plus the new row id
// for inserts.
func (d *Database) Exec(ctx context.Context, stmt string, args []any) (*ExecResult, error) {
	if err := checkStatement(stmt, args); err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var result *ExecResult
	err := d.retry.withRetry(ctx, d.logger, "exec", func() error {
		res, err := d.db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		result, err = execResult(res, Classify(stmt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Query runs one statement and collects every row it returns.
func (d *Database) Query(ctx context.Context, stmt string, args []any) (*QueryResult, error) {
	if err := checkStatement(stmt, args); err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}

	// INSERT ... RETURNING and friends are queries that write.
	if Classify(stmt).IsRead() {
		d.mu.RLock()
		defer d.mu.RUnlock()
	} else {
		d.mu.Lock()
		defer d.mu.Unlock()
	}

	var result *QueryResult
	err := d.retry.withRetry(ctx, d.logger, "query", func() error {
		var err error
		result, err = d.query(ctx, stmt, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Database) query(ctx context.Context, stmt string, args []any) (*QueryResult, error) {
	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Batch runs statements in order inside one transaction. Any failure rolls
// the whole batch back and is reported as a *StatementError.
func (d *Database) Batch(ctx context.Context, stmts []string) ([]ExecResult, error) {
	if len(stmts) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidArgs)
	}
	for i, stmt := range stmts {
		if err := checkStatement(stmt, nil); err != nil {
			return nil, &StatementError{Index: i, Err: err}
		}
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var results []ExecResult
	err := d.retry.withRetry(ctx, d.logger, "batch", func() error {
		var err error
		results, err = d.batch(ctx, stmts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Database) batch(ctx context.Context, stmts []string) ([]ExecResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				d.logger.WithError(rbErr).Warn("Failed to roll back batch")
			}
		}
	}()

	results := make([]ExecResult, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return nil, &StatementError{Index: i, Err: err}
		}
		result, err := execResult(res, Classify(stmt))
		if err != nil {
			return nil, &StatementError{Index: i, Err: err}
		}
		results = append(results, *result)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return results, nil
}

func execResult(res sql.Result, kind Kind) (*ExecResult, error) {
	// sqlite3_changes keeps the count of the last DML statement across
	// statements that change no rows.
	if kind != KindInsert && kind != KindDML {
		return &ExecResult{}, nil
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	result := &ExecResult{RowsAffected: affected}
	if kind == KindInsert {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		result.LastInsertID = &id
	}
	return result, nil
}

func (d *Database) Type() string { return TypeSQLite }

// Close waits for in-flight statements and closes the database.
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}
