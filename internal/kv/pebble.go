package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"
)

// PebbleEngine stores keys in a Pebble LSM tree.
type PebbleEngine struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	closed    atomic.Bool
	logger    *logrus.Logger
}

// PebbleOptions contains configuration options for PebbleEngine
type PebbleOptions struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewPebbleEngine opens (creating if needed) a Pebble database.
func NewPebbleEngine(opts PebbleOptions) (*PebbleEngine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: opts.Logger},
	}

	dir := opts.Path
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		dir = "memory"
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pebble directory: %w", err)
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":      dir,
		"in_memory": opts.InMemory,
	}).Debug("Pebble KV engine opened")

	return &PebbleEngine{
		db:        db,
		writeOpts: writeOpts,
		logger:    opts.Logger,
	}, nil
}

func (e *PebbleEngine) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}

	val, closer, err := e.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	data := copyBytes(val)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	return data, nil
}

func (e *PebbleEngine) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}

	// pebble copies the value into its memtable before returning.
	if err := e.db.Set([]byte(key), value, e.writeOpts); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (e *PebbleEngine) Type() string { return TypePebble }

func (e *PebbleEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}

// pebbleLogger adapts logrus to pebble's Logger interface.
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

var _ Engine = (*PebbleEngine)(nil)
