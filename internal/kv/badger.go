package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const badgerGCInterval = 5 * time.Minute

// BadgerEngine stores keys in BadgerDB.
type BadgerEngine struct {
	db     *badger.DB
	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *logrus.Logger
}

// BadgerOptions contains configuration options for BadgerEngine
type BadgerOptions struct {
	Path              string
	InMemory          bool
	SyncWrites        bool
	CompactionEnabled bool
	Logger            *logrus.Logger
}

// NewBadgerEngine opens (creating if needed) a BadgerDB database.
func NewBadgerEngine(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		badgerOpts = badger.DefaultOptions(opts.Path)
	}

	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithIndexCacheSize(16 << 20).
		WithBlockCacheSize(64 << 20).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	e := &BadgerEngine{
		db:     db,
		stopCh: make(chan struct{}),
		logger: opts.Logger,
	}

	if opts.CompactionEnabled {
		e.wg.Add(1)
		go e.runGC()
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":      opts.Path,
		"in_memory": opts.InMemory,
	}).Debug("BadgerDB KV engine opened")
	return e, nil
}

func (e *BadgerEngine) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}

	var data []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("badger get: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (e *BadgerEngine) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}

	// badger retains the slice until the txn commits, so hand it a copy.
	valueCopy := copyBytes(value)
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), valueCopy)
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (e *BadgerEngine) Type() string { return TypeBadger }

func (e *BadgerEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.wg.Wait()
	return e.db.Close()
}

// runGC runs value log garbage collection periodically
func (e *BadgerEngine) runGC() {
	defer e.wg.Done()

	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			err := e.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				e.logger.WithError(err).Warn("Failed to run GC")
			}
		}
	}
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

var _ Engine = (*BadgerEngine)(nil)
