package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("kv")

// BoltEngine stores keys in a single bbolt bucket.
type BoltEngine struct {
	db     *bolt.DB
	logger *logrus.Logger
}

// BoltOptions contains configuration options for BoltEngine
type BoltOptions struct {
	Path   string
	Logger *logrus.Logger
}

// NewBoltEngine opens (creating if needed) a bbolt database file.
func NewBoltEngine(opts BoltOptions) (*BoltEngine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create bolt directory: %w", err)
	}

	db, err := bolt.Open(opts.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	opts.Logger.WithField("path", opts.Path).Debug("Bolt KV engine opened")
	return &BoltEngine{db: db, logger: opts.Logger}, nil
}

func (e *BoltEngine) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	var val []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		// Seek instead of Get: Get cannot tell an empty value from a missing key.
		k, v := tx.Bucket(boltBucket).Cursor().Seek([]byte(key))
		if k == nil || !bytes.Equal(k, []byte(key)) {
			return ErrNotFound
		}
		val = copyBytes(v)
		return nil
	})
	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return val, nil
}

func (e *BoltEngine) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	err := e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return ErrClosed
		}
		return fmt.Errorf("bolt set: %w", err)
	}
	return nil
}

func (e *BoltEngine) Type() string { return TypeBolt }

func (e *BoltEngine) Close() error {
	return e.db.Close()
}

var _ Engine = (*BoltEngine)(nil)
