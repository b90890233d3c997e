package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Common errors
var (
	ErrNotFound = errors.New("key not found")
	ErrEmptyKey = errors.New("key cannot be empty")
	ErrClosed   = errors.New("kv engine closed")
)

// Engine is one isolated key-value namespace.
//
// Values are copied on Set and Get, so callers never share memory with the
// engine. A Set is atomic with respect to concurrent Gets of the same key.
type Engine interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Type returns the engine name ("memory", "pebble", ...).
	Type() string

	Close() error
}

// NewEngine opens the engine described by a parsed URL.
func NewEngine(ctx context.Context, parsed *ParsedURL, logger *logrus.Logger) (Engine, error) {
	if logger == nil {
		logger = logrus.New()
	}

	switch parsed.Type {
	case TypeMemory:
		return NewMemoryEngine(), nil
	case TypePebble:
		return NewPebbleEngine(PebbleOptions{
			Path:       parsed.Path,
			InMemory:   parsed.InMemory,
			SyncWrites: parsed.Sync,
			Logger:     logger,
		})
	case TypeBadger:
		return NewBadgerEngine(BadgerOptions{
			Path:              parsed.Path,
			InMemory:          parsed.InMemory,
			SyncWrites:        parsed.Sync,
			CompactionEnabled: !parsed.InMemory,
			Logger:            logger,
		})
	case TypeBolt:
		return NewBoltEngine(BoltOptions{
			Path:   parsed.Path,
			Logger: logger,
		})
	case TypeFile:
		return NewFileEngine(FileOptions{
			Path:       parsed.Path,
			SyncWrites: parsed.Sync,
			Logger:     logger,
		})
	case TypeS3:
		return NewS3Engine(ctx, S3Options{
			Bucket:    parsed.Bucket,
			Prefix:    parsed.Prefix,
			Endpoint:  parsed.Endpoint,
			Region:    parsed.Region,
			AccessKey: parsed.AccessKey,
			SecretKey: parsed.SecretKey,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unsupported KV type: %s", parsed.Type)
	}
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
