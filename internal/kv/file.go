package kv

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// FileEngine stores one file per key under a root directory. File names are
// the BLAKE2b-256 of the key, fanned out by their first byte.
type FileEngine struct {
	root   string
	sync   bool
	closed atomic.Bool
	logger *logrus.Logger
}

// FileOptions contains configuration options for FileEngine
type FileOptions struct {
	Path       string
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewFileEngine creates the root directory if needed.
func NewFileEngine(opts FileOptions) (*FileEngine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	opts.Logger.WithField("path", opts.Path).Debug("File KV engine opened")
	return &FileEngine{root: opts.Path, sync: opts.SyncWrites, logger: opts.Logger}, nil
}

func (e *FileEngine) keyPath(key string) string {
	sum := blake2b.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(e.root, name[:2], name)
}

func (e *FileEngine) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(e.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	return data, nil
}

// Set writes to a temporary file and renames it over the key's file, so
// readers see either the old or the new value.
func (e *FileEngine) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}

	fullPath := e.keyPath(key)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp_")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	if _, err := tempFile.Write(value); err != nil {
		return fmt.Errorf("failed to write value: %w", err)
	}
	if e.sync {
		if err := tempFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync value: %w", err)
		}
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Rename(tempFile.Name(), fullPath); err != nil {
		return fmt.Errorf("failed to move value into place: %w", err)
	}
	return nil
}

func (e *FileEngine) Type() string { return TypeFile }

func (e *FileEngine) Close() error {
	e.closed.Store(true)
	return nil
}
