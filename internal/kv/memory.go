package kv

import (
	"context"
	"sync"
)

// MemoryEngine is a map guarded by a read-write mutex.
type MemoryEngine struct {
	mu     sync.RWMutex
	store  map[string][]byte
	closed bool
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		store: make(map[string][]byte),
	}
}

func (m *MemoryEngine) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.store[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(value), nil
}

func (m *MemoryEngine) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	valueCopy := copyBytes(value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.store[key] = valueCopy
	return nil
}

func (m *MemoryEngine) Type() string { return TypeMemory }

func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.store = nil
	return nil
}

var _ Engine = (*MemoryEngine)(nil)
