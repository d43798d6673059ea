// Package store persists the per-session tracking slot. Values are opaque
// strings; the tracking package owns their encoding.
package store

import (
	"context"
	"fmt"
	"sync"

	"ordertrack/config"
)

// KV is the durable key/value port used for the tracking slot.
type KV interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store is a KV that holds resources.
type Store interface {
	KV
	Close() error
}

// Open returns the backend selected by cfg.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return OpenSQLite(cfg.SQLitePath)
	case "redis":
		return OpenRedis(cfg.Redis)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Memory is an in-process Store. Contents do not survive a restart.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

func (m *Memory) Close() error { return nil }
