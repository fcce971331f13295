// Package store is the narrow persistence contract the synchronization core
// uses when durability is wanted: string values under string keys. The core
// does not assume any particular backing store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ddevcap/matchsync/config"
)

// ErrUnsupportedDriver is returned by Open for an unknown STORE_DRIVER.
var ErrUnsupportedDriver = errors.New("store: unsupported driver")

// Store is a key/value persistence collaborator.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Open returns the store selected by cfg.StoreDriver. The "none" driver
// returns a nil Store; callers treat nil as "no persistence".
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		dsn := cfg.StoreDSN
		if dsn == "" {
			dsn = "file:matchsync.db?_pragma=journal_mode(WAL)"
		}
		s, err := OpenSQL(ctx, DialectSQLite, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenSQL(ctx, DialectPostgres, cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		r, err := OpenRedis(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.StoreDriver)
}

// Memory is an in-process Store, useful for tests and single-node setups
// that only want the persistence code paths exercised.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
