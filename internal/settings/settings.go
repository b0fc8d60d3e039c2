// Package settings defines the key/value store used for persisted JSON
// configuration blobs, and the keys lanwatch stores under it.
package settings

import (
	"context"
	"sync"
)

// Keys of the configuration blobs.
const (
	KeySourcePriority = "source_priority_config"
	KeyIPBlacklist    = "ip_blacklist"
	KeyScanScheduler  = "network_scan_scheduler"
	KeyFeatureFlags   = "feature_flags"
)

// Store reads and writes opaque configuration values by key.
// db.SettingsRepository is the production implementation.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
