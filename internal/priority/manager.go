package priority

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/settings"
)

// Manager persists the priority configuration in the settings store.
type Manager struct {
	store  settings.Store
	logger *logging.Logger
}

// NewManager creates a manager backed by store.
func NewManager(store settings.Store) *Manager {
	return &Manager{
		store:  store,
		logger: logging.Default().WithComponent("priority"),
	}
}

// Load returns the stored configuration. A missing, unreadable or invalid
// configuration yields Default() and, except when missing, a warning.
func (m *Manager) Load(ctx context.Context) Config {
	raw, found, err := m.store.Get(ctx, settings.KeySourcePriority)
	if err != nil {
		m.logger.Warn("Failed to read source priority config, using defaults", "error", err)
		return Default()
	}
	if !found {
		return Default()
	}

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		m.logger.Warn("Stored source priority config is not valid JSON, using defaults", "error", err)
		return Default()
	}
	if err := Validate(cfg); err != nil {
		m.logger.Warn("Stored source priority config is invalid, using defaults", "error", err)
		return Default()
	}
	return cfg
}

// Save validates cfg and replaces the stored configuration.
func (m *Manager) Save(ctx context.Context, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode source priority config: %w", err)
	}
	if err := m.store.Set(ctx, settings.KeySourcePriority, string(data)); err != nil {
		return err
	}

	m.logger.Info("Source priority config saved",
		"hostname", cfg.Hostname, "vendor", cfg.Vendor,
		"overwrite_hostname", cfg.OverwriteExisting.Hostname,
		"overwrite_vendor", cfg.OverwriteExisting.Vendor)
	return nil
}

// Reset stores Default().
func (m *Manager) Reset(ctx context.Context) error {
	return m.Save(ctx, Default())
}
