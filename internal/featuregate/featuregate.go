// Package featuregate exposes persisted on/off switches for whole features.
package featuregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/settings"
)

// NetworkScan gates every automatic scan workflow.
const NetworkScan = "network-scan"

// Gate reports whether a feature is enabled.
type Gate interface {
	IsEnabled(featureID string) bool
}

// Store keeps feature flags as a JSON object of booleans in the settings
// store. Features absent from the object are enabled.
type Store struct {
	store   settings.Store
	timeout time.Duration
	logger  *logging.Logger
}

// NewStore creates a settings-backed gate.
func NewStore(store settings.Store) *Store {
	return &Store{
		store:   store,
		timeout: 5 * time.Second,
		logger:  logging.Default().WithComponent("featuregate"),
	}
}

func (s *Store) load(ctx context.Context) map[string]bool {
	raw, found, err := s.store.Get(ctx, settings.KeyFeatureFlags)
	if err != nil {
		s.logger.Warn("Failed to read feature flags, treating all as enabled", "error", err)
		return nil
	}
	if !found {
		return nil
	}
	var flags map[string]bool
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		s.logger.Warn("Stored feature flags are not valid JSON, treating all as enabled", "error", err)
		return nil
	}
	return flags
}

// IsEnabled implements Gate.
func (s *Store) IsEnabled(featureID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	enabled, ok := s.load(ctx)[featureID]
	return !ok || enabled
}

// Set switches featureID on or off.
func (s *Store) Set(ctx context.Context, featureID string, enabled bool) error {
	flags := s.load(ctx)
	if flags == nil {
		flags = make(map[string]bool)
	}
	flags[featureID] = enabled

	data, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("failed to encode feature flags: %w", err)
	}
	if err := s.store.Set(ctx, settings.KeyFeatureFlags, string(data)); err != nil {
		return err
	}
	s.logger.Info("Feature flag updated", "feature", featureID, "enabled", enabled)
	return nil
}

// Static is a fixed gate, useful when no store is configured.
type Static map[string]bool

// IsEnabled implements Gate. Absent features are enabled.
func (s Static) IsEnabled(featureID string) bool {
	enabled, ok := s[featureID]
	return !ok || enabled
}
