package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/lanwatch/internal/discovery"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/portscan"
	"github.com/anstrom/lanwatch/internal/settings"
)

// Allowed timer intervals in minutes. Anything else is rejected.
var (
	FullScanIntervals = []int{15, 30, 60, 120, 180, 360, 720, 1440}
	RefreshIntervals  = []int{1, 2, 5, 10, 15, 30, 60}
)

// TimerConfig configures one periodic workflow.
type TimerConfig struct {
	Enabled         bool               `json:"enabled"`
	IntervalMinutes int                `json:"intervalMinutes"`
	ScanType        discovery.ScanType `json:"scanType"`
}

// PortScanConfig configures the port probe batch that follows a full scan.
type PortScanConfig struct {
	Enabled   bool   `json:"enabled"`
	PortRange string `json:"portRange"`
}

// Config is the persisted scheduler configuration.
type Config struct {
	Enabled bool `json:"enabled"`
	// NetworkRange overrides the engine's configured or detected range.
	NetworkRange string         `json:"networkRange,omitempty"`
	FullScan     TimerConfig    `json:"fullScan"`
	Refresh      TimerConfig    `json:"refresh"`
	PortScan     PortScanConfig `json:"portScan"`
}

// DefaultConfig returns the configuration used when nothing valid is stored.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		FullScan: TimerConfig{
			Enabled:         true,
			IntervalMinutes: 60,
			ScanType:        discovery.ScanFull,
		},
		Refresh: TimerConfig{
			Enabled:         true,
			IntervalMinutes: 5,
			ScanType:        discovery.ScanQuick,
		},
		PortScan: PortScanConfig{
			PortRange: portscan.DefaultPortRange,
		},
	}
}

// Validate checks intervals, scan types and the port range.
func (c Config) Validate() error {
	if !slices.Contains(FullScanIntervals, c.FullScan.IntervalMinutes) {
		return errors.ErrConfigInvalid("fullScan.intervalMinutes", c.FullScan.IntervalMinutes)
	}
	if !slices.Contains(RefreshIntervals, c.Refresh.IntervalMinutes) {
		return errors.ErrConfigInvalid("refresh.intervalMinutes", c.Refresh.IntervalMinutes)
	}
	if _, err := discovery.ParseScanType(string(c.FullScan.ScanType)); err != nil {
		return errors.ErrConfigInvalid("fullScan.scanType", c.FullScan.ScanType)
	}
	if _, err := discovery.ParseScanType(string(c.Refresh.ScanType)); err != nil {
		return errors.ErrConfigInvalid("refresh.scanType", c.Refresh.ScanType)
	}
	if c.NetworkRange != "" {
		if _, err := discovery.Targets(c.NetworkRange, 1); err != nil {
			return errors.ErrConfigInvalid("networkRange", c.NetworkRange)
		}
	}
	if c.PortScan.Enabled {
		if err := portscan.ValidatePortRange(c.PortScan.PortRange); err != nil {
			return err
		}
	}
	return nil
}

// cronSpec translates an interval into a standard 5-field cron expression.
// Only values from allowed are accepted.
func cronSpec(minutes int, allowed []int) (string, error) {
	if !slices.Contains(allowed, minutes) {
		return "", fmt.Errorf("interval of %d minutes is not allowed (allowed: %v)", minutes, allowed)
	}

	var spec string
	switch {
	case minutes == 1:
		spec = "* * * * *"
	case minutes < 60:
		spec = fmt.Sprintf("*/%d * * * *", minutes)
	case minutes == 60:
		spec = "0 * * * *"
	case minutes == 1440:
		spec = "0 0 * * *"
	default:
		spec = fmt.Sprintf("0 */%d * * *", minutes/60)
	}

	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return spec, nil
}

// LoadConfig reads the stored configuration. Missing or unreadable data
// yields the defaults.
func LoadConfig(ctx context.Context, store settings.Store) Config {
	return readConfig(ctx, store, logging.Default().WithComponent("scheduler"))
}

// SaveConfig validates cfg and persists it. A running daemon picks it up on
// its next reload.
func SaveConfig(ctx context.Context, store settings.Store, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeConfig(ctx, store, cfg)
}

func readConfig(ctx context.Context, store settings.Store, logger *logging.Logger) Config {
	raw, found, err := store.Get(ctx, settings.KeyScanScheduler)
	if err != nil {
		logger.Warn("Failed to read scheduler config, using defaults", "error", err)
		return DefaultConfig()
	}
	if !found {
		return DefaultConfig()
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		logger.Warn("Stored scheduler config is not valid JSON, using defaults", "error", err)
		return DefaultConfig()
	}
	return cfg
}

func writeConfig(ctx context.Context, store settings.Store, cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode scheduler config: %w", err)
	}
	return store.Set(ctx, settings.KeyScanScheduler, string(data))
}

func (o *Orchestrator) loadConfig(ctx context.Context) Config {
	return readConfig(ctx, o.store, o.logger)
}

func (o *Orchestrator) saveConfig(ctx context.Context, cfg Config) error {
	return writeConfig(ctx, o.store, cfg)
}
