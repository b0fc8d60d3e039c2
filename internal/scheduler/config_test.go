package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/lanwatch/internal/discovery"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/settings"
)

func TestCronSpec(t *testing.T) {
	tests := []struct {
		name    string
		minutes int
		allowed []int
		want    string
		wantErr bool
	}{
		{"every_minute", 1, RefreshIntervals, "* * * * *", false},
		{"every_five_minutes", 5, RefreshIntervals, "*/5 * * * *", false},
		{"refresh_hourly", 60, RefreshIntervals, "0 * * * *", false},
		{"quarter_hour", 15, FullScanIntervals, "*/15 * * * *", false},
		{"every_three_hours", 180, FullScanIntervals, "0 */3 * * *", false},
		{"every_twelve_hours", 720, FullScanIntervals, "0 */12 * * *", false},
		{"daily", 1440, FullScanIntervals, "0 0 * * *", false},
		{"refresh_not_allowed", 7, RefreshIntervals, "", true},
		{"full_not_allowed", 45, FullScanIntervals, "", true},
		{"refresh_interval_for_full_scan", 5, FullScanIntervals, "", true},
		{"zero", 0, RefreshIntervals, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cronSpec(tt.minutes, tt.allowed)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"bad_full_interval", func(c *Config) { c.FullScan.IntervalMinutes = 45 }, false},
		{"bad_refresh_interval", func(c *Config) { c.Refresh.IntervalMinutes = 90 }, false},
		{"bad_scan_type", func(c *Config) { c.Refresh.ScanType = "deep" }, false},
		{"bad_network_range", func(c *Config) { c.NetworkRange = "10.0.0.0" }, false},
		{"network_range_ok", func(c *Config) { c.NetworkRange = "10.0.0.0/24" }, true},
		{"bad_port_range_enabled", func(c *Config) {
			c.PortScan.Enabled = true
			c.PortScan.PortRange = "80-22"
		}, false},
		{"bad_port_range_disabled", func(c *Config) { c.PortScan.PortRange = "80-22" }, true},
		{"disabled_timer_still_needs_valid_interval", func(c *Config) {
			c.FullScan.Enabled = false
			c.FullScan.IntervalMinutes = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeValidation))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_uses_defaults", func(t *testing.T) {
		o := NewOrchestrator(Deps{Store: settings.NewMemory()})
		assert.Equal(t, DefaultConfig(), o.loadConfig(ctx))
	})

	t.Run("corrupt_uses_defaults", func(t *testing.T) {
		store := settings.NewMemory()
		require.NoError(t, store.Set(ctx, settings.KeyScanScheduler, "{not json"))
		o := NewOrchestrator(Deps{Store: store})
		assert.Equal(t, DefaultConfig(), o.loadConfig(ctx))
	})

	t.Run("partial_keeps_defaults_for_missing_fields", func(t *testing.T) {
		store := settings.NewMemory()
		require.NoError(t, store.Set(ctx, settings.KeyScanScheduler, `{"enabled":true,"refresh":{"enabled":false}}`))
		o := NewOrchestrator(Deps{Store: store})

		cfg := o.loadConfig(ctx)
		assert.False(t, cfg.Refresh.Enabled)
		assert.Equal(t, 5, cfg.Refresh.IntervalMinutes)
		assert.Equal(t, discovery.ScanFull, cfg.FullScan.ScanType)
	})

	t.Run("round_trip", func(t *testing.T) {
		store := settings.NewMemory()
		o := NewOrchestrator(Deps{Store: store})
		cfg := DefaultConfig()
		cfg.NetworkRange = "192.168.1.0/24"
		cfg.PortScan.Enabled = true
		require.NoError(t, o.saveConfig(ctx, cfg))
		assert.Equal(t, cfg, o.loadConfig(ctx))
	})
}

func TestSaveConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("valid_is_stored", func(t *testing.T) {
		store := settings.NewMemory()
		cfg := DefaultConfig()
		cfg.FullScan.IntervalMinutes = 120
		require.NoError(t, SaveConfig(ctx, store, cfg))
		assert.Equal(t, cfg, LoadConfig(ctx, store))
	})

	t.Run("invalid_is_rejected_and_not_stored", func(t *testing.T) {
		store := settings.NewMemory()
		cfg := DefaultConfig()
		cfg.FullScan.IntervalMinutes = 45
		err := SaveConfig(ctx, store, cfg)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
		_, found, _ := store.Get(ctx, settings.KeyScanScheduler)
		assert.False(t, found)
	})
}
