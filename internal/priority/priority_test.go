package priority

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/settings"
)

// A > B > C, followed by the remaining sources.
const (
	srcA = SourceFreebox
	srcB = SourceUniFi
	srcC = SourceMDNS
)

func abcConfig(overwrite bool) Config {
	order := []Source{srcA, srcB, srcC, SourceSNMP, SourceScanner}
	return Config{
		Hostname:          order,
		Vendor:            order,
		OverwriteExisting: Overwrite{Hostname: overwrite, Vendor: overwrite},
	}
}

func TestResolveWithoutOverwrite(t *testing.T) {
	cfg := abcConfig(false)
	fromA := Value{Value: "nas-a", Source: srcA}

	t.Run("lower_sources_never_replace_a", func(t *testing.T) {
		for _, src := range []Source{srcB, srcC} {
			got, changed := Resolve(FieldHostname, fromA, Value{Value: "other", Source: src}, cfg)
			assert.False(t, changed, src)
			assert.Equal(t, fromA, got)
		}
	})

	t.Run("lower_sources_never_replace_empty_a_either", func(t *testing.T) {
		stale := Value{Value: "--", Source: srcA}
		got, changed := Resolve(FieldHostname, stale, Value{Value: "fresh", Source: srcB}, cfg)
		assert.False(t, changed)
		assert.Equal(t, stale, got)
	})

	t.Run("higher_source_wins", func(t *testing.T) {
		got, changed := Resolve(FieldHostname, Value{Value: "c-name", Source: srcC}, Value{Value: "b-name", Source: srcB}, cfg)
		assert.True(t, changed)
		assert.Equal(t, srcB, got.Source)
	})
}

func TestResolveWithOverwrite(t *testing.T) {
	cfg := abcConfig(true)

	t.Run("b_replaces_non_empty_c", func(t *testing.T) {
		got, changed := Resolve(FieldHostname,
			Value{Value: "c-name", Source: srcC},
			Value{Value: "b-name", Source: srcB}, cfg)
		assert.True(t, changed)
		assert.Equal(t, Value{Value: "b-name", Source: srcB}, got)
	})

	t.Run("b_does_not_replace_non_empty_a", func(t *testing.T) {
		existing := Value{Value: "a-name", Source: srcA}
		got, changed := Resolve(FieldHostname, existing, Value{Value: "b-name", Source: srcB}, cfg)
		assert.False(t, changed)
		assert.Equal(t, existing, got)
	})

	t.Run("b_fills_empty_a", func(t *testing.T) {
		got, changed := Resolve(FieldHostname,
			Value{Value: "", Source: srcA},
			Value{Value: "b-name", Source: srcB}, cfg)
		assert.True(t, changed)
		assert.Equal(t, srcB, got.Source)
	})

	t.Run("vendor_switch_is_independent", func(t *testing.T) {
		mixed := cfg
		mixed.OverwriteExisting.Vendor = false
		_, changed := Resolve(FieldVendor,
			Value{Value: "--", Source: srcA},
			Value{Value: "Synology", Source: srcB}, mixed)
		assert.False(t, changed)

		_, changed = Resolve(FieldHostname,
			Value{Value: "--", Source: srcA},
			Value{Value: "nas", Source: srcB}, mixed)
		assert.True(t, changed)
	})
}

func TestResolveCommonRules(t *testing.T) {
	cfg := abcConfig(false)

	t.Run("empty_candidate_never_wins", func(t *testing.T) {
		existing := Value{Value: "", Source: srcC}
		for _, empty := range []string{"", "  ", "--"} {
			got, changed := Resolve(FieldHostname, existing, Value{Value: empty, Source: srcA}, cfg)
			assert.False(t, changed)
			assert.Equal(t, existing, got)
		}
	})

	t.Run("same_source_refreshes", func(t *testing.T) {
		got, changed := Resolve(FieldHostname,
			Value{Value: "old", Source: srcC},
			Value{Value: "new", Source: srcC}, cfg)
		assert.True(t, changed)
		assert.Equal(t, "new", got.Value)
	})

	t.Run("untagged_existing_value_loses", func(t *testing.T) {
		got, changed := Resolve(FieldVendor,
			Value{Value: "legacy"},
			Value{Value: "Apple", Source: SourceScanner}, cfg)
		assert.True(t, changed)
		assert.Equal(t, SourceScanner, got.Source)
	})
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Default()))

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing_source", Config{
			Hostname: []Source{SourceScanner, SourceFreebox, SourceUniFi, SourceMDNS},
			Vendor:   Default().Vendor,
		}},
		{"unknown_source", Config{
			Hostname: Default().Hostname,
			Vendor:   []Source{SourceScanner, SourceFreebox, SourceUniFi, SourceMDNS, "netbox"},
		}},
		{"duplicate_source", Config{
			Hostname: []Source{SourceScanner, SourceScanner, SourceUniFi, SourceMDNS, SourceSNMP},
			Vendor:   Default().Vendor,
		}},
		{"wrong_case", Config{
			Hostname: []Source{"Scanner", SourceFreebox, SourceUniFi, SourceMDNS, SourceSNMP},
			Vendor:   Default().Vendor,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeValidation))
		})
	}
}

func TestParseSource(t *testing.T) {
	src, ok := ParseSource(" UniFi ")
	assert.True(t, ok)
	assert.Equal(t, SourceUniFi, src)

	_, ok = ParseSource("netbox")
	assert.False(t, ok)
}

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_config_is_default", func(t *testing.T) {
		m := NewManager(settings.NewMemory())
		assert.Equal(t, Default(), m.Load(ctx))
	})

	t.Run("save_and_load", func(t *testing.T) {
		m := NewManager(settings.NewMemory())
		cfg := abcConfig(false)
		require.NoError(t, m.Save(ctx, cfg))
		assert.Equal(t, cfg, m.Load(ctx))
	})

	t.Run("invalid_save_is_rejected_and_store_untouched", func(t *testing.T) {
		store := settings.NewMemory()
		m := NewManager(store)
		require.NoError(t, m.Save(ctx, abcConfig(true)))

		bad := abcConfig(true)
		bad.Vendor = bad.Vendor[:2]
		assert.Error(t, m.Save(ctx, bad))
		assert.Equal(t, abcConfig(true), m.Load(ctx))
	})

	t.Run("corrupt_or_invalid_stored_config_falls_back", func(t *testing.T) {
		for _, raw := range []string{
			`not json`,
			`{"hostname":["scanner"],"vendor":["scanner"]}`,
			`{"hostname":["a","b","c","d","e"],"vendor":["a","b","c","d","e"]}`,
		} {
			store := settings.NewMemory()
			require.NoError(t, store.Set(ctx, settings.KeySourcePriority, raw))
			assert.Equal(t, Default(), NewManager(store).Load(ctx), raw)
		}
	})

	t.Run("reset", func(t *testing.T) {
		store := settings.NewMemory()
		m := NewManager(store)
		require.NoError(t, m.Save(ctx, abcConfig(false)))
		require.NoError(t, m.Reset(ctx))
		assert.Equal(t, Default(), m.Load(ctx))
	})
}
