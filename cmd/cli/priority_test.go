package cli

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/lanwatch/internal/priority"
	"github.com/anstrom/lanwatch/internal/settings"
)

func TestParsePriorityArgs(t *testing.T) {
	field, order, err := parsePriorityArgs("Hostname", "mdns, freebox,unifi,snmp,scanner")
	require.NoError(t, err)
	assert.Equal(t, priority.FieldHostname, field)
	assert.Equal(t, []priority.Source{
		priority.SourceMDNS, priority.SourceFreebox, priority.SourceUniFi, priority.SourceSNMP, priority.SourceScanner,
	}, order)

	_, _, err = parsePriorityArgs("mac", "scanner")
	assert.Error(t, err)

	_, _, err = parsePriorityArgs("vendor", "scanner,bluetooth")
	assert.Error(t, err)
}

func TestApplyPriorityOrder(t *testing.T) {
	overwrite := false
	order := []priority.Source{
		priority.SourceScanner, priority.SourceUniFi, priority.SourceFreebox, priority.SourceSNMP, priority.SourceMDNS,
	}
	cfg := applyPriorityOrder(priority.Default(), priority.FieldVendor, order, &overwrite)

	assert.Equal(t, order, cfg.Vendor)
	assert.False(t, cfg.OverwriteExisting.Vendor)
	assert.Equal(t, priority.Default().Hostname, cfg.Hostname)
	assert.Equal(t, priority.Default().OverwriteExisting.Hostname, cfg.OverwriteExisting.Hostname)
}

func TestRunPriorityShowFallsBackToDefaults(t *testing.T) {
	mock := useMockDatabase(t)
	mock.ExpectQuery(`SELECT value FROM app_settings`).
		WithArgs(settings.KeySourcePriority).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectClose()

	cmd, buf := newTestCommand()
	require.NoError(t, runPriorityShow(cmd, nil))
	out := buf.String()
	assert.Contains(t, out, "hostname")
	assert.Contains(t, out, "vendor")
	assert.Contains(t, out, string(priority.Default().Hostname[0]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinSources(t *testing.T) {
	assert.Equal(t, "unifi > mdns", joinSources([]priority.Source{priority.SourceUniFi, priority.SourceMDNS}))
}
