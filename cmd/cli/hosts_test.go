package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/settings"
)

var hostColumns = []string{
	"ip_address", "mac_address", "mac_source", "hostname", "hostname_source",
	"vendor", "vendor_source", "status", "ping_latency_ms", "first_seen", "last_seen",
	"scan_count", "additional_info",
}

func strPtr(s string) *string { return &s }

func resetHostFlags(t *testing.T) {
	t.Cleanup(func() {
		hostsStatus, hostsSearch, hostsPrefix, hostsSort = "", "", "", ""
		hostsDesc, hostsJSON = false, false
		hostsLimit = 0
		hostsLastSeen = ""
		purgeHistoryOlderThan, purgeAllHosts = "", false
	})
}

func TestSourced(t *testing.T) {
	assert.Equal(t, "-", sourced(nil, nil))
	assert.Equal(t, "-", sourced(strPtr("  "), strPtr("mdns")))
	assert.Equal(t, "nas.lan", sourced(strPtr("nas.lan"), nil))
	assert.Equal(t, "nas.lan (mdns)", sourced(strPtr("nas.lan"), strPtr("mdns")))
}

func TestBuildHostFilters(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		resetHostFlags(t)
		hostsStatus = "online"
		hostsSearch = "printer"
		hostsLimit = 10
		hostsLastSeen = "24h"

		filters, err := buildHostFilters()
		require.NoError(t, err)
		assert.Equal(t, "online", filters.Status)
		assert.Equal(t, "printer", filters.Search)
		assert.Equal(t, 10, filters.Limit)
		require.NotNil(t, filters.SeenAfter)
		assert.WithinDuration(t, time.Now().Add(-24*time.Hour), *filters.SeenAfter, time.Minute)
	})

	t.Run("invalid status", func(t *testing.T) {
		resetHostFlags(t)
		hostsStatus = "sleeping"
		_, err := buildHostFilters()
		assert.Error(t, err)
	})

	t.Run("invalid window", func(t *testing.T) {
		resetHostFlags(t)
		hostsLastSeen = "yesterday"
		_, err := buildHostFilters()
		assert.Error(t, err)
	})

	t.Run("negative limit", func(t *testing.T) {
		resetHostFlags(t)
		hostsLimit = -1
		_, err := buildHostFilters()
		assert.Error(t, err)
	})
}

func TestDisplayHosts(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		displayHosts(&buf, nil)
		assert.Contains(t, buf.String(), "No hosts found")
	})

	t.Run("rows", func(t *testing.T) {
		now := time.Now()
		hosts := []*db.Host{
			{
				IP: db.IPAddr{IP: []byte{192, 168, 1, 10}}, Status: db.HostStatusOnline,
				Hostname: strPtr("nas"), HostnameSource: strPtr("mdns"),
				FirstSeen: now, LastSeen: now, ScanCount: 3,
			},
			{
				IP: db.IPAddr{IP: []byte{192, 168, 1, 11}}, Status: db.HostStatusOffline,
				FirstSeen: now, LastSeen: now, ScanCount: 1,
			},
		}

		var buf bytes.Buffer
		displayHosts(&buf, hosts)
		out := buf.String()
		assert.Contains(t, out, "192.168.1.10")
		assert.Contains(t, out, "nas (mdns)")
		assert.Contains(t, out, "2 host(s), 1 online")
	})
}

func TestDisplayHostWithPortsAndHistory(t *testing.T) {
	now := time.Now()
	latency := 1.5
	h := &db.Host{
		IP:             db.IPAddr{IP: []byte{10, 0, 0, 1}},
		Status:         db.HostStatusOnline,
		Vendor:         strPtr("Ubiquiti"),
		VendorSource:   strPtr("scanner"),
		FirstSeen:      now,
		LastSeen:       now,
		AdditionalInfo: db.JSONB(`{"openPorts":[{"port":22,"protocol":"tcp"},{"port":53,"protocol":"udp"}]}`),
	}
	history := []*db.HistoryEntry{{Status: db.HostStatusOnline, PingLatencyMs: &latency, SeenAt: now}}

	var buf bytes.Buffer
	displayHost(&buf, h, history)
	out := buf.String()
	assert.Contains(t, out, "Ubiquiti (scanner)")
	assert.Contains(t, out, "Open ports: 22/tcp, 53/udp")
	assert.Contains(t, out, "1.50")
}

func TestRunHostsList(t *testing.T) {
	now := time.Now()

	t.Run("no_exclusions", func(t *testing.T) {
		resetHostFlags(t)
		mock := useMockDatabase(t)
		mock.ExpectQuery(`SELECT value FROM app_settings`).
			WithArgs(settings.KeyIPBlacklist).
			WillReturnRows(sqlmock.NewRows([]string{"value"}))
		mock.ExpectQuery(`FROM hosts`).
			WillReturnRows(sqlmock.NewRows(hostColumns).
				AddRow("192.168.1.20", "aa:bb:cc:dd:ee:ff", "scanner", "printer", "snmp",
					nil, nil, "online", 2.5, now, now, 4, []byte(`{}`)))
		mock.ExpectClose()

		cmd, buf := newTestCommand()
		require.NoError(t, runHostsList(cmd, nil))

		out := buf.String()
		assert.Contains(t, out, "192.168.1.20")
		assert.Contains(t, out, "printer (snmp)")
		assert.Contains(t, out, "1 host(s), 1 online")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("blacklisted_addresses_are_excluded_from_rows_and_total", func(t *testing.T) {
		resetHostFlags(t)
		hostsSearch = "nas"
		hostsLimit = 1
		excluded := []string{"192.168.1.5", "192.168.1.9"}

		mock := useMockDatabase(t)
		mock.ExpectQuery(`SELECT value FROM app_settings`).
			WithArgs(settings.KeyIPBlacklist).
			WillReturnRows(settingRow(`["192.168.1.9","192.168.1.5"]`))
		mock.ExpectQuery(`FROM hosts WHERE .+ AND host\(ip_address\) <> ALL\(\$2\)`).
			WithArgs("%nas%", pq.Array(excluded), 1).
			WillReturnRows(sqlmock.NewRows(hostColumns).
				AddRow("192.168.1.30", nil, nil, "nas", "mdns",
					nil, nil, "online", nil, now, now, 2, []byte(`{}`)))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM hosts WHERE .+ AND host\(ip_address\) <> ALL\(\$2\)`).
			WithArgs("%nas%", pq.Array(excluded)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectClose()

		cmd, buf := newTestCommand()
		require.NoError(t, runHostsList(cmd, nil))

		out := buf.String()
		assert.Contains(t, out, "192.168.1.30")
		assert.NotContains(t, out, "192.168.1.5 ")
		assert.Contains(t, out, "Showing 1 of 3 matching host(s)")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRunHostsShowNotFound(t *testing.T) {
	mock := useMockDatabase(t)
	mock.ExpectQuery(`FROM hosts WHERE ip_address`).
		WithArgs("10.0.0.9").
		WillReturnRows(sqlmock.NewRows(hostColumns))
	mock.ExpectClose()

	cmd, _ := newTestCommand()
	err := runHostsShow(cmd, []string{"10.0.0.9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHostsPurgeRequiresTarget(t *testing.T) {
	resetHostFlags(t)
	cmd, _ := newTestCommand()
	err := runHostsPurge(cmd, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "nothing to purge"))
}
