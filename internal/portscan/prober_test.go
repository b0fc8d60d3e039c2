package portscan

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/Ullaakut/nmap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/errors"
)

func port(id uint16, proto, state string) nmap.Port {
	return nmap.Port{ID: id, Protocol: proto, State: nmap.State{State: state}}
}

func TestOpenPorts(t *testing.T) {
	run := &nmap.Run{
		Hosts: []nmap.Host{
			{Ports: []nmap.Port{
				port(443, "TCP", "open"),
				port(22, "tcp", "open"),
				port(23, "tcp", "closed"),
				port(25, "tcp", "filtered"),
				port(0, "tcp", "open"),
				port(22, "tcp", "open"),
				port(53, "udp", "open"),
				port(53, "tcp", "open"),
			}},
		},
	}

	assert.Equal(t, []db.OpenPort{
		{Port: 22, Protocol: "tcp"},
		{Port: 53, Protocol: "tcp"},
		{Port: 53, Protocol: "udp"},
		{Port: 443, Protocol: "tcp"},
	}, openPorts(run))
}

func TestOpenPortsEmpty(t *testing.T) {
	assert.Empty(t, openPorts(nil))
	assert.NotNil(t, openPorts(&nmap.Run{}))
}

func TestValidatePortRange(t *testing.T) {
	valid := []string{"1-1024", "22", "22,80,443", "1-65535", "80, 8000-8100"}
	for _, spec := range valid {
		assert.NoError(t, ValidatePortRange(spec), spec)
	}

	invalid := []string{"", "0", "65536", "100-10", "22,", "a-b", "1-2-3", "-5"}
	for _, spec := range invalid {
		err := ValidatePortRange(spec)
		require.Error(t, err, spec)
		assert.True(t, errors.IsCode(err, errors.CodeValidation), spec)
	}
}

func TestNmapProberDefaults(t *testing.T) {
	p := NewNmapProber("", 0)
	assert.Equal(t, DefaultHostTimeout, p.hostTimeout)
	assert.Len(t, p.options("10.0.0.1", "1-10"), 7)

	withPath := NewNmapProber("/opt/nmap/bin/nmap", 0)
	assert.Len(t, withPath.options("10.0.0.1", "1-10"), 8)
}

func TestNmapProberUnavailableBinary(t *testing.T) {
	p := NewNmapProber("/nonexistent/lanwatch/nmap", 0)
	assert.False(t, p.IsAvailable())
}

func TestNmapProberRejectsBadInput(t *testing.T) {
	p := NewNmapProber("/nonexistent/lanwatch/nmap", 0)

	_, err := p.Scan(context.Background(), "not-an-ip", Options{})
	assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))

	_, err = p.Scan(context.Background(), "10.0.0.1", Options{PortRange: "99999"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

const fakeNmapXML = `<?xml version="1.0"?>
<nmaprun scanner="nmap">
<host><status state="up"/><address addr="10.0.0.5" addrtype="ipv4"/>
<ports>
<port protocol="tcp" portid="22"><state state="open"/></port>
<port protocol="tcp" portid="23"><state state="closed"/></port>
</ports>
</host>
</nmaprun>
`

// writeFakeNmap installs a shell script that prints body and exits with code.
func writeFakeNmap(t *testing.T, body string, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for nmap needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "nmap")
	script := "#!/bin/sh\ncat <<'EOF'\n" + body + "EOF\nexit " + strconv.Itoa(code) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

func TestNmapProberScan(t *testing.T) {
	t.Run("clean_exit", func(t *testing.T) {
		p := NewNmapProber(writeFakeNmap(t, fakeNmapXML, 0), 0)
		ports, err := p.Scan(context.Background(), "10.0.0.5", Options{PortRange: "1-100"})
		require.NoError(t, err)
		assert.Equal(t, []db.OpenPort{{Port: 22, Protocol: "tcp"}}, ports)
	})

	t.Run("nonzero_exit_keeps_partial_output", func(t *testing.T) {
		p := NewNmapProber(writeFakeNmap(t, fakeNmapXML, 1), 0)
		ports, err := p.Scan(context.Background(), "10.0.0.5", Options{PortRange: "1-100"})
		require.NoError(t, err)
		assert.Equal(t, []db.OpenPort{{Port: 22, Protocol: "tcp"}}, ports)
	})

	t.Run("nonzero_exit_without_output_fails", func(t *testing.T) {
		p := NewNmapProber(writeFakeNmap(t, "", 1), 0)
		_, err := p.Scan(context.Background(), "10.0.0.5", Options{PortRange: "1-100"})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeScanFailed))
	})
}

func TestParsePartial(t *testing.T) {
	assert.Nil(t, parsePartial(nil))
	assert.Nil(t, parsePartial([]byte("  \n")))

	truncated := fakeNmapXML[:len(fakeNmapXML)-len("</nmaprun>\n")]
	run := parsePartial([]byte(truncated))
	require.NotNil(t, run)
	assert.Equal(t, []db.OpenPort{{Port: 22, Protocol: "tcp"}}, openPorts(run))
}
