package discovery

import (
	"context"
	stderrors "errors"
	"net"
	"testing"
	"time"

	"github.com/Ullaakut/nmap/v3"
	"github.com/j-keck/arping"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/lanwatch/internal/errors"
)

func TestParseScanType(t *testing.T) {
	st, err := ParseScanType(" FULL ")
	require.NoError(t, err)
	assert.Equal(t, ScanFull, st)

	st, err = ParseScanType("quick")
	require.NoError(t, err)
	assert.Equal(t, ScanQuick, st)

	_, err = ParseScanType("deep")
	assert.Error(t, err)
}

func TestBuildNmapOptions(t *testing.T) {
	tests := []struct {
		name     string
		timeout  time.Duration
		binary   string
		expected int
	}{
		{"aggressive", 2 * time.Second, "", 3},
		{"normal", 10 * time.Second, "", 3},
		{"polite_with_binary", time.Minute, "/usr/local/bin/nmap", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, buildNmapOptions("10.0.0.1", tt.timeout, tt.binary), tt.expected)
		})
	}
}

func TestConvertNmapHost(t *testing.T) {
	t.Run("up_host_with_mac", func(t *testing.T) {
		host := &nmap.Host{
			Status: nmap.Status{State: "up"},
			Addresses: []nmap.Address{
				{Addr: "192.168.1.20", AddrType: "ipv4"},
				{Addr: "AA:BB:CC:DD:EE:FF", AddrType: "mac", Vendor: "Synology"},
			},
			Hostnames: []nmap.Hostname{{Name: "nas.lan"}},
			Times:     nmap.Times{SRTT: "1500"},
		}

		got := convertNmapHost(host)
		require.NotNil(t, got)
		assert.True(t, got.Alive)
		assert.Equal(t, "192.168.1.20", got.IP)
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", got.MAC)
		assert.Equal(t, "Synology", got.Vendor)
		assert.Equal(t, "nas.lan", got.Hostname)
		require.NotNil(t, got.LatencyMs)
		assert.InDelta(t, 1.5, *got.LatencyMs, 0.0001)
	})

	t.Run("down_host", func(t *testing.T) {
		host := &nmap.Host{
			Status:    nmap.Status{State: "down"},
			Addresses: []nmap.Address{{Addr: "192.168.1.21", AddrType: "ipv4"}},
		}
		assert.Nil(t, convertNmapHost(host))
	})

	t.Run("no_addresses", func(t *testing.T) {
		assert.Nil(t, convertNmapHost(&nmap.Host{Status: nmap.Status{State: "up"}}))
	})

	t.Run("no_timing", func(t *testing.T) {
		host := &nmap.Host{
			Status:    nmap.Status{State: "up"},
			Addresses: []nmap.Address{{Addr: "192.168.1.22", AddrType: "ipv4"}},
		}
		got := convertNmapHost(host)
		require.NotNil(t, got)
		assert.Nil(t, got.LatencyMs)
		assert.Empty(t, got.MAC)
	})
}

func TestARPProber(t *testing.T) {
	ctx := context.Background()
	mac, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)

	p := &ARPProber{iface: "eth0"}

	t.Run("alive", func(t *testing.T) {
		p.ping = func(ip net.IP, iface string) (net.HardwareAddr, time.Duration, error) {
			assert.Equal(t, "eth0", iface)
			assert.Equal(t, "10.0.0.5", ip.String())
			return mac, 2500 * time.Microsecond, nil
		}
		got, err := p.Probe(ctx, "10.0.0.5")
		require.NoError(t, err)
		assert.True(t, got.Alive)
		assert.Equal(t, "00:11:22:33:44:55", got.MAC)
		assert.InDelta(t, 2.5, *got.LatencyMs, 0.0001)
	})

	t.Run("timeout_is_not_alive", func(t *testing.T) {
		p.ping = func(net.IP, string) (net.HardwareAddr, time.Duration, error) {
			return nil, 0, arping.ErrTimeout
		}
		got, err := p.Probe(ctx, "10.0.0.6")
		require.NoError(t, err)
		assert.False(t, got.Alive)
	})

	t.Run("socket_error_fails", func(t *testing.T) {
		p.ping = func(net.IP, string) (net.HardwareAddr, time.Duration, error) {
			return nil, 0, stderrors.New("operation not permitted")
		}
		_, err := p.Probe(ctx, "10.0.0.7")
		assert.True(t, errors.IsCode(err, errors.CodeScanFailed))
	})

	t.Run("invalid_target", func(t *testing.T) {
		_, err := p.Probe(ctx, "nope")
		assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))
	})

	t.Run("canceled_context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := p.Probe(canceled, "10.0.0.5")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// startDNS serves PTR answers from names on a loopback UDP port.
func startDNS(t *testing.T, names map[string]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		if name, ok := names[q.Name]; ok && q.Qtype == dns.TypePTR {
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
				Ptr: dns.Fqdn(name),
			})
		} else {
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	<-started
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return pc.LocalAddr().String()
}

func TestPTRResolver(t *testing.T) {
	addr := startDNS(t, map[string]string{
		"20.1.168.192.in-addr.arpa.": "nas.home.lan",
	})

	r, err := NewPTRResolver(addr, time.Second)
	require.NoError(t, err)

	name, err := r.LookupName(context.Background(), "192.168.1.20")
	require.NoError(t, err)
	assert.Equal(t, "nas.home.lan", name)

	name, err = r.LookupName(context.Background(), "192.168.1.21")
	require.NoError(t, err)
	assert.Empty(t, name)

	_, err = r.LookupName(context.Background(), "not-an-ip")
	assert.Error(t, err)
}

func TestNewPTRResolverAddsPort(t *testing.T) {
	r, err := NewPTRResolver("192.168.1.1", 0)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1:53", r.server)
}
