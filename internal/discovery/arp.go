package discovery

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/j-keck/arping"

	"github.com/anstrom/lanwatch/internal/errors"
)

type arpPingFunc func(ip net.IP, iface string) (net.HardwareAddr, time.Duration, error)

func arpPing(ip net.IP, iface string) (net.HardwareAddr, time.Duration, error) {
	if iface == "" {
		return arping.Ping(ip)
	}
	return arping.PingOverIfaceByName(ip, iface)
}

// ARPProber checks liveness with a single ARP request. It only reaches hosts
// on the local segment and needs raw socket privileges.
type ARPProber struct {
	iface string
	ping  arpPingFunc
}

// NewARPProber creates a prober sending on iface, or on the interface routing
// to each target when iface is empty. The arping timeout is process-wide.
func NewARPProber(iface string, timeout time.Duration) *ARPProber {
	if timeout > 0 {
		arping.SetTimeout(timeout)
	}
	return &ARPProber{iface: iface, ping: arpPing}
}

// Probe implements HostProber.
func (p *ARPProber) Probe(ctx context.Context, ip string) (*ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.ParseIP(ip).To4()
	if addr == nil {
		return nil, errors.ErrInvalidTarget(ip)
	}

	mac, rtt, err := p.ping(addr, p.iface)
	if err != nil {
		if stderrors.Is(err, arping.ErrTimeout) {
			return &ProbeResult{IP: ip}, nil
		}
		return nil, errors.WrapScanErrorWithTarget(errors.CodeScanFailed, "arp ping failed", ip, err)
	}

	ms := float64(rtt.Microseconds()) / 1000
	return &ProbeResult{
		IP:        ip,
		Alive:     true,
		LatencyMs: &ms,
		MAC:       mac.String(),
	}, nil
}
