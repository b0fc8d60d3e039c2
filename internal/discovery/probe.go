package discovery

import (
	"context"
	"fmt"
	"strings"
)

// ScanType selects probe depth for a scan cycle.
type ScanType string

const (
	// ScanFull probes with nmap, collecting MAC, vendor and names.
	ScanFull ScanType = "full"
	// ScanQuick only checks liveness over ARP.
	ScanQuick ScanType = "quick"
)

// ParseScanType accepts "full" or "quick".
func ParseScanType(s string) (ScanType, error) {
	switch ScanType(strings.ToLower(strings.TrimSpace(s))) {
	case ScanFull:
		return ScanFull, nil
	case ScanQuick:
		return ScanQuick, nil
	}
	return "", fmt.Errorf("unknown scan type %q", s)
}

// ProbeResult is what a single-address probe learned. An address that did
// not answer has Alive false and no other fields.
type ProbeResult struct {
	IP        string
	Alive     bool
	LatencyMs *float64
	MAC       string
	Vendor    string
	Hostname  string
}

// HostProber checks one address. A returned error means the probe itself
// failed; an unresponsive host is a result with Alive false.
type HostProber interface {
	Probe(ctx context.Context, ip string) (*ProbeResult, error)
}

// NameResolver finds a host name for an address. An empty name with a nil
// error means none is registered.
type NameResolver interface {
	LookupName(ctx context.Context, ip string) (string, error)
}
