package discovery

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
)

const defaultProbeTimeout = 5 * time.Second

// NmapProber runs an nmap ping scan (-sn) against one address. nmap resolves
// the reverse name and, on the local segment, the MAC address and vendor.
type NmapProber struct {
	binaryPath string
	timeout    time.Duration
	logger     *logging.Logger
}

// NewNmapProber creates a prober. An empty binaryPath uses nmap from PATH.
func NewNmapProber(binaryPath string, timeout time.Duration) *NmapProber {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &NmapProber{
		binaryPath: binaryPath,
		timeout:    timeout,
		logger:     logging.Default().WithComponent("discovery"),
	}
}

// buildNmapOptions constructs nmap options for a host-discovery-only probe.
func buildNmapOptions(ip string, timeout time.Duration, binaryPath string) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(ip),
		nmap.WithPingScan(),
	}

	switch {
	case timeout <= 5*time.Second:
		options = append(options, nmap.WithTimingTemplate(nmap.TimingAggressive))
	case timeout <= 15*time.Second:
		options = append(options, nmap.WithTimingTemplate(nmap.TimingNormal))
	default:
		options = append(options, nmap.WithTimingTemplate(nmap.TimingPolite))
	}

	if binaryPath != "" {
		options = append(options, nmap.WithBinaryPath(binaryPath))
	}
	return options
}

// Probe implements HostProber.
func (p *NmapProber) Probe(ctx context.Context, ip string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	scanner, err := nmap.NewScanner(ctx, buildNmapOptions(ip, p.timeout, p.binaryPath)...)
	if err != nil {
		return nil, errors.WrapScanErrorWithTarget(errors.CodeToolUnavailable,
			"failed to create nmap scanner", ip, err)
	}

	result, warnings, err := scanner.Run()
	if warnings != nil && len(*warnings) > 0 {
		p.logger.Debug("Ping scan completed with warnings", "ip", ip, "warnings", *warnings)
	}
	if err != nil {
		if stderrors.Is(err, nmap.ErrScanTimeout) || ctx.Err() != nil {
			return nil, errors.ErrProbeTimeout(ip, err)
		}
		return nil, errors.WrapScanErrorWithTarget(errors.CodeScanFailed, "ping scan failed", ip, err)
	}

	for i := range result.Hosts {
		if found := convertNmapHost(&result.Hosts[i]); found != nil {
			if found.IP == "" {
				found.IP = ip
			}
			return found, nil
		}
	}
	return &ProbeResult{IP: ip}, nil
}

// convertNmapHost converts an up host from an nmap run; other hosts yield nil.
func convertNmapHost(host *nmap.Host) *ProbeResult {
	if len(host.Addresses) == 0 || host.Status.State != "up" {
		return nil
	}

	result := &ProbeResult{Alive: true}
	for _, addr := range host.Addresses {
		switch addr.AddrType {
		case "ipv4":
			result.IP = addr.Addr
		case "mac":
			result.MAC = addr.Addr
			result.Vendor = addr.Vendor
		}
	}

	if len(host.Hostnames) > 0 {
		result.Hostname = host.Hostnames[0].Name
	}

	if srtt, err := strconv.ParseFloat(host.Times.SRTT, 64); err == nil && srtt > 0 {
		ms := srtt / 1000
		result.LatencyMs = &ms
	}
	return result
}
