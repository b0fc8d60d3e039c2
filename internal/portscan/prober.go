// Package portscan probes online hosts for open TCP ports with nmap and
// records the result on each host record.
package portscan

//go:generate mockgen -source=prober.go -destination=mocks/mock_prober.go -package=mocks

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
)

const (
	// DefaultPortRange is probed when Options.PortRange is empty.
	DefaultPortRange = "1-1024"
	// DefaultHostTimeout bounds a single host's probe.
	DefaultHostTimeout = 2 * time.Minute

	defaultBinary = "nmap"
	maxPort       = 65535
)

// Options configures a single host probe.
type Options struct {
	PortRange string
}

// Prober finds the open ports of one host.
type Prober interface {
	// IsAvailable reports whether the underlying tool can be executed.
	IsAvailable() bool
	// Scan returns the open ports of ip sorted by port number.
	Scan(ctx context.Context, ip string, opts Options) ([]db.OpenPort, error)
}

// NmapProber runs an nmap TCP connect scan per host.
type NmapProber struct {
	binaryPath  string
	hostTimeout time.Duration
	logger      *logging.Logger
}

// NewNmapProber creates a prober. An empty binaryPath looks nmap up on PATH;
// a non-positive hostTimeout uses DefaultHostTimeout.
func NewNmapProber(binaryPath string, hostTimeout time.Duration) *NmapProber {
	if hostTimeout <= 0 {
		hostTimeout = DefaultHostTimeout
	}
	return &NmapProber{
		binaryPath:  binaryPath,
		hostTimeout: hostTimeout,
		logger:      logging.Default().WithComponent("portscan"),
	}
}

// IsAvailable reports whether the nmap binary can be found.
func (p *NmapProber) IsAvailable() bool {
	name := p.binaryPath
	if name == "" {
		name = defaultBinary
	}
	_, err := exec.LookPath(name)
	return err == nil
}

func (p *NmapProber) options(ip, portRange string) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(ip),
		nmap.WithPorts(portRange),
		nmap.WithConnectScan(),
		nmap.WithSkipHostDiscovery(),
		nmap.WithDisabledDNSResolution(),
		nmap.WithHostTimeout(p.hostTimeout),
		nmap.WithTimingTemplate(nmap.TimingAggressive),
	}
	if p.binaryPath != "" {
		options = append(options, nmap.WithBinaryPath(p.binaryPath))
	}
	return options
}

// Scan probes ip. A run that fails after producing host results is still
// parsed; the failure is logged.
func (p *NmapProber) Scan(ctx context.Context, ip string, opts Options) ([]db.OpenPort, error) {
	if _, err := db.ParseIPAddr(ip); err != nil {
		return nil, errors.ErrInvalidTarget(ip)
	}
	portRange := opts.PortRange
	if portRange == "" {
		portRange = DefaultPortRange
	}
	if err := ValidatePortRange(portRange); err != nil {
		return nil, err
	}

	scanner, err := nmap.NewScanner(ctx, p.options(ip, portRange)...)
	if err != nil {
		return nil, errors.WrapScanErrorWithTarget(errors.CodeToolUnavailable,
			"failed to create nmap scanner", ip, err)
	}

	var raw bytes.Buffer
	result, warnings, err := scanner.Streamer(&raw).Run()
	if warnings != nil && len(*warnings) > 0 {
		p.logger.Warn("Port probe completed with warnings", "ip", ip, "warnings", *warnings)
	}
	if err != nil {
		// nmap/v3 skips parsing when nmap exits nonzero; the streamed XML
		// may still hold complete host elements.
		if result == nil || len(result.Hosts) == 0 {
			result = parsePartial(raw.Bytes())
		}
		if result == nil || len(result.Hosts) == 0 {
			if stderrors.Is(err, nmap.ErrScanTimeout) || ctx.Err() != nil {
				return nil, errors.ErrProbeTimeout(ip, err)
			}
			return nil, errors.WrapScanErrorWithTarget(errors.CodeScanFailed, "port probe failed", ip, err)
		}
		p.logger.Warn("Port probe failed, using partial results", "ip", ip, "error", err)
	}

	return openPorts(result), nil
}

// parsePartial decodes whatever XML nmap wrote before failing. Hosts decoded
// before a truncation are kept.
func parsePartial(content []byte) *nmap.Run {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}
	run := &nmap.Run{}
	_ = nmap.Parse(content, run)
	return run
}

// openPorts extracts the open ports of every host in run, deduplicated and
// sorted by port then protocol.
func openPorts(run *nmap.Run) []db.OpenPort {
	ports := []db.OpenPort{}
	if run == nil {
		return ports
	}

	seen := make(map[db.OpenPort]struct{})
	for i := range run.Hosts {
		for j := range run.Hosts[i].Ports {
			port := &run.Hosts[i].Ports[j]
			if port.State.State != "open" {
				continue
			}
			id := int(port.ID)
			if id < 1 || id > maxPort {
				continue
			}
			op := db.OpenPort{Port: id, Protocol: strings.ToLower(port.Protocol)}
			if _, dup := seen[op]; dup {
				continue
			}
			seen[op] = struct{}{}
			ports = append(ports, op)
		}
	}

	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Port != ports[j].Port {
			return ports[i].Port < ports[j].Port
		}
		return ports[i].Protocol < ports[j].Protocol
	})
	return ports
}

// ValidatePortRange checks an nmap-style port list such as "22,80,8000-8100".
func ValidatePortRange(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.ErrConfigInvalid("portRange", spec)
	}
	for _, part := range strings.Split(spec, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		first, err := parsePort(lo)
		if err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), "portRange", spec)
		}
		if !isRange {
			continue
		}
		last, err := parsePort(hi)
		if err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), "portRange", spec)
		}
		if last < first {
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("range %d-%d is reversed", first, last), "portRange", spec)
		}
	}
	return nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxPort {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}
