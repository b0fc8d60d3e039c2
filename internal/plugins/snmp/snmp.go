// Package snmp reports hosts found in the ARP tables of SNMP-managed routers
// and switches.
package snmp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/plugins"
	"github.com/anstrom/lanwatch/internal/priority"
)

const (
	// OIDs from IP-MIB and SNMPv2-MIB.
	oidIPNetToMediaPhysAddress = ".1.3.6.1.2.1.4.22.1.2"
	oidSysName                 = ".1.3.6.1.2.1.1.5.0"

	defaultPort      = 161
	defaultCommunity = "public"
	defaultTimeout   = 3 * time.Second
)

// Config lists the devices to query.
type Config struct {
	Targets   []string
	Community string
	Port      uint16
	Timeout   time.Duration
	Retries   int
}

// client is the subset of gosnmp.GoSNMP the provider uses.
type client interface {
	Connect() error
	Close() error
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalk(rootOid string, walkFn gosnmp.WalkFunc) error
}

type goSNMPClient struct {
	*gosnmp.GoSNMP
}

func (c goSNMPClient) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// Provider walks each target's ARP table.
type Provider struct {
	config    Config
	newClient func(ctx context.Context, target string) client
	logger    *logging.Logger
}

// New creates an SNMP provider.
func New(cfg Config) *Provider {
	if cfg.Community == "" {
		cfg.Community = defaultCommunity
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	p := &Provider{
		config: cfg,
		logger: logging.Default().WithComponent("snmp"),
	}
	p.newClient = p.dial
	return p
}

func (p *Provider) dial(ctx context.Context, target string) client {
	return goSNMPClient{&gosnmp.GoSNMP{
		Context:            ctx,
		Target:             target,
		Port:               p.config.Port,
		Community:          p.config.Community,
		Version:            gosnmp.Version2c,
		Timeout:            p.config.Timeout,
		Retries:            p.config.Retries,
		MaxOids:            gosnmp.MaxOids,
		MaxRepetitions:     50,
		ExponentialTimeout: true,
	}}
}

// Source implements plugins.Provider.
func (p *Provider) Source() priority.Source {
	return priority.SourceSNMP
}

// Stats queries every target. It fails only when no target answered.
func (p *Provider) Stats(ctx context.Context) (*plugins.Stats, error) {
	stats := &plugins.Stats{CollectedAt: time.Now()}
	seen := make(map[string]int)

	var lastErr error
	answered := 0
	for _, target := range p.config.Targets {
		devices, err := p.queryTarget(ctx, target)
		if err != nil {
			lastErr = err
			p.logger.Warn("SNMP query failed", "target", target, "error", err)
			continue
		}
		answered++
		for _, d := range devices {
			if idx, ok := seen[d.IP]; ok {
				merge(&stats.Devices[idx], d)
				continue
			}
			seen[d.IP] = len(stats.Devices)
			stats.Devices = append(stats.Devices, d)
		}
	}

	if answered == 0 && lastErr != nil {
		return nil, lastErr
	}
	return stats, nil
}

func merge(dst *plugins.Device, src plugins.Device) {
	if dst.MAC == "" {
		dst.MAC = src.MAC
	}
	if dst.Hostname == "" {
		dst.Hostname = src.Hostname
	}
}

func (p *Provider) queryTarget(ctx context.Context, target string) ([]plugins.Device, error) {
	c := p.newClient(ctx, target)
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}
	defer func() {
		_ = c.Close()
	}()

	var devices []plugins.Device
	err := c.BulkWalk(oidIPNetToMediaPhysAddress, func(pdu gosnmp.SnmpPDU) error {
		if d, ok := arpEntry(pdu); ok {
			devices = append(devices, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk arp table on %s: %w", target, err)
	}

	if name := sysName(c); name != "" {
		devices = append(devices, plugins.Device{IP: target, Hostname: name})
	}
	return devices, nil
}

// arpEntry decodes one ipNetToMediaPhysAddress row. The index is
// <ifIndex>.<a>.<b>.<c>.<d>; the value is the raw MAC.
func arpEntry(pdu gosnmp.SnmpPDU) (plugins.Device, bool) {
	if pdu.Type != gosnmp.OctetString {
		return plugins.Device{}, false
	}
	raw, ok := pdu.Value.([]byte)
	if !ok || len(raw) != 6 {
		return plugins.Device{}, false
	}

	parts := strings.Split(strings.TrimPrefix(pdu.Name, "."), ".")
	if len(parts) < 4 {
		return plugins.Device{}, false
	}
	ip := net.ParseIP(strings.Join(parts[len(parts)-4:], ".")).To4()
	if ip == nil {
		return plugins.Device{}, false
	}

	return plugins.Device{IP: ip.String(), MAC: net.HardwareAddr(raw).String()}, true
}

func sysName(c client) string {
	pkt, err := c.Get([]string{oidSysName})
	if err != nil || pkt == nil {
		return ""
	}
	for _, v := range pkt.Variables {
		if b, ok := v.Value.([]byte); ok {
			return strings.TrimSpace(string(b))
		}
	}
	return ""
}
