// Package mdns reports hosts that announce services over multicast DNS.
package mdns

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/plugins"
	"github.com/anstrom/lanwatch/internal/priority"
)

const (
	defaultDomain  = "local."
	defaultTimeout = 5 * time.Second
	closeGrace     = time.Second
)

// DefaultServices are browsed when Config.Services is empty.
var DefaultServices = []string{
	"_workstation._tcp",
	"_device-info._tcp",
	"_googlecast._tcp",
	"_airplay._tcp",
	"_printer._tcp",
	"_ipp._tcp",
	"_hap._tcp",
	"_http._tcp",
	"_smb._tcp",
	"_ssh._tcp",
}

// Config controls which services are browsed and for how long.
type Config struct {
	Services []string
	Domain   string
	Timeout  time.Duration
}

// browseFunc matches zeroconf.Resolver.Browse. The entries channel is closed
// once browsing ends.
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Provider browses mDNS services and reports every IPv4 address that answered.
type Provider struct {
	config Config
	browse browseFunc
	logger *logging.Logger
}

// New creates an mDNS provider.
func New(cfg Config) *Provider {
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices
	}
	if cfg.Domain == "" {
		cfg.Domain = defaultDomain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Provider{
		config: cfg,
		browse: zeroconfBrowse,
		logger: logging.Default().WithComponent("mdns"),
	}
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		close(entries)
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Source implements plugins.Provider.
func (p *Provider) Source() priority.Source {
	return priority.SourceMDNS
}

// Stats browses every configured service for the configured timeout.
func (p *Provider) Stats(ctx context.Context) (*plugins.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		devices = make(map[string]plugins.Device)
		wg      sync.WaitGroup
	)

	for _, service := range p.config.Services {
		wg.Add(1)
		go func(service string) {
			defer wg.Done()

			entries := make(chan *zeroconf.ServiceEntry)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for entry := range entries {
					d, ok := deviceFromEntry(entry)
					if !ok {
						continue
					}
					mu.Lock()
					if prev, seen := devices[d.IP]; !seen || prev.Hostname == "" {
						devices[d.IP] = d
					}
					mu.Unlock()
				}
			}()

			if err := p.browse(ctx, service, p.config.Domain, entries); err != nil {
				p.logger.Debug("mDNS browse failed", "service", service, "error", err)
			}

			select {
			case <-done:
			case <-ctx.Done():
				select {
				case <-done:
				case <-time.After(closeGrace):
				}
			}
		}(service)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	stats := &plugins.Stats{CollectedAt: time.Now()}
	for _, d := range devices {
		stats.Devices = append(stats.Devices, d)
	}
	return stats, nil
}

// deviceFromEntry extracts the first IPv4 address and a cleaned host name.
func deviceFromEntry(entry *zeroconf.ServiceEntry) (plugins.Device, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return plugins.Device{}, false
	}
	ip := entry.AddrIPv4[0].To4()
	if ip == nil {
		return plugins.Device{}, false
	}
	return plugins.Device{IP: ip.String(), Hostname: hostName(entry)}, true
}

// hostName prefers the announced host name and falls back to the instance
// name without its "@host" suffix.
func hostName(entry *zeroconf.ServiceEntry) string {
	name := strings.TrimSuffix(entry.HostName, ".")
	name = strings.TrimSuffix(name, ".local")
	if name != "" {
		return name
	}
	instance := entry.Instance
	if idx := strings.Index(instance, "@"); idx != -1 {
		instance = instance[:idx]
	}
	return strings.TrimSpace(instance)
}
