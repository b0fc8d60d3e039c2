// Package plugins defines the contract for observation sources other than the
// direct network sweep, and a registry that collects their devices.
package plugins

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/priority"
)

// Device is one host as reported by a plugin. Empty fields are unknown.
type Device struct {
	IP       string `json:"ip"`
	MAC      string `json:"mac,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
}

// Stats is a plugin's current view of the network.
type Stats struct {
	Devices     []Device  `json:"devices"`
	CollectedAt time.Time `json:"collectedAt"`
}

// Provider reports devices tagged with a stable source.
type Provider interface {
	Source() priority.Source
	Stats(ctx context.Context) (*Stats, error)
}

// SourcedDevice is a device together with the source that reported it.
type SourcedDevice struct {
	Source priority.Source
	Device Device
}

// Registry holds the enabled providers.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *logging.Logger
}

// NewRegistry creates a registry holding providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{logger: logging.Default().WithComponent("plugins")}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p. Nil providers are ignored.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.providers = append(r.providers, p)
	r.mu.Unlock()
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.providers...)
}

// Collect asks every provider for its devices. A failing provider is logged
// and skipped.
func (r *Registry) Collect(ctx context.Context) []SourcedDevice {
	var devices []SourcedDevice
	for _, p := range r.Providers() {
		stats, err := p.Stats(ctx)
		if err != nil {
			r.logger.Warn("Plugin failed to report devices", "error", &errors.DiscoveryError{
				Code:    errors.CodePluginFailed,
				Message: "plugin stats failed",
				Source:  string(p.Source()),
				Cause:   err,
			})
			continue
		}
		if stats == nil {
			continue
		}
		for _, d := range stats.Devices {
			devices = append(devices, SourcedDevice{Source: p.Source(), Device: d})
		}
		r.logger.Debug("Plugin reported devices", "source", p.Source(), "devices", len(stats.Devices))
	}
	return devices
}
