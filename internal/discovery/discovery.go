// Package discovery sweeps the local network, probes individual addresses and
// reconciles what it learns, together with plugin reports, into host records.
package discovery

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/anstrom/lanwatch/internal/blacklist"
	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/plugins"
	"github.com/anstrom/lanwatch/internal/priority"
)

const (
	// Default discovery configuration values.
	defaultConcurrency = 32
	defaultMaxTargets  = 1 << (32 - maxNetworkSizeBits)
)

// Config controls sweep scope and pacing.
type Config struct {
	// NetworkRange is swept when ScanNetwork gets no range. Empty means
	// auto-detect.
	NetworkRange string
	// Interface restricts range detection to one interface.
	Interface     string
	Concurrency   int
	RatePerSecond float64
	MaxTargets    int
}

// PriorityLoader returns the current source priority configuration.
type PriorityLoader interface {
	Load(ctx context.Context) priority.Config
}

// ExclusionList provides the blacklist snapshot for one cycle.
type ExclusionList interface {
	Snapshot(ctx context.Context) blacklist.Set
}

// PluginSource collects devices from plugins.
type PluginSource interface {
	Collect(ctx context.Context) []plugins.SourcedDevice
}

// Deps are the collaborators of an Engine. Plugins and Names are optional.
type Deps struct {
	Hosts       HostStore
	History     HistoryStore
	Priorities  PriorityLoader
	Exclusions  ExclusionList
	Plugins     PluginSource
	FullProber  HostProber
	QuickProber HostProber
	Names       NameResolver
}

// CycleResult summarizes one sweep or refresh.
type CycleResult struct {
	ID            uuid.UUID `json:"id"`
	ScanType      ScanType  `json:"scanType"`
	Network       string    `json:"network,omitempty"`
	Targets       int       `json:"targets"`
	Excluded      int       `json:"excluded"`
	Online        int       `json:"online"`
	Offline       int       `json:"offline"`
	Failed        int       `json:"failed"`
	PluginDevices int       `json:"pluginDevices"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// Duration is how long the cycle took.
func (c *CycleResult) Duration() time.Duration {
	return c.FinishedAt.Sub(c.StartedAt)
}

// Engine runs scan cycles.
type Engine struct {
	config     Config
	deps       Deps
	reconciler *Reconciler
	limiter    *rate.Limiter
	ifaceAddrs func(name string) ([]net.Addr, error)
	logger     *logging.Logger
}

// NewEngine creates a discovery engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = defaultMaxTargets
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Engine{
		config:     cfg,
		deps:       deps,
		reconciler: NewReconciler(deps.Hosts, deps.History),
		limiter:    rate.NewLimiter(limit, cfg.Concurrency),
		ifaceAddrs: interfaceAddrs,
		logger:     logging.Default().WithComponent("discovery"),
	}
}

func interfaceAddrs(name string) ([]net.Addr, error) {
	if name == "" {
		return net.InterfaceAddrs()
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return iface.Addrs()
}

// Reconciler exposes the engine's reconciler for plugin-only updates.
func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// NetworkRange returns the configured range, or the range of the first
// usable local interface capped at /16. The bool is false when neither is
// available.
func (e *Engine) NetworkRange() (string, bool) {
	if r := strings.TrimSpace(e.config.NetworkRange); r != "" {
		return r, true
	}
	addrs, err := e.ifaceAddrs(e.config.Interface)
	if err != nil {
		e.logger.Warn("Failed to list interface addresses", "interface", e.config.Interface, "error", err)
		return "", false
	}
	return detectRange(addrs)
}

func (e *Engine) prober(scanType ScanType) (HostProber, error) {
	var p HostProber
	switch scanType {
	case ScanFull:
		p = e.deps.FullProber
	case ScanQuick:
		p = e.deps.QuickProber
	}
	if p == nil {
		return nil, errors.WrapDiscoveryError(errors.CodeToolUnavailable,
			"no prober configured for scan type "+string(scanType), "", nil)
	}
	return p, nil
}

func newCycle(scanType ScanType, network string) *CycleResult {
	return &CycleResult{
		ID:        uuid.New(),
		ScanType:  scanType,
		Network:   network,
		StartedAt: time.Now(),
	}
}

// ScanNetwork probes every address of cidr, or of NetworkRange() when cidr is
// empty, except blacklisted ones. Responding addresses are upserted;
// unresponsive ones only update records that already exist. Full scans also
// merge plugin reports.
func (e *Engine) ScanNetwork(ctx context.Context, cidr string, scanType ScanType) (*CycleResult, error) {
	prober, err := e.prober(scanType)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cidr) == "" {
		detected, ok := e.NetworkRange()
		if !ok {
			return nil, errors.WrapDiscoveryError(errors.CodeDiscoveryFailed,
				"network range is not configured and could not be detected", "", nil)
		}
		cidr = detected
	}

	targets, err := Targets(cidr, e.config.MaxTargets)
	if err != nil {
		return nil, err
	}

	cycle := newCycle(scanType, cidr)
	log := e.logger.WithFields("cycle_id", cycle.ID, "scan_type", scanType)
	log.Info("Network scan started", "network", cidr, "targets", len(targets))

	excluded := e.deps.Exclusions.Snapshot(ctx)
	cfg := e.deps.Priorities.Load(ctx)

	targets = e.filterExcluded(targets, excluded, cycle)
	err = e.probeAll(ctx, prober, scanType, targets, cfg, cycle, log)

	if scanType == ScanFull && err == nil {
		e.applyPlugins(ctx, excluded, cfg, cycle, log)
	}

	cycle.FinishedAt = time.Now()
	log.Info("Network scan finished",
		"online", cycle.Online, "offline", cycle.Offline, "failed", cycle.Failed,
		"excluded", cycle.Excluded, "plugin_devices", cycle.PluginDevices,
		"duration", cycle.Duration())
	return cycle, err
}

// RefreshExistingIPs re-probes every stored address that is not blacklisted
// and marks unresponsive ones offline.
func (e *Engine) RefreshExistingIPs(ctx context.Context, scanType ScanType) (*CycleResult, error) {
	prober, err := e.prober(scanType)
	if err != nil {
		return nil, err
	}

	known, err := e.deps.Hosts.KnownIPs(ctx)
	if err != nil {
		return nil, err
	}

	cycle := newCycle(scanType, "")
	log := e.logger.WithFields("cycle_id", cycle.ID, "scan_type", scanType)
	log.Info("Refresh started", "known_hosts", len(known))

	targets := e.filterExcluded(known, e.deps.Exclusions.Snapshot(ctx), cycle)
	err = e.probeAll(ctx, prober, scanType, targets, e.deps.Priorities.Load(ctx), cycle, log)

	cycle.FinishedAt = time.Now()
	log.Info("Refresh finished",
		"online", cycle.Online, "offline", cycle.Offline, "failed", cycle.Failed,
		"duration", cycle.Duration())
	return cycle, err
}

func (e *Engine) filterExcluded(ips []string, excluded blacklist.Set, cycle *CycleResult) []string {
	kept := make([]string, 0, len(ips))
	for _, ip := range ips {
		if excluded.Contains(ip) {
			cycle.Excluded++
			continue
		}
		kept = append(kept, ip)
	}
	cycle.Targets = len(kept)
	return kept
}

// outcome classifies one probed address.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeOnline
	outcomeOffline
	outcomeFailed
)

// probeAll probes targets with bounded fan-out, paced by the rate limiter.
func (e *Engine) probeAll(ctx context.Context, prober HostProber, scanType ScanType, targets []string,
	cfg priority.Config, cycle *CycleResult, log *logging.Logger) error {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(e.config.Concurrency)

	var waitErr error
	for _, ip := range targets {
		if err := e.limiter.Wait(ctx); err != nil {
			waitErr = err
			break
		}
		ip := ip
		g.Go(func() error {
			result := e.probeOne(ctx, prober, scanType, ip, cfg, log)
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case outcomeOnline:
				cycle.Online++
			case outcomeOffline:
				cycle.Offline++
			case outcomeFailed:
				cycle.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return waitErr
}

func (e *Engine) probeOne(ctx context.Context, prober HostProber, scanType ScanType, ip string,
	cfg priority.Config, log *logging.Logger) outcome {
	result, err := prober.Probe(ctx, ip)
	if err != nil {
		log.Warn("Probe failed", "ip", ip, "error", err)
		return outcomeFailed
	}

	if !result.Alive {
		updated, err := e.reconciler.MarkOffline(ctx, ip)
		if err != nil {
			log.Warn("Failed to mark host offline", "ip", ip, "error", err)
			return outcomeFailed
		}
		if !updated {
			return outcomeSkipped
		}
		return outcomeOffline
	}

	if scanType == ScanFull && result.Hostname == "" && e.deps.Names != nil {
		name, err := e.deps.Names.LookupName(ctx, ip)
		if err != nil {
			log.Debug("Reverse lookup failed", "ip", ip, "error", err)
		}
		result.Hostname = name
	}

	_, err = e.reconciler.Apply(ctx, Observation{
		IP:            ip,
		Source:        priority.SourceScanner,
		Status:        db.HostStatusOnline,
		PingLatencyMs: result.LatencyMs,
		MAC:           result.MAC,
		Hostname:      result.Hostname,
		Vendor:        result.Vendor,
	}, cfg)
	if err != nil {
		log.Warn("Failed to store host", "ip", ip, "error", err)
		return outcomeFailed
	}
	return outcomeOnline
}

// applyPlugins merges plugin devices. Invalid and blacklisted addresses are
// never reported.
func (e *Engine) applyPlugins(ctx context.Context, excluded blacklist.Set, cfg priority.Config,
	cycle *CycleResult, log *logging.Logger) {
	if e.deps.Plugins == nil {
		return
	}
	for _, sd := range e.deps.Plugins.Collect(ctx) {
		ip := strings.TrimSpace(sd.Device.IP)
		if !blacklist.ValidIPv4(ip) || excluded.Contains(ip) {
			continue
		}
		_, err := e.reconciler.Apply(ctx, Observation{
			IP:       ip,
			Source:   sd.Source,
			MAC:      sd.Device.MAC,
			Hostname: sd.Device.Hostname,
			Vendor:   sd.Device.Vendor,
		}, cfg)
		if err != nil {
			log.Warn("Failed to store plugin device", "ip", ip, "source", sd.Source, "error", err)
			continue
		}
		cycle.PluginDevices++
	}
}
