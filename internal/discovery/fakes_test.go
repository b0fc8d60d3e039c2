package discovery

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/lanwatch/internal/blacklist"
	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/plugins"
	"github.com/anstrom/lanwatch/internal/priority"
)

// memHosts mimics the upsert semantics of db.HostRepository in memory.
type memHosts struct {
	mu      sync.Mutex
	hosts   map[string]*db.Host
	upserts int
	failIP  string
}

func newMemHosts() *memHosts {
	return &memHosts{hosts: make(map[string]*db.Host)}
}

func (m *memHosts) Get(_ context.Context, ip string) (*db.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[ip]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (m *memHosts) Upsert(_ context.Context, obs *db.Observation) (*db.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obs.IP == m.failIP {
		return nil, stderrors.New("write failed")
	}
	m.upserts++

	now := time.Now()
	h, ok := m.hosts[obs.IP]
	if !ok {
		addr, err := db.ParseIPAddr(obs.IP)
		if err != nil {
			return nil, err
		}
		h = &db.Host{IP: addr, Status: db.HostStatusUnknown, FirstSeen: now}
		m.hosts[obs.IP] = h
	}
	if obs.MAC != nil {
		h.MAC, h.MACSource = obs.MAC, obs.MACSource
	}
	if obs.Hostname != nil {
		h.Hostname, h.HostnameSource = obs.Hostname, obs.HostnameSource
	}
	if obs.Vendor != nil {
		h.Vendor, h.VendorSource = obs.Vendor, obs.VendorSource
	}
	if obs.Status != nil {
		h.Status = *obs.Status
	}
	if obs.PingLatencyMs != nil {
		h.PingLatencyMs = obs.PingLatencyMs
	}
	h.LastSeen = now
	h.ScanCount++
	cp := *h
	return &cp, nil
}

func (m *memHosts) KnownIPs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ips := make([]string, 0, len(m.hosts))
	for ip := range m.hosts {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips, nil
}

func (m *memHosts) get(ip string) *db.Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosts[ip]
}

type historyEntry struct {
	ip     string
	status string
}

type memHistory struct {
	mu      sync.Mutex
	entries []historyEntry
}

func (m *memHistory) Add(_ context.Context, ip, status string, _ *float64) db.BestEffort {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, historyEntry{ip: ip, status: status})
	return db.BestEffort{}
}

func (m *memHistory) statuses(ip string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.ip == ip {
			out = append(out, e.status)
		}
	}
	return out
}

type fixedPriorities priority.Config

func (f fixedPriorities) Load(context.Context) priority.Config { return priority.Config(f) }

type fixedExclusions []string

func (f fixedExclusions) Snapshot(context.Context) blacklist.Set {
	set := make(blacklist.Set, len(f))
	for _, ip := range f {
		set[ip] = struct{}{}
	}
	return set
}

type fixedPlugins []plugins.SourcedDevice

func (f fixedPlugins) Collect(context.Context) []plugins.SourcedDevice { return f }

// scriptedProber answers from a table; addresses not listed do not respond.
type scriptedProber struct {
	mu      sync.Mutex
	results map[string]*ProbeResult
	errs    map[string]error
	probed  []string
}

func (p *scriptedProber) Probe(_ context.Context, ip string) (*ProbeResult, error) {
	p.mu.Lock()
	p.probed = append(p.probed, ip)
	p.mu.Unlock()
	if err := p.errs[ip]; err != nil {
		return nil, err
	}
	if r, ok := p.results[ip]; ok {
		cp := *r
		cp.IP = ip
		return &cp, nil
	}
	return &ProbeResult{IP: ip}, nil
}

func (p *scriptedProber) probedIPs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.probed...)
	sort.Strings(out)
	return out
}

type staticNames map[string]string

func (s staticNames) LookupName(_ context.Context, ip string) (string, error) {
	return s[ip], nil
}

func strPtr(s string) *string { return &s }
