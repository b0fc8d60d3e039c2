package portscan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
)

// DefaultMaxHosts caps how many online hosts one batch probes.
const DefaultMaxHosts = 50

// HostStore is the part of the host record store a batch needs.
type HostStore interface {
	OnlineHosts(ctx context.Context, limit int) ([]*db.Host, error)
	MergeAdditionalInfo(ctx context.Context, ip string, info map[string]interface{}) error
}

// Progress describes the running batch. Current is 1-based and keeps its
// last value after the batch ends.
type Progress struct {
	Active    bool   `json:"active"`
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	CurrentIP string `json:"currentIp,omitempty"`
}

// Summary is the outcome of one batch.
type Summary struct {
	Probed  int  `json:"probed"`
	Failed  int  `json:"failed"`
	Aborted bool `json:"aborted"`
}

// Batch probes online hosts one after another. It does not guard against
// concurrent runs; callers serialize batches.
type Batch struct {
	store    HostStore
	prober   Prober
	maxHosts int
	logger   *logging.Logger
	now      func() time.Time

	abort    atomic.Bool
	mu       sync.Mutex
	progress Progress
}

// NewBatch creates a batch runner. A non-positive maxHosts uses DefaultMaxHosts.
func NewBatch(store HostStore, prober Prober, maxHosts int) *Batch {
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}
	return &Batch{
		store:    store,
		prober:   prober,
		maxHosts: maxHosts,
		logger:   logging.Default().WithComponent("portscan"),
		now:      time.Now,
	}
}

// RequestAbort asks the running batch to stop before its next host.
func (b *Batch) RequestAbort() {
	b.abort.Store(true)
}

// Progress returns a copy of the current progress.
func (b *Batch) Progress() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress
}

func (b *Batch) setProgress(update func(*Progress)) {
	b.mu.Lock()
	update(&b.progress)
	b.mu.Unlock()
}

// RunForOnlineHosts probes up to maxHosts online hosts, most recently seen
// first, and merges openPorts and lastPortScan into each record right after
// its probe. A failed probe is logged and the batch moves on.
func (b *Batch) RunForOnlineHosts(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary

	if !b.prober.IsAvailable() {
		return summary, errors.ErrToolUnavailable("nmap")
	}

	hosts, err := b.store.OnlineHosts(ctx, b.maxHosts)
	if err != nil {
		return summary, err
	}

	b.abort.Store(false)
	b.setProgress(func(p *Progress) {
		*p = Progress{Active: len(hosts) > 0, Total: len(hosts)}
	})
	defer b.setProgress(func(p *Progress) {
		p.Active = false
		p.CurrentIP = ""
	})

	b.logger.Info("Port probe batch started", "hosts", len(hosts), "port_range", opts.PortRange)

	for i, host := range hosts {
		if b.abort.Load() || ctx.Err() != nil {
			summary.Aborted = true
			b.logger.Info("Port probe batch aborted", "completed", i, "total", len(hosts))
			break
		}

		ip := host.IP.String()
		b.setProgress(func(p *Progress) {
			p.Current = i + 1
			p.CurrentIP = ip
		})

		ports, err := b.prober.Scan(ctx, ip, opts)
		if err != nil {
			summary.Failed++
			b.logger.Warn("Port probe failed", "ip", ip, "error", err)
			continue
		}
		summary.Probed++

		info := map[string]interface{}{
			db.InfoOpenPorts:    ports,
			db.InfoLastPortScan: b.now().UTC().Format(time.RFC3339),
		}
		if err := b.store.MergeAdditionalInfo(ctx, ip, info); err != nil {
			b.logger.Warn("Failed to store port probe result", "ip", ip, "error", err)
		}
	}

	b.logger.Info("Port probe batch finished",
		"probed", summary.Probed, "failed", summary.Failed, "aborted", summary.Aborted)
	return summary, nil
}
