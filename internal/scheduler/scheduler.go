// Package scheduler drives lanwatch's automatic scan workflows. It owns the
// full-scan and refresh timers, the port probe batch that follows a full
// scan, the manual-scan lock and the network-scan feature gate.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/lanwatch/internal/discovery"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/featuregate"
	"github.com/anstrom/lanwatch/internal/logging"
	"github.com/anstrom/lanwatch/internal/metrics"
	"github.com/anstrom/lanwatch/internal/portscan"
	"github.com/anstrom/lanwatch/internal/settings"
)

// Workflow names used in logs, metrics and status.
const (
	WorkflowFullScan = "full_scan"
	WorkflowRefresh  = "refresh"
	WorkflowPortScan = "port_scan"
	WorkflowManual   = "manual_scan"
)

// Reasons a timer fire did not run.
const (
	skipGated  = "gated"
	skipPaused = "paused"
	skipBusy   = "busy"
	skipNoTool = "tool_unavailable"
)

const defaultProgressInterval = time.Second

// RangeScanner runs scan cycles. *discovery.Engine implements it.
type RangeScanner interface {
	ScanNetwork(ctx context.Context, cidr string, scanType discovery.ScanType) (*discovery.CycleResult, error)
	RefreshExistingIPs(ctx context.Context, scanType discovery.ScanType) (*discovery.CycleResult, error)
	NetworkRange() (string, bool)
}

// PortScanner runs port probe batches. *portscan.Batch implements it.
type PortScanner interface {
	RunForOnlineHosts(ctx context.Context, opts portscan.Options) (portscan.Summary, error)
	RequestAbort()
	Progress() portscan.Progress
}

// Deps are the collaborators of an Orchestrator. Ports and Recorder are
// optional.
type Deps struct {
	Store    settings.Store
	Gate     featuregate.Gate
	Scanner  RangeScanner
	Ports    PortScanner
	Recorder metrics.Recorder
}

// TimerStatus describes one periodic workflow.
type TimerStatus struct {
	Enabled         bool                   `json:"enabled"`
	Scheduled       bool                   `json:"scheduled"`
	Running         bool                   `json:"running"`
	Paused          bool                   `json:"paused"`
	IntervalMinutes int                    `json:"intervalMinutes"`
	ScanType        discovery.ScanType     `json:"scanType"`
	NextRun         *time.Time             `json:"nextRun,omitempty"`
	LastRun         *time.Time             `json:"lastRun,omitempty"`
	LastResult      *discovery.CycleResult `json:"lastResult,omitempty"`
	LastError       string                 `json:"lastError,omitempty"`
}

type runState struct {
	running    bool
	lastRun    time.Time
	lastResult *discovery.CycleResult
	lastError  string
}

// Orchestrator schedules and serializes scan-family workflows.
type Orchestrator struct {
	store    settings.Store
	gate     featuregate.Gate
	scanner  RangeScanner
	ports    PortScanner
	recorder metrics.Recorder
	logger   *logging.Logger

	progressInterval time.Duration

	mu           sync.Mutex
	config       Config
	cron         *cron.Cron
	fullEntry    cron.EntryID
	refreshEntry cron.EntryID
	gateOpen     bool
	running      bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	paused atomic.Bool
	busy   atomic.Bool

	statusMu sync.RWMutex
	status   map[string]*runState
}

// NewOrchestrator creates a stopped orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Gate == nil {
		deps.Gate = featuregate.Static{}
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop{}
	}
	return &Orchestrator{
		store:            deps.Store,
		gate:             deps.Gate,
		scanner:          deps.Scanner,
		ports:            deps.Ports,
		recorder:         deps.Recorder,
		logger:           logging.Default().WithComponent("scheduler"),
		progressInterval: defaultProgressInterval,
		config:           DefaultConfig(),
		status:           make(map[string]*runState),
	}
}

func (o *Orchestrator) newCron() *cron.Cron {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(o.logger.Handler(), slog.LevelError))
	return cron.New(cron.WithChain(cron.Recover(cronLog)))
}

// Start loads the stored configuration and schedules the timers. When the
// gate and the full-scan timer are both enabled, one full scan runs in the
// background as soon as ready is closed. A nil ready does not wait.
func (o *Orchestrator) Start(ctx context.Context, ready <-chan struct{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("scheduler is already running")
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.applyLocked(o.loadConfig(ctx))

	if o.fullEntry == 0 {
		o.logger.Info("Scheduler started without a full-scan timer")
		return nil
	}

	runCtx := o.ctx
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if ready != nil {
			select {
			case <-ready:
			case <-runCtx.Done():
				return
			}
		}
		o.logger.Info("Running startup full scan")
		o.fireFullScan()
	}()

	o.logger.Info("Scheduler started")
	return nil
}

// Stop tears down both timers, aborts a running port batch and waits for
// in-flight workflows to return.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	c := o.cron
	o.cron, o.fullEntry, o.refreshEntry = nil, 0, 0
	cancel := o.cancel
	o.mu.Unlock()

	if o.ports != nil {
		o.ports.RequestAbort()
	}
	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	o.wg.Wait()

	o.logger.Info("Scheduler stopped")
}

// applyLocked swaps in a cron instance built from cfg. When the
// configuration or the feature gate disables automatic scans both timers
// end up stopped. Callers hold o.mu.
func (o *Orchestrator) applyLocked(cfg Config) {
	o.config = cfg

	var (
		next              *cron.Cron
		fullID, refreshID cron.EntryID
	)
	gateOpen := o.gate.IsEnabled(featuregate.NetworkScan)
	o.gateOpen = gateOpen
	if cfg.Enabled && gateOpen {
		c := o.newCron()
		fullID = o.schedule(c, WorkflowFullScan, cfg.FullScan, FullScanIntervals, o.fireFullScan)
		refreshID = o.schedule(c, WorkflowRefresh, cfg.Refresh, RefreshIntervals, o.fireRefresh)
		if fullID > 0 || refreshID > 0 {
			next = c
		}
	} else {
		o.logger.Info("Automatic scans disabled", "config_enabled", cfg.Enabled, "feature_enabled", gateOpen)
	}

	if o.cron != nil {
		o.cron.Stop()
	}
	o.cron, o.fullEntry, o.refreshEntry = next, fullID, refreshID
	if next != nil && o.running {
		next.Start()
	}
}

func (o *Orchestrator) schedule(c *cron.Cron, workflow string, tc TimerConfig, allowed []int, fn func()) cron.EntryID {
	if !tc.Enabled {
		return 0
	}
	log := o.logger.WithWorkflow(workflow)

	spec, err := cronSpec(tc.IntervalMinutes, allowed)
	if err != nil {
		log.Warn("Timer not scheduled", "error", err)
		return 0
	}
	id, err := c.AddFunc(spec, fn)
	if err != nil {
		log.Warn("Failed to add cron entry", "spec", spec, "error", err)
		return 0
	}
	log.Info("Timer scheduled", "interval_minutes", tc.IntervalMinutes, "spec", spec, "scan_type", tc.ScanType)
	return id
}

func (o *Orchestrator) teardownLocked() {
	if o.cron != nil {
		o.cron.Stop()
	}
	o.cron, o.fullEntry, o.refreshEntry = nil, 0, 0
}

// UpdateConfig validates and persists cfg, then replaces both timers in one
// step.
func (o *Orchestrator) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.saveConfig(ctx, cfg); err != nil {
		return err
	}
	o.applyLocked(cfg)
	o.logger.Info("Scheduler configuration updated")
	return nil
}

// Reload re-reads the stored configuration and reschedules the timers. It
// is a no-op on a stopped orchestrator.
func (o *Orchestrator) Reload(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return
	}
	o.applyLocked(o.loadConfig(ctx))
	o.logger.Info("Scheduler configuration reloaded")
}

// CurrentConfig returns the configuration in effect.
func (o *Orchestrator) CurrentConfig() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}

// CheckFeatureGateAndUpdate tears the timers down when the network-scan
// feature was switched off and reloads them only on the transition back on.
// It returns the gate state.
func (o *Orchestrator) CheckFeatureGateAndUpdate(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	enabled := o.gate.IsEnabled(featuregate.NetworkScan)
	switch {
	case !enabled && o.cron != nil:
		o.logger.Info("Network scan feature disabled, stopping timers")
		o.teardownLocked()
	case enabled && !o.gateOpen && o.running:
		o.logger.Info("Network scan feature enabled, reloading timers")
		o.applyLocked(o.loadConfig(ctx))
	}
	o.gateOpen = enabled
	return enabled
}

// PauseAutoScans holds the manual-scan lock. Timer fires are skipped, not
// queued, until ResumeAutoScans.
func (o *Orchestrator) PauseAutoScans() {
	o.paused.Store(true)
	o.logger.Info("Automatic scans paused")
}

// ResumeAutoScans releases the manual-scan lock.
func (o *Orchestrator) ResumeAutoScans() {
	o.paused.Store(false)
	o.logger.Info("Automatic scans resumed")
}

// Paused reports whether the manual-scan lock is held.
func (o *Orchestrator) Paused() bool {
	return o.paused.Load()
}

func (o *Orchestrator) tryAcquire() bool {
	if !o.busy.CompareAndSwap(false, true) {
		return false
	}
	o.recorder.SetBusy(true)
	return true
}

func (o *Orchestrator) release() {
	o.busy.Store(false)
	o.recorder.SetBusy(false)
}

func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil {
		return context.Background()
	}
	return o.ctx
}

// fire runs one timer-driven workflow unless the gate, the manual-scan lock
// or another running workflow prevents it.
func (o *Orchestrator) fire(workflow string, run func(ctx context.Context) error) {
	log := o.logger.WithWorkflow(workflow)

	if !o.gate.IsEnabled(featuregate.NetworkScan) {
		log.Warn("Network scan feature disabled, stopping timers")
		o.recorder.IncrementSkippedFires(workflow, skipGated)
		o.mu.Lock()
		o.teardownLocked()
		o.gateOpen = false
		o.mu.Unlock()
		return
	}
	if o.paused.Load() {
		log.Info("Automatic scan skipped, manual scan in progress")
		o.recorder.IncrementSkippedFires(workflow, skipPaused)
		return
	}
	if !o.tryAcquire() {
		log.Info("Automatic scan skipped, another workflow is running")
		o.recorder.IncrementSkippedFires(workflow, skipBusy)
		return
	}
	defer o.release()

	if err := run(o.runContext()); err != nil {
		log.Error("Automatic scan failed", "error", err)
	}
}

func (o *Orchestrator) fireFullScan() {
	o.fire(WorkflowFullScan, func(ctx context.Context) error {
		cfg := o.CurrentConfig()
		if err := o.scan(WorkflowFullScan, func() (*discovery.CycleResult, error) {
			return o.scanner.ScanNetwork(ctx, cfg.NetworkRange, cfg.FullScan.ScanType)
		}); err != nil {
			return err
		}
		if cfg.PortScan.Enabled && o.ports != nil {
			_, err := o.runPortBatch(ctx, cfg.PortScan)
			if errors.IsCode(err, errors.CodeToolUnavailable) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("port scan after full scan: %w", err)
			}
		}
		return nil
	})
}

func (o *Orchestrator) fireRefresh() {
	o.fire(WorkflowRefresh, func(ctx context.Context) error {
		cfg := o.CurrentConfig()
		return o.scan(WorkflowRefresh, func() (*discovery.CycleResult, error) {
			return o.scanner.RefreshExistingIPs(ctx, cfg.Refresh.ScanType)
		})
	})
}

// RunManualScan sweeps the network now. It fails with ErrAutoScanBusy when
// another workflow is running.
func (o *Orchestrator) RunManualScan(ctx context.Context, scanType discovery.ScanType) (*discovery.CycleResult, error) {
	if !o.tryAcquire() {
		return nil, errors.ErrAutoScanBusy
	}
	defer o.release()

	cfg := o.CurrentConfig()
	var result *discovery.CycleResult
	err := o.scan(WorkflowManual, func() (*discovery.CycleResult, error) {
		var err error
		result, err = o.scanner.ScanNetwork(ctx, cfg.NetworkRange, scanType)
		return result, err
	})
	return result, err
}

// RunPortScan probes the open ports of online hosts now. It fails with
// ErrAutoScanBusy when another workflow is running.
func (o *Orchestrator) RunPortScan(ctx context.Context) (portscan.Summary, error) {
	if o.ports == nil {
		return portscan.Summary{}, errors.ErrToolUnavailable("nmap")
	}
	if !o.tryAcquire() {
		return portscan.Summary{}, errors.ErrAutoScanBusy
	}
	defer o.release()

	return o.runPortBatch(ctx, o.CurrentConfig().PortScan)
}

// AbortPortScan asks a running port batch to stop before its next host.
func (o *Orchestrator) AbortPortScan() {
	if o.ports != nil {
		o.ports.RequestAbort()
	}
}

func (o *Orchestrator) scan(workflow string, run func() (*discovery.CycleResult, error)) error {
	started := o.begin(workflow)
	result, err := run()
	o.finish(workflow, started, result, err)
	return err
}

func (o *Orchestrator) runPortBatch(ctx context.Context, pc PortScanConfig) (portscan.Summary, error) {
	started := o.begin(WorkflowPortScan)

	stop := o.mirrorProgress()
	summary, err := o.ports.RunForOnlineHosts(ctx, portscan.Options{PortRange: pc.PortRange})
	stop()

	if errors.IsCode(err, errors.CodeToolUnavailable) {
		o.statusMu.Lock()
		o.state(WorkflowPortScan).running = false
		o.statusMu.Unlock()
		o.recorder.IncrementSkippedFires(WorkflowPortScan, skipNoTool)
		o.logger.WithWorkflow(WorkflowPortScan).Warn("Port scan skipped, nmap is not installed")
		return summary, err
	}

	o.recorder.AddPortScanHosts("probed", summary.Probed)
	o.recorder.AddPortScanHosts("failed", summary.Failed)
	o.finish(WorkflowPortScan, started, nil, err)

	o.logger.WithWorkflow(WorkflowPortScan).Info("Port scan finished",
		"probed", summary.Probed, "failed", summary.Failed, "aborted", summary.Aborted)
	return summary, err
}

// mirrorProgress copies the batch progress into metrics until the returned
// func is called.
func (o *Orchestrator) mirrorProgress() func() {
	done := make(chan struct{})
	var wg sync.WaitGroup

	push := func() {
		p := o.ports.Progress()
		o.recorder.SetPortScanProgress(p.Active, p.Current, p.Total)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				push()
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		push()
	}
}

func (o *Orchestrator) state(workflow string) *runState {
	rs, ok := o.status[workflow]
	if !ok {
		rs = &runState{}
		o.status[workflow] = rs
	}
	return rs
}

func (o *Orchestrator) begin(workflow string) time.Time {
	now := time.Now()
	o.statusMu.Lock()
	o.state(workflow).running = true
	o.statusMu.Unlock()
	return now
}

func (o *Orchestrator) finish(workflow string, started time.Time, result *discovery.CycleResult, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	o.recorder.ObserveCycle(workflow, status, time.Since(started))
	if result != nil {
		o.recorder.AddHosts(workflow, "online", result.Online)
		o.recorder.AddHosts(workflow, "offline", result.Offline)
		o.recorder.AddHosts(workflow, "failed", result.Failed)
		o.recorder.AddHosts(workflow, "excluded", result.Excluded)
		o.recorder.AddHosts(workflow, "plugin", result.PluginDevices)
	}

	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	rs := o.state(workflow)
	rs.running = false
	rs.lastRun = started
	rs.lastResult = result
	rs.lastError = ""
	if err != nil {
		rs.lastError = err.Error()
	}
}

func (o *Orchestrator) timerStatus(workflow string, pick func(Config) TimerConfig, entry func() cron.EntryID) TimerStatus {
	o.mu.Lock()
	cfg := o.config
	c := o.cron
	id := entry()
	o.mu.Unlock()

	tc := pick(cfg)
	st := TimerStatus{
		Enabled:         cfg.Enabled && tc.Enabled,
		Scheduled:       id > 0,
		Paused:          o.paused.Load(),
		IntervalMinutes: tc.IntervalMinutes,
		ScanType:        tc.ScanType,
	}
	if c != nil && id > 0 {
		if e := c.Entry(id); e.Valid() && !e.Next.IsZero() {
			next := e.Next
			st.NextRun = &next
		}
	}

	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	if rs, ok := o.status[workflow]; ok {
		st.Running = rs.running
		if !rs.lastRun.IsZero() {
			last := rs.lastRun
			st.LastRun = &last
		}
		st.LastResult = rs.lastResult
		st.LastError = rs.lastError
	}
	return st
}

// ScanStatus describes the full-scan timer.
func (o *Orchestrator) ScanStatus() TimerStatus {
	return o.timerStatus(WorkflowFullScan,
		func(c Config) TimerConfig { return c.FullScan },
		func() cron.EntryID { return o.fullEntry })
}

// RefreshStatus describes the refresh timer.
func (o *Orchestrator) RefreshStatus() TimerStatus {
	return o.timerStatus(WorkflowRefresh,
		func(c Config) TimerConfig { return c.Refresh },
		func() cron.EntryID { return o.refreshEntry })
}

// PortScanProgress returns the progress of the current or last port batch.
func (o *Orchestrator) PortScanProgress() portscan.Progress {
	if o.ports == nil {
		return portscan.Progress{}
	}
	return o.ports.Progress()
}
