package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/lanwatch/internal/discovery"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/featuregate"
	"github.com/anstrom/lanwatch/internal/portscan"
	"github.com/anstrom/lanwatch/internal/settings"
)

type switchGate struct {
	off atomic.Bool
}

func (g *switchGate) IsEnabled(featureID string) bool {
	return featureID != featuregate.NetworkScan || !g.off.Load()
}

type fakeScanner struct {
	mu           sync.Mutex
	fullCalls    int
	refreshCalls int
	lastCIDR     string
	lastType     discovery.ScanType
	result       *discovery.CycleResult
	err          error

	entered chan struct{}
	release chan struct{}
}

func (f *fakeScanner) ScanNetwork(ctx context.Context, cidr string, scanType discovery.ScanType) (*discovery.CycleResult, error) {
	f.mu.Lock()
	f.fullCalls++
	f.lastCIDR, f.lastType = cidr, scanType
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeScanner) RefreshExistingIPs(_ context.Context, scanType discovery.ScanType) (*discovery.CycleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.lastType = scanType
	return f.result, f.err
}

func (f *fakeScanner) NetworkRange() (string, bool) { return "192.168.1.0/24", true }

func (f *fakeScanner) calls() (full, refresh int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fullCalls, f.refreshCalls
}

type fakePorts struct {
	mu      sync.Mutex
	runs    []portscan.Options
	aborts  atomic.Int32
	summary portscan.Summary
	err     error
}

func (f *fakePorts) RunForOnlineHosts(_ context.Context, opts portscan.Options) (portscan.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opts)
	return f.summary, f.err
}

func (f *fakePorts) RequestAbort() { f.aborts.Add(1) }

func (f *fakePorts) Progress() portscan.Progress {
	return portscan.Progress{Current: f.summary.Probed, Total: f.summary.Probed}
}

func (f *fakePorts) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeRecorder struct {
	mu       sync.Mutex
	skipped  []string
	cycles   []string
	progress int
}

func (r *fakeRecorder) ObserveCycle(workflow, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, workflow+":"+status)
}

func (r *fakeRecorder) AddHosts(string, string, int) {}

func (r *fakeRecorder) IncrementSkippedFires(workflow, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, workflow+":"+reason)
}

func (r *fakeRecorder) SetBusy(bool) {}

func (r *fakeRecorder) SetPortScanProgress(bool, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress++
}

func (r *fakeRecorder) AddPortScanHosts(string, int) {}

func (r *fakeRecorder) snapshot() (skipped, cycles []string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.skipped...), append([]string(nil), r.cycles...), r.progress
}

type fixture struct {
	o        *Orchestrator
	store    *settings.Memory
	gate     *switchGate
	scanner  *fakeScanner
	ports    *fakePorts
	recorder *fakeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    settings.NewMemory(),
		gate:     &switchGate{},
		scanner:  &fakeScanner{result: &discovery.CycleResult{Online: 3}},
		ports:    &fakePorts{summary: portscan.Summary{Probed: 2}},
		recorder: &fakeRecorder{},
	}
	f.o = NewOrchestrator(Deps{
		Store:    f.store,
		Gate:     f.gate,
		Scanner:  f.scanner,
		Ports:    f.ports,
		Recorder: f.recorder,
	})
	t.Cleanup(f.o.Stop)
	return f
}

func TestStartWithFeatureDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gate.off.Store(true)

	require.NoError(t, f.o.Start(ctx, nil))
	assert.False(t, f.o.ScanStatus().Scheduled)
	assert.False(t, f.o.RefreshStatus().Scheduled)

	cfg := DefaultConfig()
	cfg.FullScan.IntervalMinutes = 30
	require.NoError(t, f.o.UpdateConfig(ctx, cfg))
	assert.False(t, f.o.ScanStatus().Scheduled, "gate still forbids timers")
	assert.False(t, f.o.RefreshStatus().Scheduled)
	assert.Equal(t, 30, f.o.ScanStatus().IntervalMinutes)

	_, found, err := f.store.Get(ctx, settings.KeyScanScheduler)
	require.NoError(t, err)
	assert.True(t, found, "configuration is persisted even while gated")

	full, refresh := f.scanner.calls()
	assert.Zero(t, full, "no startup scan while gated")
	assert.Zero(t, refresh)
}

func TestStartRunsStartupScanOnceReady(t *testing.T) {
	f := newFixture(t)
	ready := make(chan struct{})

	require.NoError(t, f.o.Start(context.Background(), ready))
	assert.True(t, f.o.ScanStatus().Scheduled)
	assert.True(t, f.o.RefreshStatus().Scheduled)
	assert.Error(t, f.o.Start(context.Background(), nil), "second start is rejected")

	time.Sleep(20 * time.Millisecond)
	full, _ := f.scanner.calls()
	assert.Zero(t, full, "startup scan waits for readiness")

	close(ready)
	require.Eventually(t, func() bool {
		full, _ := f.scanner.calls()
		return full == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return f.o.ScanStatus().LastRun != nil }, time.Second, 5*time.Millisecond)
	require.NotNil(t, f.o.ScanStatus().LastResult)
	assert.Equal(t, 3, f.o.ScanStatus().LastResult.Online)
}

func TestStartWithoutFullScanTimerSkipsStartupScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.FullScan.Enabled = false
	require.NoError(t, f.o.saveConfig(ctx, cfg))

	require.NoError(t, f.o.Start(ctx, nil))
	assert.False(t, f.o.ScanStatus().Scheduled)
	assert.True(t, f.o.RefreshStatus().Scheduled)

	time.Sleep(20 * time.Millisecond)
	full, _ := f.scanner.calls()
	assert.Zero(t, full)
}

func TestReloadPicksUpStoredConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.o.Reload(ctx)
	assert.False(t, f.o.RefreshStatus().Scheduled, "stopped orchestrator ignores reload")

	cfg := DefaultConfig()
	cfg.FullScan.Enabled = false
	require.NoError(t, f.o.saveConfig(ctx, cfg))
	require.NoError(t, f.o.Start(ctx, nil))
	require.True(t, f.o.RefreshStatus().Scheduled)

	cfg.Refresh.IntervalMinutes = 10
	require.NoError(t, f.o.saveConfig(ctx, cfg))
	f.o.Reload(ctx)
	assert.Equal(t, 10, f.o.RefreshStatus().IntervalMinutes)
	assert.True(t, f.o.RefreshStatus().Scheduled)

	cfg.Refresh.Enabled = false
	require.NoError(t, f.o.saveConfig(ctx, cfg))
	f.o.Reload(ctx)
	assert.False(t, f.o.RefreshStatus().Scheduled)
}

func TestPausedFireIsNoop(t *testing.T) {
	f := newFixture(t)

	f.o.PauseAutoScans()
	assert.True(t, f.o.Paused())
	f.o.fireRefresh()
	f.o.fireFullScan()

	full, refresh := f.scanner.calls()
	assert.Zero(t, full)
	assert.Zero(t, refresh)
	skipped, _, _ := f.recorder.snapshot()
	assert.Equal(t, []string{"refresh:paused", "full_scan:paused"}, skipped)
	assert.True(t, f.o.RefreshStatus().Paused)

	f.o.ResumeAutoScans()
	f.o.fireRefresh()
	_, refresh = f.scanner.calls()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, discovery.ScanQuick, f.scanner.lastType)
}

func TestBusyGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scanner.entered = make(chan struct{}, 1)
	f.scanner.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.o.RunManualScan(ctx, discovery.ScanQuick)
		done <- err
	}()
	<-f.scanner.entered

	_, err := f.o.RunManualScan(ctx, discovery.ScanFull)
	assert.ErrorIs(t, err, errors.ErrAutoScanBusy)

	_, err = f.o.RunPortScan(ctx)
	assert.ErrorIs(t, err, errors.ErrAutoScanBusy)

	f.o.fireRefresh()
	_, refresh := f.scanner.calls()
	assert.Zero(t, refresh, "timer fire skipped while a manual scan runs")
	skipped, _, _ := f.recorder.snapshot()
	assert.Equal(t, []string{"refresh:busy"}, skipped)

	close(f.scanner.release)
	require.NoError(t, <-done)

	f.o.fireRefresh()
	_, refresh = f.scanner.calls()
	assert.Equal(t, 1, refresh)
}

func TestFullScanChainsPortScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cfg := DefaultConfig()
	cfg.NetworkRange = "10.1.0.0/24"
	cfg.PortScan.Enabled = true
	cfg.PortScan.PortRange = "22,80,443"
	require.NoError(t, f.o.UpdateConfig(ctx, cfg))

	f.o.fireFullScan()

	assert.Equal(t, "10.1.0.0/24", f.scanner.lastCIDR)
	require.Equal(t, 1, f.ports.runCount())
	assert.Equal(t, "22,80,443", f.ports.runs[0].PortRange)

	_, cycles, progress := f.recorder.snapshot()
	assert.Equal(t, []string{"full_scan:success", "port_scan:success"}, cycles)
	assert.GreaterOrEqual(t, progress, 1, "final progress is always pushed")
	assert.Equal(t, portscan.Progress{Current: 2, Total: 2}, f.o.PortScanProgress())
}

func TestFullScanWithoutNmapSkipsPortScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ports.err = errors.ErrToolUnavailable("nmap")

	cfg := DefaultConfig()
	cfg.PortScan.Enabled = true
	require.NoError(t, f.o.UpdateConfig(ctx, cfg))

	f.o.fireFullScan()

	require.Equal(t, 1, f.ports.runCount())
	skipped, cycles, _ := f.recorder.snapshot()
	assert.Equal(t, []string{"port_scan:tool_unavailable"}, skipped)
	assert.Equal(t, []string{"full_scan:success"}, cycles, "a missing tool is not a failed cycle")

	st := f.o.ScanStatus()
	assert.Empty(t, st.LastError)
	assert.False(t, st.Running)
	assert.False(t, f.o.PortScanProgress().Active)

	t.Run("manual_port_scan_still_reports_it", func(t *testing.T) {
		_, err := f.o.RunPortScan(ctx)
		assert.True(t, errors.IsCode(err, errors.CodeToolUnavailable))
	})
}

func TestFullScanErrorSkipsPortScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scanner.err = stderrors.New("nmap missing")

	cfg := DefaultConfig()
	cfg.PortScan.Enabled = true
	require.NoError(t, f.o.UpdateConfig(ctx, cfg))

	f.o.fireFullScan()
	assert.Zero(t, f.ports.runCount())

	st := f.o.ScanStatus()
	assert.Equal(t, "nmap missing", st.LastError)
	assert.False(t, st.Running)
	require.NotNil(t, st.LastRun)
}

func TestGateTurnedOffAtFireTearsDownTimers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.FullScan.Enabled = false
	require.NoError(t, f.o.saveConfig(ctx, cfg))
	require.NoError(t, f.o.Start(ctx, nil))
	require.True(t, f.o.RefreshStatus().Scheduled)

	f.gate.off.Store(true)
	f.o.fireRefresh()
	assert.False(t, f.o.RefreshStatus().Scheduled)
	skipped, _, _ := f.recorder.snapshot()
	assert.Contains(t, skipped, "refresh:gated")

	assert.False(t, f.o.CheckFeatureGateAndUpdate(ctx))
	assert.False(t, f.o.RefreshStatus().Scheduled)

	f.gate.off.Store(false)
	assert.True(t, f.o.CheckFeatureGateAndUpdate(ctx))
	assert.True(t, f.o.RefreshStatus().Scheduled, "timers are reloaded when the feature returns")
}

func TestCheckFeatureGateReloadsOnlyOnTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.Enabled = false
	require.NoError(t, f.o.saveConfig(ctx, cfg))
	require.NoError(t, f.o.Start(ctx, nil))
	require.False(t, f.o.ScanStatus().Scheduled)

	// A stored change only takes effect through Reload or a gate transition.
	require.NoError(t, f.o.saveConfig(ctx, DefaultConfig()))

	t.Run("open_gate_with_disabled_config_is_left_alone", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			assert.True(t, f.o.CheckFeatureGateAndUpdate(ctx))
		}
		assert.False(t, f.o.ScanStatus().Scheduled)
		assert.False(t, f.o.CurrentConfig().Enabled)
	})

	t.Run("off_then_on_reloads_once", func(t *testing.T) {
		f.gate.off.Store(true)
		assert.False(t, f.o.CheckFeatureGateAndUpdate(ctx))
		f.gate.off.Store(false)
		assert.True(t, f.o.CheckFeatureGateAndUpdate(ctx))
		assert.True(t, f.o.CurrentConfig().Enabled)
		assert.True(t, f.o.ScanStatus().Scheduled)
	})
}

func TestCheckFeatureGateStopsRunningTimers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.FullScan.Enabled = false
	require.NoError(t, f.o.saveConfig(ctx, cfg))
	require.NoError(t, f.o.Start(ctx, nil))

	f.gate.off.Store(true)
	assert.False(t, f.o.CheckFeatureGateAndUpdate(ctx))
	assert.False(t, f.o.ScanStatus().Scheduled)
	assert.False(t, f.o.RefreshStatus().Scheduled)
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.o.Start(ctx, nil))

	t.Run("invalid_is_rejected_and_not_stored", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Refresh.IntervalMinutes = 3
		err := f.o.UpdateConfig(ctx, cfg)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
		_, found, _ := f.store.Get(ctx, settings.KeyScanScheduler)
		assert.False(t, found)
	})

	t.Run("disable_stops_both_timers", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Enabled = false
		require.NoError(t, f.o.UpdateConfig(ctx, cfg))
		assert.False(t, f.o.ScanStatus().Scheduled)
		assert.False(t, f.o.RefreshStatus().Scheduled)
		assert.False(t, f.o.ScanStatus().Enabled)
	})

	t.Run("enable_schedules_both_timers", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Refresh.IntervalMinutes = 10
		require.NoError(t, f.o.UpdateConfig(ctx, cfg))
		assert.True(t, f.o.ScanStatus().Scheduled)
		refresh := f.o.RefreshStatus()
		assert.True(t, refresh.Scheduled)
		assert.Equal(t, 10, refresh.IntervalMinutes)
		assert.Equal(t, cfg, f.o.CurrentConfig())
	})
}

func TestStopAbortsPortBatch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.o.Start(context.Background(), nil))
	f.o.Stop()

	assert.Equal(t, int32(1), f.ports.aborts.Load())
	assert.False(t, f.o.ScanStatus().Scheduled)

	f.o.Stop()
	assert.Equal(t, int32(1), f.ports.aborts.Load(), "second stop is a no-op")
}

func TestRunPortScanWithoutPorts(t *testing.T) {
	o := NewOrchestrator(Deps{Store: settings.NewMemory(), Scanner: &fakeScanner{}})
	_, err := o.RunPortScan(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeToolUnavailable))
	assert.Equal(t, portscan.Progress{}, o.PortScanProgress())
	o.AbortPortScan()
}
