// Package daemon runs lanwatch as a long-lived service. It wires the store,
// discovery engine and scheduler together, serves the ops endpoints and
// reacts to process signals.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/logging"
)

const (
	healthCheckInterval   = 10 * time.Second
	systemMetricsInterval = 15 * time.Second
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Daemon represents the main daemon process.
type Daemon struct {
	config   *config.Config
	database *db.DB
	app      *Components
	ops      *OpsServer
	pidFile  string
	logger   *logging.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	ready    chan struct{}

	connect        func(ctx context.Context, cfg *db.Config) (*db.DB, error)
	healthInterval time.Duration
}

// New creates a new daemon instance.
func New(cfg *config.Config) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	connect := db.Connect
	if cfg.Daemon.AutoMigrate {
		connect = db.ConnectAndMigrate
	}

	return &Daemon{
		config:         cfg,
		pidFile:        cfg.Daemon.PIDFile,
		logger:         logging.Default().WithComponent("daemon"),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		ready:          make(chan struct{}),
		connect:        connect,
		healthInterval: healthCheckInterval,
	}
}

// Start runs the daemon and blocks until it is told to shut down.
func (d *Daemon) Start() error {
	d.logger.Info("Starting lanwatch daemon")

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initDatabase(); err != nil {
		d.cleanup()
		d.cancel()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	d.app = Build(d.config, d.database)
	if d.config.Ops.Enabled {
		d.ops = NewOpsServer(d.config.OpsAddress(), d.database, d.app.Scheduler, d.app.Metrics)
	}

	if err := d.app.Scheduler.Start(d.ctx, d.ready); err != nil {
		d.cleanup()
		d.cancel()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	d.logger.Info("Daemon started")
	return d.run()
}

// Stop stops the daemon gracefully.
func (d *Daemon) Stop() error {
	d.logger.Info("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		d.logger.Info("Daemon stopped gracefully")
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, forcing exit")
	}
	return nil
}

// run starts the background loops, releases the startup scan and performs
// periodic health checks until the context ends.
func (d *Daemon) run() error {
	defer close(d.done)
	defer d.cleanup()

	if d.ops != nil {
		go func() {
			if err := d.ops.Start(d.ctx); err != nil {
				d.logger.Error("Ops server error", "error", err)
			}
		}()
	}
	go d.app.Metrics.StartPeriodicUpdates(d.ctx, systemMetricsInterval)
	close(d.ready)

	ticker := time.NewTicker(d.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info("Shutdown signal received")
			return nil
		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

// initDatabase connects to PostgreSQL, applying migrations when configured.
func (d *Daemon) initDatabase() error {
	d.logger.Info("Connecting to database", "host", d.config.Database.Host)

	database, err := d.connect(d.ctx, &d.config.Database)
	if err != nil {
		return err
	}
	d.database = database
	return nil
}

// performHealthCheck pings the database and re-evaluates the network-scan
// feature gate.
func (d *Daemon) performHealthCheck() {
	if d.database != nil {
		if err := d.database.Ping(d.ctx); err != nil {
			d.logger.Error("Database health check failed", "error", err)
		}
	}
	if d.app != nil {
		d.app.Scheduler.CheckFeatureGateAndUpdate(d.ctx)
	}
}

// setupSignalHandlers handles shutdown, reload and status dump signals.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
	)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-sigChan:
				d.handleSignal(sig)
			}
		}
	}()
}

func (d *Daemon) handleSignal(sig os.Signal) {
	d.logger.Info("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.cancel()
	case syscall.SIGHUP:
		d.reload()
	case syscall.SIGUSR1:
		d.dumpStatus()
	}
}

// reload re-reads the scheduler settings. The feature gate is evaluated
// again while the timers are rebuilt.
func (d *Daemon) reload() {
	if d.app == nil {
		return
	}
	d.app.Scheduler.Reload(d.ctx)
}

// dumpStatus logs process and scheduler state.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
	}

	if d.database != nil {
		dbStatus := "connected"
		if err := d.database.Ping(d.ctx); err != nil {
			dbStatus = "disconnected: " + err.Error()
		}
		fields = append(fields, "database", dbStatus)
	}

	if d.app != nil {
		full := d.app.Scheduler.ScanStatus()
		refresh := d.app.Scheduler.RefreshStatus()
		progress := d.app.Scheduler.PortScanProgress()
		fields = append(fields,
			"paused", d.app.Scheduler.Paused(),
			"full_scan_scheduled", full.Scheduled,
			"full_scan_running", full.Running,
			"refresh_scheduled", refresh.Scheduled,
			"refresh_running", refresh.Running,
			"port_scan_active", progress.Active,
			"port_scan_current", progress.Current,
			"port_scan_total", progress.Total)
	}

	d.logger.Info("Daemon status", fields...)
}

// cleanup stops the scheduler and ops server, closes the database and
// removes the PID file.
func (d *Daemon) cleanup() {
	if d.app != nil {
		d.app.Scheduler.Stop()
	}

	if d.ops != nil {
		if err := d.ops.Stop(); err != nil {
			d.logger.Error("Error stopping ops server", "error", err)
		}
	}

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.Error("Error closing database", "error", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Error removing PID file", "error", err)
		}
	}
}

// createPIDFile writes the current PID, refusing to start when another
// live process owns the file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID removes stale or unreadable PID files.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// IsRunning reports whether the daemon has not been told to stop.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// Ready is closed once every component is wired and the startup scan has
// been released.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Components returns the wired components, or nil before Start.
func (d *Daemon) Components() *Components {
	return d.app
}
