package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/daemon"
)

const (
	defaultPIDFile         = "/tmp/lanwatch.pid"
	daemonStopProgressStep = 5  // show progress every N seconds
	daemonStopTimeout      = 30 // seconds to wait before force kill
	statusLineLength       = 30
)

var (
	daemonPidFile  string
	daemonDumpInfo bool
)

// daemonCmd represents the daemon command.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and control the lanwatch daemon",
	Long: `The daemon runs the scan scheduler and reconciles discovery results into
the host store. Its ops port serves /metrics, /healthz and /status plus the
control routes used by 'lanwatch scan' and the pause/resume commands.`,
	Example: `  lanwatch daemon start
  lanwatch daemon status
  lanwatch daemon pause
  lanwatch daemon reload
  lanwatch daemon stop`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon in the foreground until SIGTERM or SIGINT. Use a process
supervisor such as systemd to run it in the background.

Signals: SIGHUP reloads the scheduler configuration, SIGUSR1 logs a
status dump.`,
	Args: cobra.NoArgs,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the daemon to reload its scheduler configuration",
	Args:  cobra.NoArgs,
	RunE:  runDaemonReload,
}

var daemonPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Skip timer-driven scans until resumed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDaemonControl(cmd, "/control/pause", "Automatic scans paused")
	},
}

var daemonResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let timer-driven scans run again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDaemonControl(cmd, "/control/resume", "Automatic scans resumed")
	},
}

var daemonAbortPortsCmd = &cobra.Command{
	Use:   "abort-portscan",
	Short: "Stop the running port scan before its next host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDaemonControl(cmd, "/control/portscan/abort", "Port scan abort requested")
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd, daemonReloadCmd,
		daemonPauseCmd, daemonResumeCmd, daemonAbortPortsCmd)

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", "",
		"File holding the daemon process ID (default: daemon.pid_file or "+defaultPIDFile+")")
	daemonStatusCmd.Flags().BoolVar(&daemonDumpInfo, "dump", false,
		"Also ask the daemon to log a status dump (SIGUSR1)")
}

// resolvePIDFile picks the flag, then the configured path, then the default.
func resolvePIDFile(cfg *config.Config) string {
	if daemonPidFile != "" {
		return daemonPidFile
	}
	if cfg != nil && cfg.Daemon.PIDFile != "" {
		return cfg.Daemon.PIDFile
	}
	return defaultPIDFile
}

// pidFileForCommand resolves the PID file without requiring a valid config.
func pidFileForCommand() string {
	cfg, err := loadCommandConfig()
	if err != nil {
		return resolvePIDFile(nil)
	}
	return resolvePIDFile(cfg)
}

func runDaemonStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadCommandConfig()
	if err != nil {
		return err
	}
	cfg.Daemon.PIDFile = resolvePIDFile(cfg)

	if pid, running := daemonProcess(cfg.Daemon.PIDFile); running {
		return fmt.Errorf("daemon is already running with PID %d (PID file: %s)", pid, cfg.Daemon.PIDFile)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Starting lanwatch daemon (PID %d, PID file %s)\n", os.Getpid(), cfg.Daemon.PIDFile)
	if cfg.Ops.Enabled {
		fmt.Fprintf(cmd.OutOrStdout(), "Ops endpoints on %s\n", cfg.OpsAddress())
	}

	if err := daemon.New(cfg).Start(); err != nil {
		return fmt.Errorf("daemon exited: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
	return nil
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	pidFile := pidFileForCommand()
	out := cmd.OutOrStdout()

	pid, running := daemonProcess(pidFile)
	if !running {
		fmt.Fprintf(out, "Daemon is not running (PID file: %s)\n", pidFile)
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("error sending stop signal to daemon: %w", err)
	}

	fmt.Fprintf(out, "Stopping daemon (PID %d)...\n", pid)
	for i := 0; i < daemonStopTimeout; i++ {
		if !isProcessAlive(pid) {
			fmt.Fprintln(out, "Daemon stopped successfully")
			return nil
		}
		time.Sleep(time.Second)
		if i%daemonStopProgressStep == daemonStopProgressStep-1 {
			fmt.Fprintf(out, "Waiting for daemon to stop... (%d seconds)\n", i+1)
		}
	}

	fmt.Fprintln(out, "Daemon did not stop gracefully, sending SIGKILL...")
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("error force-killing daemon: %w", err)
	}
	time.Sleep(2 * time.Second)
	if isProcessAlive(pid) {
		return fmt.Errorf("failed to stop daemon with PID %d", pid)
	}
	_ = os.Remove(pidFile)
	fmt.Fprintln(out, "Daemon force-stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	pidFile := pidFileForCommand()
	out := cmd.OutOrStdout()

	pid, running := daemonProcess(pidFile)
	printDaemonStatus(out, pidFile, pid, running)

	if running && daemonDumpInfo {
		if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
			return fmt.Errorf("error requesting status dump: %w", err)
		}
		fmt.Fprintln(out, "\nStatus dump written to the daemon log")
	}
	return nil
}

func runDaemonReload(cmd *cobra.Command, _ []string) error {
	pidFile := pidFileForCommand()
	pid, running := daemonProcess(pidFile)
	if !running {
		return fmt.Errorf("daemon is not running (PID file: %s)", pidFile)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("error sending reload signal to daemon: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reload requested (PID %d)\n", pid)
	return nil
}

// runDaemonControl posts to a control route of the running daemon.
func runDaemonControl(cmd *cobra.Command, path, done string) error {
	cfg, err := loadCommandConfig()
	if err != nil {
		return err
	}
	pidFile := resolvePIDFile(cfg)
	if _, running := daemonProcess(pidFile); !running {
		return fmt.Errorf("daemon is not running (PID file: %s)", pidFile)
	}
	if !cfg.Ops.Enabled {
		return fmt.Errorf("the daemon's ops listener is disabled")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := newOpsClient(cfg).post(ctx, path, nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), done)
	return nil
}

func printDaemonStatus(w io.Writer, pidFile string, pid int, running bool) {
	fmt.Fprintln(w, "lanwatch daemon status")
	fmt.Fprintln(w, strings.Repeat("=", statusLineLength))

	if !running {
		fmt.Fprintln(w, "Status: Not running")
		if pid > 0 {
			fmt.Fprintf(w, "PID file: %s (stale, PID %d)\n", pidFile, pid)
		} else {
			fmt.Fprintf(w, "PID file: %s (not found)\n", pidFile)
		}
		return
	}

	fmt.Fprintln(w, "Status: Running")
	fmt.Fprintf(w, "PID: %d\n", pid)
	fmt.Fprintf(w, "PID file: %s\n", pidFile)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(w, "Started: %s\n", info.ModTime().Local().Format(timeLayout))
		fmt.Fprintf(w, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
}

// daemonProcess reads pidFile and reports the PID and whether it is alive.
// A missing or unreadable file yields (0, false).
func daemonProcess(pidFile string) (int, bool) {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return 0, false
	}
	return pid, isProcessAlive(pid)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from flags or config
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s", path)
	}
	return pid, nil
}

func isProcessAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
