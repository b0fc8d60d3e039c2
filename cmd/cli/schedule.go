package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/discovery"
	"github.com/anstrom/lanwatch/internal/featuregate"
	"github.com/anstrom/lanwatch/internal/scheduler"
)

var (
	scheduleJSON bool

	scheduleRange           string
	scheduleFullEnabled     bool
	scheduleFullInterval    int
	scheduleFullType        string
	scheduleRefreshEnabled  bool
	scheduleRefreshInterval int
	scheduleRefreshType     string
	schedulePortsEnabled    bool
	schedulePortRange       string
)

// scheduleCmd represents the schedule command.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage automatic scans",
	Long: `Show and change the timers that drive automatic scans: the full network
sweep, the refresh of known addresses and the port scan that follows a full
sweep. Changes are stored in the database and a running daemon is asked to
reload them.`,
	Example: `  lanwatch schedule show
  lanwatch schedule set --full-interval 120 --refresh-interval 10
  lanwatch schedule set --ports --port-range 22,80,443
  lanwatch schedule disable`,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored schedule",
	Args:  cobra.NoArgs,
	RunE:  runScheduleShow,
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change timer intervals, scan types or the port scan",
	Long: `Change the stored schedule. Only the flags given are applied.

Allowed full-scan intervals (minutes): ` + fmt.Sprint(scheduler.FullScanIntervals) + `
Allowed refresh intervals (minutes):   ` + fmt.Sprint(scheduler.RefreshIntervals),
	Args: cobra.NoArgs,
	RunE: runScheduleSet,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Turn automatic scans on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runScheduleToggle(cmd, true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn automatic scans off",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runScheduleToggle(cmd, false)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleShowCmd, scheduleSetCmd, scheduleEnableCmd, scheduleDisableCmd)

	scheduleShowCmd.Flags().BoolVar(&scheduleJSON, "json", false, "Print the stored configuration as JSON")

	addScheduleSetFlags(scheduleSetCmd)
}

func addScheduleSetFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.StringVar(&scheduleRange, "range", "", "Network to sweep in CIDR form (empty: configured or detected)")
	flags.BoolVar(&scheduleFullEnabled, "full", true, "Run the full-scan timer")
	flags.IntVar(&scheduleFullInterval, "full-interval", 0, "Full-scan interval in minutes")
	flags.StringVar(&scheduleFullType, "full-type", "", "Full-scan type: full or quick")
	flags.BoolVar(&scheduleRefreshEnabled, "refresh", true, "Run the refresh timer")
	flags.IntVar(&scheduleRefreshInterval, "refresh-interval", 0, "Refresh interval in minutes")
	flags.StringVar(&scheduleRefreshType, "refresh-type", "", "Refresh scan type: full or quick")
	flags.BoolVar(&schedulePortsEnabled, "ports", false, "Scan open ports after each full scan")
	flags.StringVar(&schedulePortRange, "port-range", "", "Port range for the port scan")
}

func withScheduleStore(cmd *cobra.Command, fn func(ctx context.Context, repo *db.SettingsRepository) error) error {
	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		return fn(ctx, db.NewSettingsRepository(database))
	})
}

func runScheduleShow(cmd *cobra.Command, _ []string) error {
	return withScheduleStore(cmd, func(ctx context.Context, repo *db.SettingsRepository) error {
		cfg := scheduler.LoadConfig(ctx, repo)
		if scheduleJSON {
			return writeJSON(cmd.OutOrStdout(), cfg)
		}
		gateOpen := featuregate.NewStore(repo).IsEnabled(featuregate.NetworkScan)
		displaySchedule(cmd.OutOrStdout(), cfg, gateOpen)
		return nil
	})
}

// applyScheduleFlags copies the flags the user set onto cfg.
func applyScheduleFlags(cmd *cobra.Command, cfg *scheduler.Config) error {
	flags := cmd.Flags()
	if flags.Changed("range") {
		cfg.NetworkRange = scheduleRange
	}
	if flags.Changed("full") {
		cfg.FullScan.Enabled = scheduleFullEnabled
	}
	if flags.Changed("full-interval") {
		cfg.FullScan.IntervalMinutes = scheduleFullInterval
	}
	if flags.Changed("full-type") {
		st, err := discovery.ParseScanType(scheduleFullType)
		if err != nil {
			return err
		}
		cfg.FullScan.ScanType = st
	}
	if flags.Changed("refresh") {
		cfg.Refresh.Enabled = scheduleRefreshEnabled
	}
	if flags.Changed("refresh-interval") {
		cfg.Refresh.IntervalMinutes = scheduleRefreshInterval
	}
	if flags.Changed("refresh-type") {
		st, err := discovery.ParseScanType(scheduleRefreshType)
		if err != nil {
			return err
		}
		cfg.Refresh.ScanType = st
	}
	if flags.Changed("ports") {
		cfg.PortScan.Enabled = schedulePortsEnabled
	}
	if flags.Changed("port-range") {
		cfg.PortScan.PortRange = schedulePortRange
	}
	return nil
}

func runScheduleSet(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().NFlag() == 0 {
		return fmt.Errorf("nothing to change: see 'lanwatch schedule set --help'")
	}

	return withScheduleStore(cmd, func(ctx context.Context, repo *db.SettingsRepository) error {
		cfg := scheduler.LoadConfig(ctx, repo)
		if err := applyScheduleFlags(cmd, &cfg); err != nil {
			return err
		}
		if err := scheduler.SaveConfig(ctx, repo, cfg); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Schedule updated")
		return notifyDaemonReload(out)
	})
}

// runScheduleToggle switches both the stored schedule and the network-scan
// feature gate.
func runScheduleToggle(cmd *cobra.Command, enabled bool) error {
	return withScheduleStore(cmd, func(ctx context.Context, repo *db.SettingsRepository) error {
		cfg := scheduler.LoadConfig(ctx, repo)
		cfg.Enabled = enabled
		if err := scheduler.SaveConfig(ctx, repo, cfg); err != nil {
			return err
		}
		if err := featuregate.NewStore(repo).Set(ctx, featuregate.NetworkScan, enabled); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if enabled {
			fmt.Fprintln(out, "Automatic scans enabled")
		} else {
			fmt.Fprintln(out, "Automatic scans disabled")
		}
		return notifyDaemonReload(out)
	})
}

// notifyDaemonReload sends SIGHUP to a running daemon so stored changes take
// effect now.
func notifyDaemonReload(w io.Writer) error {
	pidFile := pidFileForCommand()
	pid, running := daemonProcess(pidFile)
	if !running {
		fmt.Fprintln(w, "Daemon is not running; changes apply when it starts")
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("error sending reload signal to daemon: %w", err)
	}
	fmt.Fprintf(w, "Daemon reloaded (PID %d)\n", pid)
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func displaySchedule(w io.Writer, cfg scheduler.Config, gateOpen bool) {
	network := cfg.NetworkRange
	if network == "" {
		network = "(configured or detected)"
	}
	fmt.Fprintf(w, "Automatic scans: %s (feature %s)\n", onOff(cfg.Enabled), onOff(gateOpen))
	fmt.Fprintf(w, "Network:         %s\n\n", network)

	table := tablewriter.NewWriter(w)
	table.Header("Timer", "State", "Interval (min)", "Scan Type")
	_ = table.Append([]string{
		"full scan", onOff(cfg.FullScan.Enabled),
		strconv.Itoa(cfg.FullScan.IntervalMinutes), string(cfg.FullScan.ScanType),
	})
	_ = table.Append([]string{
		"refresh", onOff(cfg.Refresh.Enabled),
		strconv.Itoa(cfg.Refresh.IntervalMinutes), string(cfg.Refresh.ScanType),
	})
	_ = table.Render()

	ports := "off"
	if cfg.PortScan.Enabled {
		ports = cfg.PortScan.PortRange
	}
	fmt.Fprintf(w, "\nPort scan after full scan: %s\n", ports)
}
