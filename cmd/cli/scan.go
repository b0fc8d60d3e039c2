package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/daemon"
	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/discovery"
	"github.com/anstrom/lanwatch/internal/portscan"
)

var (
	scanType      string
	scanRange     string
	scanRefresh   bool
	scanPorts     bool
	scanPortRange string
	scanTimeout   time.Duration
)

// scanCmd runs one discovery cycle in the foreground.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one discovery cycle now",
	Long: `Sweep the configured network (or --range) once and reconcile the results
into the host store. With --refresh only addresses already in the store are
probed. With --ports an open-port scan of the online hosts follows.

When the daemon is running the scan is handed to it over the ops port so it
shares the daemon's scan lock; --range, --refresh and --port-range are then
not available and the scheduled range and port range apply.`,
	Example: `  lanwatch scan
  lanwatch scan --type quick --range 192.168.1.0/24
  lanwatch scan --refresh
  lanwatch scan --ports --port-range 1-1024`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanType, "type", string(discovery.ScanFull), "Scan type: full or quick")
	scanCmd.Flags().StringVar(&scanRange, "range", "", "Network to sweep in CIDR form (default: configured or detected)")
	scanCmd.Flags().BoolVar(&scanRefresh, "refresh", false, "Only re-probe addresses already in the store")
	scanCmd.Flags().BoolVar(&scanPorts, "ports", false, "Scan open ports of online hosts afterwards")
	scanCmd.Flags().StringVar(&scanPortRange, "port-range", "", "Port range for --ports (default: configured)")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "Abort the run after this long (0 disables)")

	scanCmd.MarkFlagsMutuallyExclusive("range", "refresh")
}

func runScan(cmd *cobra.Command, _ []string) error {
	st, err := discovery.ParseScanType(scanType)
	if err != nil {
		return err
	}
	if scanPortRange != "" {
		if err := portscan.ValidatePortRange(scanPortRange); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scanTimeout)
		defer cancel()
	}

	cfg, err := loadCommandConfig()
	if err != nil {
		return err
	}
	if pid, running := daemonProcess(resolvePIDFile(cfg)); running {
		return runScanViaDaemon(ctx, cmd.OutOrStdout(), cfg, pid, st)
	}

	return withDatabase(ctx, func(ctx context.Context, cfg *config.Config, database *db.DB) error {
		app := daemon.Build(cfg, database)
		out := cmd.OutOrStdout()

		var result *discovery.CycleResult
		if scanRefresh {
			result, err = app.Engine.RefreshExistingIPs(ctx, st)
		} else {
			result, err = app.Engine.ScanNetwork(ctx, scanRange, st)
		}
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		displayCycle(out, result)

		if !scanPorts {
			return nil
		}
		portRange := scanPortRange
		if portRange == "" {
			portRange = cfg.PortScan.PortRange
		}
		summary, err := app.Ports.RunForOnlineHosts(ctx, portscan.Options{PortRange: portRange})
		if err != nil {
			return fmt.Errorf("port scan failed: %w", err)
		}
		displayPortSummary(out, summary)
		return nil
	})
}

// runScanViaDaemon asks the running daemon to sweep and optionally probe
// ports, so the run is serialized with its timers.
func runScanViaDaemon(ctx context.Context, out io.Writer, cfg *config.Config, pid int, st discovery.ScanType) error {
	local := []struct {
		flag string
		set  bool
	}{
		{"--range", scanRange != ""},
		{"--refresh", scanRefresh},
		{"--port-range", scanPortRange != ""},
	}
	for _, f := range local {
		if f.set {
			return fmt.Errorf("%s cannot be used while the daemon is running (PID %d); "+
				"change the schedule with 'lanwatch schedule set' or stop the daemon", f.flag, pid)
		}
	}
	if !cfg.Ops.Enabled {
		return fmt.Errorf("the daemon is running (PID %d) without the ops listener; "+
			"enable ops or stop the daemon to scan", pid)
	}

	client := newOpsClient(cfg)
	fmt.Fprintf(out, "Daemon is running (PID %d), scanning through it\n", pid)

	var result discovery.CycleResult
	if err := client.post(ctx, "/control/scan", url.Values{"type": {string(st)}}, &result); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	displayCycle(out, &result)

	if !scanPorts {
		return nil
	}
	var summary portscan.Summary
	if err := client.post(ctx, "/control/portscan", nil, &summary); err != nil {
		return fmt.Errorf("port scan failed: %w", err)
	}
	displayPortSummary(out, summary)
	return nil
}

func displayCycle(w io.Writer, c *discovery.CycleResult) {
	network := c.Network
	if network == "" {
		network = "(known hosts)"
	}

	table := tablewriter.NewWriter(w)
	table.Header("Cycle", "Type", "Network", "Targets", "Excluded", "Online", "Offline", "Failed", "Plugin", "Duration")
	_ = table.Append([]string{
		c.ID.String()[:8],
		string(c.ScanType),
		network,
		strconv.Itoa(c.Targets),
		strconv.Itoa(c.Excluded),
		strconv.Itoa(c.Online),
		strconv.Itoa(c.Offline),
		strconv.Itoa(c.Failed),
		strconv.Itoa(c.PluginDevices),
		c.Duration().Round(time.Millisecond).String(),
	})
	_ = table.Render()
}

func displayPortSummary(w io.Writer, s portscan.Summary) {
	fmt.Fprintf(w, "\nPort scan: %d host(s) probed, %d failed", s.Probed, s.Failed)
	if s.Aborted {
		fmt.Fprint(w, " (aborted)")
	}
	fmt.Fprintln(w)
}
