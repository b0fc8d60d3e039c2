package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/lanwatch/internal/blacklist"
	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
)

const (
	hoursPerDay        = 24
	defaultHistoryRows = 20
	timeLayout         = "2006-01-02 15:04"
)

var (
	hostsStatus   string
	hostsSearch   string
	hostsPrefix   string
	hostsSort     string
	hostsDesc     bool
	hostsLimit    int
	hostsLastSeen string
	hostsJSON     bool

	hostsHistoryRows int

	purgeHistoryOlderThan string
	purgeAllHosts         bool
)

// hostsCmd represents the hosts command.
var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Inspect and manage host records",
	Long: `View and manage the reconciled host records. Each record holds the
latest MAC, hostname and vendor together with the source that supplied them.`,
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List host records",
	Example: `  lanwatch hosts list
  lanwatch hosts list --status online --sort ip
  lanwatch hosts list --prefix 192.168.1. --last-seen 24h
  lanwatch hosts list --search printer --json`,
	Args: cobra.NoArgs,
	RunE: runHostsList,
}

var hostsShowCmd = &cobra.Command{
	Use:     "show [IP]",
	Short:   "Show one host with its recent history",
	Example: `  lanwatch hosts show 192.168.1.10`,
	Args:    cobra.ExactArgs(1),
	RunE:    runHostsShow,
}

var hostsDeleteCmd = &cobra.Command{
	Use:     "delete [IP]",
	Short:   "Delete a host record",
	Example: `  lanwatch hosts delete 192.168.1.10`,
	Args:    cobra.ExactArgs(1),
	RunE:    runHostsDelete,
}

var hostsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge old history entries or all host records",
	Example: `  lanwatch hosts purge --history-older-than 30d
  lanwatch hosts purge --all`,
	Args: cobra.NoArgs,
	RunE: runHostsPurge,
}

func init() {
	rootCmd.AddCommand(hostsCmd)
	hostsCmd.AddCommand(hostsListCmd, hostsShowCmd, hostsDeleteCmd, hostsPurgeCmd)

	hostsListCmd.Flags().StringVar(&hostsStatus, "status", "", "Filter by status: online, offline, unknown")
	hostsListCmd.Flags().StringVar(&hostsSearch, "search", "", "Match IP, MAC, hostname or vendor")
	hostsListCmd.Flags().StringVar(&hostsPrefix, "prefix", "", "Only addresses starting with this prefix")
	hostsListCmd.Flags().StringVar(&hostsSort, "sort", "", "Sort by ip, mac, hostname, vendor, status, lastSeen, ...")
	hostsListCmd.Flags().BoolVar(&hostsDesc, "desc", false, "Sort descending")
	hostsListCmd.Flags().IntVar(&hostsLimit, "limit", 0, "Maximum number of rows (0 = all)")
	hostsListCmd.Flags().StringVar(&hostsLastSeen, "last-seen", "", "Only hosts seen within this window (1h, 24h, 7d)")
	hostsListCmd.Flags().BoolVar(&hostsJSON, "json", false, "Print JSON instead of a table")

	hostsShowCmd.Flags().IntVar(&hostsHistoryRows, "history", defaultHistoryRows, "History entries to show")

	hostsPurgeCmd.Flags().StringVar(&purgeHistoryOlderThan, "history-older-than", "",
		"Delete history entries older than this window (e.g. 30d)")
	hostsPurgeCmd.Flags().BoolVar(&purgeAllHosts, "all", false, "Delete every host record")
}

// buildHostFilters validates the list flags.
func buildHostFilters() (db.HostFilters, error) {
	filters := db.HostFilters{
		Search:   hostsSearch,
		IPPrefix: hostsPrefix,
		SortBy:   hostsSort,
		SortDesc: hostsDesc,
		Limit:    hostsLimit,
	}

	if hostsStatus != "" {
		if !db.ValidHostStatus(hostsStatus) {
			return filters, fmt.Errorf("invalid status %q (valid: online, offline, unknown)", hostsStatus)
		}
		filters.Status = hostsStatus
	}

	if hostsLastSeen != "" {
		dur, err := parseDuration(hostsLastSeen)
		if err != nil {
			return filters, fmt.Errorf("invalid last-seen window: %w", err)
		}
		after := time.Now().Add(-dur)
		filters.SeenAfter = &after
	}

	if hostsLimit < 0 {
		return filters, fmt.Errorf("limit must not be negative")
	}
	return filters, nil
}

func runHostsList(cmd *cobra.Command, _ []string) error {
	filters, err := buildHostFilters()
	if err != nil {
		return err
	}

	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		filters.ExcludeIPs = blacklist.New(db.NewSettingsRepository(database)).List(ctx)

		repo := db.NewHostRepository(database)
		hosts, err := repo.Find(ctx, filters)
		if err != nil {
			return fmt.Errorf("error querying hosts: %w", err)
		}
		if hostsJSON {
			return writeJSON(cmd.OutOrStdout(), hosts)
		}
		displayHosts(cmd.OutOrStdout(), hosts)

		if filters.Limit > 0 && len(hosts) == filters.Limit {
			total, err := repo.Count(ctx, filters)
			if err != nil {
				return fmt.Errorf("error counting hosts: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Showing %d of %d matching host(s)\n", len(hosts), total)
		}
		return nil
	})
}

func runHostsShow(cmd *cobra.Command, args []string) error {
	ip := args[0]
	if _, err := db.ParseIPAddr(ip); err != nil {
		return err
	}

	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		host, err := db.NewHostRepository(database).Get(ctx, ip)
		if err != nil {
			return err
		}
		if host == nil {
			return fmt.Errorf("host %s not found", ip)
		}
		history, err := db.NewHistoryRepository(database).ForIP(ctx, ip, hostsHistoryRows)
		if err != nil {
			return err
		}
		displayHost(cmd.OutOrStdout(), host, history)
		return nil
	})
}

func runHostsDelete(cmd *cobra.Command, args []string) error {
	ip := args[0]
	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		if err := db.NewHostRepository(database).Delete(ctx, ip); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Host %s deleted\n", ip)
		return nil
	})
}

func runHostsPurge(cmd *cobra.Command, _ []string) error {
	if purgeHistoryOlderThan == "" && !purgeAllHosts {
		return fmt.Errorf("nothing to purge: pass --history-older-than or --all")
	}

	var window time.Duration
	if purgeHistoryOlderThan != "" {
		dur, err := parseDuration(purgeHistoryOlderThan)
		if err != nil {
			return fmt.Errorf("invalid history window: %w", err)
		}
		window = dur
	}

	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		out := cmd.OutOrStdout()
		if window > 0 {
			n, err := db.NewHistoryRepository(database).Purge(ctx, window)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted %d history entries older than %s\n", n, purgeHistoryOlderThan)
		}
		if purgeAllHosts {
			n, err := db.NewHostRepository(database).DeleteAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted %d host records\n", n)
		}
		return nil
	})
}

func displayHosts(w io.Writer, hosts []*db.Host) {
	if len(hosts) == 0 {
		fmt.Fprintln(w, "No hosts found matching the specified criteria")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("IP Address", "Status", "MAC", "Hostname", "Vendor", "Last Seen", "Scans")

	online := 0
	for _, h := range hosts {
		if h.Status == db.HostStatusOnline {
			online++
		}
		_ = table.Append([]string{
			h.IP.String(),
			h.Status,
			sourced(h.MAC, nil),
			sourced(h.Hostname, h.HostnameSource),
			sourced(h.Vendor, h.VendorSource),
			formatDuration(time.Since(h.LastSeen)) + " ago",
			strconv.FormatInt(h.ScanCount, 10),
		})
	}
	_ = table.Render()

	fmt.Fprintf(w, "\n%d host(s), %d online\n", len(hosts), online)
}

func displayHost(w io.Writer, h *db.Host, history []*db.HistoryEntry) {
	fmt.Fprintf(w, "IP:         %s\n", h.IP)
	fmt.Fprintf(w, "Status:     %s\n", h.Status)
	fmt.Fprintf(w, "MAC:        %s\n", sourced(h.MAC, h.MACSource))
	fmt.Fprintf(w, "Hostname:   %s\n", sourced(h.Hostname, h.HostnameSource))
	fmt.Fprintf(w, "Vendor:     %s\n", sourced(h.Vendor, h.VendorSource))
	if h.PingLatencyMs != nil {
		fmt.Fprintf(w, "Latency:    %.2f ms\n", *h.PingLatencyMs)
	}
	fmt.Fprintf(w, "First seen: %s\n", h.FirstSeen.Local().Format(timeLayout))
	fmt.Fprintf(w, "Last seen:  %s\n", h.LastSeen.Local().Format(timeLayout))
	fmt.Fprintf(w, "Scans:      %d\n", h.ScanCount)

	if ports := openPorts(h); len(ports) > 0 {
		fmt.Fprintf(w, "Open ports: %s\n", strings.Join(ports, ", "))
	}

	if len(history) == 0 {
		return
	}
	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.Header("Seen At", "Status", "Latency (ms)")
	for _, e := range history {
		latency := "-"
		if e.PingLatencyMs != nil {
			latency = strconv.FormatFloat(*e.PingLatencyMs, 'f', 2, 64)
		}
		_ = table.Append([]string{e.SeenAt.Local().Format(timeLayout), e.Status, latency})
	}
	_ = table.Render()
}

// openPorts renders the port list kept in AdditionalInfo as "22/tcp".
func openPorts(h *db.Host) []string {
	raw, ok := h.AdditionalInfo.Map()[db.InfoOpenPorts]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var ports []db.OpenPort
	if err := json.Unmarshal(data, &ports); err != nil {
		return nil
	}
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, fmt.Sprintf("%d/%s", p.Port, p.Protocol))
	}
	return out
}

// sourced renders a value with its source, e.g. "nas.lan (mdns)".
func sourced(value, source *string) string {
	if db.IsEmptyValue(value) {
		return "-"
	}
	if source == nil || *source == "" {
		return *value
	}
	return fmt.Sprintf("%s (%s)", *value, *source)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDuration accepts Go durations plus a day suffix ("7d").
func parseDuration(duration string) (time.Duration, error) {
	duration = strings.ToLower(strings.TrimSpace(duration))

	if strings.HasSuffix(duration, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(duration, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid day format: %s", duration)
		}
		return time.Duration(days) * hoursPerDay * time.Hour, nil
	}

	dur, err := time.ParseDuration(duration)
	if err != nil {
		return 0, fmt.Errorf("invalid duration format: %s", duration)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", duration)
	}
	return dur, nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.0fm", d.Minutes())
	case d < hoursPerDay*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%dd", int(d.Hours()/hoursPerDay))
}
