package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
)

var statsHours int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show host counts and recent availability",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVar(&statsHours, "hours", 24, "Hours of history to summarize (0 skips history)")
}

func runStats(cmd *cobra.Command, _ []string) error {
	if statsHours < 0 {
		return fmt.Errorf("--hours must not be negative")
	}
	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		hosts := db.NewHostRepository(database)
		stats, err := hosts.Stats(ctx)
		if err != nil {
			return err
		}
		last, err := hosts.LastScanDate(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Hosts:   %d total, %d online, %d offline, %d unknown\n",
			stats.Total, stats.Online, stats.Offline, stats.Unknown)
		if last != nil {
			fmt.Fprintf(out, "Last seen activity: %s\n", last.Local().Format(timeLayout))
		} else {
			fmt.Fprintln(out, "Last seen activity: never")
		}

		if statsHours == 0 {
			return nil
		}
		buckets, err := db.NewHistoryRepository(database).HistoricalStats(ctx, statsHours)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		displayBuckets(out, buckets)
		return nil
	})
}

func displayBuckets(w io.Writer, buckets []db.HistoryBucket) {
	if len(buckets) == 0 {
		fmt.Fprintln(w, "No observations in the selected window")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Hour", "Observations", "Online", "Offline")
	for _, b := range buckets {
		_ = table.Append([]string{
			b.Bucket.Local().Format(timeLayout),
			strconv.FormatInt(b.Total, 10),
			strconv.FormatInt(b.Online, 10),
			strconv.FormatInt(b.Offline, 10),
		})
	}
	_ = table.Render()
}
