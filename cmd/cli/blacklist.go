package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anstrom/lanwatch/internal/blacklist"
	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage addresses excluded from scans",
	Long: `Excluded addresses are skipped by every sweep and refresh, and plugin
reports about them are ignored. Existing records are kept.`,
}

var blacklistAddCmd = &cobra.Command{
	Use:     "add [IP...]",
	Short:   "Exclude addresses from scans",
	Example: `  lanwatch blacklist add 192.168.1.1 192.168.1.254`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runBlacklistAdd,
}

var blacklistRemoveCmd = &cobra.Command{
	Use:     "remove [IP...]",
	Short:   "Include addresses in scans again",
	Example: `  lanwatch blacklist remove 192.168.1.1`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runBlacklistRemove,
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List excluded addresses",
	Args:  cobra.NoArgs,
	RunE:  runBlacklistList,
}

func init() {
	rootCmd.AddCommand(blacklistCmd)
	blacklistCmd.AddCommand(blacklistAddCmd, blacklistRemoveCmd, blacklistListCmd)
}

func withBlacklist(cmd *cobra.Command, fn func(ctx context.Context, f *blacklist.Filter) error) error {
	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		return fn(ctx, blacklist.New(db.NewSettingsRepository(database)))
	})
}

func runBlacklistAdd(cmd *cobra.Command, args []string) error {
	for _, ip := range args {
		if !blacklist.ValidIPv4(ip) {
			return fmt.Errorf("invalid IPv4 address %q", ip)
		}
	}
	return withBlacklist(cmd, func(ctx context.Context, f *blacklist.Filter) error {
		out := cmd.OutOrStdout()
		for _, ip := range args {
			changed, err := f.Add(ctx, ip)
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintf(out, "Excluded %s\n", ip)
			} else {
				fmt.Fprintf(out, "%s is already excluded\n", ip)
			}
		}
		return nil
	})
}

func runBlacklistRemove(cmd *cobra.Command, args []string) error {
	return withBlacklist(cmd, func(ctx context.Context, f *blacklist.Filter) error {
		out := cmd.OutOrStdout()
		for _, ip := range args {
			changed, err := f.Remove(ctx, ip)
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintf(out, "Removed %s from the exclusion list\n", ip)
			} else {
				fmt.Fprintf(out, "%s is not excluded\n", ip)
			}
		}
		return nil
	})
}

func runBlacklistList(cmd *cobra.Command, _ []string) error {
	return withBlacklist(cmd, func(ctx context.Context, f *blacklist.Filter) error {
		displayBlacklist(cmd.OutOrStdout(), f.List(ctx))
		return nil
	})
}

func displayBlacklist(w io.Writer, ips []string) {
	if len(ips) == 0 {
		fmt.Fprintln(w, "No excluded addresses")
		return
	}
	for _, ip := range ips {
		fmt.Fprintln(w, ip)
	}
	fmt.Fprintf(w, "\n%d excluded address(es)\n", len(ips))
}
