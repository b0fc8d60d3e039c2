package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrateUp,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	Args:  cobra.NoArgs,
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		applied, err := db.NewMigrator(database.DB).Up(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(applied) == 0 {
			fmt.Fprintln(out, "Schema is up to date")
			return nil
		}
		for _, name := range applied {
			fmt.Fprintf(out, "Applied %s\n", name)
		}
		return nil
	})
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		statuses, err := db.NewMigrator(database.DB).Status(ctx)
		if err != nil {
			return err
		}
		displayMigrations(cmd.OutOrStdout(), statuses)
		return nil
	})
}

func displayMigrations(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Status", "Applied At")
	for _, s := range statuses {
		state, at := "pending", "-"
		if s.Applied {
			state = "applied"
			at = s.AppliedAt.Local().Format(timeLayout)
			if s.Drifted {
				state = "applied (modified since)"
			}
		}
		_ = table.Append([]string{s.Name, state, at})
	}
	_ = table.Render()
}
