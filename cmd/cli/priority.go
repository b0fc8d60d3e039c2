package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/priority"
)

var priorityOverwrite string

var priorityCmd = &cobra.Command{
	Use:   "priority",
	Short: "Show or change source priorities",
	Long: `When several sources report a hostname or vendor for the same host, the
source listed first wins. With overwrite enabled a lower-ranked source may
still fill a field that is currently empty.`,
}

var priorityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the source priority configuration",
	Args:  cobra.NoArgs,
	RunE:  runPriorityShow,
}

var prioritySetCmd = &cobra.Command{
	Use:   "set [hostname|vendor] [source,...]",
	Short: "Replace the ordering for one field",
	Example: `  lanwatch priority set hostname mdns,freebox,unifi,snmp,scanner
  lanwatch priority set vendor unifi,freebox,scanner,snmp,mdns --overwrite=false`,
	Args: cobra.ExactArgs(2),
	RunE: runPrioritySet,
}

var priorityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default source priorities",
	Args:  cobra.NoArgs,
	RunE:  runPriorityReset,
}

func init() {
	rootCmd.AddCommand(priorityCmd)
	priorityCmd.AddCommand(priorityShowCmd, prioritySetCmd, priorityResetCmd)

	prioritySetCmd.Flags().StringVar(&priorityOverwrite, "overwrite", "",
		"Let lower-ranked sources fill empty values (true/false)")
}

func withPriorities(cmd *cobra.Command, fn func(ctx context.Context, m *priority.Manager) error) error {
	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		return fn(ctx, priority.NewManager(db.NewSettingsRepository(database)))
	})
}

func runPriorityShow(cmd *cobra.Command, _ []string) error {
	return withPriorities(cmd, func(ctx context.Context, m *priority.Manager) error {
		displayPriorities(cmd.OutOrStdout(), m.Load(ctx))
		return nil
	})
}

func runPrioritySet(cmd *cobra.Command, args []string) error {
	field, order, err := parsePriorityArgs(args[0], args[1])
	if err != nil {
		return err
	}

	var overwrite *bool
	if priorityOverwrite != "" {
		v, err := strconv.ParseBool(priorityOverwrite)
		if err != nil {
			return fmt.Errorf("invalid --overwrite value %q", priorityOverwrite)
		}
		overwrite = &v
	}

	return withPriorities(cmd, func(ctx context.Context, m *priority.Manager) error {
		cfg := applyPriorityOrder(m.Load(ctx), field, order, overwrite)
		if err := m.Save(ctx, cfg); err != nil {
			return err
		}
		displayPriorities(cmd.OutOrStdout(), cfg)
		return nil
	})
}

func runPriorityReset(cmd *cobra.Command, _ []string) error {
	return withPriorities(cmd, func(ctx context.Context, m *priority.Manager) error {
		if err := m.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Source priorities reset to defaults")
		displayPriorities(cmd.OutOrStdout(), priority.Default())
		return nil
	})
}

// parsePriorityArgs validates a field name and a comma-separated ordering.
// Completeness of the ordering is checked on save.
func parsePriorityArgs(fieldArg, orderArg string) (priority.Field, []priority.Source, error) {
	field := priority.Field(strings.ToLower(strings.TrimSpace(fieldArg)))
	if field != priority.FieldHostname && field != priority.FieldVendor {
		return "", nil, fmt.Errorf("unknown field %q (valid: hostname, vendor)", fieldArg)
	}

	var order []priority.Source
	for _, part := range strings.Split(orderArg, ",") {
		src, ok := priority.ParseSource(part)
		if !ok {
			return "", nil, fmt.Errorf("unknown source %q", strings.TrimSpace(part))
		}
		order = append(order, src)
	}
	return field, order, nil
}

func applyPriorityOrder(cfg priority.Config, field priority.Field, order []priority.Source, overwrite *bool) priority.Config {
	switch field {
	case priority.FieldHostname:
		cfg.Hostname = order
		if overwrite != nil {
			cfg.OverwriteExisting.Hostname = *overwrite
		}
	case priority.FieldVendor:
		cfg.Vendor = order
		if overwrite != nil {
			cfg.OverwriteExisting.Vendor = *overwrite
		}
	}
	return cfg
}

func displayPriorities(w io.Writer, cfg priority.Config) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Order (highest first)", "Overwrite")
	_ = table.Append([]string{
		string(priority.FieldHostname), joinSources(cfg.Hostname), strconv.FormatBool(cfg.OverwriteExisting.Hostname),
	})
	_ = table.Append([]string{
		string(priority.FieldVendor), joinSources(cfg.Vendor), strconv.FormatBool(cfg.OverwriteExisting.Vendor),
	})
	_ = table.Render()
}

func joinSources(order []priority.Source) string {
	parts := make([]string, len(order))
	for i, src := range order {
		parts[i] = string(src)
	}
	return strings.Join(parts, " > ")
}
