package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/productview/catalog"
	"github.com/warp/productview/mirror"
)

// =============================================================================
// ACTIVE
// =============================================================================

var activeJSON bool

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "Print the active product ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.resolver.ActiveProductIDs(cmd.Context())
		if err != nil {
			return err
		}
		if activeJSON {
			return printJSON(cmd.OutOrStdout(), ids)
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

// =============================================================================
// CONFIG
// =============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage product configurations",
}

type configFlags struct {
	id      string
	product string
	enabled bool
	from    string
	to      string
}

func (f *configFlags) register(cmd *cobra.Command, withID bool) {
	if withID {
		cmd.Flags().StringVar(&f.id, "id", "", "configuration id (generated when empty)")
	}
	cmd.Flags().StringVar(&f.product, "product", "", "product id")
	cmd.Flags().BoolVar(&f.enabled, "enabled", true, "whether the configuration is enabled")
	cmd.Flags().StringVar(&f.from, "from", "", "validity start, RFC 3339")
	cmd.Flags().StringVar(&f.to, "to", "", "validity end, RFC 3339")
}

func (f *configFlags) configuration() (catalog.Configuration, error) {
	cfg := catalog.Configuration{
		ID:        catalog.ConfigID(f.id),
		ProductID: catalog.ProductID(f.product),
		Enabled:   f.enabled,
	}
	var err error
	if f.from != "" {
		if cfg.ValidFrom, err = time.Parse(time.RFC3339Nano, f.from); err != nil {
			return cfg, fmt.Errorf("--from: %w", err)
		}
	}
	if f.to != "" {
		if cfg.ValidTo, err = time.Parse(time.RFC3339Nano, f.to); err != nil {
			return cfg, fmt.Errorf("--to: %w", err)
		}
	}
	return cfg, nil
}

var (
	createFlags configFlags
	updateFlags configFlags
	listProduct string
	listActive  bool
)

var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := createFlags.configuration()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.sync.Create(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var configUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Replace a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := updateFlags.configuration()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.sync.Update(cmd.Context(), catalog.ConfigID(args[0]), in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var configDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.sync.Delete(cmd.Context(), catalog.ConfigID(args[0]))
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a configuration (mirror first, durable fallback)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.resolver.Configuration(cmd.Context(), catalog.ConfigID(args[0]))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configurations from the durable store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.sync.List(cmd.Context(), mirror.ListOptions{
			ProductID:  catalog.ProductID(listProduct),
			ActiveOnly: listActive,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

// =============================================================================
// RECONCILE / VERIFY / RUNS
// =============================================================================

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one Reconcile pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.sync.ReconcileDetailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s (%s): synced=%d failed=%d pruned=%d in %s\n",
			report.RunID, report.Strategy, report.Synced, report.Failed, report.Pruned, report.Duration)
		return nil
	},
}

var verifySample int

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the mirror against the durable store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("sample") {
			cfg.Verify.SampleSize = verifySample
		}
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		consistent, report, err := a.checker.Verify(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if !consistent {
			return fmt.Errorf("mirror is inconsistent with the durable store")
		}
		return nil
	},
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent Reconcile passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.durable.ListReconcileRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), runs)
	},
}

func init() {
	activeCmd.Flags().BoolVar(&activeJSON, "json", false, "print a JSON array")

	createFlags.register(configCreateCmd, true)
	updateFlags.register(configUpdateCmd, false)
	configListCmd.Flags().StringVar(&listProduct, "product", "", "only this product")
	configListCmd.Flags().BoolVar(&listActive, "active", false, "only configurations eligible now")
	configCmd.AddCommand(configCreateCmd, configUpdateCmd, configDeleteCmd, configGetCmd, configListCmd)

	verifyCmd.Flags().IntVar(&verifySample, "sample", 0, "compare a random sample of this size (0 = all)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
