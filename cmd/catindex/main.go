// Package main provides the catindex CLI entry point.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/catindex/pkg/kv"
	"github.com/orneryd/catindex/pkg/reconcile"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// errNotValid makes `validate` exit non-zero when the store has blocking issues.
var errNotValid = errors.New("category index is not valid")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errNotValid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "catindex",
		Short: "catindex - category index reconciliation for the business directory",
		Long: `catindex keeps the directory's category indexes consistent with the
business records they are derived from.

Every business record lists the categories it belongs to; every category
index lists the businesses under it. catindex compares both sides, reports
divergences, and repairs the indexes from the records.

Commands:
  • analyze / reconcile   one business
  • validate / repair     the whole store
  • import / export       JSON dumps of the keyspace
  • keys / aliases        inspection helpers`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("env-file", ".env", "Load environment variables from this file if it exists")
	pf.String("backend", "", "Store backend: badger or memory (env CATINDEX_STORE_BACKEND)")
	pf.String("data-dir", "", "Badger data directory (env CATINDEX_DATA_DIR)")
	pf.String("alias-file", "", "YAML alias table (env CATINDEX_ALIAS_FILE)")
	pf.Int("concurrency", 0, "Parallel record reads during scans (env CATINDEX_SCAN_CONCURRENCY)")
	pf.Duration("timeout", 0, "Abort the command after this long (env CATINDEX_OPERATION_TIMEOUT)")
	pf.String("log-level", "", "debug, info, warn or error (env CATINDEX_LOG_LEVEL)")
	pf.String("log-format", "", "console or json (env CATINDEX_LOG_FORMAT)")
	pf.Bool("no-audit", false, "Do not write the mutation journal")
	pf.Bool("json", false, "Print machine-readable JSON")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "catindex v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "analyze <business-id>",
		Short: "Compare one business's categories with the indexes that list it",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	})

	reconcileCmd := &cobra.Command{
		Use:   "reconcile <business-id>",
		Short: "Fix the index memberships and category count of one business",
		Args:  cobra.ExactArgs(1),
		RunE:  runReconcile,
	}
	reconcileCmd.Flags().Bool("dry-run", false, "Plan the mutations without writing")
	rootCmd.AddCommand(reconcileCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Scan every business and index and report divergences",
		Long:  "Scan every business and index and report divergences. Exits with status 2 when the store is not valid.",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	})

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Rebuild every category index from the business records",
		Args:  cobra.NoArgs,
		RunE:  runRepair,
	}
	repairCmd.Flags().Bool("dry-run", false, "Plan the mutations without writing")
	rootCmd.AddCommand(repairCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "import <dump.json>",
		Short: "Load a JSON keyspace dump into the store",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	})

	exportCmd := &cobra.Command{
		Use:   "export <dump.json>",
		Short: "Write the keyspace to a JSON dump",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().String("prefix", "", "Only export keys with this prefix")
	rootCmd.AddCommand(exportCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "keys [prefix]",
		Short: "List keys and the kind of value each holds",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runKeys,
	})

	aliasesCmd := &cobra.Command{
		Use:   "aliases",
		Short: "Show the category alias table in use",
		Args:  cobra.NoArgs,
		RunE:  runAliases,
	}
	aliasesCmd.Flags().Bool("check", false, "Only verify that the alias table loads")
	rootCmd.AddCommand(aliasesCmd)

	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Query the mutation journal",
		Args:  cobra.NoArgs,
		RunE:  runJournal,
	}
	journalCmd.Flags().String("run", "", "Only events of this run id")
	journalCmd.Flags().String("key", "", "Only events that touched this key")
	journalCmd.Flags().String("entity", "", "Only events made for this business id")
	journalCmd.Flags().Duration("since", 0, "Only events newer than this")
	journalCmd.Flags().Bool("failed", false, "Only failed mutations")
	journalCmd.Flags().Int("limit", 100, "Maximum number of events")
	rootCmd.AddCommand(journalCmd)

	return rootCmd
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := a.context(cmd)
	defer cancel()

	report, err := a.engine.Analyze(ctx, args[0])
	if err != nil {
		return err
	}
	return a.print(report, func(p *printer) { p.report(report) })
}

func runReconcile(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := a.context(cmd)
	defer cancel()

	outcome, err := a.engine.Reconcile(ctx, args[0], reconcile.ReconcileOptions{DryRun: dryRun})
	if outcome != nil {
		if perr := a.print(outcome, func(p *printer) { p.outcome(outcome) }); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if outcome.Failures > 0 {
		return fmt.Errorf("%d of %d steps failed", outcome.Failures, len(outcome.Steps))
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := a.context(cmd)
	defer cancel()

	result, err := a.engine.ValidateAll(ctx)
	if err != nil {
		return err
	}
	if err := a.print(result, func(p *printer) { p.validation(result) }); err != nil {
		return err
	}
	if !result.Valid {
		return errNotValid
	}
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := a.context(cmd)
	defer cancel()

	result, err := a.engine.RepairAll(ctx, reconcile.RepairOptions{DryRun: dryRun})
	if result != nil {
		if perr := a.print(result, func(p *printer) { p.repair(result) }); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("repair finished with %d errors", len(result.Errors))
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := a.context(cmd)
	defer cancel()

	start := time.Now()
	stats, err := kv.ImportFile(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	return a.print(stats, func(p *printer) {
		p.line("✅ Imported %d strings and %d sets (%d members) from %s in %v",
			stats.Strings, stats.Sets, stats.Members, args[0], time.Since(start).Round(time.Millisecond))
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := a.context(cmd)
	defer cancel()

	n, err := kv.ExportFile(ctx, a.store, args[0], prefix)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"path": args[0], "keys": n}, func(p *printer) {
		p.line("✅ Exported %d keys to %s", n, args[0])
	})
}

func runKeys(cmd *cobra.Command, args []string) error {
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := a.context(cmd)
	defer cancel()

	listing, err := listKeys(ctx, a.store, prefix)
	if err != nil {
		return err
	}
	return a.print(listing, func(p *printer) { p.keys(listing) })
}

func runAliases(cmd *cobra.Command, args []string) error {
	check, _ := cmd.Flags().GetBool("check")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	canon, err := loadCanonicalizer(cfg)
	if err != nil {
		return err
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	p := &printer{w: cmd.OutOrStdout()}

	table := canon.Table()
	if check {
		summary := map[string]any{
			"version":     table.Version(),
			"fingerprint": table.Fingerprint(),
			"targets":     len(table.Targets()),
			"variants":    table.Len(),
		}
		if jsonOut {
			return p.json(summary)
		}
		p.line("✅ Alias table %s (%s): %d targets, %d variants",
			table.Version(), table.Fingerprint(), len(table.Targets()), table.Len())
		return nil
	}

	if jsonOut {
		return p.json(map[string]any{
			"version":     table.Version(),
			"fingerprint": table.Fingerprint(),
			"entries":     table.Entries(),
			"catalog":     canon.Catalog(),
		})
	}
	p.aliases(canon)
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	q, err := journalQuery(cmd)
	if err != nil {
		return err
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	p := &printer{w: cmd.OutOrStdout()}

	result, summary, err := queryJournal(cfg.Audit.LogPath, q)
	if err != nil {
		return err
	}
	if jsonOut {
		return p.json(map[string]any{"events": result.Events, "total": result.TotalCount, "hasMore": result.HasMore, "run": summary})
	}
	p.journal(result, summary)
	return nil
}
