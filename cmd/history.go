package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/insideestates/estates-etl/internal/etl/history"
	"github.com/insideestates/estates-etl/internal/etl/stage"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Ownership history commands",
	Long:  "Rebuilds, validates and exports ownership_history, one row per ownership episode.",
}

var historyBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Rebuild ownership_history",
	Long: `Truncates ownership_history and rebuilds it from every snapshot in
land_registry_data, in chunks of whole titles. With --resume the rebuild
continues after the last committed title instead of truncating.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		resume, _ := cmd.Flags().GetBool("resume")
		asOfStr, _ := cmd.Flags().GetString("as-of")

		asOf, err := parseDay(asOfStr)
		if err != nil {
			return err
		}

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		report, err := runStages(ctx, pool, []string{stage.History}, stage.Options{
			History: history.Options{Resume: resume, AsOf: asOf},
		})
		if report != nil {
			printReport(os.Stdout, report)
			for _, s := range report.Stages {
				if st, ok := s.Metadata["stats"].(*history.Stats); ok && st.Validation != nil {
					printValidation(os.Stdout, st.Validation)
				}
			}
		}
		return eris.Wrap(err, "history build")
	},
}

var historyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check ownership_history invariants",
	Long: `Counts Previous episodes without an end date that are not inferred
disposals and episodes that do not end where their successor starts, and
prints the status distribution. Exits non-zero when a check fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		report, err := history.Validate(ctx, pool)
		if err != nil {
			return err
		}
		printValidation(os.Stdout, report)
		if !report.Clean() {
			return eris.New("history validate: invariant violations found")
		}
		return nil
	},
}

func init() {
	historyBuildCmd.Flags().Bool("resume", false, "continue after the last committed title")
	historyBuildCmd.Flags().String("as-of", "", "date ongoing durations run to (YYYY-MM or YYYY-MM-DD, default today)")
	historyCmd.AddCommand(historyBuildCmd, historyValidateCmd)
	rootCmd.AddCommand(historyCmd)
}

func printValidation(out io.Writer, r *history.Report) {
	_, _ = fmt.Fprintf(out, "previous without end: %d\n", r.PreviousWithoutEnd)
	_, _ = fmt.Fprintf(out, "adjacency breaks:     %d\n", r.AdjacencyBreaks)
	_, _ = fmt.Fprintf(out, "inferred disposals:   %d\n", r.Inferred)

	statuses := make([]string, 0, len(r.Statuses))
	for s := range r.Statuses {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		_, _ = fmt.Fprintf(out, "status %-14s %d\n", s+":", r.Statuses[s])
	}
}
