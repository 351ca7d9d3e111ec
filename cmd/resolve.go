package main

import (
	"fmt"
	"io"
	"os"

	"github.com/insideestates/estates-etl/internal/etl/resolve"
	"github.com/insideestates/estates-etl/internal/etl/stage"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Explain how one proprietor resolves",
	Long: `Loads the Companies House index and prints every lookup for a single
proprietor along with the tier the matcher would assign.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		number, _ := cmd.Flags().GetString("number")
		category, _ := cmd.Flags().GetString("category")

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		idx, err := resolve.LoadIndex(ctx, pool)
		if err != nil {
			return err
		}
		r := resolve.NewResolver(idx, stage.Policy(cfg.Match))
		printExplanation(os.Stdout, r.Explain(args[0], number, category))
		return nil
	},
}

func init() {
	resolveCmd.Flags().String("number", "", "proprietor's company registration number")
	resolveCmd.Flags().String("category", model.CategoryLimitedCompany, "proprietorship category")
	rootCmd.AddCommand(resolveCmd)
}

func printExplanation(out io.Writer, ex resolve.Explanation) {
	_, _ = fmt.Fprintf(out, "normalized name:   %q\n", ex.NormName)
	_, _ = fmt.Fprintf(out, "normalized number: %q\n", ex.NormNumber)
	_, _ = fmt.Fprintf(out, "eligible:          %t\n", ex.Eligible)
	for _, l := range []struct {
		label string
		e     *resolve.Entity
	}{
		{"name+number", ex.ByNameAndNumber},
		{"number", ex.ByNumber},
		{"current name", ex.ByCurrentName},
		{"previous name", ex.ByHistorical},
	} {
		if l.e == nil {
			_, _ = fmt.Fprintf(out, "%-18s -\n", l.label+":")
			continue
		}
		_, _ = fmt.Fprintf(out, "%-18s %s %s (%s)\n", l.label+":", l.e.Number, l.e.Name, l.e.Status)
	}
	_, _ = fmt.Fprintf(out, "outcome:           %s", ex.Outcome.Tier)
	if ex.Outcome.Tier.Matched() {
		_, _ = fmt.Fprintf(out, " -> %s %s (confidence %.2f)", ex.Outcome.Number, ex.Outcome.Name, ex.Outcome.Confidence)
	}
	_, _ = fmt.Fprintln(out)
}
