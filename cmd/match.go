package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/insideestates/estates-etl/internal/etl/match"
	"github.com/insideestates/estates-etl/internal/etl/stage"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match proprietors to Companies House",
	Long: `Resolves every proprietor slot of land_registry_data against an in-memory
index of companies_house_data and upserts one row per record into
land_registry_ch_matches.

Modes:
  full        every record
  no_match    records whose stored result has a No_Match slot
  missing     records with no stored result
  date_range  records with file_month between --from and --to`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts, err := parseMatchOpts(cmd)
		if err != nil {
			return err
		}

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		report, err := runStages(ctx, pool, []string{stage.Match}, stage.Options{Match: opts})
		if report != nil {
			printReport(os.Stdout, report)
			for _, s := range report.Stages {
				if st, ok := s.Metadata["stats"].(*match.Stats); ok {
					printTiers(os.Stdout, st.Tiers, st.MatchRate)
				}
			}
		}
		return eris.Wrap(err, "match")
	},
}

var matchStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored match tier counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		tiers, err := match.TierCounts(ctx, pool)
		if err != nil {
			return err
		}
		violations, err := match.CountViolations(ctx, pool)
		if err != nil {
			return err
		}
		printTiers(os.Stdout, tiers, match.Rate(tiers))
		_, _ = fmt.Fprintf(os.Stdout, "slot invariant violations: %d\n", violations)
		return nil
	},
}

func init() {
	matchCmd.Flags().String("mode", string(match.ModeFull), "full, no_match, missing or date_range")
	matchCmd.Flags().String("from", "", "first file month (YYYY-MM or YYYY-MM-DD) for date_range")
	matchCmd.Flags().String("to", "", "last file month (YYYY-MM or YYYY-MM-DD) for date_range")
	matchCmd.Flags().Bool("resume", false, "continue after the last committed chunk of an interrupted run")
	matchCmd.AddCommand(matchStatsCmd)
	rootCmd.AddCommand(matchCmd)
}

// parseMatchOpts extracts match.Options from the cobra command flags.
func parseMatchOpts(cmd *cobra.Command) (match.Options, error) {
	modeStr, _ := cmd.Flags().GetString("mode")
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	resume, _ := cmd.Flags().GetBool("resume")

	mode, err := match.ParseMode(modeStr)
	if err != nil {
		return match.Options{}, err
	}
	opts := match.Options{Mode: mode, Resume: resume}
	if opts.From, err = parseDay(fromStr); err != nil {
		return match.Options{}, err
	}
	if opts.To, err = parseDay(toStr); err != nil {
		return match.Options{}, err
	}
	return opts, opts.Validate()
}

// parseDay accepts YYYY-MM (first of the month) or YYYY-MM-DD. Empty
// yields the zero time.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.DateOnly, "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("invalid date %q (want YYYY-MM or YYYY-MM-DD)", s)
}

func printTiers(out io.Writer, tiers map[string]int64, rate float64) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIER\tSLOTS")
	_, _ = fmt.Fprintln(w, "----\t-----")
	for _, t := range model.Tiers {
		if n, ok := tiers[t.String()]; ok {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", t, n)
		}
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "match rate: %.2f%%\n", rate*100)
}
