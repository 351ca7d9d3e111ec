package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/insideestates/estates-etl/internal/etl/match"
	"github.com/insideestates/estates-etl/internal/etl/stage"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline",
	Long: `Runs ch_import, lr_import, match and history in that order, halting at the
first failed stage. Inputs come from import.companies_file and
import.titles_dir. Use --stages to run a subset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "run"))

		stagesStr, _ := cmd.Flags().GetString("stages")
		reportPath, _ := cmd.Flags().GetString("report")
		force, _ := cmd.Flags().GetBool("force")
		modeStr, _ := cmd.Flags().GetString("mode")

		mode, err := match.ParseMode(modeStr)
		if err != nil {
			return err
		}
		names := splitList(stagesStr)

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		log.Info("starting pipeline", zap.Strings("stages", names), zap.String("match_mode", string(mode)))
		report, runErr := runStages(ctx, pool, names, stage.Options{
			Force: force,
			Match: match.Options{Mode: mode},
		})
		if report != nil {
			printReport(os.Stdout, report)
			if reportPath != "" {
				if err := report.WriteFile(reportPath); err != nil {
					return err
				}
			}
		}
		return eris.Wrap(runErr, "run")
	},
}

func init() {
	runCmd.Flags().String("stages", "", "comma-separated stages to run (ch_import,lr_import,match,history)")
	runCmd.Flags().String("report", "", "write the run report as YAML to this path")
	runCmd.Flags().Bool("force", false, "re-import land registry files already loaded")
	runCmd.Flags().String("mode", string(match.ModeFull), "match mode: full, no_match, missing")
	rootCmd.AddCommand(runCmd)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// printReport writes one line per stage followed by any findings.
func printReport(out io.Writer, r *stage.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tROWS\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t------\t----\t--------\t-----")
	for _, s := range r.Stages {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.Name,
			s.Status,
			s.Rows,
			s.Duration.Round(time.Millisecond),
			truncate(s.Error, 60),
		)
	}
	_ = w.Flush()

	for _, warning := range r.Warnings() {
		_, _ = fmt.Fprintf(out, "WARNING %s\n", warning)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
