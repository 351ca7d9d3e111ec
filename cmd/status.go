package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/insideestates/estates-etl/internal/etl"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stage runs, watermarks and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		pending, err := etl.PendingMigrations(ctx, pool)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(pending) > 0 {
			_, _ = fmt.Fprintf(os.Stdout, "pending migrations: %v (run 'estates-etl migrate')\n\n", pending)
			return nil
		}

		entries, err := etl.NewStageLog(pool).List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		marks, err := etl.NewWatermarks(pool).List(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(entries) == 0 {
			_, _ = fmt.Fprintln(os.Stdout, "no stage runs recorded, run 'estates-etl run' to start")
		} else {
			formatStageEntries(os.Stdout, entries)
		}
		if len(marks) > 0 {
			_, _ = fmt.Fprintln(os.Stdout)
			formatWatermarks(os.Stdout, marks)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 20, "number of stage runs to show (0 for all)")
	rootCmd.AddCommand(statusCmd)
}

// formatStageEntries writes a tabular representation of stage runs to out.
func formatStageEntries(out io.Writer, entries []etl.StageEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tSTAGE\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t-----\t------\t-------\t--------\t----\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID,
			e.RunID.String()[:8],
			e.Stage,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.RowsProcessed,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

// formatWatermarks lists the checkpoints an interrupted run left behind.
func formatWatermarks(out io.Writer, marks []etl.Watermark) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RESUMABLE\tPOSITION\tRUN\tUPDATED")
	for _, m := range marks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			m.Key,
			m.Position,
			m.RunID.String()[:8],
			m.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
