package main

import (
	"fmt"
	"os"

	"github.com/insideestates/estates-etl/internal/export"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var historyExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export ownership_history to SQLite or XLSX",
	Long: `Writes the ownership episodes to a SQLite database or an XLSX workbook.
The format is taken from --format or the file extension (.sqlite, .db,
.xlsx). An existing SQLite file is replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		formatStr, _ := cmd.Flags().GetString("format")
		status, _ := cmd.Flags().GetString("status")
		titles, _ := cmd.Flags().GetStringSlice("title")
		limit, _ := cmd.Flags().GetInt("limit")

		format, err := export.ParseFormat(formatStr, path)
		if err != nil {
			return err
		}
		filter := export.Filter{Titles: titles, Limit: limit}
		switch model.EpisodeStatus(status) {
		case "":
		case model.StatusCurrent, model.StatusPrevious:
			filter.Status = model.EpisodeStatus(status)
		default:
			return eris.Errorf("history export: unknown status %q (want Current or Previous)", status)
		}

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		w, err := export.Create(ctx, format, path)
		if err != nil {
			return err
		}
		n, err := export.Episodes(ctx, pool, filter, w)
		if err != nil {
			return eris.Wrap(err, "history export")
		}
		_, _ = fmt.Fprintf(os.Stdout, "exported %d episodes to %s\n", n, path)
		return nil
	},
}

func init() {
	historyExportCmd.Flags().String("format", "", "sqlite or xlsx (default: from the file extension)")
	historyExportCmd.Flags().String("status", "", "only Current or Previous episodes")
	historyExportCmd.Flags().StringSlice("title", nil, "only these title numbers")
	historyExportCmd.Flags().Int("limit", 0, "maximum episodes to export")
	historyCmd.AddCommand(historyExportCmd)
}
