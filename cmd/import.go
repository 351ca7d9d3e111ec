package main

import (
	"os"

	"github.com/insideestates/estates-etl/internal/etl/stage"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load source CSV files",
	Long:  "Loads the Companies House register or Land Registry ownership snapshots into Postgres.",
}

var importCompaniesCmd = &cobra.Command{
	Use:   "companies [file]",
	Short: "Import the Companies House register",
	Long: `Upserts BasicCompanyData into companies_house_data by company number.
The file may be a CSV or a zip holding one. Without an argument
import.companies_file is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := stage.Options{}
		if len(args) == 1 {
			opts.CompaniesFile = args[0]
		}

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		report, err := runStages(ctx, pool, []string{stage.CompaniesImport}, opts)
		if report != nil {
			printReport(os.Stdout, report)
		}
		return eris.Wrap(err, "import companies")
	},
}

var importTitlesCmd = &cobra.Command{
	Use:   "titles [path...]",
	Short: "Import Land Registry CCOD/OCOD files",
	Long: `Upserts CCOD and OCOD snapshot files into land_registry_data on
(title_number, file_month). Paths may be files or directories. Dataset,
update type and month come from the file name (e.g. CCOD_FULL_2024_07.csv).
Files already imported are skipped unless --force is given. Without
arguments import.titles_dir is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")

		pool, err := storePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		report, err := runStages(ctx, pool, []string{stage.TitlesImport}, stage.Options{
			TitlePaths: args,
			Force:      force,
		})
		if report != nil {
			printReport(os.Stdout, report)
		}
		return eris.Wrap(err, "import titles")
	},
}

func init() {
	importTitlesCmd.Flags().Bool("force", false, "re-import files already loaded")
	importCmd.AddCommand(importCompaniesCmd, importTitlesCmd)
	rootCmd.AddCommand(importCmd)
}
