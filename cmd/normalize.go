package main

import (
	"fmt"
	"os"

	"github.com/insideestates/estates-etl/internal/etl/resolve"
	"github.com/spf13/cobra"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize <value>...",
	Short: "Print the normalized form of company names or numbers",
	Long: `Prints each argument next to the key the index would store it under.
Use --number to normalize company registration numbers instead of names.`,
	Args:        cobra.MinimumNArgs(1),
	Annotations: map[string]string{modeKey: modeOffline},
	RunE: func(cmd *cobra.Command, args []string) error {
		number, _ := cmd.Flags().GetBool("number")
		norm := resolve.NormalizeName
		if number {
			norm = resolve.NormalizeNumber
		}
		for _, a := range args {
			_, _ = fmt.Fprintf(os.Stdout, "%q\t%q\n", a, norm(a))
		}
		return nil
	},
}

func init() {
	normalizeCmd.Flags().Bool("number", false, "treat arguments as company numbers")
	rootCmd.AddCommand(normalizeCmd)
}
