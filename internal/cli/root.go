package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vgmerge",
	Short: "Detect and merge duplicate customer contacts in DevRev",
	Long: `vgmerge resolves duplicate customer-contact pairs from a CSV export
and merges each pair in the remote ticketing system: backup, verify,
merge, verify again, record. Every pair is processed at most once;
completed pairs are skipped on re-runs via a durable savepoint ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to database file (overrides VGMERGE_DB_PATH)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, or yaml (overrides VGMERGE_OUTPUT)")
}
