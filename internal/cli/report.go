package cli

import (
	"fmt"
	"strconv"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/cli/appctx"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/report"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "List stored runs, or show one run's full report",
	Args:  cobra.MaximumNArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runReport),
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(app *appctx.App, cmd *cobra.Command, args []string) error {
	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		rep, err := report.LoadRun(app.DB, args[0])
		if err != nil {
			return err
		}
		// Full reports are structured; table output falls back to JSON.
		return r.JSON(rep)
	}

	runs, err := report.ListRuns(app.DB)
	if err != nil {
		return err
	}

	headers := []string{"RUN", "MODE", "STARTED", "OK", "PARTIAL", "FAILED", "SKIPPED", "AMBIGUOUS"}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.RunID, run.Mode, run.StartedAt,
			strconv.Itoa(run.Succeeded), strconv.Itoa(run.Partial),
			strconv.Itoa(run.Failed), strconv.Itoa(run.Skipped),
			strconv.Itoa(run.Ambiguous),
		})
	}
	if err := r.Rows(headers, rows, runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs stored")
	}
	return nil
}
