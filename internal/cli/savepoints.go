package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/cli/appctx"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ledger"
	"github.com/spf13/cobra"
)

var savepointsCmd = &cobra.Command{
	Use:   "savepoints",
	Short: "List recorded savepoints",
	Long: `Lists the append-only savepoint ledger, newest first. A pair with any
savepoint is never processed again; failed outcomes here require manual
review before the pair can be re-attempted.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runSavepoints),
}

var savepointsOutcome string

func init() {
	rootCmd.AddCommand(savepointsCmd)
	savepointsCmd.Flags().StringVar(&savepointsOutcome, "outcome", "", "Filter by outcome (success, partial_success, backup_failed, merge_failed, verification_failed, permanent_error)")
}

func runSavepoints(app *appctx.App, cmd *cobra.Command, args []string) error {
	outcome := domain.Outcome(savepointsOutcome)
	if savepointsOutcome != "" {
		if err := domain.ValidateOutcome(outcome); err != nil {
			return err
		}
	}

	savepoints, err := ledger.New(app.DB).List(outcome)
	if err != nil {
		return fmt.Errorf("failed to list savepoints: %w", err)
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}

	headers := []string{"PAIR", "OUTCOME", "BACKUPS", "RUN", "CREATED", "ERROR"}
	rows := make([][]string, 0, len(savepoints))
	for _, sp := range savepoints {
		errText := sp.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		rows = append(rows, []string{
			sp.PairKey,
			string(sp.Outcome),
			strings.Join(sp.BackupIDs, ","),
			sp.ReportRunID,
			sp.CreatedAt.Format(time.RFC3339),
			errText,
		})
	}
	if err := r.Rows(headers, rows, savepoints); err != nil {
		return err
	}

	if len(savepoints) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no savepoints recorded")
	}
	return nil
}
