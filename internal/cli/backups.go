package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/backup"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/cli/appctx"
	"github.com/spf13/cobra"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and prune contact snapshots",
}

var backupsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List indexed snapshots, newest first",
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runBackupsLs),
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove snapshots older than the retention window",
	Long: `Removes snapshot files and their index rows once they pass the
retention window. The savepoint ledger is never touched; pruning a
backup does not make its pair eligible again.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runBackupsPrune),
}

var (
	pruneOlderThan int
	pruneDryRun    bool
)

func init() {
	rootCmd.AddCommand(backupsCmd)
	backupsCmd.AddCommand(backupsLsCmd)
	backupsCmd.AddCommand(backupsPruneCmd)
	backupsPruneCmd.Flags().IntVar(&pruneOlderThan, "older-than", 0, "Retention in days (defaults to configured retention)")
	backupsPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "List what would be removed without removing it")
}

// backupStore builds a store for local index operations; no remote calls
// are made by ls or prune.
func backupStore(app *appctx.App, cmd *cobra.Command) *backup.Store {
	return backup.NewStore(app.Config.BackupDir, nil, nil, app.DB, commandLogger(cmd))
}

func runBackupsLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	entries, err := backupStore(app, cmd).List()
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}

	headers := []string{"BACKUP", "CONTACT", "EMAIL", "TICKETS", "MESSAGES", "CREATED"}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.BackupID, e.ContactID, e.Email,
			strconv.Itoa(e.TicketCount), strconv.Itoa(e.ConversationCount),
			e.CreatedAt.Format(time.RFC3339),
		})
	}
	if err := r.Rows(headers, rows, entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no backups indexed")
	}
	return nil
}

func runBackupsPrune(app *appctx.App, cmd *cobra.Command, args []string) error {
	retention := app.Config.RetentionWindow()
	if pruneOlderThan > 0 {
		retention = time.Duration(pruneOlderThan) * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	store := backupStore(app, cmd)
	if pruneDryRun {
		entries, err := store.List()
		if err != nil {
			return err
		}
		count := 0
		for _, e := range entries {
			if e.CreatedAt.Before(cutoff) {
				fmt.Fprintf(cmd.OutOrStdout(), "would remove %s (%s, %s)\n",
					e.BackupID, e.Email, e.CreatedAt.Format(time.RFC3339))
				count++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d snapshots older than %s\n", count, cutoff.Format(time.RFC3339))
		return nil
	}

	removed, err := store.Prune(cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d snapshots older than %s\n", removed, cutoff.Format(time.RFC3339))
	return nil
}
