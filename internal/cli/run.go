package cli

import (
	"fmt"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/backup"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/cli/appctx"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/devrev"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/events"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ingest"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ledger"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/orchestrator"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ratelimit"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/report"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/resolver"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/verify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <contacts.csv>",
	Short: "Resolve duplicate pairs from a CSV export and merge them",
	Long: `Loads the contact export, resolves duplicate pairs (legacy "REVU-"
contact is primary, modern "user_" contact is the duplicate), and drives
each pair through backup, verification, merge, and recording.

Pairs already recorded in the savepoint ledger are skipped, so an
interrupted run can be restarted with the same CSV.`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runRun),
}

var (
	runDryRun bool
	runJobs   int
	runLimit  int
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Plan only: no remote calls, no savepoints")
	runCmd.Flags().IntVar(&runJobs, "jobs", 1, "Number of pairs to process concurrently")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "Process at most N pairs (0 = all)")
}

func runRun(app *appctx.App, cmd *cobra.Command, args []string) error {
	csvPath := args[0]
	cfg := app.Config

	if !runDryRun && cfg.APIToken == "" {
		return fmt.Errorf("no API token configured (set VGMERGE_API_TOKEN or VGMERGE_API_TOKEN_FILE)")
	}

	contacts, err := ingest.LoadFile(csvPath)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}

	res := resolver.Resolve(contacts)
	if runLimit > 0 && len(res.Pairs) > runLimit {
		res.Pairs = res.Pairs[:runLimit]
	}

	mode := report.ModeLive
	if runDryRun {
		mode = report.ModeDryRun
	}
	rep := report.New(uuid.NewString(), mode, csvPath)

	logger, logFile, err := openRunLog(cfg.LogDir, rep.StartedAt)
	if err != nil {
		return err
	}
	defer logFile.Close()

	logger.Printf("run %s: %d contacts, %d pairs, %d ambiguous groups (mode %s)",
		rep.RunID, len(contacts), len(res.Pairs), len(res.Ambiguous), mode)

	limiter := ratelimit.NewLimiter(cfg.RateLimitCalls, cfg.RateLimitWindow())
	caller := ratelimit.NewCaller(limiter, logger)
	client := devrev.NewClient(cfg.APIBaseURL, cfg.APIToken)
	backups := backup.NewStore(cfg.BackupDir, client, caller, app.DB, logger)
	verifier := verify.New(client, caller, logger)
	led := ledger.New(app.DB)
	ev := events.NewWriter(app.DB.DB)

	if err := ev.LogRunStarted(rep.RunID, string(mode), csvPath); err != nil {
		return fmt.Errorf("failed to log run start: %w", err)
	}

	orch := orchestrator.New(client, caller, backups, verifier, led, ev, logger,
		orchestrator.Options{DryRun: runDryRun, Jobs: runJobs})

	runErr := orch.Run(cmd.Context(), res, rep)
	rep.Finalize()

	reportPath, reportErr := rep.WriteFile(cfg.ReportDir)
	if reportErr != nil {
		logger.Printf("failed to write report file: %v", reportErr)
	} else {
		logger.Printf("report written to %s", reportPath)
	}
	if err := rep.Save(app.DB, reportPath); err != nil {
		logger.Printf("failed to save run record: %v", err)
	}
	if err := ev.LogRunFinished(rep.RunID, rep.Succeeded, rep.Failed, rep.Skipped); err != nil {
		logger.Printf("failed to log run finish: %v", err)
	}

	printRunSummary(cmd, rep)

	if runErr != nil {
		return fmt.Errorf("run aborted: %w", runErr)
	}
	return nil
}

func printRunSummary(cmd *cobra.Command, rep *report.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:        %s (%s)\n", rep.RunID, rep.Mode)
	if rep.Mode == report.ModeDryRun {
		fmt.Fprintf(out, "Planned:    %d\n", rep.Planned)
	} else {
		fmt.Fprintf(out, "Succeeded:  %d\n", rep.Succeeded)
		fmt.Fprintf(out, "Partial:    %d\n", rep.Partial)
		fmt.Fprintf(out, "Failed:     %d\n", rep.Failed)
	}
	fmt.Fprintf(out, "Skipped:    %d\n", rep.Skipped)
	if n := rep.AmbiguousContacts(); n > 0 {
		fmt.Fprintf(out, "Ambiguous:  %d contacts in %d groups (not processed)\n", n, len(rep.Ambiguous))
	}
}
