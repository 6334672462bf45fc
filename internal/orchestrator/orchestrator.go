// Package orchestrator drives the per-pair merge state machine:
// resolve → backup → verify backup → merge → verify merge → record.
// A pair's failure never aborts the run; only a savepoint-ledger write
// failure is fatal, because without the ledger exactly-once semantics
// cannot be guaranteed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/backup"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/devrev"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/events"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ledger"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ratelimit"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/report"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/resolver"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/verify"
)

// Remote is the full remote-system surface the orchestrator consumes.
type Remote interface {
	FetchContact(ctx context.Context, contactID string) (*devrev.RevUser, error)
	FetchTickets(ctx context.Context, contactID string) ([]devrev.Ticket, error)
	FetchConversation(ctx context.Context, ticketID string) ([]devrev.ConversationEntry, error)
	FetchAttachments(ctx context.Context, ticketID string) ([]devrev.Attachment, error)
	MergeContacts(ctx context.Context, primaryID, duplicateID string) (string, error)
	UpdateExternalRef(ctx context.Context, contactID, newRef string) error
}

// Options configures a run.
type Options struct {
	// DryRun reports planned pairs without any remote mutation or ledger
	// entry.
	DryRun bool
	// Jobs bounds parallel pair processing; 0 or 1 means sequential.
	Jobs int
}

// Orchestrator ties the pipeline components together for one run.
type Orchestrator struct {
	remote   Remote
	caller   *ratelimit.Caller
	backups  *backup.Store
	verifier *verify.Verifier
	ledger   *ledger.Ledger
	events   *events.Writer
	logger   *log.Logger
	opts     Options
}

// New creates an orchestrator.
func New(remote Remote, caller *ratelimit.Caller, backups *backup.Store,
	verifier *verify.Verifier, led *ledger.Ledger, ev *events.Writer,
	logger *log.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		remote:   remote,
		caller:   caller,
		backups:  backups,
		verifier: verifier,
		ledger:   led,
		events:   ev,
		logger:   logger,
		opts:     opts,
	}
}

// Run processes every resolved pair, filling the report as pairs reach
// terminal states. It returns an error only for run-fatal conditions
// (ledger write failure or context cancellation).
func (o *Orchestrator) Run(ctx context.Context, res resolver.Result, rep *report.Report) error {
	rep.AddAmbiguous(res.Ambiguous, res.Warnings)
	for _, g := range res.Ambiguous {
		o.logger.Printf("unresolved group %s (%s): %d contacts not processed", g.Email, g.Reason, len(g.Contacts))
	}
	for _, w := range res.Warnings {
		o.logger.Printf("warning: %s", w)
	}

	runStamp := backup.RunStamp(rep.StartedAt)

	if o.opts.Jobs <= 1 {
		for _, pair := range res.Pairs {
			if err := ctx.Err(); err != nil {
				return err
			}
			detail, fatal := o.processPair(ctx, rep.RunID, runStamp, pair)
			rep.AddPair(detail)
			if fatal != nil {
				return fatal
			}
		}
		return nil
	}

	return o.runParallel(ctx, runStamp, res.Pairs, rep)
}

// runParallel processes pairs with a bounded worker pool. The limiter and
// ledger are shared; the report is guarded by a mutex. The first fatal
// error cancels the remaining work.
func (o *Orchestrator) runParallel(ctx context.Context, runStamp string, pairs []domain.DuplicatePair, rep *report.Report) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		fatalErr error
		wg       sync.WaitGroup
	)
	work := make(chan domain.DuplicatePair)

	for i := 0; i < o.opts.Jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range work {
				detail, fatal := o.processPair(ctx, rep.RunID, runStamp, pair)
				mu.Lock()
				rep.AddPair(detail)
				if fatal != nil && fatalErr == nil {
					fatalErr = fatal
					cancel()
				}
				mu.Unlock()
			}
		}()
	}

	for _, pair := range pairs {
		select {
		case work <- pair:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if fatalErr != nil {
		return fatalErr
	}
	return ctx.Err()
}

// processPair runs one pair through the state machine to a terminal state.
// The returned error is non-nil only for run-fatal conditions.
func (o *Orchestrator) processPair(ctx context.Context, runID, runStamp string, pair domain.DuplicatePair) (report.PairDetail, error) {
	key := pair.Key()
	start := time.Now()
	detail := report.PairDetail{PairKey: key, Email: pair.Email}

	finish := func(state domain.PairState) report.PairDetail {
		detail.State = state
		detail.DurationMS = time.Since(start).Milliseconds()
		return detail
	}

	done, err := o.ledger.IsDone(key)
	if err != nil {
		// A ledger that cannot be read cannot guarantee exactly-once
		// processing; halt the run.
		detail.Error = err.Error()
		return finish(domain.StateSkipped), &domain.LedgerWriteError{PairKey: key, Err: err}
	}
	if done {
		o.logger.Printf("pair %s: already recorded, skipping", key)
		return finish(domain.StateSkipped), nil
	}

	if o.opts.DryRun {
		detail.Estimate = fmt.Sprintf("%s + %s",
			o.backups.EstimateSize(pair.Primary), o.backups.EstimateSize(pair.Duplicate))
		o.logger.Printf("pair %s: dry-run, would merge %s into %s (%s)",
			key, pair.Duplicate.RevUserID, pair.Primary.RevUserID, detail.Estimate)
		return finish(domain.StatePending), nil
	}

	// BackingUp
	o.logStage(runID, key, domain.StateBackingUp)
	primaryBackup, duplicateBackup, err := o.backupPair(ctx, runID, runStamp, pair)
	if err != nil {
		return o.failPair(runID, &detail, finish, domain.StateBackupFailed, err)
	}
	detail.BackupIDs = []string{primaryBackup.BackupID, duplicateBackup.BackupID}

	// BackupVerified (phase 1, both contacts)
	for _, rec := range []*backup.Record{primaryBackup, duplicateBackup} {
		if err := o.verifier.VerifyBackup(ctx, rec); err != nil {
			if _, ok := domain.IsVerificationMismatch(err); ok {
				return o.failPair(runID, &detail, finish, domain.StateVerificationFailed, err)
			}
			return o.failPair(runID, &detail, finish, domain.StateBackupFailed, err)
		}
	}
	o.logStage(runID, key, domain.StateBackupVerified)

	// Merging
	o.logStage(runID, key, domain.StateMerging)
	survivorID, err := o.merge(ctx, pair)
	if err != nil {
		return o.failPair(runID, &detail, finish, domain.StateMergeFailed, err)
	}

	// MergeVerified (phase 2): the expected count comes from the verified
	// pre-merge snapshots, not the CSV, which may be stale by now.
	expectedTickets := primaryBackup.Summary.TicketCount + duplicateBackup.Summary.TicketCount
	if err := o.verifier.VerifyMerge(ctx, survivorID, expectedTickets); err != nil {
		return o.failPair(runID, &detail, finish, domain.StateVerificationFailed, err)
	}
	o.logStage(runID, key, domain.StateMergeVerified)

	// Recorded: the external-reference update runs first so the single
	// savepoint write can carry the success or partial-success outcome.
	// The merge itself is already durable on the remote side either way.
	refErr := o.caller.Execute(ctx, "rev-users.update", func(ctx context.Context) error {
		return o.remote.UpdateExternalRef(ctx, survivorID, pair.Duplicate.ExternalRef)
	})

	outcome := domain.OutcomeSuccess
	state := domain.StateRecorded
	if refErr != nil {
		outcome = domain.OutcomePartialSuccess
		state = domain.StateRecordedPartial
		detail.Error = fmt.Sprintf("merge durable but external-ref update failed: %v", refErr)
		o.logger.Printf("pair %s: %s", key, detail.Error)
	}

	if err := o.record(runID, &detail, outcome, detail.Error); err != nil {
		return finish(state), err
	}
	o.logStage(runID, key, state)
	o.logger.Printf("pair %s: merged %s into %s (%s)", key, pair.Duplicate.RevUserID, survivorID, state)
	return finish(state), nil
}

// backupPair snapshots both contacts of the pair.
func (o *Orchestrator) backupPair(ctx context.Context, runID, runStamp string, pair domain.DuplicatePair) (*backup.Record, *backup.Record, error) {
	primaryBackup, err := o.backups.Backup(ctx, runID, runStamp, pair.Primary)
	if err != nil {
		return nil, nil, err
	}
	duplicateBackup, err := o.backups.Backup(ctx, runID, runStamp, pair.Duplicate)
	if err != nil {
		return nil, nil, err
	}
	return primaryBackup, duplicateBackup, nil
}

// merge executes the non-idempotent remote merge with confirm-before-retry
// semantics: a single attempt, with the outcome independently confirmed
// when the attempt's result is unknown.
func (o *Orchestrator) merge(ctx context.Context, pair domain.DuplicatePair) (string, error) {
	survivorID := ""
	err := o.caller.ExecuteOnce(ctx, "rev-users.merge", func(ctx context.Context) error {
		var opErr error
		survivorID, opErr = o.remote.MergeContacts(ctx, pair.Primary.RevUserID, pair.Duplicate.RevUserID)
		return opErr
	}, func(ctx context.Context) (bool, error) {
		return o.confirmMerged(ctx, pair.Duplicate.RevUserID)
	})
	if err != nil {
		return "", err
	}
	if survivorID == "" {
		// Confirmed via remote state rather than the merge response.
		survivorID = pair.Primary.RevUserID
	}
	return survivorID, nil
}

// confirmMerged checks whether the duplicate contact has already been
// absorbed: either it is gone (404) or it carries a merged_into marker.
func (o *Orchestrator) confirmMerged(ctx context.Context, duplicateID string) (bool, error) {
	user, err := o.remote.FetchContact(ctx, duplicateID)
	if err != nil {
		var pe *domain.PermanentError
		if errors.As(err, &pe) && pe.StatusCode == 404 {
			return true, nil
		}
		return false, err
	}
	return user.MergedInto != "", nil
}

// failPair finalizes a failed pair: full-context logging, an event-log
// entry, and (for mismatches and permanent errors) a failure savepoint.
// Transient failures leave no savepoint so a later run can retry the pair;
// merge-stage failures leave one because the attempt's side effects may be
// partially applied, unless the merge call was never issued at all.
func (o *Orchestrator) failPair(runID string, detail *report.PairDetail,
	finish func(domain.PairState) report.PairDetail, state domain.PairState, cause error) (report.PairDetail, error) {

	detail.Error = cause.Error()
	if ve, ok := domain.IsVerificationMismatch(cause); ok {
		detail.Diff = ve.Diff
	}
	o.logger.Printf("pair %s: stage %s failed: %v", detail.PairKey, state, cause)
	if err := o.events.LogPairFailed(runID, detail.PairKey, state, cause); err != nil {
		o.logger.Printf("pair %s: failed to log event: %v", detail.PairKey, err)
	}

	outcome, record := failureOutcome(state, cause)
	if !record {
		return finish(state), nil
	}
	if err := o.record(runID, detail, outcome, detail.Error); err != nil {
		return finish(state), err
	}
	return finish(state), nil
}

// failureOutcome maps a failure to its savepoint outcome and whether a
// savepoint is written at all.
func failureOutcome(state domain.PairState, cause error) (domain.Outcome, bool) {
	switch state {
	case domain.StateVerificationFailed:
		return domain.OutcomeVerificationFailed, true
	case domain.StateMergeFailed:
		if errors.Is(cause, ratelimit.ErrNotAttempted) {
			// The merge call was never issued (interrupted while waiting
			// for a rate-limit slot), so the pair is safe to retry.
			return "", false
		}
		return domain.OutcomeMergeFailed, true
	case domain.StateBackupFailed:
		if domain.IsPermanent(cause) {
			if domain.IsBackupIncomplete(cause) {
				return domain.OutcomeBackupFailed, true
			}
			return domain.OutcomePermanentError, true
		}
		return "", false
	}
	return domain.OutcomePermanentError, domain.IsPermanent(cause)
}

// record writes the pair's savepoint. A write failure is fatal for the run.
func (o *Orchestrator) record(runID string, detail *report.PairDetail, outcome domain.Outcome, errText string) error {
	sp := domain.Savepoint{
		PairKey:     detail.PairKey,
		Outcome:     outcome,
		Error:       errText,
		BackupIDs:   detail.BackupIDs,
		ReportRunID: runID,
	}
	if err := o.ledger.Record(sp); err != nil {
		o.logger.Printf("FATAL: pair %s: %v", detail.PairKey, err)
		return err
	}
	return nil
}

func (o *Orchestrator) logStage(runID, pairKey string, state domain.PairState) {
	if err := o.events.LogStage(runID, pairKey, state); err != nil {
		o.logger.Printf("pair %s: failed to log stage %s: %v", pairKey, state, err)
	}
}
