package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/backup"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/devrev"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/events"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ledger"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ratelimit"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/report"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/resolver"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/testutil"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/verify"
)

// fakeRemote simulates the remote system in memory, counting every call so
// tests can assert which operations ran.
type fakeRemote struct {
	mu       sync.Mutex
	contacts map[string]*devrev.RevUser
	tickets  map[string][]devrev.Ticket

	fetchTicketsErr map[string]error
	mergeErr        error
	mergeApplies    bool // apply side effects even when mergeErr is set
	mergeDrops      int  // tickets silently lost by the merge
	updateErr       error

	// onConversation runs after each conversation fetch with the call count.
	onConversation func(n int)

	fetchContactCalls     int
	fetchTicketCalls      int
	fetchConversationCall int
	mergeCalls            int
	updateCalls           int
	updatedRefs           map[string]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		contacts:        make(map[string]*devrev.RevUser),
		tickets:         make(map[string][]devrev.Ticket),
		fetchTicketsErr: make(map[string]error),
		updatedRefs:     make(map[string]string),
	}
}

func (f *fakeRemote) addContact(id, email, ref string, ticketCount int) {
	f.contacts[id] = &devrev.RevUser{ID: id, Email: email, ExternalRef: ref}
	for i := 0; i < ticketCount; i++ {
		f.tickets[id] = append(f.tickets[id], devrev.Ticket{
			ID:    fmt.Sprintf("%s-ticket-%d", id, i),
			Title: fmt.Sprintf("Ticket %d", i),
		})
	}
}

func (f *fakeRemote) FetchContact(_ context.Context, contactID string) (*devrev.RevUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchContactCalls++
	user, ok := f.contacts[contactID]
	if !ok {
		return nil, &domain.PermanentError{Op: "rev-users.get", StatusCode: 404, Err: errors.New("not found")}
	}
	copied := *user
	return &copied, nil
}

func (f *fakeRemote) FetchTickets(_ context.Context, contactID string) ([]devrev.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchTicketCalls++
	if err := f.fetchTicketsErr[contactID]; err != nil {
		return nil, err
	}
	return append([]devrev.Ticket(nil), f.tickets[contactID]...), nil
}

func (f *fakeRemote) FetchConversation(_ context.Context, _ string) ([]devrev.ConversationEntry, error) {
	f.mu.Lock()
	f.fetchConversationCall++
	n := f.fetchConversationCall
	hook := f.onConversation
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil, nil
}

func (f *fakeRemote) FetchAttachments(_ context.Context, _ string) ([]devrev.Attachment, error) {
	return nil, nil
}

func (f *fakeRemote) MergeContacts(_ context.Context, primaryID, duplicateID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls++
	if f.mergeErr != nil && !f.mergeApplies {
		return "", f.mergeErr
	}
	f.tickets[primaryID] = append(f.tickets[primaryID], f.tickets[duplicateID]...)
	if f.mergeDrops > 0 {
		merged := f.tickets[primaryID]
		f.tickets[primaryID] = merged[:len(merged)-f.mergeDrops]
	}
	delete(f.tickets, duplicateID)
	delete(f.contacts, duplicateID)
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	return primaryID, nil
}

func (f *fakeRemote) UpdateExternalRef(_ context.Context, contactID, newRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updatedRefs[contactID] = newRef
	return nil
}

type testHarness struct {
	orch   *Orchestrator
	remote *fakeRemote
	ledger *ledger.Ledger
}

func newHarness(t *testing.T, remote *fakeRemote, opts Options) *testHarness {
	t.Helper()
	database := testutil.TempDB(t)
	logger := log.New(io.Discard, "", 0)
	caller := ratelimit.NewCaller(ratelimit.NewLimiter(1000, time.Minute), logger).
		WithRetryPolicy(2, time.Millisecond)
	backups := backup.NewStore(t.TempDir(), remote, caller, database, logger)
	verifier := verify.New(remote, caller, logger)
	led := ledger.New(database)
	ev := events.NewWriter(database.DB)
	return &testHarness{
		orch:   New(remote, caller, backups, verifier, led, ev, logger, opts),
		remote: remote,
		ledger: led,
	}
}

func pairFixture(primaryID, duplicateID, email string, primaryTickets, duplicateTickets int) domain.DuplicatePair {
	return domain.DuplicatePair{
		Primary: domain.Contact{
			RevUserID: primaryID, Email: email, ExternalRef: "REVU-" + primaryID,
			TicketCount: primaryTickets, RefFormat: domain.RefLegacy,
		},
		Duplicate: domain.Contact{
			RevUserID: duplicateID, Email: email, ExternalRef: "user_" + duplicateID,
			TicketCount: duplicateTickets, RefFormat: domain.RefModern,
		},
		Email: email,
	}
}

func runOne(t *testing.T, h *testHarness, pair domain.DuplicatePair) (*report.Report, error) {
	t.Helper()
	rep := report.New("run-test", report.ModeLive, "contacts.csv")
	err := h.orch.Run(context.Background(), resolver.Result{Pairs: []domain.DuplicatePair{pair}}, rep)
	rep.Finalize()
	return rep, err
}

func TestRunHappyPath(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 2)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 2, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Succeeded != 1 {
		t.Errorf("Expected 1 succeeded, got %d", rep.Succeeded)
	}
	if len(rep.Pairs) != 1 || rep.Pairs[0].State != domain.StateRecorded {
		t.Fatalf("Expected recorded pair, got %+v", rep.Pairs)
	}
	if len(rep.Pairs[0].BackupIDs) != 2 {
		t.Errorf("Expected 2 backup IDs, got %v", rep.Pairs[0].BackupIDs)
	}

	sp, err := h.ledger.Get(pair.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sp == nil || sp.Outcome != domain.OutcomeSuccess {
		t.Errorf("Expected success savepoint, got %+v", sp)
	}

	if remote.mergeCalls != 1 {
		t.Errorf("Expected 1 merge call, got %d", remote.mergeCalls)
	}
	if got := remote.updatedRefs["rev-1"]; got != "user_rev-2" {
		t.Errorf("Expected survivor ref user_rev-2, got %q", got)
	}
}

func TestRunSkipsRecordedPair(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 1)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	if err := h.ledger.Record(domain.Savepoint{PairKey: pair.Key(), Outcome: domain.OutcomeSuccess}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", rep.Skipped)
	}
	if remote.mergeCalls != 0 || remote.fetchTicketCalls != 0 {
		t.Errorf("Expected no remote calls for recorded pair, got merge=%d fetch=%d",
			remote.mergeCalls, remote.fetchTicketCalls)
	}
}

func TestDryRunMakesNoRemoteCalls(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 1)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	h := newHarness(t, remote, Options{DryRun: true})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Planned != 1 {
		t.Errorf("Expected 1 planned, got %d", rep.Planned)
	}
	if rep.Pairs[0].Estimate == "" {
		t.Error("Expected a size estimate for planned pair")
	}
	if remote.fetchContactCalls+remote.fetchTicketCalls+remote.mergeCalls+remote.updateCalls != 0 {
		t.Error("Expected zero remote calls in dry-run mode")
	}

	done, err := h.ledger.IsDone(pair.Key())
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if done {
		t.Error("Expected no savepoint after dry run")
	}
}

func TestTransientBackupFailureLeavesNoSavepoint(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 1)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	remote.fetchTicketsErr["rev-1"] = &domain.TransientError{
		Op: "works.list", StatusCode: 503, Err: errors.New("unavailable"),
	}
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", rep.Failed)
	}
	if rep.Pairs[0].State != domain.StateBackupFailed {
		t.Errorf("Expected state backup_failed, got %s", rep.Pairs[0].State)
	}
	if remote.mergeCalls != 0 {
		t.Errorf("Expected no merge after backup failure, got %d calls", remote.mergeCalls)
	}

	// Transient failures stay retryable on the next run.
	done, err := h.ledger.IsDone(pair.Key())
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if done {
		t.Error("Expected no savepoint after transient backup failure")
	}
}

func TestPermanentBackupFailureRecordsSavepoint(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 1)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	remote.fetchTicketsErr["rev-2"] = &domain.PermanentError{
		Op: "works.list", StatusCode: 403, Err: errors.New("forbidden"),
	}
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Pairs[0].State != domain.StateBackupFailed {
		t.Errorf("Expected state backup_failed, got %s", rep.Pairs[0].State)
	}

	sp, err := h.ledger.Get(pair.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sp == nil || sp.Outcome != domain.OutcomeBackupFailed {
		t.Errorf("Expected backup_failed savepoint, got %+v", sp)
	}
}

func TestMergeFailureRecordsMergeFailed(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 1)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	remote.mergeErr = &domain.TransientError{
		Op: "rev-users.merge", StatusCode: 502, Err: errors.New("bad gateway"),
	}
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Pairs[0].State != domain.StateMergeFailed {
		t.Errorf("Expected state merge_failed, got %s", rep.Pairs[0].State)
	}
	if remote.mergeCalls != 1 {
		t.Errorf("Expected exactly 1 merge attempt, got %d", remote.mergeCalls)
	}

	// A merge whose outcome could not be confirmed is never auto-retried.
	sp, err := h.ledger.Get(pair.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sp == nil || sp.Outcome != domain.OutcomeMergeFailed {
		t.Errorf("Expected merge_failed savepoint, got %+v", sp)
	}
}

func TestMergeConfirmedAfterTransportFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 2)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	// The merge applies on the remote side but the response is lost.
	remote.mergeErr = &domain.TransientError{
		Op: "rev-users.merge", Err: errors.New("connection reset"),
	}
	remote.mergeApplies = true
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 2, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Pairs[0].State != domain.StateRecorded {
		t.Fatalf("Expected state recorded, got %s (error %q)", rep.Pairs[0].State, rep.Pairs[0].Error)
	}
	if remote.mergeCalls != 1 {
		t.Errorf("Expected exactly 1 merge attempt, got %d", remote.mergeCalls)
	}

	sp, err := h.ledger.Get(pair.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sp == nil || sp.Outcome != domain.OutcomeSuccess {
		t.Errorf("Expected success savepoint, got %+v", sp)
	}
}

func TestMergeVerificationMismatch(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 2)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	// The merge reports success but silently loses a ticket.
	remote.mergeDrops = 1
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 2, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Pairs[0].State != domain.StateVerificationFailed {
		t.Errorf("Expected state verification_failed, got %s", rep.Pairs[0].State)
	}
	if !strings.Contains(rep.Pairs[0].Error, "merge phase") {
		t.Errorf("Expected merge-phase mismatch, got %q", rep.Pairs[0].Error)
	}

	sp, err := h.ledger.Get(pair.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sp == nil || sp.Outcome != domain.OutcomeVerificationFailed {
		t.Errorf("Expected verification_failed savepoint, got %+v", sp)
	}
}

func TestMergeVerificationUsesSnapshotCounts(t *testing.T) {
	remote := newFakeRemote()
	// The remote holds more tickets than the export knows about.
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 2)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	h := newHarness(t, remote, Options{})

	// Stale export: declares 1+1 while the remote holds 2+1. The merge
	// preserves all 3 tickets, so verification against the pre-merge
	// snapshots must pass.
	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Pairs[0].State != domain.StateRecorded {
		t.Fatalf("Expected state recorded despite stale export counts, got %s (error %q)",
			rep.Pairs[0].State, rep.Pairs[0].Error)
	}
	if len(remote.tickets["rev-1"]) != 3 {
		t.Fatalf("Expected survivor to hold 3 tickets, got %d", len(remote.tickets["rev-1"]))
	}

	sp, err := h.ledger.Get(pair.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sp == nil || sp.Outcome != domain.OutcomeSuccess {
		t.Errorf("Expected success savepoint, got %+v", sp)
	}
}

func TestInterruptBeforeMergeLeavesNoSavepoint(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 1)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Conversation fetches happen twice per contact (backup, then backup
	// verification); the fourth is the last remote call before the merge.
	remote.onConversation = func(n int) {
		if n == 4 {
			cancel()
		}
	}
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	rep := report.New("run-test", report.ModeLive, "contacts.csv")
	err := h.orch.Run(ctx, resolver.Result{Pairs: []domain.DuplicatePair{pair}}, rep)
	rep.Finalize()
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run failed: %v", err)
	}

	if remote.mergeCalls != 0 {
		t.Fatalf("Expected merge never issued after interrupt, got %d calls", remote.mergeCalls)
	}
	if rep.Pairs[0].State != domain.StateMergeFailed {
		t.Errorf("Expected state merge_failed, got %s", rep.Pairs[0].State)
	}

	// The merge was never attempted, so the pair must stay retryable.
	done, err := h.ledger.IsDone(pair.Key())
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if done {
		t.Error("Expected no savepoint when the merge call was never issued")
	}
}

func TestRefUpdateFailureRecordsPartialSuccess(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 1)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	remote.updateErr = &domain.PermanentError{
		Op: "rev-users.update", StatusCode: 400, Err: errors.New("bad request"),
	}
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Partial != 1 {
		t.Errorf("Expected 1 partial, got %d", rep.Partial)
	}
	if rep.Pairs[0].State != domain.StateRecordedPartial {
		t.Errorf("Expected state recorded_partial, got %s", rep.Pairs[0].State)
	}

	sp, err := h.ledger.Get(pair.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sp == nil || sp.Outcome != domain.OutcomePartialSuccess {
		t.Errorf("Expected partial_success savepoint, got %+v", sp)
	}
}

func TestParallelRunRecordsAllPairs(t *testing.T) {
	remote := newFakeRemote()
	var pairs []domain.DuplicatePair
	for i := 0; i < 6; i++ {
		email := fmt.Sprintf("user%d@example.com", i)
		primary := fmt.Sprintf("rev-a%d", i)
		duplicate := fmt.Sprintf("rev-b%d", i)
		remote.addContact(primary, email, "REVU-"+primary, 1)
		remote.addContact(duplicate, email, "user_"+duplicate, 1)
		pairs = append(pairs, pairFixture(primary, duplicate, email, 1, 1))
	}
	h := newHarness(t, remote, Options{Jobs: 3})

	rep := report.New("run-par", report.ModeLive, "contacts.csv")
	if err := h.orch.Run(context.Background(), resolver.Result{Pairs: pairs}, rep); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	rep.Finalize()

	if rep.Succeeded != 6 {
		t.Errorf("Expected 6 succeeded, got %d", rep.Succeeded)
	}
	for _, pair := range pairs {
		done, err := h.ledger.IsDone(pair.Key())
		if err != nil {
			t.Fatalf("IsDone failed: %v", err)
		}
		if !done {
			t.Errorf("Expected savepoint for %s", pair.Key())
		}
	}
	if remote.mergeCalls != 6 {
		t.Errorf("Expected 6 merge calls, got %d", remote.mergeCalls)
	}
}

func TestRerunAfterSuccessIsIdempotent(t *testing.T) {
	remote := newFakeRemote()
	remote.addContact("rev-1", "ana@example.com", "REVU-rev-1", 1)
	remote.addContact("rev-2", "ana@example.com", "user_rev-2", 1)
	h := newHarness(t, remote, Options{})

	pair := pairFixture("rev-1", "rev-2", "ana@example.com", 1, 1)
	if _, err := runOne(t, h, pair); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	rep, err := runOne(t, h, pair)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if rep.Skipped != 1 {
		t.Errorf("Expected pair skipped on rerun, got %+v", rep.Pairs)
	}
	if remote.mergeCalls != 1 {
		t.Errorf("Expected merge executed exactly once across runs, got %d", remote.mergeCalls)
	}
}
