package ledger

import (
	"testing"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/testutil"
)

func TestIsDoneEmptyLedger(t *testing.T) {
	l := New(testutil.TempDB(t))

	done, err := l.IsDone("a|b")
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if done {
		t.Error("Expected pair not done in empty ledger")
	}
}

func TestRecordThenIsDone(t *testing.T) {
	l := New(testutil.TempDB(t))

	sp := domain.Savepoint{
		PairKey:     "a|b",
		Outcome:     domain.OutcomeSuccess,
		BackupIDs:   []string{"bk-1", "bk-2"},
		ReportRunID: "run-1",
	}
	if err := l.Record(sp); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	done, err := l.IsDone("a|b")
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if !done {
		t.Error("Expected pair done after record")
	}

	got, err := l.Get("a|b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Outcome != domain.OutcomeSuccess {
		t.Errorf("Expected success outcome, got %s", got.Outcome)
	}
	if len(got.BackupIDs) != 2 || got.BackupIDs[0] != "bk-1" {
		t.Errorf("Expected backup IDs round-trip, got %v", got.BackupIDs)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Expected non-zero created_at")
	}
}

func TestRecordDuplicateKeyIsLedgerWriteError(t *testing.T) {
	l := New(testutil.TempDB(t))

	sp := domain.Savepoint{PairKey: "a|b", Outcome: domain.OutcomeSuccess}
	if err := l.Record(sp); err != nil {
		t.Fatalf("First record failed: %v", err)
	}

	err := l.Record(domain.Savepoint{PairKey: "a|b", Outcome: domain.OutcomeMergeFailed})
	if err == nil {
		t.Fatal("Expected error recording duplicate pair key")
	}
	if !domain.IsLedgerWrite(err) {
		t.Errorf("Expected LedgerWriteError, got %v", err)
	}
}

func TestRecordInvalidOutcome(t *testing.T) {
	l := New(testutil.TempDB(t))

	err := l.Record(domain.Savepoint{PairKey: "a|b", Outcome: "bogus"})
	if err == nil {
		t.Fatal("Expected error for invalid outcome")
	}
	if !domain.IsLedgerWrite(err) {
		t.Errorf("Expected LedgerWriteError, got %v", err)
	}
}

func TestListFiltersByOutcome(t *testing.T) {
	l := New(testutil.TempDB(t))

	records := []domain.Savepoint{
		{PairKey: "a|b", Outcome: domain.OutcomeSuccess},
		{PairKey: "c|d", Outcome: domain.OutcomeMergeFailed, Error: "boom"},
		{PairKey: "e|f", Outcome: domain.OutcomeSuccess},
	}
	for _, sp := range records {
		if err := l.Record(sp); err != nil {
			t.Fatalf("Record %s failed: %v", sp.PairKey, err)
		}
	}

	all, err := l.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 savepoints, got %d", len(all))
	}
	// Newest first.
	if all[0].PairKey != "e|f" {
		t.Errorf("Expected e|f first, got %s", all[0].PairKey)
	}

	failed, err := l.List(domain.OutcomeMergeFailed)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Error != "boom" {
		t.Errorf("Expected one failed savepoint with error detail, got %+v", failed)
	}
}

func TestSurvivesReopen(t *testing.T) {
	database := testutil.TempDB(t)
	l := New(database)

	if err := l.Record(domain.Savepoint{PairKey: "a|b", Outcome: domain.OutcomeSuccess}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// A second ledger over the same database sees the savepoint, as a fresh
	// process would after a restart.
	l2 := New(database)
	done, err := l2.IsDone("a|b")
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if !done {
		t.Error("Expected savepoint visible to fresh ledger")
	}
}
