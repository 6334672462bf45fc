package report

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/testutil"
)

func TestAddPairCounts(t *testing.T) {
	r := New("run-1", ModeLive, "contacts.csv")

	r.AddPair(PairDetail{PairKey: "a|b", State: domain.StateRecorded})
	r.AddPair(PairDetail{PairKey: "c|d", State: domain.StateRecordedPartial})
	r.AddPair(PairDetail{PairKey: "e|f", State: domain.StateMergeFailed, Error: "boom"})
	r.AddPair(PairDetail{PairKey: "g|h", State: domain.StateVerificationFailed})
	r.AddPair(PairDetail{PairKey: "i|j", State: domain.StateSkipped})

	if r.Succeeded != 1 {
		t.Errorf("Expected 1 succeeded, got %d", r.Succeeded)
	}
	if r.Partial != 1 {
		t.Errorf("Expected 1 partial, got %d", r.Partial)
	}
	if r.Failed != 2 {
		t.Errorf("Expected 2 failed, got %d", r.Failed)
	}
	if r.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", r.Skipped)
	}
}

func TestAmbiguousContacts(t *testing.T) {
	r := New("run-1", ModeLive, "")
	r.AddAmbiguous([]domain.AmbiguousGroup{
		{Email: "a@x.com", Contacts: []domain.Contact{{}, {}}, Reason: domain.AmbiguousSameFormat},
		{Email: "b@x.com", Contacts: []domain.Contact{{}, {}, {}}, Reason: domain.AmbiguousMissingFormat},
	}, []string{"warn"})

	if got := r.AmbiguousContacts(); got != 5 {
		t.Errorf("Expected 5 ambiguous contacts, got %d", got)
	}
	if len(r.Warnings) != 1 {
		t.Errorf("Expected 1 warning, got %d", len(r.Warnings))
	}
}

func TestWriteFile(t *testing.T) {
	r := New("run-1", ModeDryRun, "contacts.csv")
	r.AddPair(PairDetail{PairKey: "a|b", State: domain.StatePending, Estimate: "~5 tickets"})
	r.Finalize()

	dir := t.TempDir()
	path, err := r.WriteFile(dir)
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if !strings.Contains(path, "merge_report_") {
		t.Errorf("Unexpected report filename %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	var loaded Report
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Report is not valid JSON: %v", err)
	}
	if loaded.RunID != "run-1" || loaded.Mode != ModeDryRun {
		t.Errorf("Unexpected report content: %+v", loaded)
	}
	if loaded.Planned != 1 {
		t.Errorf("Expected 1 planned pair, got %d", loaded.Planned)
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	database := testutil.TempDB(t)

	r := New("run-1", ModeLive, "contacts.csv")
	r.AddPair(PairDetail{PairKey: "a|b", State: domain.StateRecorded})
	r.Finalize()
	if err := r.Save(database, "/tmp/report.json"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	runs, err := ListRuns(database)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	if runs[0].Succeeded != 1 {
		t.Errorf("Expected 1 succeeded in summary, got %d", runs[0].Succeeded)
	}

	loaded, err := LoadRun(database, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if len(loaded.Pairs) != 1 || loaded.Pairs[0].PairKey != "a|b" {
		t.Errorf("Expected stored pair detail, got %+v", loaded.Pairs)
	}
}
