// Package report builds the run-lifetime merge report: aggregate counts
// plus per-pair terminal detail, written as a JSON artifact and summarized
// into the runs table.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/backup"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/db"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
)

// Mode distinguishes live runs from dry runs.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeDryRun Mode = "dry-run"
)

// PairDetail is the terminal record for one pair in a run.
type PairDetail struct {
	PairKey    string           `json:"pair_key"`
	Email      string           `json:"email"`
	State      domain.PairState `json:"state"`
	Error      string           `json:"error,omitempty"`
	Diff       string           `json:"diff,omitempty"`
	BackupIDs  []string         `json:"backup_ids,omitempty"`
	Estimate   string           `json:"estimate,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
}

// Report is the aggregate artifact for one run.
type Report struct {
	RunID      string                  `json:"run_id"`
	Mode       Mode                    `json:"mode"`
	CSVPath    string                  `json:"csv_path,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
	Succeeded  int                     `json:"succeeded"`
	Partial    int                     `json:"partial"`
	Failed     int                     `json:"failed"`
	Skipped    int                     `json:"skipped"`
	Planned    int                     `json:"planned,omitempty"`
	Pairs      []PairDetail            `json:"pairs,omitempty"`
	Ambiguous  []domain.AmbiguousGroup `json:"ambiguous,omitempty"`
	Warnings   []string                `json:"warnings,omitempty"`
}

// New starts a report for a run.
func New(runID string, mode Mode, csvPath string) *Report {
	return &Report{
		RunID:     runID,
		Mode:      mode,
		CSVPath:   csvPath,
		StartedAt: time.Now().UTC(),
	}
}

// AddPair appends a pair's terminal detail and updates the aggregate
// counts.
func (r *Report) AddPair(detail PairDetail) {
	r.Pairs = append(r.Pairs, detail)
	switch detail.State {
	case domain.StateRecorded:
		r.Succeeded++
	case domain.StateRecordedPartial:
		r.Partial++
	case domain.StateSkipped:
		r.Skipped++
	case domain.StatePending:
		// Dry-run planned pair, counted separately.
		r.Planned++
	default:
		r.Failed++
	}
}

// AddAmbiguous appends unresolved groups and warnings from resolution.
func (r *Report) AddAmbiguous(groups []domain.AmbiguousGroup, warnings []string) {
	r.Ambiguous = append(r.Ambiguous, groups...)
	r.Warnings = append(r.Warnings, warnings...)
}

// AmbiguousContacts counts contacts stuck in unresolved groups.
func (r *Report) AmbiguousContacts() int {
	total := 0
	for _, g := range r.Ambiguous {
		total += len(g.Contacts)
	}
	return total
}

// Finalize stamps the end time.
func (r *Report) Finalize() {
	r.FinishedAt = time.Now().UTC()
}

// WriteFile writes the report JSON to dir as merge_report_<runstamp>.json
// and returns the path.
func (r *Report) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("merge_report_%s.json", backup.RunStamp(r.StartedAt)))
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// Save persists the run summary and full report JSON into the runs table.
func (r *Report) Save(database *db.DB, reportPath string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report for storage: %w", err)
	}

	finished := any(nil)
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.Format(time.RFC3339)
	}

	_, err = database.Exec(`
		INSERT INTO runs (run_id, mode, csv_path, started_at, finished_at,
		                  succeeded, partial, failed, skipped, ambiguous,
		                  report_path, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, string(r.Mode), r.CSVPath, r.StartedAt.Format(time.RFC3339), finished,
		r.Succeeded, r.Partial, r.Failed, r.Skipped, r.AmbiguousContacts(),
		reportPath, string(data))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.RunID, err)
	}
	return nil
}

// RunSummary is a stored run's headline row.
type RunSummary struct {
	RunID      string `json:"run_id"`
	Mode       string `json:"mode"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Succeeded  int    `json:"succeeded"`
	Partial    int    `json:"partial"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Ambiguous  int    `json:"ambiguous"`
	ReportPath string `json:"report_path,omitempty"`
}

// ListRuns returns stored run summaries, newest first.
func ListRuns(database *db.DB) ([]RunSummary, error) {
	rows, err := database.Query(`
		SELECT run_id, mode, started_at, COALESCE(finished_at, ''),
		       succeeded, partial, failed, skipped, ambiguous, COALESCE(report_path, '')
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Mode, &r.StartedAt, &r.FinishedAt,
			&r.Succeeded, &r.Partial, &r.Failed, &r.Skipped, &r.Ambiguous, &r.ReportPath); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LoadRun returns the full stored report for a run ID.
func LoadRun(database *db.DB, runID string) (*Report, error) {
	var data string
	err := database.QueryRow("SELECT report_json FROM runs WHERE run_id = ?", runID).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var r Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode stored report %s: %w", runID, err)
	}
	return &r, nil
}
