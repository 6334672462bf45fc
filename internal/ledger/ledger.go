// Package ledger implements the durable savepoint ledger guaranteeing
// at-most-once processing of each duplicate pair across process restarts.
// The ledger is strictly append-only: savepoints are inserted once and
// never updated or deleted.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/db"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
)

// Ledger provides read-before-write access to the savepoints table.
type Ledger struct {
	db *db.DB
}

// New creates a ledger over the given database.
func New(database *db.DB) *Ledger {
	return &Ledger{db: database}
}

// IsDone reports whether a savepoint exists for the pair key. Done pairs
// are skipped unconditionally, even in a fresh process.
func (l *Ledger) IsDone(pairKey string) (bool, error) {
	var count int
	err := l.db.QueryRow("SELECT COUNT(*) FROM savepoints WHERE pair_key = ?", pairKey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check savepoint for %s: %w", pairKey, err)
	}
	return count > 0, nil
}

// Get returns the savepoint for a pair key, or sql.ErrNoRows if absent.
func (l *Ledger) Get(pairKey string) (*domain.Savepoint, error) {
	row := l.db.QueryRow(`
		SELECT pair_key, outcome, COALESCE(error, ''), COALESCE(backup_ids, ''),
		       COALESCE(report_run_id, ''), created_at
		FROM savepoints WHERE pair_key = ?
	`, pairKey)
	return scanSavepoint(row)
}

// Record durably writes the savepoint for a pair. It must complete before
// the pair is considered finished; any failure (including a duplicate
// pair_key, which signals double-processing) is a LedgerWriteError and is
// fatal for the run.
func (l *Ledger) Record(sp domain.Savepoint) error {
	if err := domain.ValidateOutcome(sp.Outcome); err != nil {
		return &domain.LedgerWriteError{PairKey: sp.PairKey, Err: err}
	}

	var backupIDs any
	if len(sp.BackupIDs) > 0 {
		data, err := json.Marshal(sp.BackupIDs)
		if err != nil {
			return &domain.LedgerWriteError{PairKey: sp.PairKey, Err: err}
		}
		backupIDs = string(data)
	}

	_, err := l.db.Exec(`
		INSERT INTO savepoints (pair_key, outcome, error, backup_ids, report_run_id)
		VALUES (?, ?, ?, ?, ?)
	`, sp.PairKey, string(sp.Outcome), nullable(sp.Error), backupIDs, nullable(sp.ReportRunID))
	if err != nil {
		return &domain.LedgerWriteError{PairKey: sp.PairKey, Err: err}
	}

	return nil
}

// List returns all savepoints, optionally filtered by outcome, newest first.
func (l *Ledger) List(outcome domain.Outcome) ([]domain.Savepoint, error) {
	query := `
		SELECT pair_key, outcome, COALESCE(error, ''), COALESCE(backup_ids, ''),
		       COALESCE(report_run_id, ''), created_at
		FROM savepoints
	`
	var args []any
	if outcome != "" {
		query += " WHERE outcome = ?"
		args = append(args, string(outcome))
	}
	query += " ORDER BY id DESC"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list savepoints: %w", err)
	}
	defer rows.Close()

	var savepoints []domain.Savepoint
	for rows.Next() {
		sp, err := scanSavepoint(rows)
		if err != nil {
			return nil, err
		}
		savepoints = append(savepoints, *sp)
	}
	return savepoints, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSavepoint(row rowScanner) (*domain.Savepoint, error) {
	var sp domain.Savepoint
	var outcome, backupIDs, createdAt string
	if err := row.Scan(&sp.PairKey, &outcome, &sp.Error, &backupIDs, &sp.ReportRunID, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan savepoint: %w", err)
	}
	sp.Outcome = domain.Outcome(outcome)
	if backupIDs != "" {
		if err := json.Unmarshal([]byte(backupIDs), &sp.BackupIDs); err != nil {
			return nil, fmt.Errorf("failed to decode backup IDs: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		sp.CreatedAt = t
	}
	return &sp, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
