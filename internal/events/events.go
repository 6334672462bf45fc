// Package events writes the append-only event log recording every pair
// stage transition and run lifecycle event.
package events

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
)

// Event is a single entry in the event log.
type Event struct {
	RunID     string
	PairKey   string
	EventType string
	Stage     string
	Detail    string
}

// Writer handles writing events to the event log
type Writer struct {
	db *sql.DB
}

// NewWriter creates a new event writer
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// LogEvent writes an event to the event log
func (w *Writer) LogEvent(event *Event) error {
	query := `
		INSERT INTO event_log (run_id, pair_key, event_type, stage, detail)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := w.db.Exec(query, nullable(event.RunID), nullable(event.PairKey),
		event.EventType, nullable(event.Stage), nullable(event.Detail))
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// LogRunStarted logs the start of a run.
func (w *Writer) LogRunStarted(runID, mode, csvPath string) error {
	detail, err := json.Marshal(map[string]any{"mode": mode, "csv": csvPath})
	if err != nil {
		return err
	}
	return w.LogEvent(&Event{
		RunID:     runID,
		EventType: "run.started",
		Detail:    string(detail),
	})
}

// LogRunFinished logs the completion of a run.
func (w *Writer) LogRunFinished(runID string, succeeded, failed, skipped int) error {
	detail, err := json.Marshal(map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
	})
	if err != nil {
		return err
	}
	return w.LogEvent(&Event{
		RunID:     runID,
		EventType: "run.finished",
		Detail:    string(detail),
	})
}

// LogStage logs a pair entering a state-machine stage.
func (w *Writer) LogStage(runID, pairKey string, state domain.PairState) error {
	return w.LogEvent(&Event{
		RunID:     runID,
		PairKey:   pairKey,
		EventType: "pair.stage",
		Stage:     string(state),
	})
}

// LogPairFailed logs a pair's failure with full context.
func (w *Writer) LogPairFailed(runID, pairKey string, state domain.PairState, failure error) error {
	return w.LogEvent(&Event{
		RunID:     runID,
		PairKey:   pairKey,
		EventType: "pair.failed",
		Stage:     string(state),
		Detail:    failure.Error(),
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
