package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/db"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/devrev"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ratelimit"
)

// Remote is the subset of the remote API the backup store consumes.
type Remote interface {
	FetchTickets(ctx context.Context, contactID string) ([]devrev.Ticket, error)
	FetchConversation(ctx context.Context, ticketID string) ([]devrev.ConversationEntry, error)
	FetchAttachments(ctx context.Context, ticketID string) ([]devrev.Attachment, error)
}

// Store fetches and persists contact snapshots. Snapshot files live under
// <dir>/<email>/<runstamp>/<contact>.json and are indexed in the database.
type Store struct {
	dir      string
	remote   Remote
	caller   *ratelimit.Caller
	database *db.DB
	logger   *log.Logger
}

// NewStore creates a backup store rooted at dir.
func NewStore(dir string, remote Remote, caller *ratelimit.Caller, database *db.DB, logger *log.Logger) *Store {
	return &Store{
		dir:      dir,
		remote:   remote,
		caller:   caller,
		database: database,
		logger:   logger,
	}
}

// Backup captures a full snapshot of the contact's mutable remote state.
// Every sub-fetch goes through the rate-limited caller; if any sub-fetch
// fails after retries the partial snapshot is discarded and a
// BackupIncompleteError is returned, since a partial backup is never valid.
func (s *Store) Backup(ctx context.Context, runID, runStamp string, contact domain.Contact) (*Record, error) {
	rec := &Record{
		BackupID:  uuid.NewString(),
		RunID:     runID,
		Contact:   contact,
		CreatedAt: time.Now().UTC(),
	}

	var tickets []devrev.Ticket
	err := s.caller.Execute(ctx, "works.list", func(ctx context.Context) error {
		var opErr error
		tickets, opErr = s.remote.FetchTickets(ctx, contact.RevUserID)
		return opErr
	})
	if err != nil {
		return nil, &domain.BackupIncompleteError{ContactID: contact.RevUserID, Step: "tickets", Err: err}
	}

	conversationCounts := make(map[string]int, len(tickets))
	attachmentCount := 0
	for _, ticket := range tickets {
		tb := TicketBackup{Ticket: ticket}

		err := s.caller.Execute(ctx, "timeline-entries.list", func(ctx context.Context) error {
			var opErr error
			tb.Conversation, opErr = s.remote.FetchConversation(ctx, ticket.ID)
			return opErr
		})
		if err != nil {
			return nil, &domain.BackupIncompleteError{
				ContactID: contact.RevUserID,
				Step:      fmt.Sprintf("conversation %s", ticket.ID),
				Err:       err,
			}
		}

		err = s.caller.Execute(ctx, "artifacts.list", func(ctx context.Context) error {
			var opErr error
			tb.Attachments, opErr = s.remote.FetchAttachments(ctx, ticket.ID)
			return opErr
		})
		if err != nil {
			return nil, &domain.BackupIncompleteError{
				ContactID: contact.RevUserID,
				Step:      fmt.Sprintf("attachments %s", ticket.ID),
				Err:       err,
			}
		}

		conversationCounts[ticket.ID] = len(tb.Conversation)
		attachmentCount += len(tb.Attachments)
		rec.Tickets = append(rec.Tickets, tb)
	}

	rec.Summary = Summary{
		TicketCount:        len(tickets),
		ConversationCounts: conversationCounts,
		AttachmentCount:    attachmentCount,
	}

	data, err := Seal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to seal backup for %s: %w", contact.RevUserID, err)
	}

	path, err := s.write(contact, runStamp, data)
	if err != nil {
		return nil, fmt.Errorf("failed to persist backup for %s: %w", contact.RevUserID, err)
	}
	rec.Path = path

	if err := s.index(rec); err != nil {
		return nil, err
	}

	s.logger.Printf("backed up contact %s: %d tickets, %d messages, %d attachments (%s)",
		contact.RevUserID, rec.Summary.TicketCount, rec.Summary.TotalConversationCount(),
		rec.Summary.AttachmentCount, rec.Summary.Checksum)

	return rec, nil
}

// EstimateSize returns the expected snapshot scope for dry-run reporting,
// based on the ingested ticket count (no remote calls).
func (s *Store) EstimateSize(contact domain.Contact) string {
	return fmt.Sprintf("~%d tickets", contact.TicketCount)
}

// write persists the sealed snapshot bytes, fsyncing before returning so
// verification never races an unflushed file.
func (s *Store) write(contact domain.Contact, runStamp string, data []byte) (string, error) {
	dir := filepath.Join(s.dir, SanitizePathComponent(contact.NormalizedEmail()), runStamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	path := filepath.Join(dir, SanitizePathComponent(contact.RevUserID)+".json")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write backup file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to flush backup file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close backup file: %w", err)
	}

	return path, nil
}

// index records the snapshot in the backups table.
func (s *Store) index(rec *Record) error {
	_, err := s.database.Exec(`
		INSERT INTO backups (backup_id, contact_id, email, run_id, path, checksum,
		                     ticket_count, conversation_count, attachment_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.BackupID, rec.Contact.RevUserID, rec.Contact.NormalizedEmail(), rec.RunID,
		rec.Path, rec.Summary.Checksum, rec.Summary.TicketCount,
		rec.Summary.TotalConversationCount(), rec.Summary.AttachmentCount)
	if err != nil {
		return fmt.Errorf("failed to index backup %s: %w", rec.BackupID, err)
	}
	return nil
}

// Load reads and decodes a snapshot file.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup %s: %w", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", path, err)
	}
	rec.Path = path
	return &rec, nil
}

// List returns index entries, newest first.
func (s *Store) List() ([]IndexEntry, error) {
	rows, err := s.database.Query(`
		SELECT backup_id, contact_id, email, run_id, path, checksum,
		       ticket_count, conversation_count, attachment_count, created_at
		FROM backups ORDER BY created_at DESC, backup_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var createdAt string
		if err := rows.Scan(&e.BackupID, &e.ContactID, &e.Email, &e.RunID, &e.Path,
			&e.Checksum, &e.TicketCount, &e.ConversationCount, &e.AttachmentCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune removes snapshots older than the cutoff from disk and the index,
// returning the number removed. The savepoint ledger is never touched.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	entries, err := s.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove backup %s: %w", e.Path, err)
		}
		if _, err := s.database.Exec("DELETE FROM backups WHERE backup_id = ?", e.BackupID); err != nil {
			return removed, fmt.Errorf("failed to unindex backup %s: %w", e.BackupID, err)
		}
		removed++
	}
	return removed, nil
}

// SanitizePathComponent maps an arbitrary identifier (email, remote contact
// ID) to a filesystem-safe path component: lowercase, with anything outside
// [a-z0-9._-] replaced by '-'.
func SanitizePathComponent(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "unknown"
	}
	return out
}

// RunStamp formats a run start time the way snapshot directories and report
// files are named.
func RunStamp(t time.Time) string {
	return t.UTC().Format("20060102_150405")
}
