// Package backup captures checksummed point-in-time snapshots of a
// contact's tickets, conversations, and attachment metadata before any
// destructive remote operation.
//
// Snapshots are canonical JSON files organized by contact email and run
// timestamp, indexed in the local database, and retained for a configured
// window.
package backup

import (
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/devrev"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
)

// TicketBackup bundles one ticket with its conversation thread and
// attachment metadata.
type TicketBackup struct {
	Ticket       devrev.Ticket              `json:"ticket"`
	Conversation []devrev.ConversationEntry `json:"conversation,omitempty"`
	Attachments  []devrev.Attachment        `json:"attachments,omitempty"`
}

// Summary is the checksum/count block stored alongside the raw snapshot
// data and compared during verification.
type Summary struct {
	TicketCount        int            `json:"ticket_count"`
	ConversationCounts map[string]int `json:"conversation_counts,omitempty"`
	AttachmentCount    int            `json:"attachment_count"`
	Checksum           string         `json:"checksum,omitempty"`
}

// TotalConversationCount sums the per-ticket message counts.
func (s Summary) TotalConversationCount() int {
	total := 0
	for _, n := range s.ConversationCounts {
		total += n
	}
	return total
}

// Record is a completed backup snapshot: written once, read-only
// thereafter.
type Record struct {
	BackupID  string         `json:"backup_id"`
	RunID     string         `json:"run_id"`
	Contact   domain.Contact `json:"contact"`
	Tickets   []TicketBackup `json:"tickets,omitempty"`
	Summary   Summary        `json:"summary"`
	Path      string         `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

// IndexEntry is the database index row for a stored snapshot.
type IndexEntry struct {
	BackupID          string    `json:"backup_id"`
	ContactID         string    `json:"contact_id"`
	Email             string    `json:"email"`
	RunID             string    `json:"run_id"`
	Path              string    `json:"path"`
	Checksum          string    `json:"checksum"`
	TicketCount       int       `json:"ticket_count"`
	ConversationCount int       `json:"conversation_count"`
	AttachmentCount   int       `json:"attachment_count"`
	CreatedAt         time.Time `json:"created_at"`
}
