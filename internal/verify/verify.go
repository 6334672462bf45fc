// Package verify implements the two integrity checks bracketing a merge:
// a post-backup check that the snapshot matches live state, and a
// post-merge check that no tickets were lost.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/backup"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/devrev"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/ratelimit"
)

// Remote is the subset of the remote API the verifier consumes.
type Remote interface {
	FetchTickets(ctx context.Context, contactID string) ([]devrev.Ticket, error)
	FetchConversation(ctx context.Context, ticketID string) ([]devrev.ConversationEntry, error)
}

// Verifier re-fetches live state through the rate-limited caller and
// compares it against expected summaries.
type Verifier struct {
	remote Remote
	caller *ratelimit.Caller
	logger *log.Logger
}

// New creates a verifier.
func New(remote Remote, caller *ratelimit.Caller, logger *log.Logger) *Verifier {
	return &Verifier{remote: remote, caller: caller, logger: logger}
}

// VerifyBackup re-reads the persisted snapshot, verifies its checksum, and
// compares its ticket and conversation counts against live state. A checksum
// failure means the snapshot on disk is corrupt; a count mismatch means the
// contact was modified during backup. Either way the pair must not proceed
// to merge.
func (v *Verifier) VerifyBackup(ctx context.Context, rec *backup.Record) error {
	contactID := rec.Contact.RevUserID

	stored, err := backup.Load(rec.Path)
	if err != nil {
		return &domain.VerificationMismatchError{
			Phase: domain.PhaseBackup,
			Detail: fmt.Sprintf("contact %s: snapshot %s unreadable: %v",
				contactID, rec.Path, err),
		}
	}
	ok, err := backup.VerifyChecksum(stored)
	if err != nil {
		return fmt.Errorf("failed to checksum snapshot for %s: %w", contactID, err)
	}
	if !ok {
		return &domain.VerificationMismatchError{
			Phase: domain.PhaseBackup,
			Detail: fmt.Sprintf("contact %s: snapshot %s failed checksum verification",
				contactID, rec.Path),
		}
	}

	live, err := v.liveSummary(ctx, contactID)
	if err != nil {
		return fmt.Errorf("failed to re-fetch state for %s: %w", contactID, err)
	}

	expected := stored.Summary
	expected.Checksum = ""
	if live.TicketCount == expected.TicketCount && equalCounts(live.ConversationCounts, expected.ConversationCounts) {
		return nil
	}

	diff := summaryDiff(expected, *live)
	return &domain.VerificationMismatchError{
		Phase: domain.PhaseBackup,
		Detail: fmt.Sprintf("contact %s: snapshot has %d tickets, live state has %d",
			contactID, expected.TicketCount, live.TicketCount),
		Diff: diff,
	}
}

// VerifyMerge compares the surviving contact's ticket count against the
// combined pre-merge count of both contacts. The remote merge reported
// success; this check catches silently dropped tickets.
func (v *Verifier) VerifyMerge(ctx context.Context, survivorID string, expectedTickets int) error {
	var tickets []devrev.Ticket
	err := v.caller.Execute(ctx, "works.list", func(ctx context.Context) error {
		var opErr error
		tickets, opErr = v.remote.FetchTickets(ctx, survivorID)
		return opErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch merged contact %s: %w", survivorID, err)
	}

	if len(tickets) == expectedTickets {
		return nil
	}

	return &domain.VerificationMismatchError{
		Phase: domain.PhaseMerge,
		Detail: fmt.Sprintf("contact %s: expected %d tickets after merge, found %d",
			survivorID, expectedTickets, len(tickets)),
	}
}

// liveSummary re-fetches the contact's current ticket list and per-ticket
// conversation counts.
func (v *Verifier) liveSummary(ctx context.Context, contactID string) (*backup.Summary, error) {
	var tickets []devrev.Ticket
	err := v.caller.Execute(ctx, "works.list", func(ctx context.Context) error {
		var opErr error
		tickets, opErr = v.remote.FetchTickets(ctx, contactID)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(tickets))
	for _, ticket := range tickets {
		var entries []devrev.ConversationEntry
		err := v.caller.Execute(ctx, "timeline-entries.list", func(ctx context.Context) error {
			var opErr error
			entries, opErr = v.remote.FetchConversation(ctx, ticket.ID)
			return opErr
		})
		if err != nil {
			return nil, err
		}
		counts[ticket.ID] = len(entries)
	}

	return &backup.Summary{
		TicketCount:        len(tickets),
		ConversationCounts: counts,
	}, nil
}

func equalCounts(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// summaryDiff renders a unified diff of two summaries for the mismatch
// report.
func summaryDiff(expected, actual backup.Summary) string {
	expJSON, err := json.MarshalIndent(expected, "", "  ")
	if err != nil {
		return ""
	}
	actJSON, err := json.MarshalIndent(actual, "", "  ")
	if err != nil {
		return ""
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(expJSON)),
		B:        difflib.SplitLines(string(actJSON)),
		FromFile: "snapshot",
		ToFile:   "live",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}
