// Package domain defines the core types shared across the merge pipeline:
// contacts, duplicate pairs, savepoints, and the error taxonomy.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// RefFormat identifies which external-reference naming scheme a contact uses.
// The format is derived once at ingestion and determines the contact's role
// in a duplicate pair.
type RefFormat string

const (
	// RefLegacy is the old-style "REVU-" external reference.
	RefLegacy RefFormat = "legacy"
	// RefModern is the new-style "user_" external reference.
	RefModern RefFormat = "modern"
	// RefUnknown is anything else; contacts with unknown refs never pair.
	RefUnknown RefFormat = "unknown"
)

const (
	legacyRefPrefix = "REVU-"
	modernRefPrefix = "user_"
)

// FormatOfRef classifies an external reference string.
func FormatOfRef(ref string) RefFormat {
	switch {
	case strings.HasPrefix(ref, legacyRefPrefix):
		return RefLegacy
	case strings.HasPrefix(ref, modernRefPrefix):
		return RefModern
	default:
		return RefUnknown
	}
}

// Contact is a customer-contact record as loaded from the input export.
// Contacts are immutable once loaded; the pipeline never mutates them.
type Contact struct {
	RevUserID   string    `json:"rev_user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	ExternalRef string    `json:"external_ref"`
	FullName    string    `json:"full_name,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	TicketCount int       `json:"ticket_count"`
	RefFormat   RefFormat `json:"ref_format"`
}

// NormalizedEmail returns the contact's email lowercased and trimmed,
// the key used for duplicate grouping.
func (c Contact) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}

// HasProperName reports whether the display name looks like a real person's
// name rather than an email address or a single token.
func (c Contact) HasProperName() bool {
	name := strings.TrimSpace(c.DisplayName)
	if name == "" || strings.Contains(name, "@") {
		return false
	}
	if len(strings.Fields(name)) < 2 {
		return false
	}
	for _, r := range name {
		if ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') {
			return true
		}
	}
	return false
}

// DuplicatePair is a (primary, duplicate) ordering of two contacts sharing a
// normalized email with differing external-reference formats. The
// legacy-format contact is always primary.
type DuplicatePair struct {
	Primary   Contact `json:"primary"`
	Duplicate Contact `json:"duplicate"`
	Email     string  `json:"email"`
}

// Key returns the deterministic savepoint key for the pair.
func (p DuplicatePair) Key() string {
	return p.Primary.RevUserID + "|" + p.Duplicate.RevUserID
}

// CombinedTicketCount sums the export-declared ticket counts of both
// contacts. It is a planning estimate only; verification uses the counts
// captured in the pre-merge snapshots, since the export may be stale.
func (p DuplicatePair) CombinedTicketCount() int {
	return p.Primary.TicketCount + p.Duplicate.TicketCount
}

// AmbiguousReason explains why a same-email group produced no pair.
type AmbiguousReason string

const (
	// AmbiguousSameFormat: more than one contact of the same ref format.
	AmbiguousSameFormat AmbiguousReason = "same-format"
	// AmbiguousMissingFormat: all contacts share one format, none of the other.
	AmbiguousMissingFormat AmbiguousReason = "missing-format"
	// AmbiguousUnknownFormat: a contact's ref matches neither scheme.
	AmbiguousUnknownFormat AmbiguousReason = "unknown-format"
)

// AmbiguousGroup is a same-email group that could not be resolved into a
// pair. Ambiguous groups are reported, never silently skipped.
type AmbiguousGroup struct {
	Email    string          `json:"email"`
	Contacts []Contact       `json:"contacts"`
	Reason   AmbiguousReason `json:"reason"`
	Warnings []string        `json:"warnings,omitempty"`
}

// PairState is a state in the per-pair merge state machine.
type PairState string

const (
	StatePending        PairState = "pending"
	StateBackingUp      PairState = "backing_up"
	StateBackupVerified PairState = "backup_verified"
	StateMerging        PairState = "merging"
	StateMergeVerified  PairState = "merge_verified"
	StateRecorded       PairState = "recorded"
	// StateRecordedPartial: ticket transfer durable and recorded, but the
	// final external-reference update on the survivor failed.
	StateRecordedPartial    PairState = "recorded_partial"
	StateBackupFailed       PairState = "backup_failed"
	StateMergeFailed        PairState = "merge_failed"
	StateVerificationFailed PairState = "verification_failed"
	StateSkipped            PairState = "skipped"
)

// Terminal reports whether the state ends processing for a pair.
func (s PairState) Terminal() bool {
	switch s {
	case StateRecorded, StateRecordedPartial, StateBackupFailed,
		StateMergeFailed, StateVerificationFailed, StateSkipped:
		return true
	}
	return false
}

// Outcome is the savepoint outcome recorded for a pair's terminal state.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomePartialSuccess     Outcome = "partial_success"
	OutcomeBackupFailed       Outcome = "backup_failed"
	OutcomeMergeFailed        Outcome = "merge_failed"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomePermanentError     Outcome = "permanent_error"
)

// ValidateOutcome validates a savepoint outcome value.
func ValidateOutcome(o Outcome) error {
	switch o {
	case OutcomeSuccess, OutcomePartialSuccess, OutcomeBackupFailed,
		OutcomeMergeFailed, OutcomeVerificationFailed, OutcomePermanentError:
		return nil
	default:
		return fmt.Errorf("invalid outcome %q", o)
	}
}

// Savepoint is the durable record that a pair reached a terminal outcome.
// Savepoints are append-only; they are never edited in place.
type Savepoint struct {
	PairKey     string    `json:"pair_key"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	BackupIDs   []string  `json:"backup_ids,omitempty"`
	ReportRunID string    `json:"report_run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
