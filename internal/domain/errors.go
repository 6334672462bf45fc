package domain

import (
	"errors"
	"fmt"
)

// TransientError wraps a failure that is safe to retry: timeouts, HTTP 429,
// and 5xx responses.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that must not be retried: 4xx responses
// other than 429, and malformed or unexpected responses.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: permanent failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: permanent failure: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// BackupIncompleteError marks a backup whose sub-fetches did not all
// complete. A partial backup is never valid; the pair must not advance.
type BackupIncompleteError struct {
	ContactID string
	Step      string
	Err       error
}

func (e *BackupIncompleteError) Error() string {
	return fmt.Sprintf("backup incomplete for contact %s at %s: %v", e.ContactID, e.Step, e.Err)
}

func (e *BackupIncompleteError) Unwrap() error { return e.Err }

// VerificationPhase distinguishes the two verification call sites.
type VerificationPhase string

const (
	// PhaseBackup is the post-backup, pre-merge check.
	PhaseBackup VerificationPhase = "backup"
	// PhaseMerge is the post-merge check against the pre-merge counts.
	PhaseMerge VerificationPhase = "merge"
)

// VerificationMismatchError reports a count or checksum mismatch between an
// expected and an actual summary. A backup-phase mismatch aborts before any
// remote mutation; a merge-phase mismatch flags an already-executed merge
// for manual review.
type VerificationMismatchError struct {
	Phase  VerificationPhase
	Detail string
	Diff   string
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("verification mismatch in %s phase: %s", e.Phase, e.Detail)
}

// LedgerWriteError marks a savepoint write that did not durably complete.
// It is fatal for the run: without the ledger, exactly-once processing
// cannot be guaranteed.
type LedgerWriteError struct {
	PairKey string
	Err     error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("savepoint write failed for pair %s: %v", e.PairKey, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsBackupIncomplete reports whether err is (or wraps) a BackupIncompleteError.
func IsBackupIncomplete(err error) bool {
	var be *BackupIncompleteError
	return errors.As(err, &be)
}

// IsVerificationMismatch reports whether err is (or wraps) a
// VerificationMismatchError, returning it when present.
func IsVerificationMismatch(err error) (*VerificationMismatchError, bool) {
	var ve *VerificationMismatchError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsLedgerWrite reports whether err is (or wraps) a LedgerWriteError.
func IsLedgerWrite(err error) bool {
	var le *LedgerWriteError
	return errors.As(err, &le)
}
