package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON produces a deterministic JSON encoding of a backup record:
// struct fields in declaration order, map keys sorted (encoding/json
// guarantees both), no insignificant whitespace, no HTML escaping. The
// checksum field must be cleared before encoding for checksum computation.
func CanonicalJSON(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(rec); err != nil {
		return nil, fmt.Errorf("failed to encode backup record: %w", err)
	}

	// Remove trailing newline added by Encode
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}

	return result, nil
}

// ComputeChecksum computes the sha256 hash of canonical JSON bytes.
// Returns "sha256:<hex>" format.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Seal computes and stores the record's checksum: the hash is taken over
// the canonical encoding with an empty checksum field, then written into
// the summary.
func Seal(rec *Record) ([]byte, error) {
	rec.Summary.Checksum = ""
	data, err := CanonicalJSON(rec)
	if err != nil {
		return nil, err
	}
	rec.Summary.Checksum = ComputeChecksum(data)

	// Re-encode with the checksum in place; this is the persisted form.
	return CanonicalJSON(rec)
}

// VerifyChecksum recomputes a sealed record's checksum and reports whether
// it matches the stored value.
func VerifyChecksum(rec *Record) (bool, error) {
	stored := rec.Summary.Checksum
	rec.Summary.Checksum = ""
	data, err := CanonicalJSON(rec)
	rec.Summary.Checksum = stored
	if err != nil {
		return false, err
	}
	return ComputeChecksum(data) == stored, nil
}
