// Package ingest loads contact records from a CSV export of the remote
// ticketing system. Rows are assumed schema-complete; this package only
// maps columns and derives the external-reference format.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
)

// Required CSV columns. Header matching is case-insensitive.
const (
	colRevUserID   = "REV_USER_ID"
	colDisplayName = "DISPLAY_NAME"
	colEmail       = "EMAIL"
	colExternalRef = "EXTERNAL_REF"
	colTicketCount = "TICKET_COUNT"
)

// Optional columns.
const (
	colFullName  = "FULL_NAME"
	colCreatedAt = "CREATED_AT"
	colUpdatedAt = "UPDATED_AT"
)

// LoadFile reads contacts from a CSV file, preserving row order.
func LoadFile(path string) ([]domain.Contact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open contacts file: %w", err)
	}
	defer f.Close()

	contacts, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return contacts, nil
}

// Load reads contacts from CSV data, preserving row order.
func Load(r io.Reader) ([]domain.Contact, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty input: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colRevUserID, colDisplayName, colEmail, colExternalRef, colTicketCount} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column %s", required)
		}
	}

	var contacts []domain.Contact
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", line+1, err)
		}
		line++

		field := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		ticketCount := 0
		if raw := field(colTicketCount); raw != "" {
			ticketCount, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid ticket count %q", line, raw)
			}
		}

		contact := domain.Contact{
			RevUserID:   field(colRevUserID),
			DisplayName: field(colDisplayName),
			Email:       field(colEmail),
			ExternalRef: field(colExternalRef),
			FullName:    field(colFullName),
			TicketCount: ticketCount,
		}
		contact.RefFormat = domain.FormatOfRef(contact.ExternalRef)
		contact.CreatedAt = parseTime(field(colCreatedAt))
		contact.UpdatedAt = parseTime(field(colUpdatedAt))

		if contact.RevUserID == "" {
			return nil, fmt.Errorf("row %d: empty %s", line, colRevUserID)
		}

		contacts = append(contacts, contact)
	}

	return contacts, nil
}

// parseTime parses an RFC3339 timestamp, returning the zero time for empty
// or unparseable values; timestamps are informational only.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
