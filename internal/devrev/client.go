package devrev

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
)

const (
	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps response bodies (10MB).
	MaxResponseSize = 10 * 1024 * 1024

	// pageLimit is the page size requested from list endpoints.
	pageLimit = 100
)

// Client talks to the DevRev-style API with bearer auth and cursor
// pagination. It performs no rate limiting or retries of its own; callers
// route every method through the rate-limited caller.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the given base URL and API token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// FetchContact retrieves a contact by ID.
func (c *Client) FetchContact(ctx context.Context, contactID string) (*RevUser, error) {
	var resp revUserResponse
	query := url.Values{"id": {contactID}}
	if err := c.get(ctx, "/rev-users.get", query, &resp); err != nil {
		return nil, err
	}
	if resp.RevUser.ID == "" {
		return nil, &domain.PermanentError{
			Op:  "rev-users.get",
			Err: fmt.Errorf("response missing rev_user for %s", contactID),
		}
	}
	return &resp.RevUser, nil
}

// ticketRoles are the works.list filters that can tie a ticket to a
// contact. A ticket matching more than one role is returned once.
var ticketRoles = []string{"owned_by", "created_by", "reported_by"}

// FetchTickets retrieves all tickets owned, created, or reported by the
// contact, following pagination cursors per role and deduplicating by
// ticket ID.
func (c *Client) FetchTickets(ctx context.Context, contactID string) ([]Ticket, error) {
	var tickets []Ticket
	seen := make(map[string]bool)
	for _, role := range ticketRoles {
		cursor := ""
		for {
			query := url.Values{
				"type":  {"ticket"},
				role:    {contactID},
				"limit": {fmt.Sprint(pageLimit)},
			}
			if cursor != "" {
				query.Set("cursor", cursor)
			}

			var resp worksListResponse
			if err := c.get(ctx, "/works.list", query, &resp); err != nil {
				return nil, err
			}
			for _, t := range resp.Works {
				if seen[t.ID] {
					continue
				}
				seen[t.ID] = true
				tickets = append(tickets, t)
			}
			if resp.NextCursor == "" {
				break
			}
			cursor = resp.NextCursor
		}
	}
	return tickets, nil
}

// FetchConversation retrieves the conversation thread for a ticket.
func (c *Client) FetchConversation(ctx context.Context, ticketID string) ([]ConversationEntry, error) {
	var entries []ConversationEntry
	cursor := ""
	for {
		query := url.Values{
			"object": {ticketID},
			"limit":  {fmt.Sprint(pageLimit)},
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var resp timelineListResponse
		if err := c.get(ctx, "/timeline-entries.list", query, &resp); err != nil {
			return nil, err
		}
		entries = append(entries, resp.Entries...)
		if resp.NextCursor == "" {
			return entries, nil
		}
		cursor = resp.NextCursor
	}
}

// FetchAttachments retrieves attachment metadata for a ticket.
func (c *Client) FetchAttachments(ctx context.Context, ticketID string) ([]Attachment, error) {
	var attachments []Attachment
	cursor := ""
	for {
		query := url.Values{
			"parent": {ticketID},
			"limit":  {fmt.Sprint(pageLimit)},
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var resp artifactsListResponse
		if err := c.get(ctx, "/artifacts.list", query, &resp); err != nil {
			return nil, err
		}
		attachments = append(attachments, resp.Artifacts...)
		if resp.NextCursor == "" {
			return attachments, nil
		}
		cursor = resp.NextCursor
	}
}

// MergeContacts merges the duplicate contact into the primary and returns
// the surviving contact ID. The remote operation transfers the duplicate's
// tickets and conversations onto the survivor.
func (c *Client) MergeContacts(ctx context.Context, primaryID, duplicateID string) (string, error) {
	req := mergeRequest{PrimaryUser: primaryID, SecondaryUser: duplicateID}
	var resp mergeResponse
	if err := c.post(ctx, "/rev-users.merge", req, &resp); err != nil {
		return "", err
	}
	if resp.RevUser.ID == "" {
		return "", &domain.PermanentError{
			Op:  "rev-users.merge",
			Err: errors.New("response missing surviving rev_user"),
		}
	}
	return resp.RevUser.ID, nil
}

// UpdateExternalRef sets the external reference on a contact.
func (c *Client) UpdateExternalRef(ctx context.Context, contactID, newRef string) error {
	req := updateRequest{ID: contactID, ExternalRef: newRef}
	var resp revUserResponse
	return c.post(ctx, "/rev-users.update", req, &resp)
}

// get performs a GET request and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &domain.PermanentError{Op: endpoint, Err: err}
	}
	return c.do(endpoint, req, out)
}

// post performs a POST request with a JSON body and decodes the response.
func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &domain.PermanentError{Op: endpoint, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return &domain.PermanentError{Op: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(endpoint, req, out)
}

// do executes the request and classifies failures. Timeouts and connection
// errors are transient; status codes are classified by classifyStatus.
func (c *Client) do(endpoint string, req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &domain.TransientError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return &domain.TransientError{Op: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(data) > MaxResponseSize {
		return &domain.PermanentError{Op: endpoint, Err: fmt.Errorf("response exceeds %d bytes", MaxResponseSize)}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(endpoint, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &domain.PermanentError{Op: endpoint, Err: fmt.Errorf("malformed response: %w", err)}
		}
	}
	return nil
}

// classifyStatus maps an HTTP status to the error taxonomy: 429 and 5xx are
// transient, every other non-200 is permanent.
func classifyStatus(endpoint string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	err := fmt.Errorf("unexpected status: %s", detail)

	if status == http.StatusTooManyRequests || status >= 500 {
		return &domain.TransientError{Op: endpoint, StatusCode: status, Err: err}
	}
	return &domain.PermanentError{Op: endpoint, StatusCode: status, Err: err}
}
