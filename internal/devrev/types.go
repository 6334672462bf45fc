// Package devrev is the remote-system collaborator: a thin JSON client for
// the DevRev-style contact and ticketing API. It classifies every failure
// as transient or permanent so the rate-limited caller can decide whether a
// retry is safe.
package devrev

// RevUser is a contact record as returned by rev-users.get.
type RevUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	ExternalRef string `json:"external_ref"`
	FullName    string `json:"full_name,omitempty"`
	// MergedInto is set when the user has been merged into another record.
	MergedInto string `json:"merged_into,omitempty"`
}

// Ticket is a work item owned, created, or reported by a contact.
type Ticket struct {
	ID        string `json:"id"`
	DisplayID string `json:"display_id,omitempty"`
	Title     string `json:"title"`
	Stage     string `json:"stage,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ConversationEntry is one message in a ticket's conversation thread.
type ConversationEntry struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Body      string `json:"body,omitempty"`
	AuthorID  string `json:"author_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Attachment is artifact metadata attached to a ticket. Only metadata is
// captured; attachment bodies are never fetched.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type revUserResponse struct {
	RevUser RevUser `json:"rev_user"`
}

type worksListResponse struct {
	Works      []Ticket `json:"works"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type timelineListResponse struct {
	Entries    []ConversationEntry `json:"timeline_entries"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type artifactsListResponse struct {
	Artifacts  []Attachment `json:"artifacts"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type mergeRequest struct {
	PrimaryUser   string `json:"primary_user"`
	SecondaryUser string `json:"secondary_user"`
}

type mergeResponse struct {
	RevUser RevUser `json:"rev_user"`
}

type updateRequest struct {
	ID          string `json:"id"`
	ExternalRef string `json:"external_ref,omitempty"`
}
