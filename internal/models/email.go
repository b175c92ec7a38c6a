package models

import "time"

// Label kinds as stored in labels.kind.
const (
	LabelKindSystem = "SYSTEM"
	LabelKindUser   = "USER"
)

type Thread struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	ProviderThreadID string     `json:"provider_thread_id"`
	Subject          string     `json:"subject"`
	LastMessageAt    *time.Time `json:"last_message_at"`
	MessageCount     int        `json:"message_count"`
	IsArchived       bool       `json:"is_archived"`
	Messages         []Message  `json:"messages,omitempty"`
}

// Header is a single raw message header, kept in provider order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Message struct {
	ID                string       `json:"id"`
	ThreadID          string       `json:"thread_id"`
	AccountID         string       `json:"account_id"`
	ProviderMessageID string       `json:"provider_message_id"`
	FromAddress       string       `json:"from_address"`
	ToAddresses       []string     `json:"to_addresses"`
	CCAddresses       []string     `json:"cc_addresses"`
	BCCAddresses      []string     `json:"bcc_addresses"`
	Subject           string       `json:"subject"`
	Snippet           string       `json:"snippet"`
	Headers           []Header     `json:"headers"`
	BodyText          *string      `json:"body_text"`
	BodyHTML          *string      `json:"body_html"`
	InternalDate      time.Time    `json:"internal_date"`
	IsRead            bool         `json:"is_read"`
	HasAttachments    bool         `json:"has_attachments"`
	Labels            []string     `json:"labels,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

type Label struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	ProviderLabelID string `json:"provider_label_id"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
}

type Attachment struct {
	ID                   string `json:"id"`
	MessageID            string `json:"message_id"`
	ProviderAttachmentID string `json:"provider_attachment_id,omitempty"`
	Filename             string `json:"filename"`
	MimeType             string `json:"mime_type"`
	SizeBytes            int64  `json:"size_bytes"`
	IsInline             bool   `json:"is_inline"`
	ContentID            string `json:"content_id,omitempty"`
}

// ThreadsResponse is the paginated thread list returned by the API.
type ThreadsResponse struct {
	Threads    []*Thread      `json:"threads"`
	Pagination PaginationInfo `json:"pagination"`
}

type PaginationInfo struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}
