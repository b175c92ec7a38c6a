package gmail

// Profile is the mailbox identity plus the current history id.
type Profile struct {
	EmailAddress string
	HistoryID    string
}

// ListMessagesRequest selects one page of message ids.
type ListMessagesRequest struct {
	Query      string
	PageToken  string
	MaxResults int64
}

// MessagePage is one page of message ids in provider order.
type MessagePage struct {
	MessageIDs    []string
	NextPageToken string
}

type Header struct {
	Name  string
	Value string
}

// Part is one node of a message's MIME tree. Data holds the decoded inline body,
// if any; large attachment bodies are only referenced by AttachmentID.
type Part struct {
	PartID       string
	MIMEType     string
	Filename     string
	Headers      []Header
	Data         []byte
	AttachmentID string
	Size         int64
	Parts        []*Part
}

// Message is a message fetched in full format.
type Message struct {
	ID       string
	ThreadID string
	Snippet  string
	// InternalDate is milliseconds since the epoch; 0 when the provider omitted it.
	InternalDate int64
	LabelIDs     []string
	Payload      *Part
}

type Label struct {
	ID   string
	Name string
	// Type is "system" or "user".
	Type string
}

// History types requested by incremental sync.
const (
	HistoryMessageAdded   = "messageAdded"
	HistoryMessageDeleted = "messageDeleted"
	HistoryLabelAdded     = "labelAdded"
	HistoryLabelRemoved   = "labelRemoved"
)

// HistoryRequest selects one page of change records after StartHistoryID.
type HistoryRequest struct {
	StartHistoryID string
	PageToken      string
	HistoryTypes   []string
	MaxResults     int64
}

// HistoryPage is one page of change records. HistoryID is the mailbox's
// current history id at the time of the call.
type HistoryPage struct {
	Records       []HistoryRecord
	NextPageToken string
	HistoryID     string
}

// HistoryRecord groups the changes recorded under one history id.
type HistoryRecord struct {
	ID              string
	MessagesAdded   []string
	MessagesDeleted []string
	LabelsAdded     []LabelChange
	LabelsRemoved   []LabelChange
}

// LabelChange is a set of labels added to or removed from one message.
type LabelChange struct {
	MessageID string
	LabelIDs  []string
}
