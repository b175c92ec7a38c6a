package mailsync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/gmail"
	"github.com/vdavid/mailmirror/internal/models"
)

// memStore is an in-memory Store that follows the Postgres store's semantics
// and counts mirror writes (sync state writes are counted separately).
type memStore struct {
	mu sync.Mutex

	writes      int
	stateWrites int
	renewals    int

	connected     map[string]bool
	states        map[string]*models.SyncState
	threads       map[string]*models.Thread // by id
	messages      map[string]*models.Message
	labels        map[string]*models.Label
	messageLabels map[string]map[string]bool
	attachments   map[string][]models.Attachment
	upsertOrder   []string

	upsertMessageErr error
}

func newMemStore() *memStore {
	return &memStore{
		connected:     make(map[string]bool),
		states:        make(map[string]*models.SyncState),
		threads:       make(map[string]*models.Thread),
		messages:      make(map[string]*models.Message),
		labels:        make(map[string]*models.Label),
		messageLabels: make(map[string]map[string]bool),
		attachments:   make(map[string][]models.Attachment),
	}
}

var _ Store = (*memStore)(nil)

func (s *memStore) AcquireSync(_ context.Context, accountID string, lease time.Duration) (*models.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	state, ok := s.states[accountID]
	if !ok {
		state = &models.SyncState{AccountID: accountID}
		s.states[accountID] = state
	} else if state.Status == models.SyncStatusRunning && state.UpdatedAt.After(now.Add(-lease)) {
		return nil, ErrSyncInProgress
	}
	state.Status = models.SyncStatusRunning
	state.UpdatedAt = now
	s.stateWrites++

	out := *state
	return &out, nil
}

// RenewSyncClaim is counted apart from stateWrites; it changes nothing a reader sees.
func (s *memStore) RenewSyncClaim(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[accountID]; ok && state.Status == models.SyncStatusRunning {
		state.UpdatedAt = time.Now()
		s.renewals++
	}
	return nil
}

func (s *memStore) SaveSyncCursor(_ context.Context, accountID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	state, ok := s.states[accountID]
	if !ok {
		state = &models.SyncState{AccountID: accountID}
		s.states[accountID] = state
	}
	state.HistoryCursor = cursor
	state.Status = models.SyncStatusIdle
	state.ErrorMessage = nil
	state.LastSyncedAt = &now
	state.UpdatedAt = now
	s.stateWrites++
	return nil
}

func (s *memStore) MarkSyncIdle(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[accountID]; ok {
		now := time.Now()
		state.Status = models.SyncStatusIdle
		state.ErrorMessage = nil
		state.LastSyncedAt = &now
		state.UpdatedAt = now
		s.stateWrites++
	}
	return nil
}

func (s *memStore) MarkSyncError(_ context.Context, accountID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[accountID]
	if !ok {
		state = &models.SyncState{AccountID: accountID}
		s.states[accountID] = state
	}
	state.Status = models.SyncStatusError
	state.ErrorMessage = &message
	state.UpdatedAt = time.Now()
	s.stateWrites++
	return nil
}

func (s *memStore) SetAccountConnected(_ context.Context, accountID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.connected[accountID]; !ok || current != connected {
		s.connected[accountID] = connected
		s.writes++
	}
	return nil
}

func (s *memStore) UpsertLabel(_ context.Context, label *models.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.labels {
		if existing.AccountID == label.AccountID && existing.ProviderLabelID == label.ProviderLabelID {
			label.ID = existing.ID
			if existing.Name != label.Name || existing.Kind != label.Kind {
				existing.Name, existing.Kind = label.Name, label.Kind
				s.writes++
			}
			return nil
		}
	}

	label.ID = uuid.NewString()
	saved := *label
	s.labels[label.ID] = &saved
	s.writes++
	return nil
}

func (s *memStore) UpsertThread(_ context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.threads {
		if existing.AccountID != thread.AccountID || existing.ProviderThreadID != thread.ProviderThreadID {
			continue
		}
		at := thread.LastMessageAt
		if at != nil && (existing.LastMessageAt == nil || at.After(*existing.LastMessageAt) ||
			(at.Equal(*existing.LastMessageAt) && existing.Subject != thread.Subject)) {
			t := *at
			existing.LastMessageAt = &t
			existing.Subject = thread.Subject
			s.writes++
		}
		*thread = *existing
		return nil
	}

	thread.ID = uuid.NewString()
	thread.MessageCount = 0
	saved := *thread
	s.threads[thread.ID] = &saved
	s.writes++
	return nil
}

func (s *memStore) findMessage(accountID, providerMessageID string) *models.Message {
	for _, m := range s.messages {
		if m.AccountID == accountID && m.ProviderMessageID == providerMessageID {
			return m
		}
	}
	return nil
}

func (s *memStore) UpsertMessage(_ context.Context, msg *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.upsertMessageErr != nil {
		return false, s.upsertMessageErr
	}
	if msg.BodyText != nil && msg.BodyHTML != nil {
		return false, errors.New("check violation: both bodies set")
	}
	s.upsertOrder = append(s.upsertOrder, msg.ProviderMessageID)

	incoming := *msg
	incoming.Labels = nil
	incoming.Attachments = nil
	attachments := append([]models.Attachment(nil), msg.Attachments...)

	existing := s.findMessage(msg.AccountID, msg.ProviderMessageID)
	if existing == nil {
		incoming.ID = uuid.NewString()
		s.messages[incoming.ID] = &incoming
		s.attachments[incoming.ID] = attachments
		s.threads[incoming.ThreadID].MessageCount++
		s.writes++
		msg.ID = incoming.ID
		return true, nil
	}

	incoming.ID = existing.ID
	msg.ID = existing.ID
	if !reflect.DeepEqual(*existing, incoming) {
		if existing.ThreadID != incoming.ThreadID {
			s.threads[existing.ThreadID].MessageCount--
			s.threads[incoming.ThreadID].MessageCount++
		}
		*existing = incoming
		s.writes++
	}
	if !reflect.DeepEqual(s.attachments[existing.ID], attachments) {
		s.attachments[existing.ID] = attachments
		s.writes++
	}
	return false, nil
}

func (s *memStore) GetMessageIDByProviderID(_ context.Context, accountID, providerMessageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.findMessage(accountID, providerMessageID); m != nil {
		return m.ID, nil
	}
	return "", db.ErrMessageNotFound
}

func (s *memStore) ReconcileMessageLabels(_ context.Context, messageID string, labelIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(labelIDs))
	for _, id := range labelIDs {
		want[id] = true
	}
	have := s.messageLabels[messageID]
	for id := range have {
		if !want[id] {
			delete(have, id)
			s.writes++
		}
	}
	for id := range want {
		if !have[id] {
			s.addLabelLocked(messageID, id)
		}
	}
	return nil
}

func (s *memStore) addLabelLocked(messageID, labelID string) {
	if s.messageLabels[messageID] == nil {
		s.messageLabels[messageID] = make(map[string]bool)
	}
	if !s.messageLabels[messageID][labelID] {
		s.messageLabels[messageID][labelID] = true
		s.writes++
	}
}

func (s *memStore) setReadLocked(messageID string, isRead *bool) {
	if isRead == nil {
		return
	}
	if m := s.messages[messageID]; m != nil && m.IsRead != *isRead {
		m.IsRead = *isRead
		s.writes++
	}
}

func (s *memStore) AddMessageLabels(_ context.Context, messageID string, labelIDs []string, isRead *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range labelIDs {
		s.addLabelLocked(messageID, id)
	}
	s.setReadLocked(messageID, isRead)
	return nil
}

func (s *memStore) RemoveMessageLabels(_ context.Context, messageID string, labelIDs []string, isRead *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range labelIDs {
		if s.messageLabels[messageID][id] {
			delete(s.messageLabels[messageID], id)
			s.writes++
		}
	}
	s.setReadLocked(messageID, isRead)
	return nil
}

func (s *memStore) DeleteMessageByProviderID(_ context.Context, accountID, providerMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessage(accountID, providerMessageID)
	if m == nil {
		return false, nil
	}
	delete(s.messageLabels, m.ID)
	delete(s.attachments, m.ID)
	delete(s.messages, m.ID)
	s.threads[m.ThreadID].MessageCount--
	s.writes++
	return true, nil
}

// Read helpers for assertions.

func (s *memStore) dataWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memStore) state(accountID string) *models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[accountID]; ok {
		out := *st
		return &out
	}
	return nil
}

func (s *memStore) message(accountID, providerMessageID string) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findMessage(accountID, providerMessageID); m != nil {
		out := *m
		return &out
	}
	return nil
}

func (s *memStore) thread(accountID, providerThreadID string) *models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.AccountID == accountID && t.ProviderThreadID == providerThreadID {
			out := *t
			return &out
		}
	}
	return nil
}

// labelsOf returns the provider label ids attached to a message.
func (s *memStore) labelsOf(accountID, providerMessageID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findMessage(accountID, providerMessageID)
	if m == nil {
		return nil
	}
	var out []string
	for id := range s.messageLabels[m.ID] {
		out = append(out, s.labels[id].ProviderLabelID)
	}
	return out
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// assertCountInvariant checks every thread's count against its live messages.
func (s *memStore) assertCountInvariant(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]int)
	for _, m := range s.messages {
		live[m.ThreadID]++
	}
	for id, th := range s.threads {
		assert.Equal(t, live[id], th.MessageCount, "thread %s message_count", th.ProviderThreadID)
	}
}

// fakeProvider serves a scripted mailbox.
type fakeProvider struct {
	mu sync.Mutex

	historyID   string
	profileErrs []error // consumed one per GetProfile call

	labels       []gmail.Label
	messages     map[string]*gmail.Message
	getErrs      map[string]error
	listPages    [][]string
	historyPages [][]gmail.HistoryRecord
	// historyErrs maps a page index to the error returned for it.
	historyErrs   map[int]error
	beforeHistory func()

	listRequests    []gmail.ListMessagesRequest
	historyRequests []gmail.HistoryRequest
	getCalls        int
	profileCalls    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		historyID: "500",
		labels: []gmail.Label{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "UNREAD", Name: "UNREAD", Type: "system"},
			{ID: "IMPORTANT", Name: "IMPORTANT", Type: "system"},
			{ID: "Label_1", Name: "Receipts", Type: "user"},
		},
		messages:    make(map[string]*gmail.Message),
		getErrs:     make(map[string]error),
		historyErrs: make(map[int]error),
	}
}

var _ Provider = (*fakeProvider)(nil)

func (p *fakeProvider) add(msgs ...*gmail.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.messages[m.ID] = m
	}
}

func (p *fakeProvider) GetProfile(ctx context.Context) (*gmail.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profileCalls++
	if len(p.profileErrs) > 0 {
		err := p.profileErrs[0]
		p.profileErrs = p.profileErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &gmail.Profile{EmailAddress: "alice@example.com", HistoryID: p.historyID}, nil
}

func pageIndex(token string) int {
	if token == "" {
		return 0
	}
	i, _ := strconv.Atoi(token[len("page-"):])
	return i
}

func nextToken(i, n int) string {
	if i+1 < n {
		return fmt.Sprintf("page-%d", i+1)
	}
	return ""
}

func (p *fakeProvider) ListMessages(ctx context.Context, req gmail.ListMessagesRequest) (*gmail.MessagePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listRequests = append(p.listRequests, req)

	i := pageIndex(req.PageToken)
	if i >= len(p.listPages) {
		return &gmail.MessagePage{}, nil
	}
	return &gmail.MessagePage{MessageIDs: p.listPages[i], NextPageToken: nextToken(i, len(p.listPages))}, nil
}

func (p *fakeProvider) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++

	if err := p.getErrs[id]; err != nil {
		return nil, err
	}
	m, ok := p.messages[id]
	if !ok {
		return nil, &gmail.Error{Op: "messages.get", Kind: gmail.ErrMessageNotFound, Err: errors.New("404")}
	}
	out := *m
	return &out, nil
}

func (p *fakeProvider) ListLabels(ctx context.Context) ([]gmail.Label, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gmail.Label(nil), p.labels...), nil
}

func (p *fakeProvider) ListHistory(ctx context.Context, req gmail.HistoryRequest) (*gmail.HistoryPage, error) {
	if p.beforeHistory != nil {
		p.beforeHistory()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyRequests = append(p.historyRequests, req)

	i := pageIndex(req.PageToken)
	if err := p.historyErrs[i]; err != nil {
		return nil, err
	}
	if i >= len(p.historyPages) {
		return &gmail.HistoryPage{HistoryID: p.historyID}, nil
	}
	return &gmail.HistoryPage{
		Records:       p.historyPages[i],
		NextPageToken: nextToken(i, len(p.historyPages)),
		HistoryID:     p.historyID,
	}, nil
}

type fakeFactory struct {
	provider Provider
	err      error
}

func (f *fakeFactory) NewClient(context.Context, *models.Account) (Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

// textMessage builds a provider message with a plain and an html body.
func textMessage(id, threadID, subject string, date time.Time, labels ...string) *gmail.Message {
	return &gmail.Message{
		ID:           id,
		ThreadID:     threadID,
		Snippet:      "snippet of " + id,
		InternalDate: date.UnixMilli(),
		LabelIDs:     labels,
		Payload: &gmail.Part{
			MIMEType: "multipart/alternative",
			Headers: []gmail.Header{
				{Name: "From", Value: "Bob <bob@example.com>"},
				{Name: "To", Value: "alice@example.com"},
				{Name: "Subject", Value: subject},
			},
			Parts: []*gmail.Part{
				{PartID: "0", MIMEType: "text/plain", Data: []byte("plain " + id)},
				{PartID: "1", MIMEType: "text/html", Data: []byte("<p>" + id + "</p>")},
			},
		},
	}
}

// withAttachment adds a PDF attachment part to msg.
func withAttachment(msg *gmail.Message, filename string) *gmail.Message {
	msg.Payload.MIMEType = "multipart/mixed"
	msg.Payload.Parts = append(msg.Payload.Parts, &gmail.Part{
		PartID:       strconv.Itoa(len(msg.Payload.Parts)),
		MIMEType:     "application/pdf",
		Filename:     filename,
		AttachmentID: "att-" + filename,
		Size:         1024,
		Headers:      []gmail.Header{{Name: "Content-Disposition", Value: "attachment; filename=" + filename}},
	})
	return msg
}

func providerErr(kind error) error {
	return &gmail.Error{Op: "test", Kind: kind, Err: errors.New(kind.Error())}
}
