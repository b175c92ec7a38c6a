package mailsync

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/vdavid/mailmirror/internal/gmail"
	"github.com/vdavid/mailmirror/internal/models"
)

// buildMessage translates a provider message into mirror rows.
// ThreadID is left for the caller to fill in.
func buildMessage(accountID string, msg *gmail.Message, now time.Time) *models.Message {
	var headers []gmail.Header
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}

	date := now
	if msg.InternalDate > 0 {
		date = time.UnixMilli(msg.InternalDate).UTC()
	}

	body := extractBody(msg.Payload)

	stored := make([]models.Header, 0, len(headers))
	for _, h := range headers {
		stored = append(stored, models.Header{Name: h.Name, Value: h.Value})
	}

	return &models.Message{
		AccountID:         accountID,
		ProviderMessageID: msg.ID,
		FromAddress:       headerValue(headers, "From"),
		ToAddresses:       parseAddresses(headerValue(headers, "To")),
		CCAddresses:       parseAddresses(headerValue(headers, "Cc")),
		BCCAddresses:      parseAddresses(headerValue(headers, "Bcc")),
		Subject:           headerValue(headers, "Subject"),
		Snippet:           msg.Snippet,
		Headers:           stored,
		BodyText:          body.Text,
		BodyHTML:          body.HTML,
		InternalDate:      date,
		IsRead:            !slices.Contains(msg.LabelIDs, unreadLabel),
		HasAttachments:    hasAttachments(msg.Payload),
		Attachments:       extractAttachments(msg.Payload),
	}
}

// upsertMessage writes one provider message: its thread, the message row and
// the message's full label set.
func (r *run) upsertMessage(ctx context.Context, msg *gmail.Message) error {
	if msg.ID == "" || msg.ThreadID == "" {
		return fmt.Errorf("provider message %q has no id or thread id", msg.ID)
	}

	local := buildMessage(r.account.ID, msg, time.Now().UTC())

	thread := &models.Thread{
		AccountID:        r.account.ID,
		ProviderThreadID: msg.ThreadID,
		Subject:          local.Subject,
		LastMessageAt:    &local.InternalDate,
	}
	if err := r.store.UpsertThread(ctx, thread); err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", msg.ThreadID, err)
	}

	local.ThreadID = thread.ID
	created, err := r.store.UpsertMessage(ctx, local)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
	}

	labelIDs, err := r.labels.resolve(ctx, msg.LabelIDs)
	if err != nil {
		return err
	}
	if err := r.store.ReconcileMessageLabels(ctx, local.ID, labelIDs); err != nil {
		return fmt.Errorf("failed to reconcile labels of message %s: %w", msg.ID, err)
	}

	r.log.Debug("message upserted", "provider_message_id", msg.ID, "created", created)
	return nil
}
