package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailmirror/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	id, thread_id, account_id, provider_message_id, from_address,
	to_addresses, cc_addresses, bcc_addresses, subject, snippet, headers,
	body_text, body_html, internal_date, is_read, has_attachments`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(
		&m.ID,
		&m.ThreadID,
		&m.AccountID,
		&m.ProviderMessageID,
		&m.FromAddress,
		&m.ToAddresses,
		&m.CCAddresses,
		&m.BCCAddresses,
		&m.Subject,
		&m.Snippet,
		&m.Headers,
		&m.BodyText,
		&m.BodyHTML,
		&m.InternalDate,
		&m.IsRead,
		&m.HasAttachments,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageIDByProviderID returns the local id of a message.
func GetMessageIDByProviderID(ctx context.Context, pool *pgxpool.Pool, accountID, providerMessageID string) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
		SELECT id FROM messages WHERE account_id = $1 AND provider_message_id = $2
	`, accountID, providerMessageID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get message id: %w", err)
	}
	return id, nil
}

// UpsertMessage creates the message or updates it in place, keyed by
// (account, provider message id), and sets msg.ID. On create the thread count
// is incremented and the attachment rows are written in the same transaction.
// Updates write only when a mutable column actually changed.
func UpsertMessage(ctx context.Context, pool *pgxpool.Pool, msg *models.Message) (created bool, err error) {
	normalizeMessage(msg)

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `
			INSERT INTO messages (
				thread_id, account_id, provider_message_id, from_address,
				to_addresses, cc_addresses, bcc_addresses, subject, snippet, headers,
				body_text, body_html, internal_date, is_read, has_attachments
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15)
			ON CONFLICT (account_id, provider_message_id) DO NOTHING
			RETURNING id
		`,
			msg.ThreadID, msg.AccountID, msg.ProviderMessageID, msg.FromAddress,
			msg.ToAddresses, msg.CCAddresses, msg.BCCAddresses, msg.Subject, msg.Snippet, msg.Headers,
			msg.BodyText, msg.BodyHTML, msg.InternalDate, msg.IsRead, msg.HasAttachments,
		).Scan(&id)

		switch {
		case err == nil:
			msg.ID = id
			created = true
			if err := insertAttachments(ctx, tx, id, msg.Attachments); err != nil {
				return err
			}
			return adjustThreadCount(ctx, tx, msg.ThreadID, 1)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("failed to insert message: %w", err)
		}

		previous, err := lockMessage(ctx, tx, msg.AccountID, msg.ProviderMessageID)
		if err != nil {
			return err
		}
		msg.ID = previous.id

		if _, err := tx.Exec(ctx, `
			UPDATE messages SET
				thread_id = $2, from_address = $3, to_addresses = $4, cc_addresses = $5,
				bcc_addresses = $6, subject = $7, snippet = $8, headers = $9::jsonb,
				body_text = $10, body_html = $11, internal_date = $12, is_read = $13,
				has_attachments = $14, updated_at = now()
			WHERE id = $1 AND (
				thread_id IS DISTINCT FROM $2 OR from_address IS DISTINCT FROM $3 OR
				to_addresses IS DISTINCT FROM $4 OR cc_addresses IS DISTINCT FROM $5 OR
				bcc_addresses IS DISTINCT FROM $6 OR subject IS DISTINCT FROM $7 OR
				snippet IS DISTINCT FROM $8 OR headers IS DISTINCT FROM $9::jsonb OR
				body_text IS DISTINCT FROM $10 OR body_html IS DISTINCT FROM $11 OR
				internal_date IS DISTINCT FROM $12 OR is_read IS DISTINCT FROM $13 OR
				has_attachments IS DISTINCT FROM $14
			)
		`,
			previous.id, msg.ThreadID, msg.FromAddress, msg.ToAddresses, msg.CCAddresses,
			msg.BCCAddresses, msg.Subject, msg.Snippet, msg.Headers,
			msg.BodyText, msg.BodyHTML, msg.InternalDate, msg.IsRead,
			msg.HasAttachments,
		); err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}

		// A message can only move threads if the provider re-threads it; keep both counts right.
		if previous.threadID != msg.ThreadID {
			if err := adjustThreadCount(ctx, tx, previous.threadID, -1); err != nil {
				return err
			}
			if err := adjustThreadCount(ctx, tx, msg.ThreadID, 1); err != nil {
				return err
			}
		}

		return replaceAttachmentsIfChanged(ctx, tx, previous.id, msg.Attachments)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

type lockedMessage struct {
	id       string
	threadID string
}

func lockMessage(ctx context.Context, tx pgx.Tx, accountID, providerMessageID string) (*lockedMessage, error) {
	var m lockedMessage
	err := tx.QueryRow(ctx, `
		SELECT id, thread_id FROM messages
		WHERE account_id = $1 AND provider_message_id = $2
		FOR UPDATE
	`, accountID, providerMessageID).Scan(&m.id, &m.threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock message: %w", err)
	}
	return &m, nil
}

func normalizeMessage(msg *models.Message) {
	if msg.ToAddresses == nil {
		msg.ToAddresses = []string{}
	}
	if msg.CCAddresses == nil {
		msg.CCAddresses = []string{}
	}
	if msg.BCCAddresses == nil {
		msg.BCCAddresses = []string{}
	}
	if msg.Headers == nil {
		msg.Headers = []models.Header{}
	}
}

// DeleteMessageByProviderID hard-deletes a message with its label memberships
// and attachment rows, and decrements its thread's count, in one transaction.
// Returns false when the message is not in the mirror.
func DeleteMessageByProviderID(ctx context.Context, pool *pgxpool.Pool, accountID, providerMessageID string) (bool, error) {
	deleted := false

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		msg, err := lockMessage(ctx, tx, accountID, providerMessageID)
		if errors.Is(err, ErrMessageNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM message_labels WHERE message_id = $1`, msg.id); err != nil {
			return fmt.Errorf("failed to delete message labels: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM attachments WHERE message_id = $1`, msg.id); err != nil {
			return fmt.Errorf("failed to delete attachments: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msg.id); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		if err := adjustThreadCount(ctx, tx, msg.threadID, -1); err != nil {
			return err
		}

		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// GetMessagesForThread returns a thread's messages, oldest first.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY internal_date, id`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

func insertAttachments(ctx context.Context, q DBTX, messageID string, attachments []models.Attachment) error {
	for i := range attachments {
		att := &attachments[i]
		err := q.QueryRow(ctx, `
			INSERT INTO attachments (message_id, provider_attachment_id, filename, mime_type, size_bytes, is_inline, content_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, messageID, att.ProviderAttachmentID, att.Filename, att.MimeType, att.SizeBytes, att.IsInline, att.ContentID).Scan(&att.ID)
		if err != nil {
			return fmt.Errorf("failed to save attachment: %w", err)
		}
		att.MessageID = messageID
	}
	return nil
}

func replaceAttachmentsIfChanged(ctx context.Context, tx pgx.Tx, messageID string, attachments []models.Attachment) error {
	current, err := getAttachments(ctx, tx, messageID)
	if err != nil {
		return err
	}
	if sameAttachments(current, attachments) {
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM attachments WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	return insertAttachments(ctx, tx, messageID, attachments)
}

func getAttachments(ctx context.Context, q DBTX, messageID string) ([]models.Attachment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, message_id, provider_attachment_id, filename, mime_type, size_bytes, is_inline, content_id
		FROM attachments WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ProviderAttachmentID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.IsInline, &a.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// sameAttachments compares attachment metadata ignoring row ids and order.
func sameAttachments(a, b []models.Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(att models.Attachment) string {
		return fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%t\x00%s",
			att.ProviderAttachmentID, att.Filename, att.MimeType, att.SizeBytes, att.IsInline, att.ContentID)
	}
	keys := func(atts []models.Attachment) []string {
		out := make([]string, len(atts))
		for i, att := range atts {
			out[i] = key(att)
		}
		sort.Strings(out)
		return out
	}
	ka, kb := keys(a), keys(b)
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}

// GetAttachmentsForMessages returns attachments for multiple messages in a single query.
// Returns a map from message ID to its attachments.
func GetAttachmentsForMessages(ctx context.Context, pool *pgxpool.Pool, messageIDs []string) (map[string][]models.Attachment, error) {
	result := make(map[string][]models.Attachment)
	if len(messageIDs) == 0 {
		return result, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT id, message_id, provider_attachment_id, filename, mime_type, size_bytes, is_inline, content_id
		FROM attachments
		WHERE message_id = ANY($1)
		ORDER BY message_id, filename
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ProviderAttachmentID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.IsInline, &a.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		result[a.MessageID] = append(result[a.MessageID], a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return result, nil
}
