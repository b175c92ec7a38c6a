package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailmirror/internal/models"
)

// UpsertLabel makes sure the label exists with the given name and kind, and sets label.ID.
// An unchanged label costs one read and no write.
func UpsertLabel(ctx context.Context, pool *pgxpool.Pool, label *models.Label) error {
	var existing models.Label
	err := pool.QueryRow(ctx, `
		SELECT id, name, kind FROM labels WHERE account_id = $1 AND provider_label_id = $2
	`, label.AccountID, label.ProviderLabelID).Scan(&existing.ID, &existing.Name, &existing.Kind)

	switch {
	case err == nil && existing.Name == label.Name && existing.Kind == label.Kind:
		label.ID = existing.ID
		return nil
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("failed to get label: %w", err)
	}

	err = pool.QueryRow(ctx, `
		INSERT INTO labels (account_id, provider_label_id, name, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, provider_label_id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind
		RETURNING id
	`, label.AccountID, label.ProviderLabelID, label.Name, label.Kind).Scan(&label.ID)
	if err != nil {
		return fmt.Errorf("failed to save label: %w", err)
	}
	return nil
}

// getMessageLabelIDs returns the local label ids attached to a message.
func getMessageLabelIDs(ctx context.Context, q DBTX, messageID string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT label_id FROM message_labels WHERE message_id = $1`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message labels: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan message labels: %w", err)
	}
	return ids, nil
}

// ReconcileMessageLabels makes the message's label set equal labelIDs, inserting
// and deleting only the difference, in one transaction. An empty labelIDs clears
// every membership.
func ReconcileMessageLabels(ctx context.Context, pool *pgxpool.Pool, messageID string, labelIDs []string) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		// Serializes concurrent reconciliations of the same message.
		if _, err := tx.Exec(ctx, `SELECT 1 FROM messages WHERE id = $1 FOR UPDATE`, messageID); err != nil {
			return fmt.Errorf("failed to lock message: %w", err)
		}

		current, err := getMessageLabelIDs(ctx, tx, messageID)
		if err != nil {
			return err
		}

		toAdd, toRemove := diffLabelSets(current, labelIDs)
		if err := removeMessageLabels(ctx, tx, messageID, toRemove); err != nil {
			return err
		}
		return addMessageLabels(ctx, tx, messageID, toAdd)
	})
}

// AddMessageLabels attaches labels to a message and, when isRead is set, updates
// the read flag in the same transaction.
func AddMessageLabels(ctx context.Context, pool *pgxpool.Pool, messageID string, labelIDs []string, isRead *bool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := addMessageLabels(ctx, tx, messageID, labelIDs); err != nil {
			return err
		}
		return setMessageRead(ctx, tx, messageID, isRead)
	})
}

// RemoveMessageLabels detaches labels from a message and, when isRead is set,
// updates the read flag in the same transaction.
func RemoveMessageLabels(ctx context.Context, pool *pgxpool.Pool, messageID string, labelIDs []string, isRead *bool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := removeMessageLabels(ctx, tx, messageID, labelIDs); err != nil {
			return err
		}
		return setMessageRead(ctx, tx, messageID, isRead)
	})
}

func addMessageLabels(ctx context.Context, q DBTX, messageID string, labelIDs []string) error {
	if len(labelIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO message_labels (message_id, label_id)
		SELECT $1::uuid, unnest($2::uuid[])
		ON CONFLICT DO NOTHING
	`, messageID, labelIDs)
	if err != nil {
		return fmt.Errorf("failed to add message labels: %w", err)
	}
	return nil
}

func removeMessageLabels(ctx context.Context, q DBTX, messageID string, labelIDs []string) error {
	if len(labelIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		DELETE FROM message_labels WHERE message_id = $1 AND label_id = ANY($2::uuid[])
	`, messageID, labelIDs)
	if err != nil {
		return fmt.Errorf("failed to remove message labels: %w", err)
	}
	return nil
}

func setMessageRead(ctx context.Context, q DBTX, messageID string, isRead *bool) error {
	if isRead == nil {
		return nil
	}
	_, err := q.Exec(ctx, `
		UPDATE messages SET is_read = $2, updated_at = now()
		WHERE id = $1 AND is_read IS DISTINCT FROM $2
	`, messageID, *isRead)
	if err != nil {
		return fmt.Errorf("failed to update read flag: %w", err)
	}
	return nil
}

// diffLabelSets returns what must be added to and removed from current to reach desired.
func diffLabelSets(current, desired []string) (toAdd, toRemove []string) {
	have := make(map[string]struct{}, len(current))
	for _, id := range current {
		have[id] = struct{}{}
	}
	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		if _, dup := want[id]; dup {
			continue
		}
		want[id] = struct{}{}
		if _, ok := have[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for _, id := range current {
		if _, ok := want[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	return toAdd, toRemove
}

// GetLabelNamesForMessages returns label names per message id.
func GetLabelNamesForMessages(ctx context.Context, pool *pgxpool.Pool, messageIDs []string) (map[string][]string, error) {
	result := make(map[string][]string)
	if len(messageIDs) == 0 {
		return result, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT ml.message_id, l.name
		FROM message_labels ml
		INNER JOIN labels l ON l.id = ml.label_id
		WHERE ml.message_id = ANY($1)
		ORDER BY ml.message_id, l.name
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get label names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, name string
		if err := rows.Scan(&messageID, &name); err != nil {
			return nil, fmt.Errorf("failed to scan label name: %w", err)
		}
		result[messageID] = append(result[messageID], name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating label names: %w", err)
	}

	return result, nil
}
