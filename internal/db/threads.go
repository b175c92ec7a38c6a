package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailmirror/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

const threadColumns = `id, account_id, provider_thread_id, subject, last_message_at, message_count, is_archived`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	if err := row.Scan(&t.ID, &t.AccountID, &t.ProviderThreadID, &t.Subject, &t.LastMessageAt, &t.MessageCount, &t.IsArchived); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertThread makes sure the thread exists and sets thread.ID.
// New threads start with message_count 0; the count only moves with message
// inserts and deletes. last_message_at never moves backwards and the subject
// follows the newest message.
func UpsertThread(ctx context.Context, pool *pgxpool.Pool, thread *models.Thread) error {
	existing, err := GetThreadByProviderID(ctx, pool, thread.AccountID, thread.ProviderThreadID)
	if errors.Is(err, ErrThreadNotFound) {
		saved, err := scanThread(pool.QueryRow(ctx, `
			INSERT INTO threads (account_id, provider_thread_id, subject, last_message_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, provider_thread_id) DO UPDATE SET
				subject = threads.subject
			RETURNING `+threadColumns,
			thread.AccountID, thread.ProviderThreadID, thread.Subject, thread.LastMessageAt,
		))
		if err != nil {
			return fmt.Errorf("failed to save thread: %w", err)
		}
		*thread = *saved
		return nil
	}
	if err != nil {
		return err
	}

	if !threadNeedsUpdate(existing, thread.Subject, thread.LastMessageAt) {
		*thread = *existing
		return nil
	}

	saved, err := scanThread(pool.QueryRow(ctx, `
		UPDATE threads SET
			subject = $2,
			last_message_at = GREATEST(last_message_at, $3)
		WHERE id = $1
		RETURNING `+threadColumns,
		existing.ID, thread.Subject, thread.LastMessageAt,
	))
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	*thread = *saved
	return nil
}

// threadNeedsUpdate reports whether a message dated at with the given subject
// is newer than what the thread row already reflects.
func threadNeedsUpdate(existing *models.Thread, subject string, at *time.Time) bool {
	if at == nil {
		return false
	}
	if existing.LastMessageAt == nil || at.After(*existing.LastMessageAt) {
		return true
	}
	return at.Equal(*existing.LastMessageAt) && subject != existing.Subject
}

// GetThreadByProviderID returns a thread by its provider thread id.
func GetThreadByProviderID(ctx context.Context, pool *pgxpool.Pool, accountID, providerThreadID string) (*models.Thread, error) {
	thread, err := scanThread(pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE account_id = $1 AND provider_thread_id = $2`,
		accountID, providerThreadID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

// GetThreadForUser returns a thread by its database ID if the owning account
// belongs to userID.
func GetThreadForUser(ctx context.Context, pool *pgxpool.Pool, userID, threadID string) (*models.Thread, error) {
	thread, err := scanThread(pool.QueryRow(ctx, `
		SELECT t.id, t.account_id, t.provider_thread_id, t.subject, t.last_message_at, t.message_count, t.is_archived
		FROM threads t
		INNER JOIN accounts a ON a.id = t.account_id
		WHERE t.id = $1 AND a.user_id = $2
	`, threadID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread by ID: %w", err)
	}
	return thread, nil
}

// GetThreadsForAccount returns the account's non-empty threads, most recent first.
func GetThreadsForAccount(ctx context.Context, pool *pgxpool.Pool, accountID string, limit, offset int) ([]*models.Thread, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE account_id = $1 AND message_count > 0
		ORDER BY last_message_at DESC NULLS LAST, id
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	defer rows.Close()

	threads := make([]*models.Thread, 0)
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// CountThreadsForAccount returns how many non-empty threads the account has.
func CountThreadsForAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM threads WHERE account_id = $1 AND message_count > 0
	`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get thread count: %w", err)
	}
	return count, nil
}

func adjustThreadCount(ctx context.Context, q DBTX, threadID string, delta int) error {
	_, err := q.Exec(ctx, `
		UPDATE threads SET message_count = GREATEST(message_count + $2, 0)
		WHERE id = $1
	`, threadID, delta)
	if err != nil {
		return fmt.Errorf("failed to update thread message count: %w", err)
	}
	return nil
}
