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

// ErrSyncInProgress is returned when another run holds a fresh RUNNING claim on the account.
var ErrSyncInProgress = errors.New("sync already running for account")

const syncStateColumns = `account_id, history_cursor, status, error_message, last_synced_at, updated_at`

func scanSyncState(row pgx.Row) (*models.SyncState, error) {
	var s models.SyncState
	if err := row.Scan(&s.AccountID, &s.HistoryCursor, &s.Status, &s.ErrorMessage, &s.LastSyncedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSyncState returns the sync state for the account.
// Returns nil if the account was never synced.
func GetSyncState(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.SyncState, error) {
	state, err := scanSyncState(pool.QueryRow(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE account_id = $1`,
		accountID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state, nil
}

// AcquireSync claims the account for a run by setting status RUNNING.
// A missing row is created unseeded (empty cursor). A RUNNING row younger than
// lease belongs to someone else and yields ErrSyncInProgress.
func AcquireSync(ctx context.Context, pool *pgxpool.Pool, accountID string, lease time.Duration) (*models.SyncState, error) {
	staleBefore := time.Now().Add(-lease)

	state, err := scanSyncState(pool.QueryRow(ctx, `
		INSERT INTO sync_states (account_id, status, updated_at)
		VALUES ($1, 'RUNNING', now())
		ON CONFLICT (account_id) DO UPDATE SET
			status = 'RUNNING',
			updated_at = now()
		WHERE sync_states.status <> 'RUNNING' OR sync_states.updated_at < $2
		RETURNING `+syncStateColumns,
		accountID, staleBefore,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync: %w", err)
	}
	return state, nil
}

// RenewSyncClaim bumps updated_at on a RUNNING claim so a long run is not
// mistaken for an abandoned one. It is a no-op when the account is not RUNNING.
func RenewSyncClaim(ctx context.Context, pool *pgxpool.Pool, accountID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE sync_states SET updated_at = now()
		WHERE account_id = $1 AND status = 'RUNNING'
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to renew sync claim: %w", err)
	}
	return nil
}

// SaveSyncCursor persists a new history cursor and marks the state IDLE.
func SaveSyncCursor(ctx context.Context, pool *pgxpool.Pool, accountID, cursor string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO sync_states (account_id, history_cursor, status, error_message, last_synced_at, updated_at)
		VALUES ($1, $2, 'IDLE', NULL, now(), now())
		ON CONFLICT (account_id) DO UPDATE SET
			history_cursor = EXCLUDED.history_cursor,
			status = 'IDLE',
			error_message = NULL,
			last_synced_at = now(),
			updated_at = now()
	`, accountID, cursor)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// MarkSyncIdle marks a run finished without moving the cursor.
func MarkSyncIdle(ctx context.Context, pool *pgxpool.Pool, accountID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE sync_states SET
			status = 'IDLE',
			error_message = NULL,
			last_synced_at = now(),
			updated_at = now()
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to mark sync idle: %w", err)
	}
	return nil
}

// MarkSyncError records a failed run. The cursor is never touched; when no row
// exists one is created unseeded so the next run backfills again.
func MarkSyncError(ctx context.Context, pool *pgxpool.Pool, accountID, message string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO sync_states (account_id, status, error_message, updated_at)
		VALUES ($1, 'ERROR', $2, now())
		ON CONFLICT (account_id) DO UPDATE SET
			status = 'ERROR',
			error_message = EXCLUDED.error_message,
			updated_at = now()
	`, accountID, message)
	if err != nil {
		return fmt.Errorf("failed to mark sync error: %w", err)
	}
	return nil
}
