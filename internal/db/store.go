package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailmirror/internal/models"
)

// MirrorStore exposes the mirror tables as one object so the sync engine can be
// tested against an in-memory implementation.
type MirrorStore struct {
	pool *pgxpool.Pool
}

// NewMirrorStore creates a MirrorStore that uses the given database pool.
func NewMirrorStore(pool *pgxpool.Pool) *MirrorStore {
	return &MirrorStore{pool: pool}
}

func (s *MirrorStore) AcquireSync(ctx context.Context, accountID string, lease time.Duration) (*models.SyncState, error) {
	return AcquireSync(ctx, s.pool, accountID, lease)
}

func (s *MirrorStore) RenewSyncClaim(ctx context.Context, accountID string) error {
	return RenewSyncClaim(ctx, s.pool, accountID)
}

func (s *MirrorStore) SaveSyncCursor(ctx context.Context, accountID, cursor string) error {
	return SaveSyncCursor(ctx, s.pool, accountID, cursor)
}

func (s *MirrorStore) MarkSyncIdle(ctx context.Context, accountID string) error {
	return MarkSyncIdle(ctx, s.pool, accountID)
}

func (s *MirrorStore) MarkSyncError(ctx context.Context, accountID, message string) error {
	return MarkSyncError(ctx, s.pool, accountID, message)
}

func (s *MirrorStore) SetAccountConnected(ctx context.Context, accountID string, connected bool) error {
	return SetAccountConnected(ctx, s.pool, accountID, connected)
}

func (s *MirrorStore) UpdateAccountTokens(ctx context.Context, accountID, accessEncrypted, refreshEncrypted string, expiry *time.Time) error {
	return UpdateAccountTokens(ctx, s.pool, accountID, accessEncrypted, refreshEncrypted, expiry)
}

func (s *MirrorStore) UpsertLabel(ctx context.Context, label *models.Label) error {
	return UpsertLabel(ctx, s.pool, label)
}

func (s *MirrorStore) UpsertThread(ctx context.Context, thread *models.Thread) error {
	return UpsertThread(ctx, s.pool, thread)
}

func (s *MirrorStore) UpsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	return UpsertMessage(ctx, s.pool, msg)
}

func (s *MirrorStore) GetMessageIDByProviderID(ctx context.Context, accountID, providerMessageID string) (string, error) {
	return GetMessageIDByProviderID(ctx, s.pool, accountID, providerMessageID)
}

func (s *MirrorStore) ReconcileMessageLabels(ctx context.Context, messageID string, labelIDs []string) error {
	return ReconcileMessageLabels(ctx, s.pool, messageID, labelIDs)
}

func (s *MirrorStore) AddMessageLabels(ctx context.Context, messageID string, labelIDs []string, isRead *bool) error {
	return AddMessageLabels(ctx, s.pool, messageID, labelIDs, isRead)
}

func (s *MirrorStore) RemoveMessageLabels(ctx context.Context, messageID string, labelIDs []string, isRead *bool) error {
	return RemoveMessageLabels(ctx, s.pool, messageID, labelIDs, isRead)
}

func (s *MirrorStore) DeleteMessageByProviderID(ctx context.Context, accountID, providerMessageID string) (bool, error) {
	return DeleteMessageByProviderID(ctx, s.pool, accountID, providerMessageID)
}
