package mailsync

import (
	"context"
	"time"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
)

// Store is the part of the mirror the engine writes to.
type Store interface {
	// AcquireSync claims the account for one run and returns its sync state.
	// It returns ErrSyncInProgress when another run holds the claim.
	AcquireSync(ctx context.Context, accountID string, lease time.Duration) (*models.SyncState, error)
	// RenewSyncClaim keeps the claim fresh during a long run.
	RenewSyncClaim(ctx context.Context, accountID string) error
	SaveSyncCursor(ctx context.Context, accountID, cursor string) error
	MarkSyncIdle(ctx context.Context, accountID string) error
	MarkSyncError(ctx context.Context, accountID, message string) error

	SetAccountConnected(ctx context.Context, accountID string, connected bool) error

	UpsertLabel(ctx context.Context, label *models.Label) error
	UpsertThread(ctx context.Context, thread *models.Thread) error
	UpsertMessage(ctx context.Context, msg *models.Message) (created bool, err error)
	// GetMessageIDByProviderID returns db.ErrMessageNotFound for unknown messages.
	GetMessageIDByProviderID(ctx context.Context, accountID, providerMessageID string) (string, error)
	ReconcileMessageLabels(ctx context.Context, messageID string, labelIDs []string) error
	AddMessageLabels(ctx context.Context, messageID string, labelIDs []string, isRead *bool) error
	RemoveMessageLabels(ctx context.Context, messageID string, labelIDs []string, isRead *bool) error
	DeleteMessageByProviderID(ctx context.Context, accountID, providerMessageID string) (deleted bool, err error)
}

// CredentialStore persists refreshed OAuth tokens, already encrypted.
type CredentialStore interface {
	UpdateAccountTokens(ctx context.Context, accountID, accessEncrypted, refreshEncrypted string, expiry *time.Time) error
}

var (
	_ Store           = (*db.MirrorStore)(nil)
	_ CredentialStore = (*db.MirrorStore)(nil)
)

// ErrSyncInProgress means another run for the same account has not finished yet.
var ErrSyncInProgress = db.ErrSyncInProgress
