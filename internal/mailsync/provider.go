package mailsync

import (
	"context"

	"github.com/vdavid/mailmirror/internal/gmail"
	"github.com/vdavid/mailmirror/internal/models"
)

// Provider is the mail provider API the engine consumes.
// Errors carry the gmail error kinds (gmail.ErrInvalidGrant and friends).
type Provider interface {
	GetProfile(ctx context.Context) (*gmail.Profile, error)
	ListMessages(ctx context.Context, req gmail.ListMessagesRequest) (*gmail.MessagePage, error)
	GetMessage(ctx context.Context, id string) (*gmail.Message, error)
	ListLabels(ctx context.Context) ([]gmail.Label, error)
	ListHistory(ctx context.Context, req gmail.HistoryRequest) (*gmail.HistoryPage, error)
}

var _ Provider = (*gmail.Client)(nil)

// ClientFactory builds a provider client bound to one account's credentials.
type ClientFactory interface {
	NewClient(ctx context.Context, account *models.Account) (Provider, error)
}
