package mailsync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/vdavid/mailmirror/internal/crypto"
	"github.com/vdavid/mailmirror/internal/gmail"
	"github.com/vdavid/mailmirror/internal/models"
)

// GmailClientFactory builds Gmail clients from an account's stored tokens.
// Tokens refreshed during a run are encrypted and written back to the store.
type GmailClientFactory struct {
	OAuth     *oauth2.Config
	Encryptor *crypto.Encryptor
	Tokens    CredentialStore
	// RequestsPerSecond throttles each client. Zero means unthrottled.
	RequestsPerSecond float64
	// ClientOptions are passed to every client, e.g. a custom endpoint.
	ClientOptions []option.ClientOption
	Logger        *slog.Logger
}

var _ ClientFactory = (*GmailClientFactory)(nil)

// NewClient decrypts the account's tokens and returns a client bound to them.
func (f *GmailClientFactory) NewClient(ctx context.Context, account *models.Account) (Provider, error) {
	accessToken, err := f.Encryptor.Decrypt(account.AccessTokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	var refreshToken string
	if account.RefreshTokenEncrypted != "" {
		refreshToken, err = f.Encryptor.Decrypt(account.RefreshTokenEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}

	tok := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}
	switch {
	case account.TokenExpiry != nil:
		tok.Expiry = *account.TokenExpiry
	case refreshToken != "":
		// Unknown expiry: refresh before the first call instead of trusting the token forever.
		tok.Expiry = time.Now().Add(-time.Minute)
	}

	opts := []gmail.Option{
		gmail.WithTokenRefreshHandler(func(fresh *oauth2.Token) {
			f.persistToken(ctx, account.ID, fresh)
		}),
		gmail.WithClientOptions(f.ClientOptions...),
	}
	if f.RequestsPerSecond > 0 {
		burst := max(1, int(math.Ceil(f.RequestsPerSecond)))
		opts = append(opts, gmail.WithRateLimiter(rate.NewLimiter(rate.Limit(f.RequestsPerSecond), burst)))
	}

	client, err := gmail.NewWithToken(ctx, f.OAuth, tok, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// persistToken stores a refreshed token. Failures are logged only: the run can
// go on with the token in memory, and the next run refreshes again.
func (f *GmailClientFactory) persistToken(ctx context.Context, accountID string, tok *oauth2.Token) {
	log := f.logger().With("account_id", accountID)

	accessEnc, err := f.Encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		log.Error("failed to encrypt refreshed access token", "error", err)
		return
	}

	// An empty refresh token keeps the stored one.
	var refreshEnc string
	if tok.RefreshToken != "" {
		refreshEnc, err = f.Encryptor.Encrypt(tok.RefreshToken)
		if err != nil {
			log.Error("failed to encrypt refreshed refresh token", "error", err)
			return
		}
	}

	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.Tokens.UpdateAccountTokens(writeCtx, accountID, accessEnc, refreshEnc, expiry); err != nil {
		log.Error("failed to persist refreshed token", "error", err)
		return
	}
	log.Info("refreshed oauth token persisted")
}

func (f *GmailClientFactory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
