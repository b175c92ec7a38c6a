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

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, user_id, provider, provider_account_id, email_address,
	access_token_encrypted, refresh_token_encrypted, token_expiry,
	is_connected, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Provider,
		&a.ProviderAccountID,
		&a.EmailAddress,
		&a.AccessTokenEncrypted,
		&a.RefreshTokenEncrypted,
		&a.TokenExpiry,
		&a.IsConnected,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAccount inserts a connected account or refreshes the stored tokens of an
// existing one with the same provider identity. Reconnecting marks it connected again.
func SaveAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	if account.Provider == "" {
		account.Provider = models.ProviderGoogle
	}

	row := pool.QueryRow(ctx, `
		INSERT INTO accounts (
			user_id, provider, provider_account_id, email_address,
			access_token_encrypted, refresh_token_encrypted, token_expiry, is_connected
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (provider, provider_account_id) DO UPDATE SET
			email_address = EXCLUDED.email_address,
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = CASE
				WHEN EXCLUDED.refresh_token_encrypted = '' THEN accounts.refresh_token_encrypted
				ELSE EXCLUDED.refresh_token_encrypted
			END,
			token_expiry = EXCLUDED.token_expiry,
			is_connected = TRUE,
			updated_at = now()
		RETURNING `+accountColumns,
		account.UserID,
		account.Provider,
		account.ProviderAccountID,
		account.EmailAddress,
		account.AccessTokenEncrypted,
		account.RefreshTokenEncrypted,
		account.TokenExpiry,
	)

	saved, err := scanAccount(row)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	*account = *saved
	return nil
}

// GetAccountByID returns an account by its database ID.
func GetAccountByID(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	account, err := scanAccount(pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// GetAccountForUser returns the account only if it belongs to the given user.
// Foreign accounts are reported as ErrAccountNotFound.
func GetAccountForUser(ctx context.Context, pool *pgxpool.Pool, userID, accountID string) (*models.Account, error) {
	account, err := scanAccount(pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 AND user_id = $2`,
		accountID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccountsForUser returns the user's accounts, oldest first.
func ListAccountsForUser(ctx context.Context, pool *pgxpool.Pool, userID string) ([]*models.Account, error) {
	rows, err := pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// SetAccountConnected flips the connection flag.
func SetAccountConnected(ctx context.Context, pool *pgxpool.Pool, accountID string, connected bool) error {
	_, err := pool.Exec(ctx, `
		UPDATE accounts SET is_connected = $2, updated_at = now()
		WHERE id = $1 AND is_connected IS DISTINCT FROM $2
	`, accountID, connected)
	if err != nil {
		return fmt.Errorf("failed to set account connection: %w", err)
	}
	return nil
}

// UpdateAccountTokens stores refreshed OAuth tokens. An empty refresh token keeps
// the stored one, since Google omits it on most refreshes.
func UpdateAccountTokens(ctx context.Context, pool *pgxpool.Pool, accountID, accessEncrypted, refreshEncrypted string, expiry *time.Time) error {
	_, err := pool.Exec(ctx, `
		UPDATE accounts SET
			access_token_encrypted = $2,
			refresh_token_encrypted = CASE WHEN $3 = '' THEN refresh_token_encrypted ELSE $3 END,
			token_expiry = $4,
			updated_at = now()
		WHERE id = $1
	`, accountID, accessEncrypted, refreshEncrypted, expiry)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return nil
}
