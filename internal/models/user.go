package models

import (
	"time"
)

// User represents an authenticated owner of one or more mail accounts.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderGoogle is the only provider the sync engine handles.
const ProviderGoogle = "GOOGLE"

// Account is a connected mailbox. Tokens are stored sealed, see crypto.Encryptor.
type Account struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	Provider              string     `json:"provider"`
	ProviderAccountID     string     `json:"provider_account_id"`
	EmailAddress          string     `json:"email_address"`
	AccessTokenEncrypted  string     `json:"-"`
	RefreshTokenEncrypted string     `json:"-"`
	TokenExpiry           *time.Time `json:"-"`
	IsConnected           bool       `json:"is_connected"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Sync statuses as stored in sync_states.status.
const (
	SyncStatusIdle    = "IDLE"
	SyncStatusRunning = "RUNNING"
	SyncStatusError   = "ERROR"
)

// SyncState is the per-account sync checkpoint. An empty HistoryCursor means
// the account was never seeded and needs a backfill.
type SyncState struct {
	AccountID     string     `json:"account_id"`
	HistoryCursor string     `json:"history_cursor"`
	Status        string     `json:"status"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Seeded reports whether the state carries a usable history cursor.
func (s *SyncState) Seeded() bool {
	return s != nil && s.HistoryCursor != ""
}
