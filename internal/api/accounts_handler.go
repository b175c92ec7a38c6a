package api

import (
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/mailsync"
	"github.com/vdavid/mailmirror/internal/models"
)

// RunTracker reports runs in progress in this process.
type RunTracker interface {
	IsRunning(accountID string) bool
}

var _ RunTracker = (*mailsync.Runner)(nil)

// AccountsHandler lists the connected mailboxes of the current user.
type AccountsHandler struct {
	pool *pgxpool.Pool
	runs RunTracker
}

// NewAccountsHandler creates a new AccountsHandler instance.
func NewAccountsHandler(pool *pgxpool.Pool, runs RunTracker) *AccountsHandler {
	return &AccountsHandler{pool: pool, runs: runs}
}

// AccountStatus is an account together with its sync checkpoint.
// Sync is nil for accounts that were never synced. Syncing is true while this
// server runs a sync for the account; a RUNNING state held elsewhere leaves it false.
type AccountStatus struct {
	*models.Account
	Sync    *models.SyncState `json:"sync"`
	Syncing bool              `json:"syncing"`
}

// GetAccounts returns the user's accounts with their sync state.
// Path: GET /api/v1/accounts
func (h *AccountsHandler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	accounts, err := db.ListAccountsForUser(ctx, h.pool, userID)
	if err != nil {
		log.Printf("AccountsHandler: Failed to list accounts: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := make([]AccountStatus, 0, len(accounts))
	for _, account := range accounts {
		state, err := db.GetSyncState(ctx, h.pool, account.ID)
		if err != nil {
			log.Printf("AccountsHandler: Failed to get sync state for %s: %v", account.ID, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		response = append(response, AccountStatus{
			Account: account,
			Sync:    state,
			Syncing: h.runs.IsRunning(account.ID),
		})
	}

	WriteJSONResponse(w, response)
}
