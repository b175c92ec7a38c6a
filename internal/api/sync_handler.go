package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/mailsync"
	"github.com/vdavid/mailmirror/internal/models"
)

// transientRetryAfterSeconds is sent as Retry-After when Gmail was throttling or unavailable.
const transientRetryAfterSeconds = 30

// SyncRunner runs one sync for an account. *mailsync.Runner implements it.
type SyncRunner interface {
	Run(ctx context.Context, account *models.Account) (*mailsync.Result, error)
}

var _ SyncRunner = (*mailsync.Runner)(nil)

// SyncHandler handles on-demand sync requests.
type SyncHandler struct {
	pool   *pgxpool.Pool
	runner SyncRunner
}

// NewSyncHandler creates a new SyncHandler instance.
func NewSyncHandler(pool *pgxpool.Pool, runner SyncRunner) *SyncHandler {
	return &SyncHandler{
		pool:   pool,
		runner: runner,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// SyncAccount runs a sync for the account in the path and reports its result.
// Path: POST /api/v1/accounts/{id}/sync
func (h *SyncHandler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	accountID, ok := pathID(w, r, "Account not found")
	if !ok {
		return
	}

	account, err := db.GetAccountForUser(ctx, h.pool, userID, accountID)
	if errors.Is(err, db.ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("SyncHandler: Failed to get account: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	result, err := h.runner.Run(ctx, account)
	if errors.Is(err, mailsync.ErrSyncInProgress) {
		writeJSONStatus(w, http.StatusConflict, errorResponse{Error: "sync already in progress"})
		return
	}
	if err != nil {
		log.Printf("SyncHandler: Sync failed for account %s: %v", account.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSONStatus(w, statusForResult(w, result), result)
}

// statusForResult picks the HTTP status for a finished run and sets any
// headers that go with it.
func statusForResult(w http.ResponseWriter, result *mailsync.Result) int {
	if result.OK {
		return http.StatusOK
	}
	switch result.Code {
	case mailsync.CodeOAuthReconnectRequired:
		return http.StatusUnauthorized
	case mailsync.CodeTransient:
		w.Header().Set("Retry-After", strconv.Itoa(transientRetryAfterSeconds))
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
