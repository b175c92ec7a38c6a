package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailmirror/internal/auth"
	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/testutil"
)

// setupTestAccount creates a user and a connected Gmail account for them.
func setupTestAccount(t *testing.T, pool *pgxpool.Pool, email string) (string, *models.Account) {
	t.Helper()
	ctx := context.Background()

	userID, err := db.GetOrCreateUser(ctx, pool, email)
	require.NoError(t, err)

	encryptor := testutil.GetTestEncryptor(t)
	access, err := encryptor.Encrypt("access-token")
	require.NoError(t, err)
	refresh, err := encryptor.Encrypt("refresh-token")
	require.NoError(t, err)

	account := &models.Account{
		UserID:                userID,
		ProviderAccountID:     "google-" + email,
		EmailAddress:          email,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
	}
	require.NoError(t, db.SaveAccount(ctx, pool, account))
	return userID, account
}

// seedMessage stores one message in the given provider thread, creating the
// thread and labels as needed, the way a sync would.
func seedMessage(t *testing.T, pool *pgxpool.Pool, account *models.Account, providerThreadID, providerMessageID string, at time.Time, labelNames ...string) *models.Message {
	t.Helper()
	ctx := context.Background()

	thread := &models.Thread{
		AccountID:        account.ID,
		ProviderThreadID: providerThreadID,
		Subject:          "Subject " + providerThreadID,
		LastMessageAt:    &at,
	}
	require.NoError(t, db.UpsertThread(ctx, pool, thread))

	msg := &models.Message{
		ThreadID:          thread.ID,
		AccountID:         account.ID,
		ProviderMessageID: providerMessageID,
		FromAddress:       "alice@example.com",
		ToAddresses:       []string{account.EmailAddress},
		Subject:           thread.Subject,
		InternalDate:      at,
	}
	_, err := db.UpsertMessage(ctx, pool, msg)
	require.NoError(t, err)

	labelIDs := make([]string, 0, len(labelNames))
	for _, name := range labelNames {
		label := &models.Label{AccountID: account.ID, ProviderLabelID: name, Name: name, Kind: models.LabelKindSystem}
		require.NoError(t, db.UpsertLabel(ctx, pool, label))
		labelIDs = append(labelIDs, label.ID)
	}
	require.NoError(t, db.ReconcileMessageLabels(ctx, pool, msg.ID, labelIDs))

	return msg
}

// createRequestWithUser creates an HTTP request with user email in context.
func createRequestWithUser(method, url, email string) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	ctx := context.WithValue(req.Context(), auth.UserEmailKey, email)
	return req.WithContext(ctx)
}

// serveWithUser routes the request through a mux so path values are populated.
func serveWithUser(pattern string, handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, handler)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

// FailingResponseWriter is a ResponseWriter that fails on Write to test error handling.
type FailingResponseWriter struct {
	http.ResponseWriter
	WriteShouldFail bool
}

func (f *FailingResponseWriter) Write(p []byte) (int, error) {
	if f.WriteShouldFail {
		return 0, fmt.Errorf("write failed")
	}
	return f.ResponseWriter.Write(p)
}

// VerifyAuthCheck verifies that the handler returns 401 Unauthorized when no user is in context.
func VerifyAuthCheck(t *testing.T, handlerFunc http.HandlerFunc, method, url string) {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	rr := httptest.NewRecorder()
	handlerFunc(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "Expected status 401 when no user email in context")
}
