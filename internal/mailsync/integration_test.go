package mailsync

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/gmail"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/testutil"
)

func saveTestAccount(t *testing.T, pool *pgxpool.Pool) *models.Account {
	t.Helper()
	ctx := context.Background()

	userID, err := db.GetOrCreateUser(ctx, pool, "alice@example.com")
	require.NoError(t, err)

	account := &models.Account{
		UserID:                userID,
		Provider:              models.ProviderGoogle,
		ProviderAccountID:     "google-alice",
		EmailAddress:          "alice@example.com",
		AccessTokenEncrypted:  "sealed-access",
		RefreshTokenEncrypted: "sealed-refresh",
	}
	require.NoError(t, db.SaveAccount(ctx, pool, account))
	return account
}

func countRows(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

// assertThreadCounts compares every thread's message_count with its live messages.
func assertThreadCounts(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	mismatches := countRows(t, pool, `
		SELECT count(*) FROM threads th
		WHERE th.message_count <> (SELECT count(*) FROM messages m WHERE m.thread_id = th.id)
	`)
	assert.Zero(t, mismatches, "threads whose message_count disagrees with their messages")
}

func TestEngineWithPostgres(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	account := saveTestAccount(t, pool)
	store := db.NewMirrorStore(pool)

	provider := newFakeProvider()
	provider.add(
		withAttachment(textMessage("m1", "t1", "Contract", baseDate, "INBOX", "IMPORTANT"), "contract.pdf"),
		textMessage("m2", "t1", "Re: Contract", baseDate.Add(time.Hour), "INBOX", "UNREAD"),
		textMessage("m3", "t2", "Lunch", baseDate.Add(2*time.Hour), "INBOX"),
	)
	provider.listPages = [][]string{{"m1", "m2"}, {"m3"}}

	t.Run("backfill seeds the mirror", func(t *testing.T) {
		res, err := newTestEngine(store, provider, Options{}).Synchronize(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, ModeInitial, res.Mode)
		assert.Equal(t, 3, *res.Fetched)

		assert.Equal(t, 3, countRows(t, pool, `SELECT count(*) FROM messages WHERE account_id = $1`, account.ID))
		assert.Equal(t, 3, countRows(t, pool, `SELECT COALESCE(sum(message_count), 0) FROM threads WHERE account_id = $1`, account.ID))
		assertThreadCounts(t, pool)

		state, err := db.GetSyncState(ctx, pool, account.ID)
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, models.SyncStatusIdle, state.Status)
		assert.Equal(t, "500", state.HistoryCursor)

		m1, err := db.GetMessageIDByProviderID(ctx, pool, account.ID, "m1")
		require.NoError(t, err)
		assert.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM messages WHERE id = $1 AND has_attachments`, m1))
		assert.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM attachments WHERE message_id = $1`, m1))
		assert.Equal(t, 2, countRows(t, pool, `SELECT count(*) FROM message_labels WHERE message_id = $1`, m1))
	})

	t.Run("incremental add, label and delete", func(t *testing.T) {
		provider.listPages = nil
		provider.add(textMessage("m4", "t2", "Re: Lunch", baseDate.Add(3*time.Hour), "INBOX"))
		provider.historyPages = [][]gmail.HistoryRecord{{
			{ID: "501", MessagesAdded: []string{"m4"}},
			{ID: "502", LabelsAdded: []gmail.LabelChange{{MessageID: "m4", LabelIDs: []string{"IMPORTANT"}}}},
			{ID: "503", LabelsRemoved: []gmail.LabelChange{{MessageID: "m2", LabelIDs: []string{"UNREAD"}}}},
			{ID: "504", MessagesDeleted: []string{"m1", "never-seen"}},
		}}

		m1, err := db.GetMessageIDByProviderID(ctx, pool, account.ID, "m1")
		require.NoError(t, err)

		res, err := newTestEngine(store, provider, Options{}).Synchronize(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, ModeIncremental, res.Mode)

		_, err = db.GetMessageIDByProviderID(ctx, pool, account.ID, "m1")
		assert.ErrorIs(t, err, db.ErrMessageNotFound)
		assert.Zero(t, countRows(t, pool, `SELECT count(*) FROM attachments WHERE message_id = $1`, m1))
		assert.Zero(t, countRows(t, pool, `SELECT count(*) FROM message_labels WHERE message_id = $1`, m1))

		m2, err := db.GetMessageIDByProviderID(ctx, pool, account.ID, "m2")
		require.NoError(t, err)
		assert.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM messages WHERE id = $1 AND is_read`, m2))

		t2, err := db.GetThreadByProviderID(ctx, pool, account.ID, "t2")
		require.NoError(t, err)
		assert.Equal(t, 2, t2.MessageCount)
		assert.Equal(t, "Re: Lunch", t2.Subject)
		assertThreadCounts(t, pool)

		state, err := db.GetSyncState(ctx, pool, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "504", state.HistoryCursor)
	})

	t.Run("replaying history leaves rows untouched", func(t *testing.T) {
		var before time.Time
		require.NoError(t, pool.QueryRow(ctx, `SELECT max(updated_at) FROM messages WHERE account_id = $1`, account.ID).Scan(&before))

		require.NoError(t, db.SaveSyncCursor(ctx, pool, account.ID, "500"))
		_, err := newTestEngine(store, provider, Options{}).Synchronize(ctx, account)
		require.NoError(t, err)

		var after time.Time
		require.NoError(t, pool.QueryRow(ctx, `SELECT max(updated_at) FROM messages WHERE account_id = $1`, account.ID).Scan(&after))
		assert.True(t, after.Equal(before), "no message row was rewritten")
		assertThreadCounts(t, pool)
	})

	t.Run("rate limit keeps the cursor", func(t *testing.T) {
		provider.historyErrs[0] = providerErr(gmail.ErrRateLimited)
		defer delete(provider.historyErrs, 0)

		res, err := newTestEngine(store, provider, Options{}).Synchronize(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, CodeTransient, res.Code)

		state, err := db.GetSyncState(ctx, pool, account.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusError, state.Status)
		assert.Equal(t, "504", state.HistoryCursor)
	})

	t.Run("revoked grant disconnects the account", func(t *testing.T) {
		provider.profileErrs = []error{providerErr(gmail.ErrInvalidGrant)}

		res, err := newTestEngine(store, provider, Options{}).Synchronize(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, CodeOAuthReconnectRequired, res.Code)

		saved, err := db.GetAccountByID(ctx, pool, account.ID)
		require.NoError(t, err)
		assert.False(t, saved.IsConnected)
	})
}
