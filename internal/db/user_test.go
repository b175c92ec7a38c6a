package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailmirror/internal/testutil"
)

func TestGetOrCreateUser(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()

	t.Run("creates new user", func(t *testing.T) {
		userID, err := GetOrCreateUser(ctx, pool, "test@example.com")
		require.NoError(t, err)
		assert.NotEmpty(t, userID)
	})

	t.Run("returns existing user", func(t *testing.T) {
		userID1, err := GetOrCreateUser(ctx, pool, "existing@example.com")
		require.NoError(t, err)

		userID2, err := GetOrCreateUser(ctx, pool, "existing@example.com")
		require.NoError(t, err)

		assert.Equal(t, userID1, userID2)
	})

	t.Run("matches emails case-insensitively", func(t *testing.T) {
		userID1, err := GetOrCreateUser(ctx, pool, "Mixed@Example.com")
		require.NoError(t, err)

		userID2, err := GetOrCreateUser(ctx, pool, "  mixed@example.COM ")
		require.NoError(t, err)

		assert.Equal(t, userID1, userID2)

		var stored string
		require.NoError(t, pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID1).Scan(&stored))
		assert.Equal(t, "mixed@example.com", stored)
	})

	t.Run("rejects empty email", func(t *testing.T) {
		_, err := GetOrCreateUser(ctx, pool, "   ")
		assert.ErrorIs(t, err, ErrEmptyEmail)
	})
}
