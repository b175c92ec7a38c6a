package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrEmptyEmail = errors.New("user email is empty")

// normalizeEmail folds case and surrounding space so token claims that differ
// only in case map to one user.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GetOrCreateUser returns the id of the user owning email, creating the row on
// first sight. Emails are compared case-insensitively.
func GetOrCreateUser(ctx context.Context, pool *pgxpool.Pool, email string) (string, error) {
	email = normalizeEmail(email)
	if email == "" {
		return "", ErrEmptyEmail
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	var userID string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = users.email
		RETURNING id
	`, email).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("failed to get or create user: %w", err)
	}

	return userID, nil
}
