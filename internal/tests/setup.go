// Package tests holds end-to-end tests that run the HTTP API against
// PostgreSQL. They are skipped when DATABASE_URL is not set.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/settings"
)

// TruncateTables empties every lending table and restores default settings
// for a clean test state.
func TruncateTables(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "TRUNCATE TABLE licenses, loans, devices, books, users CASCADE"); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	for key, value := range map[string]int{
		settings.MaxDevicesPerUser: settings.DefaultMaxDevicesPerUser,
		settings.LoanCap:           settings.DefaultLoanCap,
		settings.OfflineWindowDays: settings.DefaultOfflineWindowDays,
	} {
		if err := SetSetting(ctx, db, key, strconv.Itoa(value)); err != nil {
			return err
		}
	}
	return nil
}

// SetSetting upserts a system setting
func SetSetting(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// InsertUser creates an active account with the given role
func InsertUser(ctx context.Context, db *sql.DB, email string, role model.Role) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, role) VALUES ($1, $2, $3, $4)
	`, id, email, "Test "+string(role), string(role))
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// InsertBook creates a catalog entry without a content key
func InsertBook(ctx context.Context, db *sql.DB, title string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.ExecContext(ctx, `
		INSERT INTO books (id, title, author, asset_sha256, chunk_count, chunk_size)
		VALUES ($1, $2, 'Anon', '', 1, 65536)
	`, id, title)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert book: %w", err)
	}
	return id, nil
}
