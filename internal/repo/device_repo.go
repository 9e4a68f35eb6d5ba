package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shelfkey/server/internal/model"
)

type deviceRepo struct {
	q querier
}

const deviceColumns = `id, owner_user_id, name, public_key, key_fingerprint, fingerprint,
	last_active_at, is_active, created_at, updated_at`

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.OwnerUserID, &d.Name, &d.PublicKey, &d.KeyFingerprint, &d.Fingerprint,
		&d.LastActiveAt, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// LockOwner takes a transaction-scoped advisory lock on the user's devices
func (r *deviceRepo) LockOwner(ctx context.Context, userID uuid.UUID) error {
	return advisoryLock(ctx, r.q, lockNSDevices, userID.String())
}

// Create inserts a new device
func (r *deviceRepo) Create(ctx context.Context, d model.Device) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO devices (id, owner_user_id, name, public_key, key_fingerprint, fingerprint,
			last_active_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.OwnerUserID, d.Name, d.PublicKey, d.KeyFingerprint, d.Fingerprint,
		d.LastActiveAt, d.IsActive, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// CountActive counts the user's active devices
func (r *deviceRepo) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT count(*) FROM devices WHERE owner_user_id = $1 AND is_active
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return n, nil
}

// ListByOwner returns every device of the user, most recently active first
func (r *deviceRepo) ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE owner_user_id = $1
		ORDER BY last_active_at DESC, created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]model.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetByID retrieves a device by ID regardless of state
func (r *deviceRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Device, error) {
	d, err := scanDevice(r.q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

// Deactivate soft-deletes a device; deactivating an inactive device is a no-op
func (r *deviceRepo) Deactivate(ctx context.Context, userID, id uuid.UUID, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE devices
		SET is_active = FALSE,
			updated_at = CASE WHEN is_active THEN $3 ELSE updated_at END
		WHERE id = $1 AND owner_user_id = $2
	`, id, userID, at)
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return expectOneRow(res)
}

// Touch records activity on an active device
func (r *deviceRepo) Touch(ctx context.Context, userID, id uuid.UUID, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE devices
		SET last_active_at = $3, updated_at = $3
		WHERE id = $1 AND owner_user_id = $2 AND is_active
	`, id, userID, at)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return expectOneRow(res)
}
