package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shelfkey/server/internal/model"
)

type licenseRepo struct {
	q querier
}

const licenseColumns = `id, loan_id, device_id, user_id, book_id, key_wrapped, policy, payload, signature,
	server_time, revoked, revoked_at, revoked_by, last_renewed_at, renewal_count, created_at, updated_at`

func scanLicense(row rowScanner) (model.License, error) {
	var l model.License
	var policy []byte
	err := row.Scan(&l.ID, &l.LoanID, &l.DeviceID, &l.UserID, &l.BookID, &l.KeyWrapped, &policy, &l.Payload,
		&l.Signature, &l.ServerTime, &l.Revoked, &l.RevokedAt, &l.RevokedBy, &l.LastRenewedAt,
		&l.RenewalCount, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return model.License{}, err
	}
	if err := json.Unmarshal(policy, &l.Policy); err != nil {
		return model.License{}, fmt.Errorf("decode policy of license %s: %w", l.ID, err)
	}
	return l, nil
}

func (r *licenseRepo) queryLicenses(ctx context.Context, query string, args ...interface{}) ([]model.License, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	licenses := make([]model.License, 0)
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}

// LockPair takes a transaction-scoped advisory lock on one (loan, device) pair
func (r *licenseRepo) LockPair(ctx context.Context, loanID, deviceID uuid.UUID) error {
	return advisoryLock(ctx, r.q, lockNSLicenses, loanID.String()+":"+deviceID.String())
}

// FindLive returns the non-revoked license for the pair
func (r *licenseRepo) FindLive(ctx context.Context, loanID, deviceID uuid.UUID) (model.License, error) {
	l, err := scanLicense(r.q.QueryRowContext(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses
		WHERE loan_id = $1 AND device_id = $2 AND NOT revoked
	`, loanID, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.License{}, ErrNotFound
		}
		return model.License{}, fmt.Errorf("find live license: %w", err)
	}
	return l, nil
}

// GetByID retrieves a license in any state
func (r *licenseRepo) GetByID(ctx context.Context, id uuid.UUID) (model.License, error) {
	l, err := scanLicense(r.q.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.License{}, ErrNotFound
		}
		return model.License{}, fmt.Errorf("query license: %w", err)
	}
	return l, nil
}

// Create inserts a license. The partial unique index on live (loan_id,
// device_id) pairs turns a lost race into ErrConflict.
func (r *licenseRepo) Create(ctx context.Context, l model.License) error {
	policy, err := json.Marshal(l.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO licenses (id, loan_id, device_id, user_id, book_id, key_wrapped, policy, offline_expires_at,
			payload, signature, server_time, revoked, last_renewed_at, renewal_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, $12, $13, $14, $15)
	`, l.ID, l.LoanID, l.DeviceID, l.UserID, l.BookID, l.KeyWrapped, policy, l.Policy.OfflineExpiresAt,
		l.Payload, l.Signature, l.ServerTime, l.LastRenewedAt, l.RenewalCount, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// UpdateRenewal stores the re-signed payload of a live license
func (r *licenseRepo) UpdateRenewal(ctx context.Context, l model.License) error {
	policy, err := json.Marshal(l.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE licenses
		SET policy = $2, offline_expires_at = $3, payload = $4, signature = $5, server_time = $6,
			last_renewed_at = $7, renewal_count = $8, updated_at = $9
		WHERE id = $1 AND NOT revoked
	`, l.ID, policy, l.Policy.OfflineExpiresAt, l.Payload, l.Signature, l.ServerTime,
		l.LastRenewedAt, l.RenewalCount, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("renew license: %w", err)
	}
	return expectOneRow(res)
}

// RevokeForLoan revokes every live license of a loan
func (r *licenseRepo) RevokeForLoan(ctx context.Context, loanID uuid.UUID, revokedBy *string, at time.Time) (int, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE licenses
		SET revoked = TRUE, revoked_at = $2, revoked_by = $3, updated_at = $2
		WHERE loan_id = $1 AND NOT revoked
	`, loanID, at, revokedBy)
	if err != nil {
		return 0, fmt.Errorf("revoke licenses for loan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// ListByUser returns all of a user's licenses, newest first
func (r *licenseRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.License, error) {
	licenses, err := r.queryLicenses(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user licenses: %w", err)
	}
	return licenses, nil
}

// ListRevokedIDsByDevice returns the ids of every revoked license on a device
func (r *licenseRepo) ListRevokedIDsByDevice(ctx context.Context, deviceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id FROM licenses WHERE device_id = $1 AND revoked ORDER BY revoked_at
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list revoked licenses: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan license id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLiveByDevice returns live licenses on a device renewed after since
func (r *licenseRepo) ListLiveByDevice(ctx context.Context, deviceID uuid.UUID, since *time.Time) ([]model.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE device_id = $1 AND NOT revoked`
	args := []interface{}{deviceID}
	if since != nil {
		query += ` AND last_renewed_at > $2`
		args = append(args, *since)
	}
	query += ` ORDER BY last_renewed_at`

	licenses, err := r.queryLicenses(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list device licenses: %w", err)
	}
	return licenses, nil
}

// ListExpiring returns live licenses whose offline window ends in (from, to]
func (r *licenseRepo) ListExpiring(ctx context.Context, from, to time.Time, userID *uuid.UUID) ([]model.License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM licenses
		WHERE NOT revoked AND offline_expires_at > $1 AND offline_expires_at <= $2`
	args := []interface{}{from, to}
	if userID != nil {
		query += ` AND user_id = $3`
		args = append(args, *userID)
	}
	query += ` ORDER BY offline_expires_at`

	licenses, err := r.queryLicenses(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expiring licenses: %w", err)
	}
	return licenses, nil
}
