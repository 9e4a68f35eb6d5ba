// Package repo defines the storage contracts of the lending subsystem and
// their PostgreSQL implementation.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shelfkey/server/internal/model"
)

var (
	// ErrNotFound is returned when no row matches, including conditional
	// updates whose state precondition did not hold
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness guarantee would be violated
	ErrConflict = errors.New("conflict")
)

// Store groups the repositories. Repositories obtained from the Store passed
// to a WithTx callback share that transaction.
type Store interface {
	Users() UserRepo
	Books() BookRepo
	Settings() SettingsRepo
	Devices() DeviceRepo
	Loans() LoanRepo
	Licenses() LicenseRepo

	// WithTx runs fn inside one transaction, committing when fn returns nil.
	// Calling WithTx on a transactional Store joins the outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// UserRepo reads accounts owned by the identity service
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
}

// BookRepo reads catalog entries and provisions content keys
type BookRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Book, error)
	SetContentKey(ctx context.Context, id uuid.UUID, key []byte) error
}

// SettingsRepo reads persisted runtime settings
type SettingsRepo interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}

// DeviceRepo persists registered devices
type DeviceRepo interface {
	// LockOwner serializes device registration per user until the transaction ends
	LockOwner(ctx context.Context, userID uuid.UUID) error
	Create(ctx context.Context, d model.Device) error
	CountActive(ctx context.Context, userID uuid.UUID) (int, error)
	// ListByOwner returns every device of the user, most recently active first
	ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.Device, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Device, error)
	// Deactivate soft-deletes a device owned by userID
	Deactivate(ctx context.Context, userID, id uuid.UUID, at time.Time) error
	// Touch bumps last_active_at of an active device owned by userID
	Touch(ctx context.Context, userID, id uuid.UUID, at time.Time) error
}

// LoanRepo persists loans
type LoanRepo interface {
	// LockUser serializes loan creation per user until the transaction ends
	LockUser(ctx context.Context, userID uuid.UUID) error
	CountActive(ctx context.Context, userID uuid.UUID) (int, error)
	HasActive(ctx context.Context, userID, bookID uuid.UUID) (bool, error)
	Create(ctx context.Context, l model.Loan) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Loan, error)
	// GetByIDForShare reads a loan and holds a share lock on its row until the
	// transaction ends, so a concurrent return or revoke waits for the caller
	GetByIDForShare(ctx context.Context, id uuid.UUID) (model.Loan, error)
	// MarkReturned moves an active loan to returned; ErrNotFound if it is not active
	MarkReturned(ctx context.Context, id uuid.UUID, at time.Time) (model.Loan, error)
	// MarkRevoked moves an active loan to revoked; ErrNotFound if it is not active
	MarkRevoked(ctx context.Context, id, adminID uuid.UUID, reason *string, at time.Time) (model.Loan, error)
	ListActiveIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ListByUser(ctx context.Context, userID uuid.UUID, status *model.LoanStatus) ([]model.LoanWithBook, error)
	ListAllActive(ctx context.Context) ([]model.ActiveLoan, error)
	Statistics(ctx context.Context, recentSince time.Time) (model.LoanStatistics, error)
}

// LicenseRepo persists licenses. Rows are never deleted.
type LicenseRepo interface {
	// LockPair serializes issuance for one (loan, device) until the transaction ends
	LockPair(ctx context.Context, loanID, deviceID uuid.UUID) error
	// FindLive returns the non-revoked license for the pair
	FindLive(ctx context.Context, loanID, deviceID uuid.UUID) (model.License, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.License, error)
	Create(ctx context.Context, l model.License) error
	// UpdateRenewal stores a re-signed license; ErrNotFound if it was revoked meanwhile
	UpdateRenewal(ctx context.Context, l model.License) error
	// RevokeForLoan revokes every live license of a loan and returns how many changed
	RevokeForLoan(ctx context.Context, loanID uuid.UUID, revokedBy *string, at time.Time) (int, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.License, error)
	ListRevokedIDsByDevice(ctx context.Context, deviceID uuid.UUID) ([]uuid.UUID, error)
	// ListLiveByDevice returns live licenses renewed after since, or all when since is nil
	ListLiveByDevice(ctx context.Context, deviceID uuid.UUID, since *time.Time) ([]model.License, error)
	// ListExpiring returns live licenses with from < offline_expires_at <= to,
	// optionally restricted to one user
	ListExpiring(ctx context.Context, from, to time.Time, userID *uuid.UUID) ([]model.License, error)
}
