package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Advisory lock namespaces (first argument of pg_advisory_xact_lock)
const (
	lockNSDevices  = 11
	lockNSLoans    = 12
	lockNSLicenses = 13
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type pgStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// NewPostgresStore creates a Store backed by PostgreSQL
func NewPostgresStore(db *sql.DB) Store {
	return &pgStore{db: db, q: db}
}

func (s *pgStore) Users() UserRepo        { return &userRepo{q: s.q} }
func (s *pgStore) Books() BookRepo        { return &bookRepo{q: s.q} }
func (s *pgStore) Settings() SettingsRepo { return &settingsRepo{q: s.q} }
func (s *pgStore) Devices() DeviceRepo    { return &deviceRepo{q: s.q} }
func (s *pgStore) Loans() LoanRepo        { return &loanRepo{q: s.q} }
func (s *pgStore) Licenses() LicenseRepo  { return &licenseRepo{q: s.q} }

// WithTx runs fn in a READ COMMITTED transaction; per-key serialization comes
// from the advisory locks the repositories take.
func (s *pgStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func advisoryLock(ctx context.Context, q querier, ns int, key string) error {
	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, ns, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// isUniqueViolation reports SQLSTATE 23505 (unique_violation)
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
