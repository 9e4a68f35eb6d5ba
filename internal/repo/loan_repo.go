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

type loanRepo struct {
	q querier
}

const loanColumns = `l.id, l.user_id, l.book_id, l.loan_type, l.status, l.started_at,
	l.returned_at, l.revoked_at, l.revoked_by, l.revoke_reason, l.created_at, l.updated_at`

func loanDest(l *model.Loan, extra ...interface{}) []interface{} {
	dest := []interface{}{&l.ID, &l.UserID, &l.BookID, &l.LoanType, &l.Status, &l.StartedAt,
		&l.ReturnedAt, &l.RevokedAt, &l.RevokedBy, &l.RevokeReason, &l.CreatedAt, &l.UpdatedAt}
	return append(dest, extra...)
}

// LockUser takes a transaction-scoped advisory lock on the user's loans
func (r *loanRepo) LockUser(ctx context.Context, userID uuid.UUID) error {
	return advisoryLock(ctx, r.q, lockNSLoans, userID.String())
}

// CountActive counts the user's active loans
func (r *loanRepo) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT count(*) FROM loans WHERE user_id = $1 AND status = 'active'
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return n, nil
}

// HasActive reports whether the user already has an active loan for the book
func (r *loanRepo) HasActive(ctx context.Context, userID, bookID uuid.UUID) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM loans WHERE user_id = $1 AND book_id = $2 AND status = 'active')
	`, userID, bookID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active loan: %w", err)
	}
	return exists, nil
}

// Create inserts a loan. The partial unique index on (user_id, book_id) for
// active loans turns a lost race into ErrConflict.
func (r *loanRepo) Create(ctx context.Context, l model.Loan) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO loans (id, user_id, book_id, loan_type, status, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.UserID, l.BookID, l.LoanType, l.Status, l.StartedAt, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

// GetByID retrieves a loan in any state
func (r *loanRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Loan, error) {
	return r.get(ctx, `SELECT `+loanColumns+` FROM loans l WHERE l.id = $1`, id)
}

// GetByIDForShare retrieves a loan and share-locks its row. MarkReturned and
// MarkRevoked block on the lock, so their license cascade runs after the
// caller commits and sees whatever it inserted.
func (r *loanRepo) GetByIDForShare(ctx context.Context, id uuid.UUID) (model.Loan, error) {
	return r.get(ctx, `SELECT `+loanColumns+` FROM loans l WHERE l.id = $1 FOR SHARE OF l`, id)
}

func (r *loanRepo) get(ctx context.Context, query string, id uuid.UUID) (model.Loan, error) {
	var l model.Loan
	err := r.q.QueryRowContext(ctx, query, id).Scan(loanDest(&l)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Loan{}, ErrNotFound
		}
		return model.Loan{}, fmt.Errorf("query loan: %w", err)
	}
	return l, nil
}

// MarkReturned moves an active loan to returned
func (r *loanRepo) MarkReturned(ctx context.Context, id uuid.UUID, at time.Time) (model.Loan, error) {
	var l model.Loan
	err := r.q.QueryRowContext(ctx, `
		UPDATE loans l
		SET status = 'returned', returned_at = $2, updated_at = $2
		WHERE l.id = $1 AND l.status = 'active'
		RETURNING `+loanColumns, id, at).Scan(loanDest(&l)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Loan{}, ErrNotFound
		}
		return model.Loan{}, fmt.Errorf("return loan: %w", err)
	}
	return l, nil
}

// MarkRevoked moves an active loan to revoked and records who did it and why
func (r *loanRepo) MarkRevoked(ctx context.Context, id, adminID uuid.UUID, reason *string, at time.Time) (model.Loan, error) {
	var l model.Loan
	err := r.q.QueryRowContext(ctx, `
		UPDATE loans l
		SET status = 'revoked', revoked_at = $2, revoked_by = $3, revoke_reason = $4, updated_at = $2
		WHERE l.id = $1 AND l.status = 'active'
		RETURNING `+loanColumns, id, at, adminID, reason).Scan(loanDest(&l)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Loan{}, ErrNotFound
		}
		return model.Loan{}, fmt.Errorf("revoke loan: %w", err)
	}
	return l, nil
}

// ListActiveIDs returns the ids of the user's active loans
func (r *loanRepo) ListActiveIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id FROM loans WHERE user_id = $1 AND status = 'active' ORDER BY started_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active loan ids: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan loan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByUser returns the user's loans joined with book metadata, newest first
func (r *loanRepo) ListByUser(ctx context.Context, userID uuid.UUID, status *model.LoanStatus) ([]model.LoanWithBook, error) {
	query := `
		SELECT ` + loanColumns + `, b.id, b.title, b.author, b.cover_url
		FROM loans l
		JOIN books b ON b.id = l.book_id
		WHERE l.user_id = $1`
	args := []interface{}{userID}
	if status != nil {
		query += ` AND l.status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY l.started_at DESC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list user loans: %w", err)
	}
	defer rows.Close()

	loans := make([]model.LoanWithBook, 0)
	for rows.Next() {
		var lb model.LoanWithBook
		b := &lb.Book
		if err := rows.Scan(loanDest(&lb.Loan, &b.ID, &b.Title, &b.Author, &b.CoverURL)...); err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, lb)
	}
	return loans, rows.Err()
}

// ListAllActive returns every active loan with borrower and book
func (r *loanRepo) ListAllActive(ctx context.Context) ([]model.ActiveLoan, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+loanColumns+`, u.id, u.email, u.display_name, b.id, b.title, b.author, b.cover_url
		FROM loans l
		JOIN users u ON u.id = l.user_id
		JOIN books b ON b.id = l.book_id
		WHERE l.status = 'active'
		ORDER BY l.started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active loans: %w", err)
	}
	defer rows.Close()

	loans := make([]model.ActiveLoan, 0)
	for rows.Next() {
		var al model.ActiveLoan
		u, b := &al.User, &al.Book
		if err := rows.Scan(loanDest(&al.Loan, &u.ID, &u.Email, &u.Name, &b.ID, &b.Title, &b.Author, &b.CoverURL)...); err != nil {
			return nil, fmt.Errorf("scan active loan: %w", err)
		}
		loans = append(loans, al)
	}
	return loans, rows.Err()
}

// Statistics aggregates loan counts in one pass
func (r *loanRepo) Statistics(ctx context.Context, recentSince time.Time) (model.LoanStatistics, error) {
	var s model.LoanStatistics
	err := r.q.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'active'),
			count(*) FILTER (WHERE status = 'returned'),
			count(*) FILTER (WHERE status = 'revoked'),
			count(*) FILTER (WHERE loan_type = 'subscription'),
			count(*) FILTER (WHERE loan_type = 'trial'),
			count(DISTINCT user_id) FILTER (WHERE status = 'active'),
			count(*) FILTER (WHERE started_at >= $1)
		FROM loans
	`, recentSince).Scan(&s.TotalLoans, &s.ActiveLoans, &s.ReturnedLoans, &s.RevokedLoans,
		&s.SubscriptionLoans, &s.TrialLoans, &s.ActiveBorrowers, &s.LoansLast30Days)
	if err != nil {
		return model.LoanStatistics{}, fmt.Errorf("loan statistics: %w", err)
	}
	return s, nil
}
