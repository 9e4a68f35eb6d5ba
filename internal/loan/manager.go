// Package loan implements the loan lifecycle. A loan starts active and ends
// either returned or revoked; both end states are terminal and revoke every
// license of the loan in the same transaction.
package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/apperr"
	"github.com/shelfkey/server/internal/metrics"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo"
	"github.com/shelfkey/server/internal/settings"
)

const statisticsWindow = 30 * 24 * time.Hour

// LicenseRevoker revokes the live licenses of a loan inside the transaction
// tx that ends the loan.
type LicenseRevoker interface {
	RevokeLicensesForLoan(ctx context.Context, tx repo.Store, loanID uuid.UUID, revokedBy *string) (int, error)
}

// Manager runs loan operations
type Manager struct {
	store    repo.Store
	licenses LicenseRevoker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a loan manager
func NewManager(store repo.Store, licenses LicenseRevoker, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{store: store, licenses: licenses, metrics: m, logger: logger, now: time.Now}
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Manager) loanCap(ctx context.Context, st repo.Store) (int, error) {
	limit, err := settings.Int(ctx, st.Settings(), settings.LoanCap, m.logger)
	if err != nil {
		return 0, apperr.Internal("failed to read loan limit", err)
	}
	return limit, nil
}

// CanBorrow reports whether the user is below the loan cap
func (m *Manager) CanBorrow(ctx context.Context, userID uuid.UUID) (model.BorrowStatus, error) {
	limit, err := m.loanCap(ctx, m.store)
	if err != nil {
		return model.BorrowStatus{}, err
	}
	active, err := m.store.Loans().CountActive(ctx, userID)
	if err != nil {
		return model.BorrowStatus{}, apperr.Internal("failed to count loans", err)
	}
	status := model.BorrowStatus{CanBorrow: active < limit, ActiveLoans: active, MaxLoans: limit}
	if !status.CanBorrow {
		status.Reason = limitMessage(limit)
	}
	return status, nil
}

func limitMessage(limit int) string {
	return fmt.Sprintf("Loan limit reached. You can have at most %d active loans", limit)
}

// CreateLoan starts an active loan of bookID for userID. An empty loanType
// defaults to subscription.
func (m *Manager) CreateLoan(ctx context.Context, userID, bookID uuid.UUID, loanType model.LoanType) (model.Loan, error) {
	if loanType == "" {
		loanType = model.LoanTypeSubscription
	}
	if !loanType.Valid() {
		return model.Loan{}, apperr.Validation("loanType must be subscription or trial")
	}

	now := m.timestamp()
	loan := model.Loan{
		ID:        uuid.New(),
		UserID:    userID,
		BookID:    bookID,
		LoanType:  loanType,
		Status:    model.LoanStatusActive,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	rule := ""
	err := m.store.WithTx(ctx, func(tx repo.Store) error {
		if _, err := tx.Books().GetByID(ctx, bookID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return apperr.NotFound("Book not found")
			}
			return apperr.Internal("failed to load book", err)
		}
		if err := tx.Loans().LockUser(ctx, userID); err != nil {
			return apperr.Internal("failed to lock loans", err)
		}

		dup, err := tx.Loans().HasActive(ctx, userID, bookID)
		if err != nil {
			return apperr.Internal("failed to check existing loans", err)
		}
		if dup {
			rule = "duplicate_loan"
			return apperr.Conflict("You already have an active loan for this book")
		}

		limit, err := m.loanCap(ctx, tx)
		if err != nil {
			return err
		}
		active, err := tx.Loans().CountActive(ctx, userID)
		if err != nil {
			return apperr.Internal("failed to count loans", err)
		}
		if active >= limit {
			rule = "loan_limit"
			return apperr.Conflict(limitMessage(limit)).
				WithDetail("activeLoans", active).
				WithDetail("maxLoans", limit)
		}

		if err := tx.Loans().Create(ctx, loan); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				rule = "duplicate_loan"
				return apperr.Conflict("You already have an active loan for this book")
			}
			return apperr.Internal("failed to create loan", err)
		}
		return nil
	})
	if err != nil {
		if rule != "" {
			m.metrics.CapRejections.WithLabelValues(rule).Inc()
		}
		return model.Loan{}, err
	}

	m.metrics.LoansCreated.WithLabelValues(string(loanType)).Inc()
	m.logger.InfoContext(ctx, "loan created",
		slog.String("loan_id", loan.ID.String()),
		slog.String("user_id", userID.String()),
		slog.String("book_id", bookID.String()),
		slog.String("loan_type", string(loanType)),
	)
	return loan, nil
}

// ReturnLoan ends an active loan owned by userID
func (m *Manager) ReturnLoan(ctx context.Context, loanID, userID uuid.UUID) (model.Loan, error) {
	var out model.Loan
	var revoked int
	err := m.store.WithTx(ctx, func(tx repo.Store) error {
		current, err := tx.Loans().GetByID(ctx, loanID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && (current.UserID != userID || current.Status != model.LoanStatusActive)) {
			return apperr.NotFound("Active loan not found")
		}
		if err != nil {
			return apperr.Internal("failed to load loan", err)
		}

		out, revoked, err = m.markReturned(ctx, tx, loanID, userID.String())
		return err
	})
	if err != nil {
		return model.Loan{}, err
	}

	m.metrics.LoansEnded.WithLabelValues(string(model.LoanStatusReturned)).Inc()
	m.metrics.LicensesRevoked.Add(float64(revoked))
	m.logger.InfoContext(ctx, "loan returned",
		slog.String("loan_id", loanID.String()),
		slog.String("user_id", userID.String()),
		slog.Int("licenses_revoked", revoked),
	)
	return out, nil
}

func (m *Manager) markReturned(ctx context.Context, tx repo.Store, loanID uuid.UUID, actor string) (model.Loan, int, error) {
	out, err := tx.Loans().MarkReturned(ctx, loanID, m.timestamp())
	if errors.Is(err, repo.ErrNotFound) {
		return model.Loan{}, 0, apperr.NotFound("Active loan not found")
	}
	if err != nil {
		return model.Loan{}, 0, apperr.Internal("failed to return loan", err)
	}
	n, err := m.licenses.RevokeLicensesForLoan(ctx, tx, loanID, &actor)
	if err != nil {
		return model.Loan{}, 0, err
	}
	return out, n, nil
}

// RevokeLoan ends an active loan on behalf of an administrator
func (m *Manager) RevokeLoan(ctx context.Context, loanID uuid.UUID, admin model.AuthenticatedUser, reason string) (model.Loan, error) {
	if !admin.IsAdmin() {
		return model.Loan{}, apperr.Forbidden("Admin access required")
	}
	var why *string
	if r := strings.TrimSpace(reason); r != "" {
		why = &r
	}

	var out model.Loan
	var revoked int
	err := m.store.WithTx(ctx, func(tx repo.Store) error {
		var err error
		out, err = tx.Loans().MarkRevoked(ctx, loanID, admin.ID, why, m.timestamp())
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("Active loan not found")
		}
		if err != nil {
			return apperr.Internal("failed to revoke loan", err)
		}
		actor := admin.ID.String()
		revoked, err = m.licenses.RevokeLicensesForLoan(ctx, tx, loanID, &actor)
		return err
	})
	if err != nil {
		return model.Loan{}, err
	}

	m.metrics.LoansEnded.WithLabelValues(string(model.LoanStatusRevoked)).Inc()
	m.metrics.LicensesRevoked.Add(float64(revoked))
	m.logger.InfoContext(ctx, "loan revoked",
		slog.String("loan_id", loanID.String()),
		slog.String("admin_id", admin.ID.String()),
		slog.String("reason", reason),
		slog.Int("licenses_revoked", revoked),
	)
	return out, nil
}

// ReturnAllUserLoans returns every active loan of a user, for example when a
// subscription ends, and reports how many loans were returned.
func (m *Manager) ReturnAllUserLoans(ctx context.Context, userID uuid.UUID, reason string) (int, error) {
	var returned, revoked int
	err := m.store.WithTx(ctx, func(tx repo.Store) error {
		if err := tx.Loans().LockUser(ctx, userID); err != nil {
			return apperr.Internal("failed to lock loans", err)
		}
		ids, err := tx.Loans().ListActiveIDs(ctx, userID)
		if err != nil {
			return apperr.Internal("failed to list loans", err)
		}
		for _, id := range ids {
			_, n, err := m.markReturned(ctx, tx, id, "system")
			if err != nil {
				return err
			}
			returned++
			revoked += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.metrics.LoansEnded.WithLabelValues(string(model.LoanStatusReturned)).Add(float64(returned))
	m.metrics.LicensesRevoked.Add(float64(revoked))
	m.logger.InfoContext(ctx, "returned all loans",
		slog.String("user_id", userID.String()),
		slog.String("reason", reason),
		slog.Int("loans_returned", returned),
		slog.Int("licenses_revoked", revoked),
	)
	return returned, nil
}

// GetUserLoans lists a user's loans, optionally filtered by status
func (m *Manager) GetUserLoans(ctx context.Context, userID uuid.UUID, status *model.LoanStatus) ([]model.LoanWithBook, error) {
	if status != nil && !status.Valid() {
		return nil, apperr.Validation("status must be active, returned or revoked")
	}
	loans, err := m.store.Loans().ListByUser(ctx, userID, status)
	if err != nil {
		return nil, apperr.Internal("failed to list loans", err)
	}
	return loans, nil
}

// GetActiveLoansCount returns the number of active loans of a user
func (m *Manager) GetActiveLoansCount(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := m.store.Loans().CountActive(ctx, userID)
	if err != nil {
		return 0, apperr.Internal("failed to count loans", err)
	}
	return n, nil
}

// GetAllActiveLoans lists every active loan with its user and book
func (m *Manager) GetAllActiveLoans(ctx context.Context) ([]model.ActiveLoan, error) {
	loans, err := m.store.Loans().ListAllActive(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to list active loans", err)
	}
	return loans, nil
}

// GetLoanStatistics returns aggregate loan counts
func (m *Manager) GetLoanStatistics(ctx context.Context) (model.LoanStatistics, error) {
	stats, err := m.store.Loans().Statistics(ctx, m.timestamp().Add(-statisticsWindow))
	if err != nil {
		return model.LoanStatistics{}, apperr.Internal("failed to compute loan statistics", err)
	}
	return stats, nil
}
