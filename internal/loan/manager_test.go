package loan

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkey/server/internal/apperr"
	"github.com/shelfkey/server/internal/metrics"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo"
	"github.com/shelfkey/server/internal/repo/memory"
	"github.com/shelfkey/server/internal/settings"
)

// recordingRevoker revokes through the transaction it is handed and
// remembers which loans it saw.
type recordingRevoker struct {
	mu    sync.Mutex
	loans []uuid.UUID
	by    []string
}

func (r *recordingRevoker) RevokeLicensesForLoan(ctx context.Context, tx repo.Store, loanID uuid.UUID, revokedBy *string) (int, error) {
	n, err := tx.Licenses().RevokeForLoan(ctx, loanID, revokedBy, time.Now())
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loans = append(r.loans, loanID)
	r.by = append(r.by, *revokedBy)
	return n, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *memory.Store, *recordingRevoker) {
	t.Helper()
	store := memory.New()
	rev := &recordingRevoker{}
	m := NewManager(store, rev, metrics.New(prometheus.NewRegistry()), slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return testNow }
	return m, store, rev
}

func addBook(store *memory.Store, title string) model.Book {
	b := model.Book{ID: uuid.New(), Title: title, Author: "Anon"}
	store.PutBook(b)
	return b
}

func TestCreateLoan_capScenario(t *testing.T) {
	m, store, _ := newTestManager(t)
	store.SetSetting(settings.LoanCap, "2")
	ctx := context.Background()
	userID := uuid.New()
	a, b, c := addBook(store, "A"), addBook(store, "B"), addBook(store, "C")

	loanA, err := m.CreateLoan(ctx, userID, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.LoanTypeSubscription, loanA.LoanType)
	assert.Equal(t, model.LoanStatusActive, loanA.Status)
	assert.Equal(t, testNow, loanA.StartedAt)

	_, err = m.CreateLoan(ctx, userID, a.ID, model.LoanTypeSubscription)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "already have an active loan")

	_, err = m.CreateLoan(ctx, userID, b.ID, model.LoanTypeTrial)
	require.NoError(t, err)

	_, err = m.CreateLoan(ctx, userID, c.ID, model.LoanTypeSubscription)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "Loan limit reached")
	assert.Contains(t, err.Error(), "2")

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 2, appErr.Details["activeLoans"])
	assert.Equal(t, 2, appErr.Details["maxLoans"])

	status, err := m.CanBorrow(ctx, userID)
	require.NoError(t, err)
	assert.False(t, status.CanBorrow)
	assert.Equal(t, 2, status.ActiveLoans)
	assert.Equal(t, 2, status.MaxLoans)
	assert.NotEmpty(t, status.Reason)
}

func TestCreateLoan_validation(t *testing.T) {
	m, store, _ := newTestManager(t)
	book := addBook(store, "A")

	_, err := m.CreateLoan(context.Background(), uuid.New(), book.ID, "lifetime")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = m.CreateLoan(context.Background(), uuid.New(), uuid.New(), "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCreateLoan_concurrentRequestsRespectCap(t *testing.T) {
	m, store, _ := newTestManager(t)
	store.SetSetting(settings.LoanCap, "3")
	userID := uuid.New()

	books := make([]model.Book, 10)
	for i := range books {
		books[i] = addBook(store, "book")
	}

	var wg sync.WaitGroup
	for _, b := range books {
		wg.Add(1)
		go func(bookID uuid.UUID) {
			defer wg.Done()
			_, _ = m.CreateLoan(context.Background(), userID, bookID, "")
		}(b.ID)
	}
	// the same book twice in parallel
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.CreateLoan(context.Background(), uuid.Nil, books[0].ID, "")
		}()
	}
	wg.Wait()

	n, err := m.GetActiveLoansCount(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = m.GetActiveLoansCount(context.Background(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReturnLoan(t *testing.T) {
	m, store, rev := newTestManager(t)
	ctx := context.Background()
	userID := uuid.New()
	book := addBook(store, "A")
	l, err := m.CreateLoan(ctx, userID, book.ID, "")
	require.NoError(t, err)

	_, err = m.ReturnLoan(ctx, l.ID, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "only the borrower may return")

	returned, err := m.ReturnLoan(ctx, l.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.LoanStatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnedAt)
	assert.Equal(t, []uuid.UUID{l.ID}, rev.loans)
	assert.Equal(t, []string{userID.String()}, rev.by)

	_, err = m.ReturnLoan(ctx, l.ID, userID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "returned is terminal")

	// the book can be borrowed again
	_, err = m.CreateLoan(ctx, userID, book.ID, "")
	require.NoError(t, err)
}

func TestRevokeLoan(t *testing.T) {
	m, store, rev := newTestManager(t)
	ctx := context.Background()
	userID := uuid.New()
	l, err := m.CreateLoan(ctx, userID, addBook(store, "A").ID, "")
	require.NoError(t, err)

	reader := model.AuthenticatedUser{ID: userID, Role: model.RoleUser}
	_, err = m.RevokeLoan(ctx, l.ID, reader, "")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	admin := model.AuthenticatedUser{ID: uuid.New(), Role: model.RoleAdmin}
	revoked, err := m.RevokeLoan(ctx, l.ID, admin, "  policy violation ")
	require.NoError(t, err)
	assert.Equal(t, model.LoanStatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedBy)
	assert.Equal(t, admin.ID, *revoked.RevokedBy)
	require.NotNil(t, revoked.RevokeReason)
	assert.Equal(t, "policy violation", *revoked.RevokeReason)
	assert.Equal(t, []uuid.UUID{l.ID}, rev.loans)

	_, err = m.RevokeLoan(ctx, l.ID, admin, "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = m.ReturnLoan(ctx, l.ID, userID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "revoked is terminal")
}

func TestReturnAllUserLoans(t *testing.T) {
	m, store, rev := newTestManager(t)
	ctx := context.Background()
	userID, otherID := uuid.New(), uuid.New()
	for i := 0; i < 3; i++ {
		_, err := m.CreateLoan(ctx, userID, addBook(store, "x").ID, "")
		require.NoError(t, err)
	}
	_, err := m.CreateLoan(ctx, otherID, addBook(store, "y").ID, "")
	require.NoError(t, err)

	n, err := m.ReturnAllUserLoans(ctx, userID, "subscription ended")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, rev.loans, 3)

	left, err := m.GetActiveLoansCount(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, left)
	left, err = m.GetActiveLoansCount(ctx, otherID)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	n, err = m.ReturnAllUserLoans(ctx, userID, "again")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueries(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	userID := uuid.New()
	store.PutUser(model.User{ID: userID, Email: "ada@example.com", DisplayName: "Ada", Role: model.RoleUser, IsActive: true})

	a := addBook(store, "A")
	b := addBook(store, "B")
	la, err := m.CreateLoan(ctx, userID, a.ID, model.LoanTypeTrial)
	require.NoError(t, err)
	_, err = m.CreateLoan(ctx, userID, b.ID, "")
	require.NoError(t, err)
	_, err = m.ReturnLoan(ctx, la.ID, userID)
	require.NoError(t, err)

	all, err := m.GetUserLoans(ctx, userID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active := model.LoanStatusActive
	onlyActive, err := m.GetUserLoans(ctx, userID, &active)
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, "B", onlyActive[0].Book.Title)

	bad := model.LoanStatus("lost")
	_, err = m.GetUserLoans(ctx, userID, &bad)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	admin, err := m.GetAllActiveLoans(ctx)
	require.NoError(t, err)
	require.Len(t, admin, 1)
	assert.Equal(t, "ada@example.com", admin[0].User.Email)

	stats, err := m.GetLoanStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalLoans)
	assert.Equal(t, 1, stats.ActiveLoans)
	assert.Equal(t, 1, stats.ReturnedLoans)
	assert.Equal(t, 1, stats.TrialLoans)
	assert.Equal(t, 1, stats.SubscriptionLoans)
	assert.Equal(t, 1, stats.ActiveBorrowers)
	assert.Equal(t, 2, stats.LoansLast30Days)
}
