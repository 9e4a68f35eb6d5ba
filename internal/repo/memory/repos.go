package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo"
)

type userRepo struct{ s *Store }

func (r userRepo) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	defer r.s.lock()()
	u, ok := r.s.d.users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

type bookRepo struct{ s *Store }

func (r bookRepo) GetByID(_ context.Context, id uuid.UUID) (model.Book, error) {
	defer r.s.lock()()
	b, ok := r.s.d.books[id]
	if !ok {
		return model.Book{}, repo.ErrNotFound
	}
	return b, nil
}

func (r bookRepo) SetContentKey(_ context.Context, id uuid.UUID, key []byte) error {
	defer r.s.lock()()
	b, ok := r.s.d.books[id]
	if !ok || b.ContentKey != nil {
		return repo.ErrConflict
	}
	b.ContentKey = append([]byte(nil), key...)
	r.s.d.books[id] = b
	return nil
}

type settingsRepo struct{ s *Store }

func (r settingsRepo) Get(_ context.Context, key string) (string, bool, error) {
	defer r.s.lock()()
	v, ok := r.s.d.settings[key]
	return v, ok, nil
}

type deviceRepo struct{ s *Store }

func (r deviceRepo) LockOwner(context.Context, uuid.UUID) error { return nil }

func (r deviceRepo) Create(_ context.Context, d model.Device) error {
	defer r.s.lock()()
	r.s.d.devices[d.ID] = d
	return nil
}

func (r deviceRepo) CountActive(_ context.Context, userID uuid.UUID) (int, error) {
	defer r.s.lock()()
	n := 0
	for _, d := range r.s.d.devices {
		if d.OwnerUserID == userID && d.IsActive {
			n++
		}
	}
	return n, nil
}

func (r deviceRepo) ListByOwner(_ context.Context, userID uuid.UUID) ([]model.Device, error) {
	defer r.s.lock()()
	out := make([]model.Device, 0)
	for _, d := range r.s.d.devices {
		if d.OwnerUserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r deviceRepo) GetByID(_ context.Context, id uuid.UUID) (model.Device, error) {
	defer r.s.lock()()
	d, ok := r.s.d.devices[id]
	if !ok {
		return model.Device{}, repo.ErrNotFound
	}
	return d, nil
}

func (r deviceRepo) Deactivate(_ context.Context, userID, id uuid.UUID, at time.Time) error {
	defer r.s.lock()()
	d, ok := r.s.d.devices[id]
	if !ok || d.OwnerUserID != userID {
		return repo.ErrNotFound
	}
	if d.IsActive {
		d.IsActive = false
		d.UpdatedAt = at
		r.s.d.devices[id] = d
	}
	return nil
}

func (r deviceRepo) Touch(_ context.Context, userID, id uuid.UUID, at time.Time) error {
	defer r.s.lock()()
	d, ok := r.s.d.devices[id]
	if !ok || d.OwnerUserID != userID || !d.IsActive {
		return repo.ErrNotFound
	}
	d.LastActiveAt, d.UpdatedAt = at, at
	r.s.d.devices[id] = d
	return nil
}

type loanRepo struct{ s *Store }

func (r loanRepo) LockUser(context.Context, uuid.UUID) error { return nil }

func (r loanRepo) CountActive(_ context.Context, userID uuid.UUID) (int, error) {
	defer r.s.lock()()
	n := 0
	for _, l := range r.s.d.loans {
		if l.UserID == userID && l.Status == model.LoanStatusActive {
			n++
		}
	}
	return n, nil
}

func (r loanRepo) HasActive(_ context.Context, userID, bookID uuid.UUID) (bool, error) {
	defer r.s.lock()()
	return r.hasActiveLocked(userID, bookID), nil
}

func (r loanRepo) hasActiveLocked(userID, bookID uuid.UUID) bool {
	for _, l := range r.s.d.loans {
		if l.UserID == userID && l.BookID == bookID && l.Status == model.LoanStatusActive {
			return true
		}
	}
	return false
}

func (r loanRepo) Create(_ context.Context, l model.Loan) error {
	defer r.s.lock()()
	if l.Status == model.LoanStatusActive && r.hasActiveLocked(l.UserID, l.BookID) {
		return repo.ErrConflict
	}
	r.s.d.loans[l.ID] = l
	return nil
}

func (r loanRepo) GetByID(_ context.Context, id uuid.UUID) (model.Loan, error) {
	defer r.s.lock()()
	l, ok := r.s.d.loans[id]
	if !ok {
		return model.Loan{}, repo.ErrNotFound
	}
	return l, nil
}

// GetByIDForShare needs no row lock here: transactions already hold the store mutex
func (r loanRepo) GetByIDForShare(ctx context.Context, id uuid.UUID) (model.Loan, error) {
	return r.GetByID(ctx, id)
}

func (r loanRepo) MarkReturned(_ context.Context, id uuid.UUID, at time.Time) (model.Loan, error) {
	defer r.s.lock()()
	l, ok := r.s.d.loans[id]
	if !ok || l.Status != model.LoanStatusActive {
		return model.Loan{}, repo.ErrNotFound
	}
	l.Status = model.LoanStatusReturned
	l.ReturnedAt = &at
	l.UpdatedAt = at
	r.s.d.loans[id] = l
	return l, nil
}

func (r loanRepo) MarkRevoked(_ context.Context, id, adminID uuid.UUID, reason *string, at time.Time) (model.Loan, error) {
	defer r.s.lock()()
	l, ok := r.s.d.loans[id]
	if !ok || l.Status != model.LoanStatusActive {
		return model.Loan{}, repo.ErrNotFound
	}
	l.Status = model.LoanStatusRevoked
	l.RevokedAt = &at
	l.RevokedBy = &adminID
	l.RevokeReason = reason
	l.UpdatedAt = at
	r.s.d.loans[id] = l
	return l, nil
}

func (r loanRepo) ListActiveIDs(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	defer r.s.lock()()
	loans := make([]model.Loan, 0)
	for _, l := range r.s.d.loans {
		if l.UserID == userID && l.Status == model.LoanStatusActive {
			loans = append(loans, l)
		}
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].StartedAt.Before(loans[j].StartedAt) })
	ids := make([]uuid.UUID, 0, len(loans))
	for _, l := range loans {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (r loanRepo) ListByUser(_ context.Context, userID uuid.UUID, status *model.LoanStatus) ([]model.LoanWithBook, error) {
	defer r.s.lock()()
	out := make([]model.LoanWithBook, 0)
	for _, l := range r.s.d.loans {
		if l.UserID != userID || (status != nil && l.Status != *status) {
			continue
		}
		b, ok := r.s.d.books[l.BookID]
		if !ok {
			continue
		}
		out = append(out, model.LoanWithBook{Loan: l, Book: b.Summary()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (r loanRepo) ListAllActive(_ context.Context) ([]model.ActiveLoan, error) {
	defer r.s.lock()()
	out := make([]model.ActiveLoan, 0)
	for _, l := range r.s.d.loans {
		if l.Status != model.LoanStatusActive {
			continue
		}
		u, uok := r.s.d.users[l.UserID]
		b, bok := r.s.d.books[l.BookID]
		if !uok || !bok {
			continue
		}
		out = append(out, model.ActiveLoan{
			Loan: l,
			User: model.UserSummary{ID: u.ID, Email: u.Email, Name: u.DisplayName},
			Book: b.Summary(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (r loanRepo) Statistics(_ context.Context, recentSince time.Time) (model.LoanStatistics, error) {
	defer r.s.lock()()
	var st model.LoanStatistics
	borrowers := make(map[uuid.UUID]struct{})
	for _, l := range r.s.d.loans {
		st.TotalLoans++
		switch l.Status {
		case model.LoanStatusActive:
			st.ActiveLoans++
			borrowers[l.UserID] = struct{}{}
		case model.LoanStatusReturned:
			st.ReturnedLoans++
		case model.LoanStatusRevoked:
			st.RevokedLoans++
		}
		switch l.LoanType {
		case model.LoanTypeSubscription:
			st.SubscriptionLoans++
		case model.LoanTypeTrial:
			st.TrialLoans++
		}
		if !l.StartedAt.Before(recentSince) {
			st.LoansLast30Days++
		}
	}
	st.ActiveBorrowers = len(borrowers)
	return st, nil
}

type licenseRepo struct{ s *Store }

func (r licenseRepo) LockPair(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (r licenseRepo) FindLive(_ context.Context, loanID, deviceID uuid.UUID) (model.License, error) {
	defer r.s.lock()()
	if l, ok := r.findLiveLocked(loanID, deviceID); ok {
		return l, nil
	}
	return model.License{}, repo.ErrNotFound
}

func (r licenseRepo) findLiveLocked(loanID, deviceID uuid.UUID) (model.License, bool) {
	for _, l := range r.s.d.licenses {
		if l.LoanID == loanID && l.DeviceID == deviceID && !l.Revoked {
			return l, true
		}
	}
	return model.License{}, false
}

func (r licenseRepo) GetByID(_ context.Context, id uuid.UUID) (model.License, error) {
	defer r.s.lock()()
	l, ok := r.s.d.licenses[id]
	if !ok {
		return model.License{}, repo.ErrNotFound
	}
	return l, nil
}

func (r licenseRepo) Create(_ context.Context, l model.License) error {
	defer r.s.lock()()
	if _, live := r.findLiveLocked(l.LoanID, l.DeviceID); live {
		return repo.ErrConflict
	}
	r.s.d.licenses[l.ID] = l
	return nil
}

func (r licenseRepo) UpdateRenewal(_ context.Context, l model.License) error {
	defer r.s.lock()()
	cur, ok := r.s.d.licenses[l.ID]
	if !ok || cur.Revoked {
		return repo.ErrNotFound
	}
	cur.Policy = l.Policy
	cur.Payload = l.Payload
	cur.Signature = l.Signature
	cur.ServerTime = l.ServerTime
	cur.LastRenewedAt = l.LastRenewedAt
	cur.RenewalCount = l.RenewalCount
	cur.UpdatedAt = l.UpdatedAt
	r.s.d.licenses[l.ID] = cur
	return nil
}

func (r licenseRepo) RevokeForLoan(_ context.Context, loanID uuid.UUID, revokedBy *string, at time.Time) (int, error) {
	defer r.s.lock()()
	n := 0
	for id, l := range r.s.d.licenses {
		if l.LoanID != loanID || l.Revoked {
			continue
		}
		l.Revoked = true
		l.RevokedAt = &at
		l.RevokedBy = revokedBy
		l.UpdatedAt = at
		r.s.d.licenses[id] = l
		n++
	}
	return n, nil
}

func (r licenseRepo) filter(keep func(model.License) bool, less func(a, b model.License) bool) []model.License {
	out := make([]model.License, 0)
	for _, l := range r.s.d.licenses {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (r licenseRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]model.License, error) {
	defer r.s.lock()()
	return r.filter(
		func(l model.License) bool { return l.UserID == userID },
		func(a, b model.License) bool { return a.CreatedAt.After(b.CreatedAt) },
	), nil
}

func (r licenseRepo) ListRevokedIDsByDevice(_ context.Context, deviceID uuid.UUID) ([]uuid.UUID, error) {
	defer r.s.lock()()
	revoked := r.filter(
		func(l model.License) bool { return l.DeviceID == deviceID && l.Revoked },
		func(a, b model.License) bool { return a.RevokedAt.Before(*b.RevokedAt) },
	)
	ids := make([]uuid.UUID, 0, len(revoked))
	for _, l := range revoked {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (r licenseRepo) ListLiveByDevice(_ context.Context, deviceID uuid.UUID, since *time.Time) ([]model.License, error) {
	defer r.s.lock()()
	return r.filter(
		func(l model.License) bool {
			if l.DeviceID != deviceID || l.Revoked {
				return false
			}
			return since == nil || (l.LastRenewedAt != nil && l.LastRenewedAt.After(*since))
		},
		func(a, b model.License) bool { return renewedAt(a).Before(renewedAt(b)) },
	), nil
}

func renewedAt(l model.License) time.Time {
	if l.LastRenewedAt == nil {
		return time.Time{}
	}
	return *l.LastRenewedAt
}

func (r licenseRepo) ListExpiring(_ context.Context, from, to time.Time, userID *uuid.UUID) ([]model.License, error) {
	defer r.s.lock()()
	return r.filter(
		func(l model.License) bool {
			if l.Revoked || (userID != nil && l.UserID != *userID) {
				return false
			}
			exp := l.Policy.OfflineExpiresAt
			return exp.After(from) && !exp.After(to)
		},
		func(a, b model.License) bool { return a.Policy.OfflineExpiresAt.Before(b.Policy.OfflineExpiresAt) },
	), nil
}
