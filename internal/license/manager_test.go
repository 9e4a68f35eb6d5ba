package license

import (
	"context"
	"encoding/json"
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
	"github.com/shelfkey/server/internal/cryptokit"
	"github.com/shelfkey/server/internal/device"
	"github.com/shelfkey/server/internal/loan"
	"github.com/shelfkey/server/internal/metrics"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo/memory"
	"github.com/shelfkey/server/internal/settings"
	"github.com/shelfkey/server/internal/testutil"
)

type fixture struct {
	store    *memory.Store
	devices  *device.Registry
	loans    *loan.Manager
	licenses *Manager
	clock    time.Time
	user     model.User
	book     model.Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	key, err := cryptokit.GenerateKeypair()
	require.NoError(t, err)

	f := &fixture{
		store: memory.New(),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		user:  model.User{ID: uuid.New(), Email: "ada@example.com", DisplayName: "Ada", Role: model.RoleUser, IsActive: true},
		book:  model.Book{ID: uuid.New(), Title: "Dune", Author: "Herbert", AssetSHA256: "abc", ChunkCount: 3, ChunkSize: cryptokit.DefaultChunkSize},
	}
	f.store.PutUser(f.user)
	f.store.PutBook(f.book)

	f.licenses = NewManager(f.store, cryptokit.NewSigner(key), m, logger)
	f.licenses.now = func() time.Time { return f.clock }
	f.loans = loan.NewManager(f.store, f.licenses, m, logger)
	f.devices = device.NewRegistry(f.store, m, logger)
	return f
}

func (f *fixture) device(t *testing.T, userID uuid.UUID, keyIndex int) model.Device {
	t.Helper()
	d, err := f.devices.Register(context.Background(), userID, device.RegisterInput{
		Name:      "Reader",
		PublicKey: testutil.DevicePublicKeyPEM(t, keyIndex),
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) loan(t *testing.T, userID, bookID uuid.UUID) model.Loan {
	t.Helper()
	l, err := f.loans.CreateLoan(context.Background(), userID, bookID, model.LoanTypeSubscription)
	require.NoError(t, err)
	return l
}

func decodePayload(t *testing.T, lic model.License) model.LicensePayload {
	t.Helper()
	var p model.LicensePayload
	require.NoError(t, json.Unmarshal([]byte(lic.Payload), &p))
	return p
}

func TestIssueLicense_signsVerifiablePayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)

	lic, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	assert.True(t, f.licenses.Verify(lic))
	assert.Equal(t, 0, lic.RenewalCount)
	assert.Equal(t, f.clock.AddDate(0, 0, settings.DefaultOfflineWindowDays), lic.Policy.OfflineExpiresAt)
	assert.Equal(t, MaxCopyPercentage, lic.Policy.CopyProtection.MaxCopyPercentage)
	assert.Equal(t, "Ada", lic.Policy.Watermark.Name)
	assert.Equal(t, l.ID.String(), lic.Policy.Watermark.LoanID)

	p := decodePayload(t, lic)
	assert.Equal(t, lic.ID.String(), p.LicenseID)
	assert.Equal(t, cryptokit.ContentKeyAlg, p.Key.Alg)
	assert.Equal(t, "abc", p.Asset.SHA256)
	assert.NotEmpty(t, p.Kid)

	// the wrapped key opens with the device private key and matches the book key
	key, err := cryptokit.UnwrapKey(p.Key.KeyWrapped, testutil.DeviceKey(t, 0))
	require.NoError(t, err)
	book, err := f.store.Books().GetByID(ctx, f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, book.ContentKey, key)
}

func TestIssueLicense_mutatedPayloadFailsVerification(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)
	lic, err := f.licenses.IssueLicense(context.Background(), f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lic.Payload), &doc))
	doc["deviceId"] = uuid.NewString()
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	lic.Payload = string(tampered)
	assert.False(t, f.licenses.Verify(lic))
}

func TestIssueLicense_secondIssueRenews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)

	first, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	f.clock = f.clock.Add(time.Hour)
	second, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.RenewalCount)
	assert.True(t, second.Policy.OfflineExpiresAt.After(first.Policy.OfflineExpiresAt))
	assert.True(t, f.licenses.Verify(second))

	all, err := f.licenses.ListUserLicenses(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIssueLicense_concurrentIssuesYieldOneLiveLicense(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lic, err := f.licenses.IssueLicense(context.Background(), f.user.ID, l.ID, d.ID)
			if assert.NoError(t, err) {
				ids <- lic.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uuid.UUID]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestIssueLicense_failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := model.User{ID: uuid.New(), Email: "bob@example.com", Role: model.RoleUser, IsActive: true}
	f.store.PutUser(other)

	d := f.device(t, f.user.ID, 0)
	otherDevice := f.device(t, other.ID, 1)
	l := f.loan(t, f.user.ID, f.book.ID)

	returnedBook := model.Book{ID: uuid.New(), Title: "Emma"}
	f.store.PutBook(returnedBook)
	returned := f.loan(t, f.user.ID, returnedBook.ID)
	_, err := f.loans.ReturnLoan(ctx, returned.ID, f.user.ID)
	require.NoError(t, err)

	inactive := f.device(t, f.user.ID, 2)
	require.NoError(t, f.devices.Deactivate(ctx, f.user.ID, inactive.ID))

	tests := []struct {
		name     string
		userID   uuid.UUID
		loanID   uuid.UUID
		deviceID uuid.UUID
		want     apperr.Kind
	}{
		{"unknown loan", f.user.ID, uuid.New(), d.ID, apperr.KindNotFound},
		{"someone else's loan", other.ID, l.ID, otherDevice.ID, apperr.KindForbidden},
		{"returned loan", f.user.ID, returned.ID, d.ID, apperr.KindNotFound},
		{"unknown device", f.user.ID, l.ID, uuid.New(), apperr.KindNotFound},
		{"someone else's device", f.user.ID, l.ID, otherDevice.ID, apperr.KindForbidden},
		{"inactive device", f.user.ID, l.ID, inactive.ID, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.licenses.IssueLicense(ctx, tt.userID, tt.loanID, tt.deviceID)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
}

func TestRenewLicense_strictlyIncreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)
	lic, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	// same instant
	same, err := f.licenses.RenewLicense(ctx, f.user.ID, lic.ID)
	require.NoError(t, err)
	assert.True(t, same.Policy.OfflineExpiresAt.After(lic.Policy.OfflineExpiresAt))
	assert.Equal(t, 1, same.RenewalCount)

	// shrunken window
	f.store.SetSetting(settings.OfflineWindowDays, "1")
	shrunk, err := f.licenses.RenewLicense(ctx, f.user.ID, lic.ID)
	require.NoError(t, err)
	assert.True(t, shrunk.Policy.OfflineExpiresAt.After(same.Policy.OfflineExpiresAt))
	assert.Equal(t, 2, shrunk.RenewalCount)
	assert.Equal(t, lic.Policy.Watermark, shrunk.Policy.Watermark)
	assert.Equal(t, lic.Policy.OfflineAccess, shrunk.Policy.OfflineAccess)
	assert.True(t, f.licenses.Verify(shrunk))

	stored, err := f.store.Licenses().GetByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, shrunk.Payload, stored.Payload)
	assert.Equal(t, 2, stored.RenewalCount)
}

func TestRenewLicense_refusedAfterLoanEnds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := model.AuthenticatedUser{ID: uuid.New(), Role: model.RoleAdmin, IsActive: true}
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)
	lic, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	_, err = f.loans.RevokeLoan(ctx, l.ID, admin, "policy violation")
	require.NoError(t, err)

	list, err := f.licenses.ListUserLicenses(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Revoked)
	require.NotNil(t, list[0].RevokedBy)
	assert.Equal(t, admin.ID.String(), *list[0].RevokedBy)

	_, err = f.licenses.RenewLicense(ctx, f.user.ID, lic.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = f.licenses.RenewLicenseAsSystem(ctx, lic.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRenewLicense_ownershipAndDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)
	lic, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	_, err = f.licenses.RenewLicense(ctx, uuid.New(), lic.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "other users cannot renew")

	_, err = f.licenses.RenewLicense(ctx, f.user.ID, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// deactivation leaves the license live but blocks renewal
	require.NoError(t, f.devices.Deactivate(ctx, f.user.ID, d.ID))
	_, err = f.licenses.RenewLicense(ctx, f.user.ID, lic.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	stored, err := f.store.Licenses().GetByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.False(t, stored.Revoked)
}

func TestGetLicenseUpdates_deltaSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, f.user.ID, 0)

	bookB := model.Book{ID: uuid.New(), Title: "Emma"}
	bookC := model.Book{ID: uuid.New(), Title: "Ulysses"}
	f.store.PutBook(bookB)
	f.store.PutBook(bookC)

	la := f.loan(t, f.user.ID, f.book.ID)
	lb := f.loan(t, f.user.ID, bookB.ID)
	lc := f.loan(t, f.user.ID, bookC.ID)

	licA, err := f.licenses.IssueLicense(ctx, f.user.ID, la.ID, d.ID)
	require.NoError(t, err)
	_, err = f.licenses.IssueLicense(ctx, f.user.ID, lb.ID, d.ID)
	require.NoError(t, err)
	licC, err := f.licenses.IssueLicense(ctx, f.user.ID, lc.ID, d.ID)
	require.NoError(t, err)

	since := f.clock
	f.clock = f.clock.Add(time.Minute)
	renewedA, err := f.licenses.RenewLicense(ctx, f.user.ID, licA.ID)
	require.NoError(t, err)
	_, err = f.loans.ReturnLoan(ctx, lc.ID, f.user.ID)
	require.NoError(t, err)

	all, err := f.licenses.GetLicenseUpdates(ctx, f.user.ID, d.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{licC.ID}, all.Revoked)
	assert.Len(t, all.Updated, 2)

	delta, err := f.licenses.GetLicenseUpdates(ctx, f.user.ID, d.ID, &since)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{licC.ID}, delta.Revoked, "revoked ignores since")
	require.Len(t, delta.Updated, 1)
	assert.JSONEq(t, renewedA.Payload, string(delta.Updated[0].License))
	assert.Equal(t, renewedA.Signature, delta.Updated[0].Signature)

	_, err = f.licenses.GetLicenseUpdates(ctx, uuid.New(), d.ID, nil)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.licenses.GetLicenseUpdates(ctx, f.user.ID, uuid.New(), nil)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestGetLicensesExpiringSoon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSetting(settings.OfflineWindowDays, "2")
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)
	lic, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	soon, err := f.licenses.GetLicensesExpiringSoon(ctx, 72, nil)
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, lic.ID, soon[0].ID)

	later, err := f.licenses.GetLicensesExpiringSoon(ctx, 24, nil)
	require.NoError(t, err)
	assert.Empty(t, later)

	other := uuid.New()
	mine, err := f.licenses.GetLicensesExpiringSoon(ctx, 72, &other)
	require.NoError(t, err)
	assert.Empty(t, mine)

	for _, hours := range []int{0, -1, MaxExpiringHours + 1} {
		_, err := f.licenses.GetLicensesExpiringSoon(ctx, hours, nil)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
}

func TestRevokeLicensesForLoan_idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1 := f.device(t, f.user.ID, 0)
	d2 := f.device(t, f.user.ID, 1)
	l := f.loan(t, f.user.ID, f.book.ID)
	_, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d1.ID)
	require.NoError(t, err)
	_, err = f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d2.ID)
	require.NoError(t, err)

	by := "ops"
	n, err := f.licenses.RevokeLicensesForLoan(ctx, f.store, l.ID, &by)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.licenses.RevokeLicensesForLoan(ctx, f.store, l.ID, &by)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRevokeLicensesForLoan_stampsMillisecondPrecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, f.user.ID, 0)
	l := f.loan(t, f.user.ID, f.book.ID)
	lic, err := f.licenses.IssueLicense(ctx, f.user.ID, l.ID, d.ID)
	require.NoError(t, err)

	f.clock = f.clock.Add(time.Hour + 123456789*time.Nanosecond)
	by := "ops"
	_, err = f.licenses.RevokeLicensesForLoan(ctx, f.store, l.ID, &by)
	require.NoError(t, err)

	stored, err := f.store.Licenses().GetByID(ctx, lic.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RevokedAt)
	assert.Equal(t, f.clock.Truncate(time.Millisecond), *stored.RevokedAt)
}

func TestPublicKeyInfo(t *testing.T) {
	f := newFixture(t)
	info, err := f.licenses.PublicKeyInfo()
	require.NoError(t, err)
	assert.Equal(t, "Ed25519", info.Alg)
	assert.Equal(t, f.licenses.signer.KeyID(), info.Kid)

	pub, err := cryptokit.ParsePublicKeyPEM([]byte(info.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, info.Kid, cryptokit.KeyIDFor(pub))
}
