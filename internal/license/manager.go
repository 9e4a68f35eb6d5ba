// Package license issues, renews and revokes signed device licenses. A
// license can only be issued or renewed while its loan and device are both
// active; everything else is a hard failure.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/apperr"
	"github.com/shelfkey/server/internal/cryptokit"
	"github.com/shelfkey/server/internal/metrics"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo"
	"github.com/shelfkey/server/internal/settings"
)

const (
	// MaxCopyPercentage is the share of a book that may be copied out
	MaxCopyPercentage = 40
	// MaxExpiringHours bounds the look-ahead of expiring-license queries
	MaxExpiringHours = 720
)

// Renewal triggers, used as metric labels
const (
	TriggerClient = "client"
	TriggerIssue  = "issue"
	TriggerSweep  = "sweep"
)

// Manager runs license operations
type Manager struct {
	store   repo.Store
	signer  *cryptokit.Signer
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a license manager that signs with signer
func NewManager(store repo.Store, signer *cryptokit.Signer, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{store: store, signer: signer, metrics: m, logger: logger, now: time.Now}
}

// every license timestamp has millisecond precision, matching signed payloads
func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// IssueLicense binds an active loan to an active device of the same user. If
// the pair already holds a live license, that license is renewed instead.
func (m *Manager) IssueLicense(ctx context.Context, userID, loanID, deviceID uuid.UUID) (model.License, error) {
	var out model.License
	renewed := false
	err := m.store.WithTx(ctx, func(tx repo.Store) error {
		loan, device, err := m.loadPair(ctx, tx, userID, loanID, deviceID)
		if err != nil {
			return err
		}
		if err := tx.Licenses().LockPair(ctx, loanID, deviceID); err != nil {
			return apperr.Internal("failed to lock license", err)
		}

		existing, err := tx.Licenses().FindLive(ctx, loanID, deviceID)
		switch {
		case err == nil:
			renewed = true
			out, err = m.renewLocked(ctx, tx, existing)
			return err
		case !errors.Is(err, repo.ErrNotFound):
			return apperr.Internal("failed to look up license", err)
		}

		out, err = m.create(ctx, tx, loan, device)
		return err
	})
	if err != nil {
		return model.License{}, err
	}

	if renewed {
		m.metrics.LicensesRenewed.WithLabelValues(TriggerIssue).Inc()
		m.logger.InfoContext(ctx, "license re-issued as renewal",
			slog.String("license_id", out.ID.String()),
			slog.Int("renewal_count", out.RenewalCount),
		)
		return out, nil
	}
	m.metrics.LicensesIssued.Inc()
	m.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", out.ID.String()),
		slog.String("loan_id", loanID.String()),
		slog.String("device_id", deviceID.String()),
		slog.String("kid", m.signer.KeyID()),
	)
	return out, nil
}

// loadPair resolves the loan and device of an issuance and enforces ownership
// and activity.
func (m *Manager) loadPair(ctx context.Context, tx repo.Store, userID, loanID, deviceID uuid.UUID) (model.Loan, model.Device, error) {
	loan, err := tx.Loans().GetByIDForShare(ctx, loanID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Loan{}, model.Device{}, apperr.NotFound("Loan not found")
	}
	if err != nil {
		return model.Loan{}, model.Device{}, apperr.Internal("failed to load loan", err)
	}
	if loan.UserID != userID {
		return model.Loan{}, model.Device{}, apperr.Forbidden("Loan does not belong to you")
	}
	if loan.Status != model.LoanStatusActive {
		return model.Loan{}, model.Device{}, apperr.NotFound("Loan is not active")
	}

	device, err := tx.Devices().GetByID(ctx, deviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Loan{}, model.Device{}, apperr.NotFound("Device not found")
	}
	if err != nil {
		return model.Loan{}, model.Device{}, apperr.Internal("failed to load device", err)
	}
	if device.OwnerUserID != loan.UserID {
		return model.Loan{}, model.Device{}, apperr.Forbidden("Device does not belong to you")
	}
	if !device.IsActive {
		return model.Loan{}, model.Device{}, apperr.NotFound("Device is not active")
	}
	return loan, device, nil
}

func (m *Manager) create(ctx context.Context, tx repo.Store, loan model.Loan, device model.Device) (model.License, error) {
	book, key, err := m.contentKey(ctx, tx, loan.BookID)
	if err != nil {
		return model.License{}, err
	}
	user, err := tx.Users().GetByID(ctx, loan.UserID)
	if err != nil {
		return model.License{}, apperr.Internal("failed to load user", err)
	}
	window, err := m.offlineWindow(ctx, tx)
	if err != nil {
		return model.License{}, err
	}
	wrapped, err := cryptokit.WrapKeyForDevice(key, device.PublicKey)
	if err != nil {
		return model.License{}, apperr.Internal("failed to wrap content key", err)
	}

	now := m.timestamp()
	lic := model.License{
		ID:         uuid.New(),
		LoanID:     loan.ID,
		DeviceID:   device.ID,
		UserID:     loan.UserID,
		BookID:     loan.BookID,
		KeyWrapped: wrapped,
		Policy: model.Policy{
			OfflineExpiresAt: now.AddDate(0, 0, window),
			Watermark: model.Watermark{
				Name:   user.DisplayName,
				Email:  user.Email,
				LoanID: loan.ID.String(),
			},
			CopyProtection: model.CopyProtection{Enabled: true, MaxCopyPercentage: MaxCopyPercentage},
			OfflineAccess:  model.OfflineAccess{Enabled: true, MaxDays: window},
		},
		ServerTime:    now,
		LastRenewedAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.sign(&lic, book); err != nil {
		return model.License{}, err
	}
	if err := tx.Licenses().Create(ctx, lic); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return model.License{}, apperr.Conflict("A license for this device is already being issued")
		}
		return model.License{}, apperr.Internal("failed to store license", err)
	}
	return lic, nil
}

// contentKey returns the book and its content key, provisioning the key on
// first use.
func (m *Manager) contentKey(ctx context.Context, tx repo.Store, bookID uuid.UUID) (model.Book, []byte, error) {
	book, err := tx.Books().GetByID(ctx, bookID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Book{}, nil, apperr.NotFound("Book not found")
	}
	if err != nil {
		return model.Book{}, nil, apperr.Internal("failed to load book", err)
	}
	if len(book.ContentKey) > 0 {
		return book, book.ContentKey, nil
	}

	key, err := cryptokit.GenerateContentKey()
	if err != nil {
		return model.Book{}, nil, apperr.Internal("failed to generate content key", err)
	}
	err = tx.Books().SetContentKey(ctx, bookID, key)
	if errors.Is(err, repo.ErrConflict) {
		// provisioned concurrently; use the stored key
		book, err = tx.Books().GetByID(ctx, bookID)
		if err != nil {
			return model.Book{}, nil, apperr.Internal("failed to reload book", err)
		}
		return book, book.ContentKey, nil
	}
	if err != nil {
		return model.Book{}, nil, apperr.Internal("failed to store content key", err)
	}
	book.ContentKey = key
	m.logger.InfoContext(ctx, "content key provisioned", slog.String("book_id", bookID.String()))
	return book, key, nil
}

func (m *Manager) offlineWindow(ctx context.Context, st repo.Store) (int, error) {
	days, err := settings.Int(ctx, st.Settings(), settings.OfflineWindowDays, m.logger)
	if err != nil {
		return 0, apperr.Internal("failed to read offline window", err)
	}
	return days, nil
}

// sign builds the canonical payload of lic and stores it with its signature
func (m *Manager) sign(lic *model.License, book model.Book) error {
	payload := model.LicensePayload{
		Kid:       m.signer.KeyID(),
		LicenseID: lic.ID.String(),
		LoanID:    lic.LoanID.String(),
		UserID:    lic.UserID.String(),
		DeviceID:  lic.DeviceID.String(),
		BookID:    lic.BookID.String(),
		Policy:    lic.Policy,
		Key:       model.LicenseKey{Alg: cryptokit.ContentKeyAlg, KeyWrapped: lic.KeyWrapped},
		Asset: model.LicenseAsset{
			SHA256:     book.AssetSHA256,
			ChunkCount: book.ChunkCount,
			ChunkSize:  book.ChunkSize,
		},
		ServerTime: lic.ServerTime,
	}
	canonical, sig, err := m.signer.Sign(payload)
	if err != nil {
		return apperr.Internal("failed to sign license", err)
	}
	lic.Payload = string(canonical)
	lic.Signature = sig
	return nil
}

// RenewLicense renews a license owned by userID
func (m *Manager) RenewLicense(ctx context.Context, userID, licenseID uuid.UUID) (model.License, error) {
	return m.renew(ctx, licenseID, &userID, TriggerClient)
}

// RenewLicenseAsSystem renews a license without an ownership check. It is used
// by the background renewal sweep.
func (m *Manager) RenewLicenseAsSystem(ctx context.Context, licenseID uuid.UUID) (model.License, error) {
	return m.renew(ctx, licenseID, nil, TriggerSweep)
}

func (m *Manager) renew(ctx context.Context, licenseID uuid.UUID, owner *uuid.UUID, trigger string) (model.License, error) {
	var out model.License
	err := m.store.WithTx(ctx, func(tx repo.Store) error {
		lic, err := m.liveLicense(ctx, tx, licenseID, owner)
		if err != nil {
			return err
		}
		// loan before pair, the same order issuance takes them
		loan, err := tx.Loans().GetByIDForShare(ctx, lic.LoanID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return apperr.Internal("failed to load loan", err)
		}
		if err != nil || loan.Status != model.LoanStatusActive {
			return apperr.NotFound("License not found or loan no longer active")
		}
		if err := tx.Licenses().LockPair(ctx, lic.LoanID, lic.DeviceID); err != nil {
			return apperr.Internal("failed to lock license", err)
		}
		// re-read under the lock so concurrent renewals serialize on fresh state
		lic, err = m.liveLicense(ctx, tx, licenseID, owner)
		if err != nil {
			return err
		}

		device, err := tx.Devices().GetByID(ctx, lic.DeviceID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return apperr.Internal("failed to load device", err)
		}
		if err != nil || !device.IsActive {
			return apperr.NotFound("License not found or device no longer active")
		}

		out, err = m.renewLocked(ctx, tx, lic)
		return err
	})
	if err != nil {
		return model.License{}, err
	}

	m.metrics.LicensesRenewed.WithLabelValues(trigger).Inc()
	m.logger.InfoContext(ctx, "license renewed",
		slog.String("license_id", out.ID.String()),
		slog.String("trigger", trigger),
		slog.Int("renewal_count", out.RenewalCount),
		slog.Time("offline_expires_at", out.Policy.OfflineExpiresAt),
	)
	return out, nil
}

func (m *Manager) liveLicense(ctx context.Context, tx repo.Store, licenseID uuid.UUID, owner *uuid.UUID) (model.License, error) {
	lic, err := tx.Licenses().GetByID(ctx, licenseID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return model.License{}, apperr.Internal("failed to load license", err)
	}
	if err != nil || (owner != nil && lic.UserID != *owner) || lic.Revoked {
		return model.License{}, apperr.NotFound("License not found or revoked")
	}
	return lic, nil
}

// renewLocked extends the offline window of a live license and re-signs it.
// The caller holds the pair lock and has checked loan and device activity.
func (m *Manager) renewLocked(ctx context.Context, tx repo.Store, lic model.License) (model.License, error) {
	book, err := tx.Books().GetByID(ctx, lic.BookID)
	if err != nil {
		return model.License{}, apperr.Internal("failed to load book", err)
	}
	window, err := m.offlineWindow(ctx, tx)
	if err != nil {
		return model.License{}, err
	}

	now := m.timestamp()
	expires := now.AddDate(0, 0, window)
	if !expires.After(lic.Policy.OfflineExpiresAt) {
		// a shrunken window or a renewal within the same instant still moves forward
		expires = lic.Policy.OfflineExpiresAt.Add(time.Millisecond)
	}
	lic.Policy.OfflineExpiresAt = expires
	lic.ServerTime = now
	lic.LastRenewedAt = &now
	lic.RenewalCount++
	lic.UpdatedAt = now

	if err := m.sign(&lic, book); err != nil {
		return model.License{}, err
	}
	if err := tx.Licenses().UpdateRenewal(ctx, lic); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.License{}, apperr.NotFound("License not found or revoked")
		}
		return model.License{}, apperr.Internal("failed to store renewal", err)
	}
	return lic, nil
}

// GetLicenseUpdates returns the delta a device needs to reconcile its cache:
// every revoked license id, and the live licenses renewed after since.
func (m *Manager) GetLicenseUpdates(ctx context.Context, userID, deviceID uuid.UUID, since *time.Time) (model.LicenseUpdates, error) {
	device, err := m.store.Devices().GetByID(ctx, deviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.LicenseUpdates{}, apperr.NotFound("Device not found")
	}
	if err != nil {
		return model.LicenseUpdates{}, apperr.Internal("failed to load device", err)
	}
	if device.OwnerUserID != userID {
		return model.LicenseUpdates{}, apperr.Forbidden("Device does not belong to you")
	}

	revoked, err := m.store.Licenses().ListRevokedIDsByDevice(ctx, deviceID)
	if err != nil {
		return model.LicenseUpdates{}, apperr.Internal("failed to list revoked licenses", err)
	}
	live, err := m.store.Licenses().ListLiveByDevice(ctx, deviceID, since)
	if err != nil {
		return model.LicenseUpdates{}, apperr.Internal("failed to list licenses", err)
	}
	updated := make([]model.SignedLicense, 0, len(live))
	for _, l := range live {
		updated = append(updated, l.Signed())
	}
	return model.LicenseUpdates{Revoked: revoked, Updated: updated}, nil
}

// RevokeLicensesForLoan revokes every live license of a loan within tx. It is
// idempotent and returns the number of licenses that changed.
func (m *Manager) RevokeLicensesForLoan(ctx context.Context, tx repo.Store, loanID uuid.UUID, revokedBy *string) (int, error) {
	n, err := tx.Licenses().RevokeForLoan(ctx, loanID, revokedBy, m.timestamp())
	if err != nil {
		return 0, apperr.Internal("failed to revoke licenses", err)
	}
	return n, nil
}

// GetLicensesExpiringSoon lists live licenses whose offline window ends within
// hoursAhead. A nil userID lists licenses of every user.
func (m *Manager) GetLicensesExpiringSoon(ctx context.Context, hoursAhead int, userID *uuid.UUID) ([]model.License, error) {
	if hoursAhead < 1 || hoursAhead > MaxExpiringHours {
		return nil, apperr.Validation("hours must be between 1 and 720")
	}
	now := m.now().UTC()
	out, err := m.store.Licenses().ListExpiring(ctx, now, now.Add(time.Duration(hoursAhead)*time.Hour), userID)
	if err != nil {
		return nil, apperr.Internal("failed to list expiring licenses", err)
	}
	return out, nil
}

// ListUserLicenses returns every license of a user, revoked ones included
func (m *Manager) ListUserLicenses(ctx context.Context, userID uuid.UUID) ([]model.License, error) {
	out, err := m.store.Licenses().ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to list licenses", err)
	}
	return out, nil
}

// Verify reports whether the stored payload of lic carries a valid signature
func (m *Manager) Verify(lic model.License) bool {
	return m.signer.Verify(json.RawMessage(lic.Payload), lic.Signature)
}

// PublicKey describes the active signing key for clients that verify licenses
type PublicKey struct {
	Kid       string `json:"kid"`
	Alg       string `json:"alg"`
	PublicKey string `json:"publicKey"`
}

// PublicKeyInfo returns the active signing key in PEM form
func (m *Manager) PublicKeyInfo() (PublicKey, error) {
	pemBytes, err := m.signer.PublicKeyPEM()
	if err != nil {
		return PublicKey{}, apperr.Internal("failed to encode public key", err)
	}
	return PublicKey{Kid: m.signer.KeyID(), Alg: "Ed25519", PublicKey: string(pemBytes)}, nil
}
