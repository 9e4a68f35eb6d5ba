// Package device manages the reading endpoints registered by users.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/apperr"
	"github.com/shelfkey/server/internal/cryptokit"
	"github.com/shelfkey/server/internal/metrics"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo"
	"github.com/shelfkey/server/internal/settings"
)

const maxNameLength = 100

// Registry registers, lists and deactivates devices
type Registry struct {
	store   repo.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a device registry backed by store
func NewRegistry(store repo.Store, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{store: store, metrics: m, logger: logger, now: time.Now}
}

// RegisterInput is what a client submits when registering a device
type RegisterInput struct {
	Name      string
	PublicKey string
	Meta      model.ClientMeta
}

// Register validates the device key and stores a new active device, subject
// to the per-user device cap.
func (r *Registry) Register(ctx context.Context, userID uuid.UUID, in RegisterInput) (model.Device, error) {
	name := strings.TrimSpace(in.Name)
	publicKey := strings.TrimSpace(in.PublicKey)
	if name == "" || publicKey == "" {
		return model.Device{}, apperr.Validation("name and publicKey are required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return model.Device{}, apperr.Validation("name must be at most 100 characters")
	}
	keyFingerprint, err := cryptokit.DeviceKeyFingerprint(publicKey)
	if err != nil {
		return model.Device{}, apperr.Validation("publicKey must be a PEM-encoded RSA public key of at least 2048 bits")
	}

	now := r.now().UTC().Truncate(time.Microsecond)
	dev := model.Device{
		ID:             uuid.New(),
		OwnerUserID:    userID,
		Name:           name,
		PublicKey:      publicKey,
		KeyFingerprint: keyFingerprint,
		Fingerprint:    Fingerprint(in.Meta, publicKey),
		LastActiveAt:   now,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = r.store.WithTx(ctx, func(tx repo.Store) error {
		if err := tx.Devices().LockOwner(ctx, userID); err != nil {
			return apperr.Internal("failed to lock devices", err)
		}
		limit, err := settings.Int(ctx, tx.Settings(), settings.MaxDevicesPerUser, r.logger)
		if err != nil {
			return apperr.Internal("failed to read device limit", err)
		}
		count, err := tx.Devices().CountActive(ctx, userID)
		if err != nil {
			return apperr.Internal("failed to count devices", err)
		}
		if count >= limit {
			return apperr.Conflict("Device limit reached. Deactivate a device before registering a new one").
				WithDetail("currentDevices", count).
				WithDetail("maxDevices", limit)
		}
		if err := tx.Devices().Create(ctx, dev); err != nil {
			return apperr.Internal("failed to store device", err)
		}
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			r.metrics.CapRejections.WithLabelValues("device_limit").Inc()
		}
		return model.Device{}, err
	}

	r.metrics.DevicesRegistered.Inc()
	r.logger.InfoContext(ctx, "device registered",
		slog.String("user_id", userID.String()),
		slog.String("device_id", dev.ID.String()),
		slog.String("key_fingerprint", keyFingerprint),
	)
	return dev, nil
}

// List returns every device of the user, active or not
func (r *Registry) List(ctx context.Context, userID uuid.UUID) ([]model.DeviceSummary, error) {
	devices, err := r.store.Devices().ListByOwner(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to list devices", err)
	}
	out := make([]model.DeviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Summary())
	}
	return out, nil
}

// Get returns an active device owned by userID
func (r *Registry) Get(ctx context.Context, userID, deviceID uuid.UUID) (model.Device, error) {
	d, err := r.store.Devices().GetByID(ctx, deviceID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && (d.OwnerUserID != userID || !d.IsActive)) {
		return model.Device{}, apperr.NotFound("Device not found")
	}
	if err != nil {
		return model.Device{}, apperr.Internal("failed to load device", err)
	}
	return d, nil
}

// Deactivate soft-deletes a device. Existing licenses of the device are left
// untouched; new licenses can no longer be issued or renewed for it.
func (r *Registry) Deactivate(ctx context.Context, userID, deviceID uuid.UUID) error {
	err := r.store.Devices().Deactivate(ctx, userID, deviceID, r.now().UTC().Truncate(time.Microsecond))
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("Device not found")
	}
	if err != nil {
		return apperr.Internal("failed to deactivate device", err)
	}
	r.metrics.DevicesDeactivated.Inc()
	r.logger.InfoContext(ctx, "device deactivated",
		slog.String("user_id", userID.String()),
		slog.String("device_id", deviceID.String()),
	)
	return nil
}

// Heartbeat records that an active device was just used
func (r *Registry) Heartbeat(ctx context.Context, userID, deviceID uuid.UUID) error {
	err := r.store.Devices().Touch(ctx, userID, deviceID, r.now().UTC().Truncate(time.Microsecond))
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("Device not found")
	}
	if err != nil {
		return apperr.Internal("failed to update device", err)
	}
	return nil
}

// Fingerprint derives a stable identifier from client metadata and the
// device public key.
func Fingerprint(meta model.ClientMeta, publicKey string) string {
	keyDigest := sha256.Sum256([]byte(publicKey))
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		meta.UserAgent,
		meta.Platform,
		meta.Language,
		hex.EncodeToString(keyDigest[:]),
	}, "|")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
