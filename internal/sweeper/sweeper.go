// Package sweeper periodically renews licenses that are about to leave their
// offline window so clients pick up a fresh window on their next sync.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/metrics"
	"github.com/shelfkey/server/internal/model"
)

// Renewer is the part of the license manager the sweep needs
type Renewer interface {
	GetLicensesExpiringSoon(ctx context.Context, hoursAhead int, userID *uuid.UUID) ([]model.License, error)
	RenewLicenseAsSystem(ctx context.Context, licenseID uuid.UUID) (model.License, error)
}

// Sweeper renews expiring licenses on a fixed interval
type Sweeper struct {
	licenses     Renewer
	interval     time.Duration
	horizonHours int
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates a sweeper. An interval of zero disables Run.
func New(licenses Renewer, interval time.Duration, horizonHours int, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		licenses:     licenses,
		interval:     interval,
		horizonHours: horizonHours,
		metrics:      m,
		logger:       logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.InfoContext(ctx, "renewal sweep disabled")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "renewal sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep renews every license expiring within the horizon and returns how many
// were renewed. Licenses that cannot be renewed are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.metrics.SweepRuns.Inc()
	expiring, err := s.licenses.GetLicensesExpiringSoon(ctx, s.horizonHours, nil)
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, lic := range expiring {
		if ctx.Err() != nil {
			return renewed, ctx.Err()
		}
		if _, err := s.licenses.RenewLicenseAsSystem(ctx, lic.ID); err != nil {
			s.metrics.SweepFailures.Inc()
			s.logger.WarnContext(ctx, "skipping license renewal",
				slog.String("license_id", lic.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		renewed++
	}
	if len(expiring) > 0 {
		s.logger.InfoContext(ctx, "renewal sweep finished",
			slog.Int("expiring", len(expiring)),
			slog.Int("renewed", renewed),
		)
	}
	return renewed, nil
}
