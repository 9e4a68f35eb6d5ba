// Package settings reads the persisted business limits. Values are read from
// the store on every call so operators can change them without a restart.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shelfkey/server/internal/repo"
)

// Setting keys and their defaults
const (
	MaxDevicesPerUser = "MAX_DEVICES_PER_USER"
	LoanCap           = "LOAN_CAP"
	OfflineWindowDays = "OFFLINE_WINDOW_DAYS"

	DefaultMaxDevicesPerUser = 5
	DefaultLoanCap           = 20
	DefaultOfflineWindowDays = 30
)

var defaults = map[string]int{
	MaxDevicesPerUser: DefaultMaxDevicesPerUser,
	LoanCap:           DefaultLoanCap,
	OfflineWindowDays: DefaultOfflineWindowDays,
}

// Int reads a positive integer setting, falling back to its default when the
// key is absent or holds something unusable.
func Int(ctx context.Context, s repo.SettingsRepo, key string, logger *slog.Logger) (int, error) {
	def, known := defaults[key]
	if !known {
		return 0, fmt.Errorf("unknown setting %q", key)
	}
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		logger.WarnContext(ctx, "ignoring invalid setting",
			slog.String("key", key),
			slog.String("value", raw),
			slog.Int("default", def),
		)
		return def, nil
	}
	return v, nil
}
