package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type settingsRepo struct {
	q querier
}

// Get reads one setting; ok is false when the key is absent
func (r *settingsRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query setting %s: %w", key, err)
	}
	return value, true, nil
}
