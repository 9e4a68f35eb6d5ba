package settings

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkey/server/internal/repo/memory"
)

func TestInt(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	tests := []struct {
		name  string
		value *string
		want  int
	}{
		{"absent uses default", nil, DefaultLoanCap},
		{"explicit value", strPtr("2"), 2},
		{"whitespace tolerated", strPtr(" 7 "), 7},
		{"garbage uses default", strPtr("lots"), DefaultLoanCap},
		{"zero uses default", strPtr("0"), DefaultLoanCap},
		{"negative uses default", strPtr("-3"), DefaultLoanCap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			if tt.value != nil {
				store.SetSetting(LoanCap, *tt.value)
			}
			got, err := Int(ctx, store.Settings(), LoanCap, logger)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInt_unknownKey(t *testing.T) {
	_, err := Int(context.Background(), memory.New().Settings(), "NOPE", slog.Default())
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
