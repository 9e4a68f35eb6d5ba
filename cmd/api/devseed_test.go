package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkey/server/internal/auth"
	"github.com/shelfkey/server/internal/repo/memory"
)

func TestSeedDevData_tokensStayOutOfLogs(t *testing.T) {
	jwtService := auth.NewJWTService("dev-secret-that-is-at-least-32-characters", time.Hour)
	var logs, tokens bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	store := memory.New()

	require.NoError(t, seedDevData(store, jwtService, logger, &tokens))

	lines := strings.Split(strings.TrimSpace(tokens.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		i := strings.LastIndex(line, ": ")
		require.Positive(t, i, line)
		token := line[i+2:]

		claims, err := jwtService.VerifyToken(token)
		require.NoError(t, err)
		_, err = store.Users().GetByID(context.Background(), claims.UserID)
		assert.NoError(t, err)
		assert.NotContains(t, logs.String(), token)
	}
	assert.Contains(t, logs.String(), "admin@shelfkey.dev")
	assert.NotContains(t, logs.String(), `"token"`)
}

func TestSeedDevData_nilTokenWriter(t *testing.T) {
	jwtService := auth.NewJWTService("dev-secret-that-is-at-least-32-characters", time.Hour)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	require.NoError(t, seedDevData(memory.New(), jwtService, logger, nil))
	assert.Contains(t, logs.String(), "reader@shelfkey.dev")
	assert.NotContains(t, logs.String(), "eyJ")
}
