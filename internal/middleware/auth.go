package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shelfkey/server/internal/auth"
	"github.com/shelfkey/server/internal/model"
	"github.com/shelfkey/server/internal/repo"
)

type contextKey string

const userKey contextKey = "user"

// AuthMiddleware validates JWT tokens, loads the account and attaches the
// caller identity to the context. Unknown or inactive accounts get 401.
func AuthMiddleware(jwtService *auth.JWTService, users repo.UserRepo, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			user, err := users.GetByID(r.Context(), claims.UserID)
			if err != nil {
				if !errors.Is(err, repo.ErrNotFound) {
					logger.ErrorContext(r.Context(), "failed to load session user",
						slog.String("user_id", claims.UserID.String()),
						slog.Any("error", err),
					)
				}
				respondWithError(w, http.StatusUnauthorized, "user not found")
				return
			}
			if !user.IsActive {
				respondWithError(w, http.StatusUnauthorized, "account is disabled")
				return
			}

			caller := model.AuthenticatedUser{
				ID:       user.ID,
				Email:    user.Email,
				Role:     user.Role,
				IsActive: user.IsActive,
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), caller)))
		})
	}
}

// RequireAdmin rejects callers without the admin role. It must run after AuthMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUser(r.Context())
		if !ok {
			respondWithError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !user.IsAdmin() {
			respondWithError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser attaches the caller identity to ctx
func WithUser(ctx context.Context, u model.AuthenticatedUser) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser returns the caller attached by AuthMiddleware
func GetUser(ctx context.Context) (model.AuthenticatedUser, bool) {
	u, ok := ctx.Value(userKey).(model.AuthenticatedUser)
	return u, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
