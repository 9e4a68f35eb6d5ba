package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/model"
)

// meResponse is the caller identity returned by GET /me
type meResponse struct {
	ID    uuid.UUID  `json:"id"`
	Email string     `json:"email"`
	Role  model.Role `json:"role"`
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func HandleMe(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	respondJSON(w, r, http.StatusOK, meResponse{ID: user.ID, Email: user.Email, Role: user.Role})
}
