package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/apperr"
	"github.com/shelfkey/server/internal/middleware"
	"github.com/shelfkey/server/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// errorResponse is the body of every non-2xx answer
type errorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// respondWithError maps err onto the HTTP taxonomy. Internal errors are
// logged with their cause and answered with a generic message.
func respondWithError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("op", op),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		respondJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	resp := errorResponse{Error: err.Error()}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		resp = errorResponse{Error: appErr.Message, Details: appErr.Details}
	}
	respondJSON(w, r, apperr.StatusCode(kind), resp)
}

// decode binds the JSON body into dst and validates it
func decode(r *http.Request, dst interface{}) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be omitted
func decodeOptional(r *http.Request, dst interface{}) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Validation("invalid request")
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperr.Validation(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	name := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "uuid":
		return name + " must be a valid UUID"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, fe.Param())
	}
	return name + " is invalid"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func parseID(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation(name + " must be a valid UUID")
	}
	return id, nil
}

// caller returns the authenticated user; routes are mounted behind
// AuthMiddleware so a missing user is a wiring bug answered with 401.
func caller(r *http.Request) (model.AuthenticatedUser, error) {
	u, ok := middleware.GetUser(r.Context())
	if !ok {
		return model.AuthenticatedUser{}, apperr.Unauthorized("unauthorized")
	}
	return u, nil
}
