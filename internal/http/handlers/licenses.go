package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/apperr"
	"github.com/shelfkey/server/internal/license"
	"github.com/shelfkey/server/internal/model"
)

const (
	defaultExpiringHours = 72
	syncOverlap          = time.Second
)

// LicenseHandler serves /licenses
type LicenseHandler struct {
	licenses *license.Manager
	logger   *slog.Logger
	now      func() time.Time
}

// NewLicenseHandler creates a license handler
func NewLicenseHandler(licenses *license.Manager, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{licenses: licenses, logger: logger, now: time.Now}
}

type issueLicenseRequest struct {
	LoanID   string `json:"loanId" validate:"required,uuid"`
	DeviceID string `json:"deviceId" validate:"required,uuid"`
}

type renewLicenseRequest struct {
	LicenseID string `json:"licenseId" validate:"required,uuid"`
}

type signedLicenseResponse struct {
	Message   string          `json:"message"`
	License   json.RawMessage `json:"license"`
	Signature string          `json:"signature"`
}

type licenseUpdatesResponse struct {
	Message   string                `json:"message"`
	Revoked   []uuid.UUID           `json:"revoked"`
	Updated   []model.SignedLicense `json:"updated"`
	Timestamp time.Time             `json:"timestamp"`
}

type licenseListResponse struct {
	Licenses []model.License `json:"licenses"`
	Count    int             `json:"count"`
}

// HandleIssue handles POST /licenses
func (h *LicenseHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "issue license", err)
		return
	}
	var req issueLicenseRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, r, h.logger, "issue license", err)
		return
	}
	loanID, _ := uuid.Parse(req.LoanID)
	deviceID, _ := uuid.Parse(req.DeviceID)

	lic, err := h.licenses.IssueLicense(r.Context(), user.ID, loanID, deviceID)
	if err != nil {
		respondWithError(w, r, h.logger, "issue license", err)
		return
	}
	signed := lic.Signed()
	respondJSON(w, r, http.StatusOK, signedLicenseResponse{
		Message:   "License issued successfully",
		License:   signed.License,
		Signature: signed.Signature,
	})
}

// HandleRenew handles POST /licenses/renew
func (h *LicenseHandler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "renew license", err)
		return
	}
	var req renewLicenseRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, r, h.logger, "renew license", err)
		return
	}
	licenseID, _ := uuid.Parse(req.LicenseID)

	lic, err := h.licenses.RenewLicense(r.Context(), user.ID, licenseID)
	if err != nil {
		respondWithError(w, r, h.logger, "renew license", err)
		return
	}
	signed := lic.Signed()
	respondJSON(w, r, http.StatusOK, signedLicenseResponse{
		Message:   "License renewed successfully",
		License:   signed.License,
		Signature: signed.Signature,
	})
}

// HandleUpdates handles GET /licenses/updates?deviceId=&since=
func (h *LicenseHandler) HandleUpdates(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "license updates", err)
		return
	}
	q := r.URL.Query()
	if q.Get("deviceId") == "" {
		respondWithError(w, r, h.logger, "license updates", apperr.Validation("deviceId is required"))
		return
	}
	deviceID, err := parseID(q.Get("deviceId"), "deviceId")
	if err != nil {
		respondWithError(w, r, h.logger, "license updates", err)
		return
	}
	var since *time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondWithError(w, r, h.logger, "license updates", apperr.Validation("since must be an RFC 3339 timestamp"))
			return
		}
		since = &t
	}

	// clients pass this back as since; the overlap covers renewals that
	// commit while the query runs
	timestamp := h.now().UTC().Truncate(time.Millisecond).Add(-syncOverlap)
	updates, err := h.licenses.GetLicenseUpdates(r.Context(), user.ID, deviceID, since)
	if err != nil {
		respondWithError(w, r, h.logger, "license updates", err)
		return
	}
	respondJSON(w, r, http.StatusOK, licenseUpdatesResponse{
		Message:   "License updates retrieved",
		Revoked:   updates.Revoked,
		Updated:   updates.Updated,
		Timestamp: timestamp,
	})
}

// HandleMine handles GET /licenses/me
func (h *LicenseHandler) HandleMine(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "list licenses", err)
		return
	}
	lics, err := h.licenses.ListUserLicenses(r.Context(), user.ID)
	if err != nil {
		respondWithError(w, r, h.logger, "list licenses", err)
		return
	}
	respondJSON(w, r, http.StatusOK, licenseListResponse{Licenses: lics, Count: len(lics)})
}

// HandleExpiring handles GET /licenses/expiring?hours=72. Callers only see
// their own licenses.
func (h *LicenseHandler) HandleExpiring(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "expiring licenses", err)
		return
	}
	hours := defaultExpiringHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err = strconv.Atoi(raw)
		if err != nil {
			respondWithError(w, r, h.logger, "expiring licenses", apperr.Validation("hours must be an integer"))
			return
		}
	}

	lics, err := h.licenses.GetLicensesExpiringSoon(r.Context(), hours, &user.ID)
	if err != nil {
		respondWithError(w, r, h.logger, "expiring licenses", err)
		return
	}
	respondJSON(w, r, http.StatusOK, licenseListResponse{Licenses: lics, Count: len(lics)})
}

// HandlePublicKey handles GET /licenses/public-key
func (h *LicenseHandler) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	info, err := h.licenses.PublicKeyInfo()
	if err != nil {
		respondWithError(w, r, h.logger, "public key", err)
		return
	}
	respondJSON(w, r, http.StatusOK, info)
}
