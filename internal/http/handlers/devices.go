package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shelfkey/server/internal/device"
	"github.com/shelfkey/server/internal/model"
)

// DeviceHandler serves /devices
type DeviceHandler struct {
	devices *device.Registry
	logger  *slog.Logger
}

// NewDeviceHandler creates a device handler
func NewDeviceHandler(devices *device.Registry, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, logger: logger}
}

type registerDeviceRequest struct {
	Name      string `json:"name" validate:"required,max=100"`
	PublicKey string `json:"publicKey" validate:"required"`
	Platform  string `json:"platform" validate:"max=100"`
	Language  string `json:"language" validate:"max=35"`
}

type registerDeviceResponse struct {
	DeviceID       uuid.UUID `json:"deviceId"`
	Name           string    `json:"name"`
	Fingerprint    string    `json:"fingerprint"`
	KeyFingerprint string    `json:"keyFingerprint"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HandleRegister handles POST /devices/register
func (h *DeviceHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "register device", err)
		return
	}
	var req registerDeviceRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, r, h.logger, "register device", err)
		return
	}

	d, err := h.devices.Register(r.Context(), user.ID, device.RegisterInput{
		Name:      req.Name,
		PublicKey: req.PublicKey,
		Meta:      clientMeta(r, req.Platform, req.Language),
	})
	if err != nil {
		respondWithError(w, r, h.logger, "register device", err)
		return
	}
	respondJSON(w, r, http.StatusCreated, registerDeviceResponse{
		DeviceID:       d.ID,
		Name:           d.Name,
		Fingerprint:    d.Fingerprint,
		KeyFingerprint: d.KeyFingerprint,
		CreatedAt:      d.CreatedAt,
	})
}

// clientMeta prefers values supplied in the body over request headers
func clientMeta(r *http.Request, platform, language string) model.ClientMeta {
	if platform == "" {
		platform = strings.Trim(r.Header.Get("Sec-CH-UA-Platform"), `"`)
	}
	if language == "" {
		language = r.Header.Get("Accept-Language")
		if i := strings.IndexByte(language, ','); i >= 0 {
			language = language[:i]
		}
	}
	return model.ClientMeta{UserAgent: r.UserAgent(), Platform: platform, Language: language}
}

// HandleList handles GET /devices/me
func (h *DeviceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "list devices", err)
		return
	}
	devices, err := h.devices.List(r.Context(), user.ID)
	if err != nil {
		respondWithError(w, r, h.logger, "list devices", err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]interface{}{"devices": devices})
}

// HandleDeactivate handles DELETE /devices/{deviceId}
func (h *DeviceHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "deactivate device", err)
		return
	}
	deviceID, err := parseID(chi.URLParam(r, "deviceId"), "deviceId")
	if err != nil {
		respondWithError(w, r, h.logger, "deactivate device", err)
		return
	}
	if err := h.devices.Deactivate(r.Context(), user.ID, deviceID); err != nil {
		respondWithError(w, r, h.logger, "deactivate device", err)
		return
	}
	respondJSON(w, r, http.StatusOK, messageResponse{Message: "Device deactivated successfully"})
}

// HandleActivity handles PUT /devices/{deviceId}/activity
func (h *DeviceHandler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		respondWithError(w, r, h.logger, "device activity", err)
		return
	}
	deviceID, err := parseID(chi.URLParam(r, "deviceId"), "deviceId")
	if err != nil {
		respondWithError(w, r, h.logger, "device activity", err)
		return
	}
	if err := h.devices.Heartbeat(r.Context(), user.ID, deviceID); err != nil {
		respondWithError(w, r, h.logger, "device activity", err)
		return
	}
	respondJSON(w, r, http.StatusOK, messageResponse{Message: "Device activity updated"})
}
