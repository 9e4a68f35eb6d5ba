package handlers

import "net/http"

// HandleHealth answers liveness probes
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}
