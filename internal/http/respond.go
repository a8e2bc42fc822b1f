package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Satvik374/bot-deployer/internal/service/deploy"
	"github.com/Satvik374/bot-deployer/internal/store"
)

// writeJSON writes the payload as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError wraps msg in the error envelope all handlers share.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, deploy.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
