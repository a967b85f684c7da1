package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/flowdeck/flowdeck/internal/models"
)

// fallbackBody is served raw when a response fails to marshal, so the client
// always receives well-formed JSON.
const fallbackBody = `{"status":"error","message":"Internal server error"}`

// writeJSON marshals an API response before touching the connection; a
// marshal failure downgrades to the fallback body with a 500.
func writeJSON(w http.ResponseWriter, status int, resp models.APIResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Server response marshal failed", "error", err)
		status = http.StatusInternalServerError
		body = []byte(fallbackBody)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server response write failed", "error", err)
	}
}

// writeError is shorthand for the error-shaped response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.Error(message))
}
