// Package api provides HTTP handlers for flowdeck endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowdeck/flowdeck/internal/models"
)

// healthHandler reports service liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// eventsHandler injects a user event into the engine and returns the
// resulting outbound batch. The batch is also handed to the transport when
// one is configured, so API-injected events behave like channel-inbound ones.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.eventsHandler: processing event request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if event.Kind == "" {
		event.Kind = models.EventKindText
	}
	if event.Time == 0 {
		event.Time = time.Now().Unix()
	}
	if err := event.Validate(); err != nil {
		slog.Warn("Server.eventsHandler: validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch, err := s.engine.ProcessEvent(r.Context(), event)
	if errors.Is(err, models.ErrNoFlowMatched) {
		slog.Debug("Server.eventsHandler: no flow matched", "userID", event.UserID)
		writeJSON(w, http.StatusOK, models.SuccessWithMessage("No flow matched the event", nil))
		return
	}
	if err != nil {
		slog.Error("Server.eventsHandler: engine failed", "error", err, "userID", event.UserID)
		writeError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	if s.dispatcher != nil && len(batch) > 0 {
		if err := s.dispatcher.Deliver(r.Context(), batch); err != nil {
			slog.Error("Server.eventsHandler: delivery failed", "error", err, "userID", event.UserID)
			writeError(w, http.StatusInternalServerError, "Failed to deliver messages")
			return
		}
	}

	slog.Info("Server.eventsHandler: event processed", "userID", event.UserID, "messages", len(batch))
	writeJSON(w, http.StatusOK, models.Success(batch))
}
