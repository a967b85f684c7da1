package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowdeck/flowdeck/internal/flowgraph"
	"github.com/flowdeck/flowdeck/internal/models"
	"github.com/flowdeck/flowdeck/internal/store"
	"github.com/google/uuid"
)

// flowsHandler serves the flow collection: GET lists, POST creates.
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listFlowsHandler(w, r)
	case http.MethodPost:
		s.createFlowHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// flowHandler serves a single flow: GET, PUT, DELETE on /flows/{id}.
func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/flows/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getFlowHandler(w, r, id)
	case http.MethodPut:
		s.updateFlowHandler(w, r, id)
	case http.MethodDelete:
		s.deleteFlowHandler(w, r, id)
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	filter := store.FlowFilter{
		Service:    r.URL.Query().Get("service"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}
	flows, err := s.store.ListFlows(filter)
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed to list flows", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list flows")
		return
	}
	writeJSON(w, http.StatusOK, models.Success(flows))
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var flow models.Flow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	now := time.Now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	if err := s.validateFlow(&flow); err != nil {
		slog.Warn("Server.createFlowHandler: validation failed", "error", err, "flowID", flow.ID)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveFlow(&flow); err != nil {
		slog.Error("Server.createFlowHandler: failed to save flow", "error", err, "flowID", flow.ID)
		writeError(w, http.StatusInternalServerError, "Failed to save flow")
		return
	}

	slog.Info("Server.createFlowHandler: flow created", "flowID", flow.ID, "name", flow.Name)
	writeJSON(w, http.StatusCreated, models.Success(flow))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request, id string) {
	flow, err := s.store.GetFlow(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}
	if err != nil {
		slog.Error("Server.getFlowHandler: failed to load flow", "error", err, "flowID", id)
		writeError(w, http.StatusInternalServerError, "Failed to load flow")
		return
	}
	writeJSON(w, http.StatusOK, models.Success(flow))
}

func (s *Server) updateFlowHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	existing, err := s.store.GetFlow(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}
	if err != nil {
		slog.Error("Server.updateFlowHandler: failed to load flow", "error", err, "flowID", id)
		writeError(w, http.StatusInternalServerError, "Failed to load flow")
		return
	}

	var flow models.Flow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		slog.Warn("Server.updateFlowHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	flow.ID = id
	flow.CreatedAt = existing.CreatedAt
	flow.UpdatedAt = time.Now()

	if err := s.validateFlow(&flow); err != nil {
		slog.Warn("Server.updateFlowHandler: validation failed", "error", err, "flowID", id)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveFlow(&flow); err != nil {
		slog.Error("Server.updateFlowHandler: failed to save flow", "error", err, "flowID", id)
		writeError(w, http.StatusInternalServerError, "Failed to save flow")
		return
	}

	slog.Info("Server.updateFlowHandler: flow updated", "flowID", id)
	writeJSON(w, http.StatusOK, models.Success(flow))
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteFlow(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Flow not found")
			return
		}
		slog.Error("Server.deleteFlowHandler: failed to delete flow", "error", err, "flowID", id)
		writeError(w, http.StatusInternalServerError, "Failed to delete flow")
		return
	}
	slog.Info("Server.deleteFlowHandler: flow deleted", "flowID", id)
	writeJSON(w, http.StatusOK, models.SuccessWithMessage("Flow deleted", nil))
}

// validateFlow rejects malformed definitions at write time so authors learn
// about problems immediately instead of at dispatch.
func (s *Server) validateFlow(flow *models.Flow) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	return flowgraph.Validate(flow)
}
