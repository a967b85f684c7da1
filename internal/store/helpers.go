package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flowdeck/flowdeck/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// encodeStateBlobs serializes the flow sub-state and opaque other-mode payload.
func encodeStateBlobs(state *models.ConversationState) (interface{}, interface{}, error) {
	var flowJSON, otherJSON interface{}
	if state.Flow != nil {
		raw, err := json.Marshal(state.Flow)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal flow state: %w", err)
		}
		flowJSON = string(raw)
	}
	if len(state.Other) > 0 {
		otherJSON = string(state.Other)
	}
	return flowJSON, otherJSON, nil
}

// scanConversationState reads one conversation state row.
func scanConversationState(row rowScanner) (*models.ConversationState, error) {
	var state models.ConversationState
	var language, flowJSON, otherJSON sql.NullString
	err := row.Scan(&state.UserID, &state.Mode, &language, &flowJSON, &otherJSON,
		&state.Version, &state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}
	state.Language = language.String
	if flowJSON.Valid && flowJSON.String != "" {
		var fs models.FlowState
		if err := json.Unmarshal([]byte(flowJSON.String), &fs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow state: %w", err)
		}
		state.Flow = &fs
	}
	if otherJSON.Valid && otherJSON.String != "" {
		state.Other = json.RawMessage(otherJSON.String)
	}
	return &state, nil
}

// encodeFlowBlobs serializes a flow's node and edge sets.
func encodeFlowBlobs(flow *models.Flow) (string, string, error) {
	nodesJSON, err := json.Marshal(flow.Nodes)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal flow nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(flow.Edges)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal flow edges: %w", err)
	}
	return string(nodesJSON), string(edgesJSON), nil
}

// scanFlow reads one flow row from a result set.
func scanFlow(rows *sql.Rows) (*models.Flow, error) {
	return scanFlowRow(rows)
}

// scanFlowRow reads one flow row.
func scanFlowRow(row rowScanner) (*models.Flow, error) {
	var flow models.Flow
	var description, service, createdBy sql.NullString
	var nodesJSON, edgesJSON string
	err := row.Scan(&flow.ID, &flow.Name, &description, &flow.TriggerKind, &flow.TriggerValue,
		&service, &flow.Active, &flow.Priority, &nodesJSON, &edgesJSON,
		&createdBy, &flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return nil, err
	}
	flow.Description = description.String
	flow.Service = service.String
	flow.CreatedBy = createdBy.String
	if err := json.Unmarshal([]byte(nodesJSON), &flow.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edgesJSON), &flow.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow edges: %w", err)
	}
	return &flow, nil
}
