// Package models defines conversation state structures for flowdeck.
package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// ConversationMode discriminates which sub-state of a conversation is live.
// The engine only understands ModeFlow; other modes round-trip opaquely so
// sibling subsystems can share the same storage record.
type ConversationMode string

const (
	// ModeNone means no conversation is in progress.
	ModeNone ConversationMode = "none"
	// ModeFlow means the user is inside an authored flow.
	ModeFlow ConversationMode = "flow"
)

// Reserved variable bag keys written by node handlers.
const (
	// VarKeyLastInput receives the raw text of a wait-user-input resumption.
	VarKeyLastInput = "lastInput"
	// VarKeyFAQResult receives the best knowledge base hit from faq-search.
	VarKeyFAQResult = "faqResult"
)

// FlowState is the flow-mode sub-state: which flow the user is in, the node
// execution is suspended at (empty when the flow has not started or ended),
// and the variable bag accumulated across node executions.
type FlowState struct {
	FlowID    string            `json:"flow_id"`
	NodeID    string            `json:"node_id,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ConversationState is the single live record per user. Version is a
// compare-and-swap stamp owned by the store: saves carry the version loaded
// and fail with a conflict if another event won the race.
type ConversationState struct {
	UserID    string           `json:"user_id"`
	Mode      ConversationMode `json:"mode"`
	Language  string           `json:"language,omitempty"`
	Flow      *FlowState       `json:"flow,omitempty"`
	Other     json.RawMessage  `json:"other,omitempty"`
	Version   int64            `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewConversationState returns a fresh record for a user with no active mode.
func NewConversationState(userID string) *ConversationState {
	now := time.Now()
	return &ConversationState{
		UserID:    userID,
		Mode:      ModeNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EnterFlow switches the conversation into flow mode for the given flow.
func (s *ConversationState) EnterFlow(flowID string) {
	s.Mode = ModeFlow
	s.Flow = &FlowState{FlowID: flowID, Variables: make(map[string]string)}
}

// LeaveFlow clears the flow sub-state, returning the conversation to idle.
func (s *ConversationState) LeaveFlow() {
	s.Mode = ModeNone
	s.Flow = nil
}

// SetVariable writes one entry into the variable bag, allocating it lazily.
func (s *ConversationState) SetVariable(key, value string) {
	if s.Flow == nil {
		return
	}
	if s.Flow.Variables == nil {
		s.Flow.Variables = make(map[string]string)
	}
	s.Flow.Variables[key] = value
}

// SuspendedAt reports whether the user is suspended at the given flow/node.
// Used by scheduled resumption to detect staleness before firing.
func (s *ConversationState) SuspendedAt(flowID, nodeID string) bool {
	return s.Mode == ModeFlow && s.Flow != nil &&
		s.Flow.FlowID == flowID && s.Flow.NodeID == nodeID
}

// Fingerprint captures the suspension point for scheduled task staleness
// checks. It includes the state version so that leaving a flow and later
// re-suspending at the same node invalidates tasks armed for the earlier
// visit.
func (s *ConversationState) Fingerprint() string {
	if s.Mode != ModeFlow || s.Flow == nil {
		return ""
	}
	return s.Flow.FlowID + "/" + s.Flow.NodeID + "@" + strconv.FormatInt(s.Version, 10)
}
