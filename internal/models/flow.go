// Package models defines flow definition structures shared across modules.
package models

import (
	"errors"
	"time"
)

// NodeKind is the closed set of node behaviors the executor understands.
type NodeKind string

const (
	// NodeKindSendMessage emits one localized text message and continues.
	NodeKindSendMessage NodeKind = "send-message"
	// NodeKindQuickReply presents an option list and suspends for a selection.
	NodeKindQuickReply NodeKind = "quick-reply"
	// NodeKindCard emits one rich card message and continues.
	NodeKindCard NodeKind = "card"
	// NodeKindFAQSearch queries the knowledge searcher and branches on the result.
	NodeKindFAQSearch NodeKind = "faq-search"
	// NodeKindWaitUserInput suspends until the next user event.
	NodeKindWaitUserInput NodeKind = "wait-user-input"
	// NodeKindDelayedPush schedules a timed resumption and suspends silently.
	NodeKindDelayedPush NodeKind = "delayed-push"
)

// IsKnownNodeKind reports whether the executor has a handler for the kind.
// Unknown kinds are not an error at load time; they degrade to a pass-through
// at execution time so authored content can run ahead of deployed engines.
func IsKnownNodeKind(k NodeKind) bool {
	switch k {
	case NodeKindSendMessage, NodeKindQuickReply, NodeKindCard,
		NodeKindFAQSearch, NodeKindWaitUserInput, NodeKindDelayedPush:
		return true
	default:
		return false
	}
}

// IsSuspendingNodeKind reports whether a node of this kind legitimately stops
// synchronous execution and waits for a later event. Cycles are only valid
// when they pass through at least one suspending node.
func IsSuspendingNodeKind(k NodeKind) bool {
	switch k {
	case NodeKindQuickReply, NodeKindWaitUserInput, NodeKindDelayedPush:
		return true
	default:
		return false
	}
}

// Branch key constants used by branching node kinds.
const (
	// BranchKeyFound is followed when faq-search scores a hit above threshold.
	BranchKeyFound = "found"
	// BranchKeyNotFound is followed when faq-search comes up empty.
	BranchKeyNotFound = "not-found"
	// BranchKeyFailure designates a node's failure path for execution errors.
	BranchKeyFailure = "failure"
)

// NodeOption is one declared choice on a quick-reply node.
type NodeOption struct {
	Label     string `json:"label"`
	BranchKey string `json:"branch_key"`
}

// Node is a single step in a flow. Kind-specific payload fields are flattened
// here rather than split into per-kind structs so the authoring document stays
// a flat JSON object per node; handlers read only the fields they own.
type Node struct {
	ID    string   `json:"id"`
	Kind  NodeKind `json:"kind"`
	Entry bool     `json:"entry,omitempty"`

	// send-message, card, quick-reply: localized text templates keyed by language code.
	Templates map[string]string `json:"templates,omitempty"`

	// quick-reply: ordered option list.
	Options []NodeOption `json:"options,omitempty"`

	// card: presentation extras.
	Title    string `json:"title,omitempty"`
	ImageURL string `json:"image_url,omitempty"`

	// faq-search: minimum relevance score for the found branch.
	Threshold float64 `json:"threshold,omitempty"`

	// wait-user-input: variable bag key the raw reply is bound to (default "lastInput").
	BindTo string `json:"bind_to,omitempty"`

	// delayed-push: delay before firing and the node execution resumes from.
	DelaySeconds int    `json:"delay_seconds,omitempty"`
	ResumeNodeID string `json:"resume_node_id,omitempty"`
}

// Edge is a directed connection between two nodes. BranchKey disambiguates
// outgoing edges from branching nodes; an empty key marks the default edge.
type Edge struct {
	SourceID  string `json:"source"`
	TargetID  string `json:"target"`
	BranchKey string `json:"branch_key,omitempty"`
}

// TriggerKind enumerates the conditions that start a flow for a fresh event.
type TriggerKind string

const (
	// TriggerKeyword matches when the trigger value appears in the event text.
	TriggerKeyword TriggerKind = "keyword"
	// TriggerPostback matches a structured postback action name exactly.
	TriggerPostback TriggerKind = "postback"
	// TriggerServiceContext matches the event's declared service context.
	TriggerServiceContext TriggerKind = "service-context"
)

// Flow is an authored conversation scenario: a directed graph of typed nodes
// plus the trigger that selects it. Loaded read-only by the engine; never
// mutated during execution.
type Flow struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	TriggerKind  TriggerKind `json:"trigger_kind"`
	TriggerValue string      `json:"trigger_value"`
	Service      string      `json:"service,omitempty"`
	Active       bool        `json:"active"`
	Priority     int         `json:"priority"`
	Nodes        []Node      `json:"nodes"`
	Edges        []Edge      `json:"edges"`
	CreatedBy    string      `json:"created_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Error variables for flow-level validation.
var (
	ErrEmptyFlowName     = errors.New("flow name cannot be empty")
	ErrInvalidTrigger    = errors.New("invalid trigger kind")
	ErrEmptyTriggerValue = errors.New("trigger value cannot be empty")
)

// Validate checks flow metadata; graph-shape checks live in flowgraph.
func (f *Flow) Validate() error {
	if f.Name == "" {
		return ErrEmptyFlowName
	}
	switch f.TriggerKind {
	case TriggerKeyword, TriggerPostback, TriggerServiceContext:
	default:
		return ErrInvalidTrigger
	}
	if f.TriggerValue == "" {
		return ErrEmptyTriggerValue
	}
	return nil
}
