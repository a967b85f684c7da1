// Package models defines the core data structures for flowdeck.
//
// It includes incoming event and outbound message types shared across modules.
package models

import (
	"errors"
	"time"
)

// EventKind distinguishes the shape of an incoming user event.
type EventKind string

const (
	// EventKindText is a free-form text message from the user.
	EventKindText EventKind = "text"
	// EventKindPostback is a structured postback action (button tap, menu selection).
	EventKindPostback EventKind = "postback"
	// EventKindTimer is a synthetic event injected by scheduled resumption.
	EventKindTimer EventKind = "timer"
)

// Event is an incoming user event normalized from whatever transport delivered it.
type Event struct {
	UserID         string    `json:"user_id"`
	Kind           EventKind `json:"kind"`
	Text           string    `json:"text,omitempty"`
	PostbackAction string    `json:"postback_action,omitempty"`
	PostbackData   string    `json:"postback_data,omitempty"`
	ServiceContext string    `json:"service_context,omitempty"`
	Language       string    `json:"language,omitempty"`
	Time           int64     `json:"time"`
}

// Error variables for event validation and engine-level failures.
var (
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrInvalidEvent    = errors.New("invalid event kind")
	ErrNoFlowMatched   = errors.New("no flow matched the event")
	ErrRetriesExceeded = errors.New("state save retries exceeded")
)

// Validate checks that an event carries the fields the engine requires.
func (e *Event) Validate() error {
	if e.UserID == "" {
		return ErrEmptyUserID
	}
	switch e.Kind {
	case EventKindText, EventKindPostback, EventKindTimer:
		return nil
	default:
		return ErrInvalidEvent
	}
}

// MessageKind identifies the shape of an outbound message descriptor.
type MessageKind string

const (
	// MessageKindText is a plain text message.
	MessageKindText MessageKind = "text"
	// MessageKindOptions is a quick-reply option list.
	MessageKindOptions MessageKind = "options"
	// MessageKindCard is a single rich card.
	MessageKindCard MessageKind = "card"
)

// MessageOption is one selectable entry in an options message.
type MessageOption struct {
	Label     string `json:"label"`
	BranchKey string `json:"branch_key"`
}

// Message is a transport-agnostic outbound message descriptor. The engine
// accumulates these in generation order and hands the batch to the transport
// collaborator; it never talks to a transport directly.
type Message struct {
	To       string          `json:"to"`
	Kind     MessageKind     `json:"kind"`
	Body     string          `json:"body,omitempty"`
	Options  []MessageOption `json:"options,omitempty"`
	Title    string          `json:"title,omitempty"`
	ImageURL string          `json:"image_url,omitempty"`
}

// TaskStatus represents the lifecycle of a scheduled resumption task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not fired yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusDone indicates the task fired and was processed.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusStale indicates the task fired after the user moved on.
	TaskStatusStale TaskStatus = "stale"
)

// ScheduledTask registers a future re-entry into the engine for a user.
// Fingerprint captures the flow/node the user was suspended at when the task
// was created so a late fire can be detected as stale.
type ScheduledTask struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	FlowID      string     `json:"flow_id"`
	NodeID      string     `json:"node_id"`
	FireAt      time.Time  `json:"fire_at"`
	Fingerprint string     `json:"fingerprint"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a human readable
// message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
