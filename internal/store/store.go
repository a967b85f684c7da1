// Package store provides storage backends for flowdeck.
//
// It includes an in-memory store for tests and SQLite/Postgres backed stores
// for deployments. Conversation state saves are compare-and-swap against a
// version stamp so concurrent events for the same user cannot silently
// overwrite each other.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/flowdeck/flowdeck/internal/models"
)

// Error variables shared by all backends.
var (
	// ErrVersionConflict means another event for the same user was persisted
	// between load and save; the caller must reload and retry.
	ErrVersionConflict = errors.New("conversation state version conflict")
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// FlowFilter narrows ListFlows results.
type FlowFilter struct {
	Service    string
	ActiveOnly bool
}

// Store is the persistence boundary of the engine. Implementations must be
// safe for concurrent use.
type Store interface {
	// GetConversationState loads the per-user record, or (nil, nil) when the
	// user has no record yet.
	GetConversationState(userID string) (*models.ConversationState, error)
	// SaveConversationState persists the record if its stored version still
	// equals expectedVersion (0 means the record must not exist yet). On
	// success the state's Version is advanced; on a lost race it returns
	// ErrVersionConflict and writes nothing.
	SaveConversationState(state *models.ConversationState, expectedVersion int64) error
	// DeleteConversationState removes the per-user record.
	DeleteConversationState(userID string) error

	// SaveFlow inserts or replaces a flow definition.
	SaveFlow(flow *models.Flow) error
	// GetFlow loads one flow definition, or ErrNotFound.
	GetFlow(id string) (*models.Flow, error)
	// ListFlows returns flow definitions matching the filter.
	ListFlows(filter FlowFilter) ([]models.Flow, error)
	// DeleteFlow removes a flow definition.
	DeleteFlow(id string) error

	// AddScheduledTask persists a pending resumption task.
	AddScheduledTask(task models.ScheduledTask) error
	// GetScheduledTask loads one task, or ErrNotFound.
	GetScheduledTask(id string) (*models.ScheduledTask, error)
	// ListPendingTasks returns pending tasks with fire_at <= due.
	ListPendingTasks(due time.Time) ([]models.ScheduledTask, error)
	// UpdateTaskStatus marks a task done or stale.
	UpdateTaskStatus(id string, status models.TaskStatus) error

	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN    string
	Driver string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN configures an SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
