// Package store provides storage backends for flowdeck.
//
// This file implements a PostgreSQL-backed store for conversation state, flow
// definitions and scheduled resumption tasks.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/flowdeck/flowdeck/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// GetConversationState retrieves the per-user record, or (nil, nil) when missing.
func (s *PostgresStore) GetConversationState(userID string) (*models.ConversationState, error) {
	row := s.db.QueryRow(`SELECT user_id, mode, language, flow_json, other_json, version, created_at, updated_at
		FROM conversation_states WHERE user_id = $1`, userID)
	state, err := scanConversationState(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetConversationState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversationState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load conversation state for %s: %w", userID, err)
	}
	return state, nil
}

// SaveConversationState persists the record under compare-and-swap semantics.
func (s *PostgresStore) SaveConversationState(state *models.ConversationState, expectedVersion int64) error {
	flowJSON, otherJSON, err := encodeStateBlobs(state)
	if err != nil {
		slog.Error("PostgresStore SaveConversationState encode failed", "error", err, "userID", state.UserID)
		return err
	}

	now := time.Now()
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err = s.db.Exec(`INSERT INTO conversation_states
			(user_id, mode, language, flow_json, other_json, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			state.UserID, state.Mode, nilIfEmpty(state.Language), flowJSON, otherJSON, newVersion, now, now)
		if err != nil {
			slog.Warn("PostgresStore SaveConversationState insert conflict", "error", err, "userID", state.UserID)
			return ErrVersionConflict
		}
	} else {
		res, err := s.db.Exec(`UPDATE conversation_states
			SET mode = $1, language = $2, flow_json = $3, other_json = $4, version = $5, updated_at = $6
			WHERE user_id = $7 AND version = $8`,
			state.Mode, nilIfEmpty(state.Language), flowJSON, otherJSON, newVersion, now,
			state.UserID, expectedVersion)
		if err != nil {
			slog.Error("PostgresStore SaveConversationState update failed", "error", err, "userID", state.UserID)
			return fmt.Errorf("failed to save conversation state for %s: %w", state.UserID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check save result for %s: %w", state.UserID, err)
		}
		if affected == 0 {
			slog.Debug("PostgresStore SaveConversationState version conflict", "userID", state.UserID, "expected", expectedVersion)
			return ErrVersionConflict
		}
	}

	state.Version = newVersion
	state.UpdatedAt = now
	slog.Debug("PostgresStore SaveConversationState succeeded", "userID", state.UserID, "version", newVersion)
	return nil
}

// DeleteConversationState removes the per-user record.
func (s *PostgresStore) DeleteConversationState(userID string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_states WHERE user_id = $1`, userID)
	if err != nil {
		slog.Error("PostgresStore DeleteConversationState failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete conversation state for %s: %w", userID, err)
	}
	return nil
}

// SaveFlow inserts or replaces a flow definition.
func (s *PostgresStore) SaveFlow(flow *models.Flow) error {
	nodesJSON, edgesJSON, err := encodeFlowBlobs(flow)
	if err != nil {
		slog.Error("PostgresStore SaveFlow encode failed", "error", err, "flowID", flow.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows
		(id, name, description, trigger_kind, trigger_value, service, active, priority, nodes_json, edges_json, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger_kind = EXCLUDED.trigger_kind,
			trigger_value = EXCLUDED.trigger_value,
			service = EXCLUDED.service,
			active = EXCLUDED.active,
			priority = EXCLUDED.priority,
			nodes_json = EXCLUDED.nodes_json,
			edges_json = EXCLUDED.edges_json,
			updated_at = EXCLUDED.updated_at`,
		flow.ID, flow.Name, nilIfEmpty(flow.Description), flow.TriggerKind, flow.TriggerValue,
		nilIfEmpty(flow.Service), flow.Active, flow.Priority, nodesJSON, edgesJSON,
		nilIfEmpty(flow.CreatedBy), flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flowID", flow.ID)
	return nil
}

// GetFlow loads one flow definition.
func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT id, name, description, trigger_kind, trigger_value, service, active, priority, nodes_json, edges_json, created_by, created_at, updated_at
		FROM flows WHERE id = $1`, id)
	flow, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to load flow %s: %w", id, err)
	}
	return flow, nil
}

// ListFlows returns flow definitions matching the filter, newest first.
func (s *PostgresStore) ListFlows(filter FlowFilter) ([]models.Flow, error) {
	query := `SELECT id, name, description, trigger_kind, trigger_value, service, active, priority, nodes_json, edges_json, created_by, created_at, updated_at
		FROM flows WHERE 1=1`
	var args []interface{}
	argn := 1
	if filter.ActiveOnly {
		query += ` AND active = TRUE`
	}
	if filter.Service != "" {
		query += fmt.Sprintf(` AND (service = $%d OR service IS NULL OR service = '')`, argn)
		args = append(args, filter.Service)
		argn++
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			slog.Error("PostgresStore ListFlows scan failed", "error", err)
			return nil, err
		}
		flows = append(flows, *flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug("PostgresStore ListFlows succeeded", "count", len(flows))
	return flows, nil
}

// DeleteFlow removes a flow definition.
func (s *PostgresStore) DeleteFlow(id string) error {
	res, err := s.db.Exec(`DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteFlow failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddScheduledTask persists a pending resumption task.
func (s *PostgresStore) AddScheduledTask(task models.ScheduledTask) error {
	_, err := s.db.Exec(`INSERT INTO scheduled_tasks
		(id, user_id, flow_id, node_id, fire_at, fingerprint, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.UserID, task.FlowID, task.NodeID, task.FireAt, task.Fingerprint, task.Status, task.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddScheduledTask failed", "error", err, "taskID", task.ID)
		return fmt.Errorf("failed to insert scheduled task %s: %w", task.ID, err)
	}
	slog.Debug("PostgresStore AddScheduledTask succeeded", "taskID", task.ID, "fireAt", task.FireAt)
	return nil
}

// GetScheduledTask loads one task.
func (s *PostgresStore) GetScheduledTask(id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT id, user_id, flow_id, node_id, fire_at, fingerprint, status, created_at
		FROM scheduled_tasks WHERE id = $1`, id)
	var t models.ScheduledTask
	err := row.Scan(&t.ID, &t.UserID, &t.FlowID, &t.NodeID, &t.FireAt, &t.Fingerprint, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetScheduledTask failed", "error", err, "taskID", id)
		return nil, fmt.Errorf("failed to load scheduled task %s: %w", id, err)
	}
	return &t, nil
}

// ListPendingTasks returns pending tasks due at or before the given time.
func (s *PostgresStore) ListPendingTasks(due time.Time) ([]models.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT id, user_id, flow_id, node_id, fire_at, fingerprint, status, created_at
		FROM scheduled_tasks WHERE status = $1 AND fire_at <= $2 ORDER BY fire_at`, models.TaskStatusPending, due)
	if err != nil {
		slog.Error("PostgresStore ListPendingTasks query failed", "error", err)
		return nil, fmt.Errorf("failed to query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ScheduledTask
	for rows.Next() {
		var t models.ScheduledTask
		if err := rows.Scan(&t.ID, &t.UserID, &t.FlowID, &t.NodeID, &t.FireAt, &t.Fingerprint, &t.Status, &t.CreatedAt); err != nil {
			slog.Error("PostgresStore ListPendingTasks scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan scheduled task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scheduled task rows: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus marks a task done or stale.
func (s *PostgresStore) UpdateTaskStatus(id string, status models.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		slog.Error("PostgresStore UpdateTaskStatus failed", "error", err, "taskID", id)
		return fmt.Errorf("failed to update scheduled task %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
