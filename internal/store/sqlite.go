// Package store provides storage backends for flowdeck.
//
// This file implements an SQLite-backed store for conversation state, flow
// definitions and scheduled resumption tasks.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/flowdeck/flowdeck/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetConversationState retrieves the per-user record, or (nil, nil) when missing.
func (s *SQLiteStore) GetConversationState(userID string) (*models.ConversationState, error) {
	row := s.db.QueryRow(`SELECT user_id, mode, language, flow_json, other_json, version, created_at, updated_at
		FROM conversation_states WHERE user_id = ?`, userID)
	state, err := scanConversationState(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetConversationState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversationState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load conversation state for %s: %w", userID, err)
	}
	return state, nil
}

// SaveConversationState persists the record under compare-and-swap semantics.
// expectedVersion 0 means the record must not exist yet; otherwise the stored
// version must still match. A lost race returns ErrVersionConflict.
func (s *SQLiteStore) SaveConversationState(state *models.ConversationState, expectedVersion int64) error {
	flowJSON, otherJSON, err := encodeStateBlobs(state)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState encode failed", "error", err, "userID", state.UserID)
		return err
	}

	now := time.Now()
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err = s.db.Exec(`INSERT INTO conversation_states
			(user_id, mode, language, flow_json, other_json, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			state.UserID, state.Mode, nilIfEmpty(state.Language), flowJSON, otherJSON, newVersion, now, now)
		if err != nil {
			// A unique constraint violation means another event created the
			// record first; report it as a version conflict.
			slog.Warn("SQLiteStore SaveConversationState insert conflict", "error", err, "userID", state.UserID)
			return ErrVersionConflict
		}
	} else {
		res, err := s.db.Exec(`UPDATE conversation_states
			SET mode = ?, language = ?, flow_json = ?, other_json = ?, version = ?, updated_at = ?
			WHERE user_id = ? AND version = ?`,
			state.Mode, nilIfEmpty(state.Language), flowJSON, otherJSON, newVersion, now,
			state.UserID, expectedVersion)
		if err != nil {
			slog.Error("SQLiteStore SaveConversationState update failed", "error", err, "userID", state.UserID)
			return fmt.Errorf("failed to save conversation state for %s: %w", state.UserID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check save result for %s: %w", state.UserID, err)
		}
		if affected == 0 {
			slog.Debug("SQLiteStore SaveConversationState version conflict", "userID", state.UserID, "expected", expectedVersion)
			return ErrVersionConflict
		}
	}

	state.Version = newVersion
	state.UpdatedAt = now
	slog.Debug("SQLiteStore SaveConversationState succeeded", "userID", state.UserID, "version", newVersion)
	return nil
}

// DeleteConversationState removes the per-user record.
func (s *SQLiteStore) DeleteConversationState(userID string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_states WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversationState failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete conversation state for %s: %w", userID, err)
	}
	return nil
}

// SaveFlow inserts or replaces a flow definition.
func (s *SQLiteStore) SaveFlow(flow *models.Flow) error {
	nodesJSON, edgesJSON, err := encodeFlowBlobs(flow)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow encode failed", "error", err, "flowID", flow.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO flows
		(id, name, description, trigger_kind, trigger_value, service, active, priority, nodes_json, edges_json, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		flow.ID, flow.Name, nilIfEmpty(flow.Description), flow.TriggerKind, flow.TriggerValue,
		nilIfEmpty(flow.Service), flow.Active, flow.Priority, nodesJSON, edgesJSON,
		nilIfEmpty(flow.CreatedBy), flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flowID", flow.ID)
	return nil
}

// GetFlow loads one flow definition.
func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT id, name, description, trigger_kind, trigger_value, service, active, priority, nodes_json, edges_json, created_by, created_at, updated_at
		FROM flows WHERE id = ?`, id)
	flow, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to load flow %s: %w", id, err)
	}
	return flow, nil
}

// ListFlows returns flow definitions matching the filter, newest first.
func (s *SQLiteStore) ListFlows(filter FlowFilter) ([]models.Flow, error) {
	query := `SELECT id, name, description, trigger_kind, trigger_value, service, active, priority, nodes_json, edges_json, created_by, created_at, updated_at
		FROM flows WHERE 1=1`
	var args []interface{}
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	if filter.Service != "" {
		query += ` AND (service = ? OR service IS NULL OR service = '')`
		args = append(args, filter.Service)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			slog.Error("SQLiteStore ListFlows scan failed", "error", err)
			return nil, err
		}
		flows = append(flows, *flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug("SQLiteStore ListFlows succeeded", "count", len(flows))
	return flows, nil
}

// DeleteFlow removes a flow definition.
func (s *SQLiteStore) DeleteFlow(id string) error {
	res, err := s.db.Exec(`DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlow failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddScheduledTask persists a pending resumption task.
func (s *SQLiteStore) AddScheduledTask(task models.ScheduledTask) error {
	_, err := s.db.Exec(`INSERT INTO scheduled_tasks
		(id, user_id, flow_id, node_id, fire_at, fingerprint, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.FlowID, task.NodeID, task.FireAt, task.Fingerprint, task.Status, task.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddScheduledTask failed", "error", err, "taskID", task.ID)
		return fmt.Errorf("failed to insert scheduled task %s: %w", task.ID, err)
	}
	slog.Debug("SQLiteStore AddScheduledTask succeeded", "taskID", task.ID, "fireAt", task.FireAt)
	return nil
}

// GetScheduledTask loads one task.
func (s *SQLiteStore) GetScheduledTask(id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT id, user_id, flow_id, node_id, fire_at, fingerprint, status, created_at
		FROM scheduled_tasks WHERE id = ?`, id)
	var t models.ScheduledTask
	err := row.Scan(&t.ID, &t.UserID, &t.FlowID, &t.NodeID, &t.FireAt, &t.Fingerprint, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetScheduledTask failed", "error", err, "taskID", id)
		return nil, fmt.Errorf("failed to load scheduled task %s: %w", id, err)
	}
	return &t, nil
}

// ListPendingTasks returns pending tasks due at or before the given time.
func (s *SQLiteStore) ListPendingTasks(due time.Time) ([]models.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT id, user_id, flow_id, node_id, fire_at, fingerprint, status, created_at
		FROM scheduled_tasks WHERE status = ? AND fire_at <= ? ORDER BY fire_at`, models.TaskStatusPending, due)
	if err != nil {
		slog.Error("SQLiteStore ListPendingTasks query failed", "error", err)
		return nil, fmt.Errorf("failed to query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ScheduledTask
	for rows.Next() {
		var t models.ScheduledTask
		if err := rows.Scan(&t.ID, &t.UserID, &t.FlowID, &t.NodeID, &t.FireAt, &t.Fingerprint, &t.Status, &t.CreatedAt); err != nil {
			slog.Error("SQLiteStore ListPendingTasks scan failed", "error", err)
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
func (s *SQLiteStore) UpdateTaskStatus(id string, status models.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		slog.Error("SQLiteStore UpdateTaskStatus failed", "error", err, "taskID", id)
		return fmt.Errorf("failed to update scheduled task %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
