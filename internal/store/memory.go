package store

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/flowdeck/flowdeck/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed Store for tests and ephemeral
// deployments. It implements the same CAS semantics as the SQL backends.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]*models.ConversationState
	flows  map[string]*models.Flow
	tasks  map[string]models.ScheduledTask
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states: make(map[string]*models.ConversationState),
		flows:  make(map[string]*models.Flow),
		tasks:  make(map[string]models.ScheduledTask),
	}
}

// cloneState deep-copies via JSON so callers cannot mutate stored records.
func cloneState(s *models.ConversationState) *models.ConversationState {
	raw, _ := json.Marshal(s)
	var out models.ConversationState
	_ = json.Unmarshal(raw, &out)
	return &out
}

func cloneFlow(f *models.Flow) *models.Flow {
	raw, _ := json.Marshal(f)
	var out models.Flow
	_ = json.Unmarshal(raw, &out)
	return &out
}

// GetConversationState loads the per-user record, or (nil, nil) when missing.
func (s *InMemoryStore) GetConversationState(userID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[userID]
	if !ok {
		return nil, nil
	}
	return cloneState(state), nil
}

// SaveConversationState persists the record under CAS semantics.
func (s *InMemoryStore) SaveConversationState(state *models.ConversationState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.states[state.UserID]
	if expectedVersion == 0 {
		if ok {
			return ErrVersionConflict
		}
	} else {
		if !ok || existing.Version != expectedVersion {
			return ErrVersionConflict
		}
	}

	state.Version = expectedVersion + 1
	state.UpdatedAt = time.Now()
	s.states[state.UserID] = cloneState(state)
	return nil
}

// DeleteConversationState removes the per-user record.
func (s *InMemoryStore) DeleteConversationState(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
	return nil
}

// SaveFlow inserts or replaces a flow definition.
func (s *InMemoryStore) SaveFlow(flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = cloneFlow(flow)
	return nil
}

// GetFlow loads one flow definition.
func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFlow(flow), nil
}

// ListFlows returns flow definitions matching the filter, newest first.
func (s *InMemoryStore) ListFlows(filter FlowFilter) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Flow
	for _, flow := range s.flows {
		if filter.ActiveOnly && !flow.Active {
			continue
		}
		if filter.Service != "" && flow.Service != "" && flow.Service != filter.Service {
			continue
		}
		out = append(out, *cloneFlow(flow))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeleteFlow removes a flow definition.
func (s *InMemoryStore) DeleteFlow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return ErrNotFound
	}
	delete(s.flows, id)
	return nil
}

// AddScheduledTask persists a pending resumption task.
func (s *InMemoryStore) AddScheduledTask(task models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// GetScheduledTask loads one task.
func (s *InMemoryStore) GetScheduledTask(id string) (*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &task, nil
}

// ListPendingTasks returns pending tasks due at or before the given time.
func (s *InMemoryStore) ListPendingTasks(due time.Time) ([]models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ScheduledTask
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusPending && !task.FireAt.After(due) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

// UpdateTaskStatus marks a task done or stale.
func (s *InMemoryStore) UpdateTaskStatus(id string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	s.tasks[id] = task
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
