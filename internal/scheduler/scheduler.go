// Package scheduler provides delayed resumption scheduling for flowdeck.
//
// Tasks are persisted through the store and armed as in-process timers for
// low-latency firing; a cron-driven sweep re-checks persisted due tasks so
// fires survive restarts and missed timers. Cancellation is implicit: the
// engine's staleness check on fire discards tasks the user has moved past,
// which holds up under crash/restart where a cancel registry would not.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowdeck/flowdeck/internal/models"
	"github.com/flowdeck/flowdeck/internal/store"
	"github.com/robfig/cron/v3"
)

// SweepSchedule is the cron expression for the persisted due-task sweep.
const SweepSchedule = "* * * * *"

// FireFunc is invoked when a task comes due. The engine supplies this.
type FireFunc func(ctx context.Context, task models.ScheduledTask) error

// Scheduler registers future re-entries into the engine.
type Scheduler struct {
	store store.Store
	cron  *cron.Cron

	mu      sync.Mutex
	fire    FireFunc
	timers  map[string]*time.Timer
	stopped bool
}

// New creates a scheduler backed by the given store. Call SetFireFunc before
// Start; the engine and scheduler are constructed in either order and wired
// afterwards.
func New(st store.Store) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{
		store:  st,
		cron:   c,
		timers: make(map[string]*time.Timer),
	}
}

// SetFireFunc wires the callback invoked when a task comes due.
func (s *Scheduler) SetFireFunc(fn FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fn
}

// Start begins the periodic sweep of persisted due tasks.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(SweepSchedule, s.sweep); err != nil {
		return fmt.Errorf("failed to register sweep job: %w", err)
	}
	s.cron.Start()
	slog.Info("Scheduler started", "sweep", SweepSchedule)
	return nil
}

// Stop cancels all in-process timers and stops the sweep. Persisted pending
// tasks remain and are re-armed by the recovery pass on next startup.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.cron.Stop()
	slog.Info("Scheduler stopped")
}

// Schedule persists a task and arms an in-process timer for it.
func (s *Scheduler) Schedule(task models.ScheduledTask) error {
	if err := s.store.AddScheduledTask(task); err != nil {
		slog.Error("Scheduler Schedule persist failed", "error", err, "taskID", task.ID)
		return fmt.Errorf("failed to persist scheduled task: %w", err)
	}
	s.Arm(task)
	slog.Debug("Scheduler Schedule succeeded", "taskID", task.ID, "fireAt", task.FireAt)
	return nil
}

// Arm sets an in-process timer for an already-persisted task. Past-due tasks
// fire immediately.
func (s *Scheduler) Arm(task models.ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, exists := s.timers[task.ID]; exists {
		return
	}

	delay := time.Until(task.FireAt)
	if delay < 0 {
		delay = 0
	}
	id := task.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.dispatch(id)
	})
}

// dispatch reloads the task and fires it if still pending. Reloading guards
// against a sweep and a timer racing for the same task.
func (s *Scheduler) dispatch(taskID string) {
	s.mu.Lock()
	fire := s.fire
	s.mu.Unlock()
	if fire == nil {
		slog.Error("Scheduler dispatch with no fire func", "taskID", taskID)
		return
	}

	task, err := s.store.GetScheduledTask(taskID)
	if err != nil {
		slog.Error("Scheduler dispatch load failed", "error", err, "taskID", taskID)
		return
	}
	if task.Status != models.TaskStatusPending {
		slog.Debug("Scheduler dispatch skipping non-pending task", "taskID", taskID, "status", task.Status)
		return
	}

	slog.Debug("Scheduler dispatching task", "taskID", taskID, "userID", task.UserID)
	if err := fire(context.Background(), *task); err != nil {
		slog.Error("Scheduler task fire failed", "error", err, "taskID", taskID)
	}
}

// sweep dispatches persisted tasks that came due without an armed timer
// (missed across a restart, or armed by another instance).
func (s *Scheduler) sweep() {
	tasks, err := s.store.ListPendingTasks(time.Now())
	if err != nil {
		slog.Error("Scheduler sweep query failed", "error", err)
		return
	}
	for _, task := range tasks {
		s.mu.Lock()
		_, armed := s.timers[task.ID]
		s.mu.Unlock()
		if armed {
			continue
		}
		s.dispatch(task.ID)
	}
}
