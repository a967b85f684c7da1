// Package recovery restores scheduled resumption state after a restart.
//
// In-process timers die with the process; the tasks themselves are durable.
// On startup this pass re-arms every pending task so delayed pushes survive
// restarts, relying on the engine's staleness check to discard any that the
// user has since moved past.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowdeck/flowdeck/internal/models"
	"github.com/flowdeck/flowdeck/internal/store"
)

// TaskArmer re-arms a persisted task; satisfied by scheduler.Scheduler.
type TaskArmer interface {
	Arm(task models.ScheduledTask)
}

// pendingHorizon bounds how far ahead the recovery query looks. Delayed
// pushes are minutes-to-days scale; a ten year horizon covers everything.
const pendingHorizon = 10 * 365 * 24 * time.Hour

// RecoverScheduledTasks re-arms all pending tasks found in the store.
// Past-due tasks fire immediately and go through the normal staleness check.
func RecoverScheduledTasks(ctx context.Context, st store.Store, armer TaskArmer) (int, error) {
	tasks, err := st.ListPendingTasks(time.Now().Add(pendingHorizon))
	if err != nil {
		slog.Error("Recovery failed to list pending tasks", "error", err)
		return 0, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	for _, task := range tasks {
		armer.Arm(task)
		slog.Debug("Recovery re-armed task", "taskID", task.ID, "userID", task.UserID, "fireAt", task.FireAt)
	}

	if len(tasks) > 0 {
		slog.Info("Recovery re-armed pending scheduled tasks", "count", len(tasks))
	}
	return len(tasks), nil
}
