package engine

import (
	"log/slog"
	"strings"

	"github.com/flowdeck/flowdeck/internal/models"
)

// MatchTrigger chooses which flow claims a fresh (non-resuming) event.
// Candidates are filtered to flows whose trigger matches the event, then the
// highest priority wins; ties break toward the most recently updated flow.
// Returns nil when no flow claims the event, signaling the caller to hand it
// to a different conversation mode.
func MatchTrigger(event models.Event, candidates []models.Flow) *models.Flow {
	var best *models.Flow
	for i := range candidates {
		flow := &candidates[i]
		if !flow.Active || !triggerMatches(event, flow) {
			continue
		}
		if best == nil ||
			flow.Priority > best.Priority ||
			(flow.Priority == best.Priority && flow.UpdatedAt.After(best.UpdatedAt)) {
			best = flow
		}
	}
	if best != nil {
		slog.Debug("MatchTrigger selected flow", "flowID", best.ID, "priority", best.Priority)
	}
	return best
}

// triggerMatches checks one flow's trigger against the event.
func triggerMatches(event models.Event, flow *models.Flow) bool {
	switch flow.TriggerKind {
	case models.TriggerKeyword:
		return event.Kind == models.EventKindText &&
			strings.Contains(strings.ToLower(event.Text), strings.ToLower(flow.TriggerValue))
	case models.TriggerPostback:
		return event.Kind == models.EventKindPostback &&
			event.PostbackAction == flow.TriggerValue
	case models.TriggerServiceContext:
		return event.ServiceContext == flow.TriggerValue
	default:
		return false
	}
}
