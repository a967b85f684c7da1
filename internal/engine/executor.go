package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowdeck/flowdeck/internal/flowgraph"
	"github.com/flowdeck/flowdeck/internal/models"
	"github.com/google/uuid"
)

// MaxWalkSteps caps a single synchronous walk. Validated flows cannot loop
// without suspending, but unknown-kind pass-throughs run content authored
// ahead of this engine version, so the executor still refuses to spin.
const MaxWalkSteps = 256

// walk carries the mutable context of one event's execution: the flow and
// graph loaded for it, the state being mutated, and the output accumulated
// in generation order.
type walk struct {
	engine *Engine
	flow   *models.Flow
	graph  *flowgraph.Graph
	state  *models.ConversationState
	event  models.Event
	out    []models.Message
	tasks  []models.ScheduledTask

	// preempted is set when a user event abandons a delayed-push suspension;
	// the cleared sub-state must then reach the store on every outcome.
	preempted bool
}

func (w *walk) emit(msg models.Message) {
	w.out = append(w.out, msg)
}

// variables returns the conversation's variable bag (possibly nil).
func (w *walk) variables() map[string]string {
	if w.state.Flow == nil {
		return nil
	}
	return w.state.Flow.Variables
}

// step is a handler's verdict: where to go next, or that execution suspends
// at the current node.
type step struct {
	next    string
	suspend bool
}

// handlerFunc consumes the current walk at one node and produces a step.
type handlerFunc func(ctx context.Context, w *walk, node *models.Node) (step, error)

// nodeHandler pairs the first-visit behavior of a node kind with its
// resumption behavior. Kinds that never suspend resume by re-executing.
type nodeHandler struct {
	execute handlerFunc
	resume  handlerFunc
}

// defaultHandlers builds the kind dispatch table. Adding a node kind is a
// pure data+handler addition here.
func defaultHandlers() map[models.NodeKind]nodeHandler {
	return map[models.NodeKind]nodeHandler{
		models.NodeKindSendMessage:   {execute: execSendMessage, resume: execSendMessage},
		models.NodeKindCard:          {execute: execCard, resume: execCard},
		models.NodeKindQuickReply:    {execute: execQuickReply, resume: resumeQuickReply},
		models.NodeKindFAQSearch:     {execute: execFAQSearch, resume: execFAQSearch},
		models.NodeKindWaitUserInput: {execute: execWaitUserInput, resume: resumeWaitUserInput},
		models.NodeKindDelayedPush:   {execute: execDelayedPush, resume: resumeDelayedPush},
	}
}

// run walks the graph from startID until a handler suspends or no edge
// remains. Execution is synchronous and non-preemptive: no other event for
// this user begins until the walk finishes and its state is persisted.
func (e *Engine) run(ctx context.Context, w *walk, startID string, resuming bool) error {
	nodeID := startID
	for steps := 0; steps < MaxWalkSteps; steps++ {
		node, ok := w.graph.Node(nodeID)
		if !ok {
			slog.Error("Engine walk reached missing node", "flowID", w.flow.ID, "nodeID", nodeID)
			return e.abortFlow(w)
		}

		var st step
		var err error
		handler, known := e.handlers[node.Kind]
		switch {
		case !known:
			// Content may be authored out of step with the deployed engine.
			// Unknown kinds pass through to their default edge with a
			// warning, never a crash.
			slog.Warn("Engine unknown node kind, passing through", "flowID", w.flow.ID, "nodeID", node.ID, "kind", node.Kind)
			st = followDefault(w, node)
		case resuming:
			st, err = handler.resume(ctx, w, node)
			resuming = false
		default:
			st, err = handler.execute(ctx, w, node)
		}

		if err != nil {
			slog.Error("Engine node execution failed", "error", err, "flowID", w.flow.ID, "nodeID", node.ID, "kind", node.Kind)
			if failure, ok := w.graph.BranchSuccessor(node.ID, models.BranchKeyFailure); ok {
				nodeID = failure.TargetID
				continue
			}
			return e.abortFlow(w)
		}

		if st.suspend {
			w.state.Flow.NodeID = node.ID
			slog.Debug("Engine walk suspended", "flowID", w.flow.ID, "nodeID", node.ID, "kind", node.Kind)
			return nil
		}
		if st.next == "" {
			// Terminal node: the flow ends and the conversation returns to
			// idle; suspended node id becomes empty.
			slog.Info("Engine flow completed", "userID", w.event.UserID, "flowID", w.flow.ID, "lastNode", node.ID)
			w.state.LeaveFlow()
			return nil
		}
		nodeID = st.next
	}
	slog.Error("Engine walk exceeded step limit", "flowID", w.flow.ID, "userID", w.event.UserID)
	return e.abortFlow(w)
}

// followDefault continues along the node's single unconditional edge,
// or ends the flow when there is none.
func followDefault(w *walk, node *models.Node) step {
	if succ, ok := w.graph.DefaultSuccessor(node.ID); ok {
		return step{next: succ.TargetID}
	}
	return step{}
}

// execSendMessage resolves the localized template and continues.
func execSendMessage(ctx context.Context, w *walk, node *models.Node) (step, error) {
	body := w.engine.resolver.Resolve(node.Templates, w.state.Language, w.variables())
	w.emit(models.Message{To: w.event.UserID, Kind: models.MessageKindText, Body: body})
	return followDefault(w, node), nil
}

// execCard emits a single rich card and continues.
func execCard(ctx context.Context, w *walk, node *models.Node) (step, error) {
	body := w.engine.resolver.Resolve(node.Templates, w.state.Language, w.variables())
	w.emit(models.Message{
		To:       w.event.UserID,
		Kind:     models.MessageKindCard,
		Body:     body,
		Title:    node.Title,
		ImageURL: node.ImageURL,
	})
	return followDefault(w, node), nil
}

// optionsMessage builds the quick-reply option list message for a node.
func optionsMessage(w *walk, node *models.Node) models.Message {
	body := w.engine.resolver.Resolve(node.Templates, w.state.Language, w.variables())
	opts := make([]models.MessageOption, 0, len(node.Options))
	for _, o := range node.Options {
		opts = append(opts, models.MessageOption{Label: o.Label, BranchKey: o.BranchKey})
	}
	return models.Message{To: w.event.UserID, Kind: models.MessageKindOptions, Body: body, Options: opts}
}

// execQuickReply presents the option list and suspends for a selection.
func execQuickReply(ctx context.Context, w *walk, node *models.Node) (step, error) {
	w.emit(optionsMessage(w, node))
	return step{suspend: true}, nil
}

// resumeQuickReply routes an incoming selection to the matching branch edge.
// An unmatched selection follows the default edge if present, else the same
// options are re-presented (idempotent re-prompt).
func resumeQuickReply(ctx context.Context, w *walk, node *models.Node) (step, error) {
	selection := w.event.Text
	if w.event.Kind == models.EventKindPostback {
		selection = w.event.PostbackData
	}

	for _, opt := range node.Options {
		if selection == opt.BranchKey || strings.EqualFold(selection, opt.Label) {
			if succ, ok := w.graph.BranchSuccessor(node.ID, opt.BranchKey); ok {
				return step{next: succ.TargetID}, nil
			}
			break
		}
	}

	if succ, ok := w.graph.DefaultSuccessor(node.ID); ok {
		return step{next: succ.TargetID}, nil
	}

	slog.Debug("Engine quick-reply selection unmatched, re-prompting", "flowID", w.flow.ID, "nodeID", node.ID)
	w.emit(optionsMessage(w, node))
	return step{suspend: true}, nil
}

// execFAQSearch queries the knowledge searcher with the incoming text and the
// flow's service scope, binds an above-threshold hit into the variable bag,
// and branches on the outcome.
func execFAQSearch(ctx context.Context, w *walk, node *models.Node) (step, error) {
	if w.engine.searcher == nil {
		return step{}, fmt.Errorf("no knowledge searcher configured")
	}

	result, err := w.engine.searcher.Search(ctx, w.event.Text, w.flow.Service)
	if err != nil {
		return step{}, fmt.Errorf("knowledge search failed: %w", err)
	}

	threshold := node.Threshold
	if threshold <= 0 {
		threshold = DefaultFAQThreshold
	}

	if result != nil && result.Score >= threshold {
		w.state.SetVariable(models.VarKeyFAQResult, result.Entry.Answer)
		if succ, ok := w.graph.BranchSuccessor(node.ID, models.BranchKeyFound); ok {
			return step{next: succ.TargetID}, nil
		}
		return followDefault(w, node), nil
	}

	if succ, ok := w.graph.BranchSuccessor(node.ID, models.BranchKeyNotFound); ok {
		return step{next: succ.TargetID}, nil
	}
	return followDefault(w, node), nil
}

// execWaitUserInput suspends until the next incoming event for this user.
func execWaitUserInput(ctx context.Context, w *walk, node *models.Node) (step, error) {
	return step{suspend: true}, nil
}

// resumeWaitUserInput binds the raw event payload into the variable bag and
// continues along the node's single edge.
func resumeWaitUserInput(ctx context.Context, w *walk, node *models.Node) (step, error) {
	key := node.BindTo
	if key == "" {
		key = models.VarKeyLastInput
	}
	value := w.event.Text
	if w.event.Kind == models.EventKindPostback {
		value = w.event.PostbackData
	}
	w.state.SetVariable(key, value)
	return followDefault(w, node), nil
}

// execDelayedPush registers a scheduled resumption and suspends without
// emitting any immediate output.
func execDelayedPush(ctx context.Context, w *walk, node *models.Node) (step, error) {
	delay := time.Duration(node.DelaySeconds) * time.Second
	now := time.Now()
	// Fingerprint is stamped after the suspension is saved, once the state
	// version it must match is known.
	task := models.ScheduledTask{
		ID:        uuid.NewString(),
		UserID:    w.event.UserID,
		FlowID:    w.flow.ID,
		NodeID:    node.ID,
		FireAt:    now.Add(delay),
		Status:    models.TaskStatusPending,
		CreatedAt: now,
	}
	w.tasks = append(w.tasks, task)
	slog.Debug("Engine delayed push registered", "userID", w.event.UserID, "nodeID", node.ID, "fireAt", task.FireAt)
	return step{suspend: true}, nil
}

// resumeDelayedPush runs when the scheduled task fires: execution continues
// at the node's configured resumption target, or its default edge.
func resumeDelayedPush(ctx context.Context, w *walk, node *models.Node) (step, error) {
	if node.ResumeNodeID != "" {
		return step{next: node.ResumeNodeID}, nil
	}
	return followDefault(w, node), nil
}
