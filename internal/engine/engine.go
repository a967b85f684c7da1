// Package engine implements the flow execution engine: given an incoming user
// event and persisted conversation state, it resumes or starts a flow, walks
// nodes until a suspension point or the graph ends, and persists the new state
// under per-user serialization.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowdeck/flowdeck/internal/faq"
	"github.com/flowdeck/flowdeck/internal/flowgraph"
	"github.com/flowdeck/flowdeck/internal/models"
	"github.com/flowdeck/flowdeck/internal/store"
	"github.com/flowdeck/flowdeck/internal/template"
)

// DefaultMaxSaveRetries bounds the reload-and-retry loop on version conflicts.
const DefaultMaxSaveRetries = 3

// DefaultFAQThreshold is the relevance score a hit needs when a faq-search
// node does not configure its own.
const DefaultFAQThreshold = 0.7

// DefaultFallbackMessage is sent when a node's external call fails and the
// node has no designated failure branch, so a failed automated step never
// looks like an unresponsive bot.
const DefaultFallbackMessage = "Sorry, something went wrong on our side. Please try again in a moment."

// TaskScheduler registers future re-entries into the engine.
type TaskScheduler interface {
	Schedule(task models.ScheduledTask) error
}

// Deliverer hands an outbound message batch to the transport collaborator.
// The engine never calls a transport directly; timer-driven resumptions use
// this to get their output delivered.
type Deliverer interface {
	Deliver(ctx context.Context, batch []models.Message) error
}

// Opts holds configuration options for the engine.
type Opts struct {
	Searcher        faq.Searcher
	Scheduler       TaskScheduler
	Deliverer       Deliverer
	DefaultLanguage string
	FallbackMessage string
	MaxSaveRetries  int
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithSearcher sets the knowledge base searcher used by faq-search nodes.
func WithSearcher(s faq.Searcher) Option {
	return func(o *Opts) { o.Searcher = s }
}

// WithScheduler sets the scheduler used by delayed-push nodes.
func WithScheduler(s TaskScheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithDeliverer sets the transport collaborator for timer-driven output.
func WithDeliverer(d Deliverer) Option {
	return func(o *Opts) { o.Deliverer = d }
}

// WithDefaultLanguage sets the template fallback language.
func WithDefaultLanguage(lang string) Option {
	return func(o *Opts) { o.DefaultLanguage = lang }
}

// WithFallbackMessage overrides the generic execution failure message.
func WithFallbackMessage(msg string) Option {
	return func(o *Opts) { o.FallbackMessage = msg }
}

// WithMaxSaveRetries bounds the version conflict retry loop.
func WithMaxSaveRetries(n int) Option {
	return func(o *Opts) { o.MaxSaveRetries = n }
}

// Engine drives flow execution. Safe for concurrent use: events for different
// users run fully in parallel; events for the same user are serialized by a
// keyed mutex, with the store's compare-and-swap as the cross-process guard.
type Engine struct {
	store     store.Store
	searcher  faq.Searcher
	scheduler TaskScheduler
	deliverer Deliverer
	resolver  *template.Resolver
	handlers  map[models.NodeKind]nodeHandler

	fallbackMessage string
	maxSaveRetries  int

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// New creates an engine backed by the given store.
func New(st store.Store, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxSaveRetries <= 0 {
		cfg.MaxSaveRetries = DefaultMaxSaveRetries
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}

	e := &Engine{
		store:           st,
		searcher:        cfg.Searcher,
		scheduler:       cfg.Scheduler,
		deliverer:       cfg.Deliverer,
		resolver:        template.NewResolver(cfg.DefaultLanguage),
		fallbackMessage: cfg.FallbackMessage,
		maxSaveRetries:  cfg.MaxSaveRetries,
		userLocks:       make(map[string]*sync.Mutex),
	}
	e.handlers = defaultHandlers()
	return e
}

// userLock returns the per-user critical section mutex.
func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		e.userLocks[userID] = lock
	}
	return lock
}

// ProcessEvent runs one incoming event to its next suspension point and
// returns the accumulated outbound batch in generation order. A
// models.ErrNoFlowMatched error signals the caller to hand the event to a
// different conversation mode.
func (e *Engine) ProcessEvent(ctx context.Context, event models.Event) ([]models.Message, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("Engine ProcessEvent", "userID", event.UserID, "kind", event.Kind)

	lock := e.userLock(event.UserID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < e.maxSaveRetries; attempt++ {
		msgs, err := e.processOnce(ctx, event)
		if errors.Is(err, store.ErrVersionConflict) {
			// Another event for this user won the race (a scheduled task
			// fired mid-flight, or a second process). Reload and re-execute
			// from the freshly persisted position.
			slog.Debug("Engine ProcessEvent retrying after version conflict", "userID", event.UserID, "attempt", attempt+1)
			lastErr = err
			continue
		}
		return msgs, err
	}
	slog.Error("Engine ProcessEvent retries exceeded", "userID", event.UserID, "error", lastErr)
	return nil, models.ErrRetriesExceeded
}

// processOnce performs a single load-execute-save pass.
func (e *Engine) processOnce(ctx context.Context, event models.Event) ([]models.Message, error) {
	state, err := e.store.GetConversationState(event.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	var expected int64
	if state == nil {
		state = models.NewConversationState(event.UserID)
	} else {
		expected = state.Version
	}
	if event.Language != "" {
		state.Language = event.Language
	}

	w := &walk{engine: e, state: state, event: event}

	resuming := state.Mode == models.ModeFlow && state.Flow != nil && state.Flow.NodeID != ""
	if resuming {
		err = e.resumeWalk(ctx, w)
	} else {
		err = e.freshWalk(ctx, w)
	}
	if err != nil {
		// An abandoned delayed-push suspension must reach the store even when
		// the preempting event matched no flow, or the pending task never
		// goes stale and fires against the old position.
		if w.preempted && errors.Is(err, models.ErrNoFlowMatched) {
			if saveErr := e.store.SaveConversationState(state, expected); saveErr != nil {
				return nil, saveErr
			}
		}
		return nil, err
	}

	if err := e.store.SaveConversationState(state, expected); err != nil {
		return nil, err
	}

	// Tasks arm only after the state they fingerprint is durably persisted,
	// so a retried pass cannot leave duplicate timers behind. The fingerprint
	// carries the saved version so a later suspension at the same node cannot
	// revive an older task.
	for i := range w.tasks {
		w.tasks[i].Fingerprint = state.Fingerprint()
	}
	for _, task := range w.tasks {
		if e.scheduler == nil {
			slog.Warn("Engine has no scheduler; dropping delayed push", "userID", task.UserID, "nodeID", task.NodeID)
			continue
		}
		if err := e.scheduler.Schedule(task); err != nil {
			slog.Error("Engine failed to schedule task", "error", err, "taskID", task.ID)
		}
	}

	return w.out, nil
}

// freshWalk selects a flow for a non-resuming event and starts at its entry.
func (e *Engine) freshWalk(ctx context.Context, w *walk) error {
	flows, err := e.store.ListFlows(store.FlowFilter{ActiveOnly: true, Service: w.event.ServiceContext})
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}
	flow := MatchTrigger(w.event, flows)
	if flow == nil {
		slog.Debug("Engine no flow matched", "userID", w.event.UserID)
		return models.ErrNoFlowMatched
	}

	graph, err := e.loadGraph(flow)
	if err != nil {
		// Malformed content is refused and the event falls through to
		// "no flow matched" handling; invisible to the end user.
		slog.Error("Engine rejecting invalid flow at dispatch", "error", err, "flowID", flow.ID)
		return models.ErrNoFlowMatched
	}

	w.flow = flow
	w.graph = graph
	w.state.EnterFlow(flow.ID)
	slog.Info("Engine starting flow", "userID", w.event.UserID, "flowID", flow.ID, "entry", graph.EntryID())
	return e.run(ctx, w, graph.EntryID(), false)
}

// resumeWalk continues a suspended flow at its recorded node. The flow
// definition is re-read so author edits take effect on the very next step.
func (e *Engine) resumeWalk(ctx context.Context, w *walk) error {
	flowID := w.state.Flow.FlowID
	nodeID := w.state.Flow.NodeID

	flow, err := e.store.GetFlow(flowID)
	if err != nil {
		// The flow was deleted mid-conversation. Per-event failure: clear
		// the suspension and answer with the fallback so the user is not
		// left talking to a void.
		slog.Error("Engine resume failed to load flow", "error", err, "flowID", flowID, "userID", w.event.UserID)
		return e.abortFlow(w)
	}
	graph, err := e.loadGraph(flow)
	if err != nil {
		slog.Error("Engine resume rejecting invalid flow", "error", err, "flowID", flowID)
		return e.abortFlow(w)
	}

	node, ok := graph.Node(nodeID)
	if !ok {
		slog.Error("Engine resume node no longer exists", "flowID", flowID, "nodeID", nodeID)
		return e.abortFlow(w)
	}

	// A real user event arriving while suspended at a delayed-push node wins
	// the race against the timer: the suspension is abandoned, the version
	// bump makes the pending task stale, and the event is dispatched fresh.
	if node.Kind == models.NodeKindDelayedPush && w.event.Kind != models.EventKindTimer {
		slog.Info("Engine user event preempts delayed push", "userID", w.event.UserID, "flowID", flowID, "nodeID", nodeID)
		w.state.LeaveFlow()
		w.preempted = true
		return e.freshWalk(ctx, w)
	}

	w.flow = flow
	w.graph = graph
	slog.Debug("Engine resuming flow", "userID", w.event.UserID, "flowID", flowID, "nodeID", nodeID)
	return e.run(ctx, w, nodeID, true)
}

// abortFlow clears the flow sub-state and emits the fallback message.
func (e *Engine) abortFlow(w *walk) error {
	w.state.LeaveFlow()
	w.emit(models.Message{To: w.event.UserID, Kind: models.MessageKindText, Body: e.fallbackMessage})
	return nil
}

// loadGraph builds and validates the executable graph for a flow.
func (e *Engine) loadGraph(flow *models.Flow) (*flowgraph.Graph, error) {
	if err := flowgraph.Validate(flow); err != nil {
		return nil, err
	}
	return flowgraph.Build(flow)
}

// FireTask is invoked by the scheduler when a delayed push comes due. It
// re-validates that the user is still suspended at the task's flow/node; a
// stale task is discarded with no output and no state mutation.
func (e *Engine) FireTask(ctx context.Context, task models.ScheduledTask) error {
	slog.Debug("Engine FireTask", "taskID", task.ID, "userID", task.UserID)

	lock := e.userLock(task.UserID)
	lock.Lock()
	defer lock.Unlock()

	var msgs []models.Message
	var fired bool
	var lastErr error
	for attempt := 0; attempt < e.maxSaveRetries; attempt++ {
		msgs, fired, lastErr = e.fireOnce(ctx, task)
		if errors.Is(lastErr, store.ErrVersionConflict) {
			continue
		}
		break
	}
	if lastErr != nil {
		return lastErr
	}

	if !fired {
		slog.Info("Engine FireTask stale, discarding", "taskID", task.ID, "userID", task.UserID)
		if err := e.store.UpdateTaskStatus(task.ID, models.TaskStatusStale); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("Engine FireTask failed to mark task stale", "error", err, "taskID", task.ID)
		}
		return nil
	}

	if err := e.store.UpdateTaskStatus(task.ID, models.TaskStatusDone); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Engine FireTask failed to mark task done", "error", err, "taskID", task.ID)
	}
	if len(msgs) > 0 && e.deliverer != nil {
		if err := e.deliverer.Deliver(ctx, msgs); err != nil {
			slog.Error("Engine FireTask delivery failed", "error", err, "taskID", task.ID)
			return err
		}
	}
	return nil
}

// fireOnce performs a single load-check-execute-save pass for a timer fire.
// The bool result reports whether the task was still current.
func (e *Engine) fireOnce(ctx context.Context, task models.ScheduledTask) ([]models.Message, bool, error) {
	state, err := e.store.GetConversationState(task.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state: %w", err)
	}
	if state == nil || !state.SuspendedAt(task.FlowID, task.NodeID) || state.Fingerprint() != task.Fingerprint {
		return nil, false, nil
	}
	expected := state.Version

	flow, err := e.store.GetFlow(task.FlowID)
	if err != nil {
		slog.Error("Engine fireOnce flow missing", "error", err, "flowID", task.FlowID)
		return nil, false, nil
	}
	graph, err := e.loadGraph(flow)
	if err != nil {
		slog.Error("Engine fireOnce flow invalid", "error", err, "flowID", task.FlowID)
		return nil, false, nil
	}

	event := models.Event{UserID: task.UserID, Kind: models.EventKindTimer, Time: task.FireAt.Unix()}
	w := &walk{engine: e, state: state, event: event, flow: flow, graph: graph}
	if err := e.run(ctx, w, task.NodeID, true); err != nil {
		return nil, false, err
	}

	if err := e.store.SaveConversationState(state, expected); err != nil {
		return nil, false, err
	}
	for i := range w.tasks {
		w.tasks[i].Fingerprint = state.Fingerprint()
	}
	for _, t := range w.tasks {
		if e.scheduler != nil {
			if err := e.scheduler.Schedule(t); err != nil {
				slog.Error("Engine fireOnce failed to schedule follow-up task", "error", err, "taskID", t.ID)
			}
		}
	}
	return w.out, true, nil
}
