package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/faq"
	"github.com/flowdeck/flowdeck/internal/models"
	"github.com/flowdeck/flowdeck/internal/store"
)

// fakeScheduler captures scheduled tasks and persists them like the real one.
type fakeScheduler struct {
	st    store.Store
	tasks []models.ScheduledTask
}

func (f *fakeScheduler) Schedule(task models.ScheduledTask) error {
	if err := f.st.AddScheduledTask(task); err != nil {
		return err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

// fakeDeliverer records delivered batches.
type fakeDeliverer struct {
	batches [][]models.Message
}

func (f *fakeDeliverer) Deliver(ctx context.Context, batch []models.Message) error {
	f.batches = append(f.batches, batch)
	return nil
}

// fakeSearcher returns a fixed result or error.
type fakeSearcher struct {
	result *faq.Result
	err    error
}

func (f *fakeSearcher) Search(ctx context.Context, query, service string) (*faq.Result, error) {
	return f.result, f.err
}

func welcomeFlow() *models.Flow {
	return &models.Flow{
		ID: "welcome", Name: "welcome", TriggerKind: models.TriggerKeyword, TriggerValue: "hello",
		Active: true, Priority: 1, UpdatedAt: time.Now(),
		Nodes: []models.Node{
			{ID: "greet", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "Hi there"}},
			{ID: "ask", Kind: models.NodeKindQuickReply,
				Templates: map[string]string{"en": "Pick one"},
				Options:   []models.NodeOption{{Label: "A", BranchKey: "a"}, {Label: "B", BranchKey: "b"}}},
			{ID: "gotA", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "Got A"}},
			{ID: "gotB", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "Got B"}},
		},
		Edges: []models.Edge{
			{SourceID: "greet", TargetID: "ask"},
			{SourceID: "ask", TargetID: "gotA", BranchKey: "a"},
			{SourceID: "ask", TargetID: "gotB", BranchKey: "b"},
		},
	}
}

func textEvent(userID, text string) models.Event {
	return models.Event{UserID: userID, Kind: models.EventKindText, Text: text, Time: time.Now().Unix()}
}

func TestProcessEventStartsFlowAndSuspends(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveFlow(welcomeFlow()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	eng := New(st)

	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected greeting plus options, got %d messages: %+v", len(msgs), msgs)
	}
	if msgs[0].Body != "Hi there" || msgs[0].Kind != models.MessageKindText {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Kind != models.MessageKindOptions || len(msgs[1].Options) != 2 {
		t.Errorf("unexpected options message: %+v", msgs[1])
	}

	state, _ := st.GetConversationState("u1")
	if !state.SuspendedAt("welcome", "ask") {
		t.Errorf("expected suspension at welcome/ask, got %+v", state)
	}
	if state.Version != 1 {
		t.Errorf("expected version 1, got %d", state.Version)
	}
}

func TestQuickReplySelectionBranchesAndEndsFlow(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(welcomeFlow())
	eng := New(st)

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Case-insensitive label match routes to the branch
	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "Got A" {
		t.Fatalf("expected Got A, got %+v", msgs)
	}

	state, _ := st.GetConversationState("u1")
	if state.Mode != models.ModeNone || state.Flow != nil {
		t.Errorf("expected idle state after terminal node, got %+v", state)
	}
	if state.Version != 2 {
		t.Errorf("expected version 2 after two events, got %d", state.Version)
	}
}

func TestQuickReplyPostbackSelection(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(welcomeFlow())
	eng := New(st)
	eng.ProcessEvent(context.Background(), textEvent("u1", "hello"))

	msgs, err := eng.ProcessEvent(context.Background(), models.Event{
		UserID: "u1", Kind: models.EventKindPostback, PostbackAction: "select", PostbackData: "b",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "Got B" {
		t.Fatalf("expected Got B, got %+v", msgs)
	}
}

func TestQuickReplyUnmatchedSelectionReprompts(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(welcomeFlow())
	eng := New(st)
	eng.ProcessEvent(context.Background(), textEvent("u1", "hello"))

	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "purple"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != models.MessageKindOptions {
		t.Fatalf("expected re-prompt with options, got %+v", msgs)
	}

	state, _ := st.GetConversationState("u1")
	if !state.SuspendedAt("welcome", "ask") {
		t.Errorf("expected suspension to persist, got %+v", state)
	}
}

func TestProcessEventNoFlowMatched(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(welcomeFlow())
	eng := New(st)

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "goodbye")); !errors.Is(err, models.ErrNoFlowMatched) {
		t.Errorf("expected ErrNoFlowMatched, got %v", err)
	}
	state, _ := st.GetConversationState("u1")
	if state != nil {
		t.Errorf("expected no state persisted for unmatched event, got %+v", state)
	}
}

func TestProcessEventRejectsInvalidEvent(t *testing.T) {
	eng := New(store.NewInMemoryStore())
	if _, err := eng.ProcessEvent(context.Background(), models.Event{Kind: models.EventKindText}); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("expected ErrEmptyUserID, got %v", err)
	}
}

func TestUnknownNodeKindPassesThrough(t *testing.T) {
	st := store.NewInMemoryStore()
	flow := &models.Flow{
		ID: "future", Name: "future", TriggerKind: models.TriggerKeyword, TriggerValue: "go",
		Active: true, UpdatedAt: time.Now(),
		Nodes: []models.Node{
			{ID: "start", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "Start"}},
			{ID: "mystery", Kind: "hologram"},
			{ID: "end", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "End"}},
		},
		Edges: []models.Edge{
			{SourceID: "start", TargetID: "mystery"},
			{SourceID: "mystery", TargetID: "end"},
		},
	}
	st.SaveFlow(flow)
	eng := New(st)

	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "go"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "Start" || msgs[1].Body != "End" {
		t.Fatalf("expected pass-through over unknown kind, got %+v", msgs)
	}
}

func TestFAQSearchBranchesOnScore(t *testing.T) {
	faqFlow := &models.Flow{
		ID: "help", Name: "help", TriggerKind: models.TriggerKeyword, TriggerValue: "help",
		Active: true, UpdatedAt: time.Now(),
		Nodes: []models.Node{
			{ID: "search", Kind: models.NodeKindFAQSearch, Threshold: 0.5},
			{ID: "answer", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "{faqResult}"}},
			{ID: "sorry", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "No idea"}},
		},
		Edges: []models.Edge{
			{SourceID: "search", TargetID: "answer", BranchKey: models.BranchKeyFound},
			{SourceID: "search", TargetID: "sorry", BranchKey: models.BranchKeyNotFound},
		},
	}

	t.Run("found", func(t *testing.T) {
		st := store.NewInMemoryStore()
		st.SaveFlow(faqFlow)
		searcher := &fakeSearcher{result: &faq.Result{
			Entry: faq.Entry{Answer: "Open 9 to 5"}, Score: 0.9,
		}}
		eng := New(st, WithSearcher(searcher))

		msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "help opening hours"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Body != "Open 9 to 5" {
			t.Fatalf("expected answer substituted from faqResult, got %+v", msgs)
		}
	})

	t.Run("below threshold", func(t *testing.T) {
		st := store.NewInMemoryStore()
		st.SaveFlow(faqFlow)
		searcher := &fakeSearcher{result: &faq.Result{
			Entry: faq.Entry{Answer: "irrelevant"}, Score: 0.2,
		}}
		eng := New(st, WithSearcher(searcher))

		msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "help me"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Body != "No idea" {
			t.Fatalf("expected not-found branch, got %+v", msgs)
		}
	})
}

func TestFAQSearchErrorFollowsFailureBranch(t *testing.T) {
	st := store.NewInMemoryStore()
	flow := &models.Flow{
		ID: "help", Name: "help", TriggerKind: models.TriggerKeyword, TriggerValue: "help",
		Active: true, UpdatedAt: time.Now(),
		Nodes: []models.Node{
			{ID: "search", Kind: models.NodeKindFAQSearch},
			{ID: "sorry", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "Search is down"}},
		},
		Edges: []models.Edge{
			{SourceID: "search", TargetID: "sorry", BranchKey: models.BranchKeyFailure},
		},
	}
	st.SaveFlow(flow)
	eng := New(st, WithSearcher(&fakeSearcher{err: fmt.Errorf("backend unavailable")}))

	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "help"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "Search is down" {
		t.Fatalf("expected failure branch message, got %+v", msgs)
	}
}

func TestNodeErrorWithoutFailureBranchAborts(t *testing.T) {
	st := store.NewInMemoryStore()
	flow := &models.Flow{
		ID: "help", Name: "help", TriggerKind: models.TriggerKeyword, TriggerValue: "help",
		Active: true, UpdatedAt: time.Now(),
		Nodes: []models.Node{
			{ID: "search", Kind: models.NodeKindFAQSearch},
			{ID: "answer", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "x"}},
		},
		Edges: []models.Edge{
			{SourceID: "search", TargetID: "answer", BranchKey: models.BranchKeyFound},
		},
	}
	st.SaveFlow(flow)
	// No searcher configured: execution fails at the faq node
	eng := New(st)

	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "help"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != DefaultFallbackMessage {
		t.Fatalf("expected fallback message, got %+v", msgs)
	}
	state, _ := st.GetConversationState("u1")
	if state.Mode != models.ModeNone {
		t.Errorf("expected idle state after abort, got %+v", state)
	}
}

func TestWaitUserInputBindsVariable(t *testing.T) {
	st := store.NewInMemoryStore()
	flow := &models.Flow{
		ID: "intro", Name: "intro", TriggerKind: models.TriggerKeyword, TriggerValue: "start",
		Active: true, UpdatedAt: time.Now(),
		Nodes: []models.Node{
			{ID: "askName", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "What is your name?"}},
			{ID: "wait", Kind: models.NodeKindWaitUserInput, BindTo: "name"},
			{ID: "echo", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "Hello {name}"}},
		},
		Edges: []models.Edge{
			{SourceID: "askName", TargetID: "wait"},
			{SourceID: "wait", TargetID: "echo"},
		},
	}
	st.SaveFlow(flow)
	eng := New(st)

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "start")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "Ada"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "Hello Ada" {
		t.Fatalf("expected bound variable in template, got %+v", msgs)
	}
}

func delayedPushFlow() *models.Flow {
	return &models.Flow{
		ID: "reminder", Name: "reminder", TriggerKind: models.TriggerKeyword, TriggerValue: "remind",
		Active: true, UpdatedAt: time.Now(),
		Nodes: []models.Node{
			{ID: "ack", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "Will do"}},
			{ID: "push", Kind: models.NodeKindDelayedPush, DelaySeconds: 60},
			{ID: "nudge", Kind: models.NodeKindSendMessage, Templates: map[string]string{"en": "Reminder!"}},
		},
		Edges: []models.Edge{
			{SourceID: "ack", TargetID: "push"},
			{SourceID: "push", TargetID: "nudge"},
		},
	}
}

func TestDelayedPushSchedulesTaskAfterSave(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(delayedPushFlow())
	sched := &fakeScheduler{st: st}
	eng := New(st, WithScheduler(sched))

	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "remind"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "Will do" {
		t.Fatalf("expected silent suspension after ack, got %+v", msgs)
	}

	if len(sched.tasks) != 1 {
		t.Fatalf("expected one scheduled task, got %d", len(sched.tasks))
	}
	task := sched.tasks[0]
	if task.Fingerprint != "reminder/push@1" || task.UserID != "u1" {
		t.Errorf("unexpected task: %+v", task)
	}
	if got := time.Until(task.FireAt); got < 55*time.Second || got > 65*time.Second {
		t.Errorf("expected fire in ~60s, got %v", got)
	}

	state, _ := st.GetConversationState("u1")
	if !state.SuspendedAt("reminder", "push") {
		t.Errorf("expected suspension at reminder/push, got %+v", state)
	}
}

func TestFireTaskResumesSuspendedFlow(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(delayedPushFlow())
	sched := &fakeScheduler{st: st}
	del := &fakeDeliverer{}
	eng := New(st, WithScheduler(sched), WithDeliverer(del))

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "remind")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := sched.tasks[0]

	if err := eng.FireTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(del.batches) != 1 || len(del.batches[0]) != 1 || del.batches[0][0].Body != "Reminder!" {
		t.Fatalf("expected reminder delivered, got %+v", del.batches)
	}

	stored, err := st.GetScheduledTask(task.ID)
	if err != nil || stored.Status != models.TaskStatusDone {
		t.Errorf("expected task done, got (%+v, %v)", stored, err)
	}
	state, _ := st.GetConversationState("u1")
	if state.Mode != models.ModeNone {
		t.Errorf("expected flow finished after resumption, got %+v", state)
	}
}

func TestUserEventPreemptsDelayedPush(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(delayedPushFlow())
	st.SaveFlow(welcomeFlow())
	sched := &fakeScheduler{st: st}
	del := &fakeDeliverer{}
	eng := New(st, WithScheduler(sched), WithDeliverer(del))

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "remind")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := sched.tasks[0]

	// A real user event wins the race against the pending timer
	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "Hi there" {
		t.Fatalf("expected fresh dispatch into welcome flow, got %+v", msgs)
	}

	// The abandoned task fires late and is discarded without output
	if err := eng.FireTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(del.batches) != 0 {
		t.Errorf("expected no delivery for stale task, got %+v", del.batches)
	}
	stored, _ := st.GetScheduledTask(task.ID)
	if stored.Status != models.TaskStatusStale {
		t.Errorf("expected task marked stale, got %+v", stored)
	}
	state, _ := st.GetConversationState("u1")
	if !state.SuspendedAt("welcome", "ask") {
		t.Errorf("expected user still in welcome flow, got %+v", state)
	}
}

func TestUnmatchedEventPreemptsDelayedPush(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(delayedPushFlow())
	sched := &fakeScheduler{st: st}
	del := &fakeDeliverer{}
	eng := New(st, WithScheduler(sched), WithDeliverer(del))

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "remind")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := sched.tasks[0]

	// An event matching no flow still abandons the suspension, and the
	// cleared state must be persisted so the pending task goes stale.
	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "completely unrelated")); !errors.Is(err, models.ErrNoFlowMatched) {
		t.Fatalf("expected ErrNoFlowMatched, got %v", err)
	}
	state, _ := st.GetConversationState("u1")
	if state == nil || state.Mode != models.ModeNone || state.Version != 2 {
		t.Fatalf("expected idle state persisted at version 2, got %+v", state)
	}

	if err := eng.FireTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(del.batches) != 0 {
		t.Errorf("expected no delivery for abandoned task, got %+v", del.batches)
	}
	stored, _ := st.GetScheduledTask(task.ID)
	if stored.Status != models.TaskStatusStale {
		t.Errorf("expected task marked stale, got %+v", stored)
	}
}

func TestReenteredSuspensionDoesNotReviveOldTask(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(delayedPushFlow())
	sched := &fakeScheduler{st: st}
	del := &fakeDeliverer{}
	eng := New(st, WithScheduler(sched), WithDeliverer(del))

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "remind")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A second trigger preempts the suspension and re-suspends at the same
	// node; the user now holds two pending tasks for reminder/push.
	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "remind")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sched.tasks) != 2 {
		t.Fatalf("expected two scheduled tasks, got %d", len(sched.tasks))
	}
	first, second := sched.tasks[0], sched.tasks[1]
	if first.Fingerprint == second.Fingerprint {
		t.Fatalf("expected distinct fingerprints, both %q", first.Fingerprint)
	}

	// Only the task armed for the current suspension may fire.
	if err := eng.FireTask(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(del.batches) != 0 {
		t.Fatalf("expected stale first task to deliver nothing, got %+v", del.batches)
	}
	if err := eng.FireTask(context.Background(), second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(del.batches) != 1 || del.batches[0][0].Body != "Reminder!" {
		t.Errorf("expected single reminder from current task, got %+v", del.batches)
	}
}

func TestResumeAbortsWhenFlowDeleted(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveFlow(welcomeFlow())
	eng := New(st)

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.DeleteFlow("welcome"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := eng.ProcessEvent(context.Background(), textEvent("u1", "a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != DefaultFallbackMessage {
		t.Fatalf("expected fallback after flow deletion, got %+v", msgs)
	}
	state, _ := st.GetConversationState("u1")
	if state.Mode != models.ModeNone {
		t.Errorf("expected idle state, got %+v", state)
	}
}

// conflictStore always loses the save race.
type conflictStore struct {
	store.Store
}

func (c *conflictStore) SaveConversationState(state *models.ConversationState, expectedVersion int64) error {
	return store.ErrVersionConflict
}

func TestProcessEventRetriesThenGivesUp(t *testing.T) {
	inner := store.NewInMemoryStore()
	inner.SaveFlow(welcomeFlow())
	eng := New(&conflictStore{Store: inner}, WithMaxSaveRetries(2))

	if _, err := eng.ProcessEvent(context.Background(), textEvent("u1", "hello")); !errors.Is(err, models.ErrRetriesExceeded) {
		t.Errorf("expected ErrRetriesExceeded, got %v", err)
	}
}
