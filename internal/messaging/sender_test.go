package messaging

import (
	"context"
	"fmt"
	"testing"

	"github.com/flowdeck/flowdeck/internal/models"
)

func TestCanonicalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"whatsapp:+49 170 1234567", "491701234567", false},
		{"", "", true},
		{"no digits here", "", true},
		{"12345", "", true}, // too short
	}
	for _, tc := range cases {
		got, err := CanonicalizePhone(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("CanonicalizePhone(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("CanonicalizePhone(%q) = (%q, %v), want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestRenderBodyText(t *testing.T) {
	msg := models.Message{Kind: models.MessageKindText, Body: "plain"}
	if got := RenderBody(msg); got != "plain" {
		t.Errorf("RenderBody = %q, want plain", got)
	}
}

func TestRenderBodyOptions(t *testing.T) {
	msg := models.Message{
		Kind: models.MessageKindOptions,
		Body: "Pick one",
		Options: []models.MessageOption{
			{Label: "Alpha", BranchKey: "a"},
			{Label: "Beta", BranchKey: "b"},
		},
	}
	want := "Pick one\n1. Alpha\n2. Beta"
	if got := RenderBody(msg); got != want {
		t.Errorf("RenderBody = %q, want %q", got, want)
	}
}

func TestRenderBodyCard(t *testing.T) {
	msg := models.Message{Kind: models.MessageKindCard, Title: "Offer", Body: "Half price"}
	if got := RenderBody(msg); got != "Offer\nHalf price" {
		t.Errorf("RenderBody = %q", got)
	}

	msg.Title = ""
	if got := RenderBody(msg); got != "Half price" {
		t.Errorf("RenderBody without title = %q", got)
	}
}

// recordingSender captures sent bodies, failing on demand.
type recordingSender struct {
	sent    []string
	failAt  int
	started bool
}

func (r *recordingSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (r *recordingSender) SendMessage(ctx context.Context, to string, body string) error {
	if r.failAt > 0 && len(r.sent)+1 == r.failAt {
		return fmt.Errorf("send failed")
	}
	r.sent = append(r.sent, body)
	return nil
}

func (r *recordingSender) Events() <-chan models.Event { return nil }

func (r *recordingSender) Start(ctx context.Context) error { r.started = true; return nil }

func (r *recordingSender) Stop() error { return nil }

func TestDispatcherPreservesOrder(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender)

	batch := []models.Message{
		{To: "15551234567", Kind: models.MessageKindText, Body: "first"},
		{To: "15551234567", Kind: models.MessageKindText, Body: "second"},
		{To: "15551234567", Kind: models.MessageKindText, Body: "third"},
	}
	if err := d.Deliver(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 3 || sender.sent[0] != "first" || sender.sent[2] != "third" {
		t.Errorf("order lost: %+v", sender.sent)
	}
}

func TestDispatcherStopsBatchOnFirstFailure(t *testing.T) {
	sender := &recordingSender{failAt: 2}
	d := NewDispatcher(sender)

	batch := []models.Message{
		{To: "15551234567", Kind: models.MessageKindText, Body: "first"},
		{To: "15551234567", Kind: models.MessageKindText, Body: "second"},
		{To: "15551234567", Kind: models.MessageKindText, Body: "third"},
	}
	if err := d.Deliver(context.Background(), batch); err == nil {
		t.Fatal("expected delivery error")
	}
	if len(sender.sent) != 1 {
		t.Errorf("expected batch aborted after first failure, sent %+v", sender.sent)
	}
}
