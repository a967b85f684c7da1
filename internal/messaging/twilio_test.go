package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/models"
)

func newTestTwilioService(t *testing.T) *TwilioService {
	t.Helper()
	svc, err := NewTwilioService(
		WithAccountSID("ACtest"),
		WithAuthToken("secret"),
		WithFrom("+15550000000"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func TestNewTwilioServiceRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioService(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioService(WithAccountSID("AC"), WithAuthToken("x")); err == nil {
		t.Error("expected error without from number")
	}
}

func TestTwilioWebhookEmitsEvent(t *testing.T) {
	svc := newTestTwilioService(t)
	defer svc.Stop()

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "hello there")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case event := <-svc.Events():
		if event.UserID != "15551234567" {
			t.Errorf("expected canonicalized sender, got %q", event.UserID)
		}
		if event.Kind != models.EventKindText || event.Text != "hello there" {
			t.Errorf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestTwilioWebhookRejectsMissingFields(t *testing.T) {
	svc := newTestTwilioService(t)
	defer svc.Stop()

	form := url.Values{}
	form.Set("From", "+15551234567")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}
}

func TestTwilioSendAfterStop(t *testing.T) {
	svc := newTestTwilioService(t)
	if err := svc.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "+15551234567", "hi"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	// Stop is idempotent
	if err := svc.Stop(); err != nil {
		t.Errorf("unexpected error on second Stop: %v", err)
	}
}
