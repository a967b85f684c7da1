// Package messaging provides pluggable outbound transports for flowdeck.
//
// The engine produces transport-agnostic message descriptors; this package
// renders them to deliverable bodies and hands them to a concrete transport.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/flowdeck/flowdeck/internal/models"
)

// DefaultChannelBufferSize is the buffer for inbound event channels.
const DefaultChannelBufferSize = 64

// ErrServiceStopped is returned when a transport is used after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips everything that is not a digit from recipients.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Sender delivers one rendered message to a recipient.
type Sender interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier; each transport has its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message body to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Events returns the channel of inbound events normalized from the
	// transport's own wire format.
	Events() <-chan models.Event

	// Start begins background processing (connection, polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// CanonicalizePhone reduces a recipient to digits and validates length.
// Shared by phone-number based transports.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// OptionLineFormat is the format string for rendering one option row.
const OptionLineFormat = "\n%d. %s"

// RenderBody flattens a message descriptor to a plain text body for
// transports without native option or card widgets.
func RenderBody(msg models.Message) string {
	switch msg.Kind {
	case models.MessageKindOptions:
		body := msg.Body
		for i, opt := range msg.Options {
			body += fmt.Sprintf(OptionLineFormat, i+1, opt.Label)
		}
		return body
	case models.MessageKindCard:
		if msg.Title != "" {
			return msg.Title + "\n" + msg.Body
		}
		return msg.Body
	default:
		return msg.Body
	}
}

// Dispatcher renders engine output and delivers it through a Sender,
// preserving generation order. It is the engine's transport collaborator.
type Dispatcher struct {
	sender Sender
}

// NewDispatcher creates a Dispatcher over the given transport.
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// Deliver sends a batch in order. The first failure stops the batch: later
// messages often only make sense after earlier ones.
func (d *Dispatcher) Deliver(ctx context.Context, batch []models.Message) error {
	for _, msg := range batch {
		if err := d.sender.SendMessage(ctx, msg.To, RenderBody(msg)); err != nil {
			slog.Error("Dispatcher delivery failed", "error", err, "to", msg.To, "kind", msg.Kind)
			return fmt.Errorf("failed to deliver message to %s: %w", msg.To, err)
		}
	}
	slog.Debug("Dispatcher delivered batch", "count", len(batch))
	return nil
}
