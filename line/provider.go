// Package line delivers queue notifications through the LINE Messaging API.
package line

import (
	"context"
	"log/slog"

	"queue-notifier/pkg/notifier"
)

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Push sends a text message to a user outside of any reply context.
	Push(ctx context.Context, to, text string) error
}

// Sender formats transitions and pushes them through a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	messages Messages
}

// New creates a new sender with the given provider.
func New(provider Provider, messages Messages, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		messages: messages,
	}
}

// SendTransition pushes the message for a near, current or passed transition.
// A none transition sends nothing.
func (s *Sender) SendTransition(ctx context.Context, sub *notifier.Subscription, status notifier.Status) error {
	text := s.messages.Transition(status)
	if text == "" {
		return nil
	}

	s.logger.Info("Sending transition notification",
		"subscriber", Redact(sub.SubscriberID),
		"transition", status.Transition,
		"queue_number", status.QueueNumber,
		"counter_id", status.CounterID)

	return s.provider.Push(ctx, sub.SubscriberID, text)
}

// Redact shortens a LINE user ID for logs.
func Redact(userID string) string {
	const keep = 10
	if len(userID) <= keep {
		return userID
	}
	return userID[:keep] + "..."
}
