package line

import (
	"context"
	"log/slog"
)

// MockProvider is a mock LINE provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Push logs the message instead of sending it.
func (m *MockProvider) Push(ctx context.Context, to, text string) error {
	m.logger.Info("MOCK PUSH",
		"to", Redact(to),
		"text", text)
	return nil
}

// Reply logs the reply instead of sending it.
func (m *MockProvider) Reply(ctx context.Context, replyToken, text string) error {
	m.logger.Info("MOCK REPLY",
		"reply_token", replyToken,
		"text", text)
	return nil
}

// Profile returns a placeholder profile.
func (m *MockProvider) Profile(ctx context.Context, userID string) (*Profile, error) {
	return &Profile{UserID: userID, DisplayName: "Mock User"}, nil
}
