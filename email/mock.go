package email

import (
	"context"
	"log/slog"
	"sync"
)

// SentMessage is an email captured by MockProvider.
type SentMessage struct {
	To       string
	Subject  string
	HTMLBody string
}

// MockProvider is a mock email provider for local development.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []SentMessage
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Subject: subject, HTMLBody: htmlBody})
	return nil
}

// Sent returns the emails captured so far.
func (m *MockProvider) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
