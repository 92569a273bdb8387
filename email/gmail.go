package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"newsletter-digest/backoff"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	retry   backoff.Options
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		retry:   backoff.Options{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 2 * time.Minute},
		logger:  logger,
	}
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMessage assembles a single-part HTML message. The From address is set
// by Gmail based on the authenticated account.
func buildMessage(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject))))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMessage(to, subject, htmlBody)))

	return backoff.Run(ctx, g.logger, "gmail send to "+sanitizeEmailHeader(to), g.retry, func() error {
		g.logger.Info("Gmail API request starting",
			"method", "POST",
			"endpoint", "users.messages.send",
			"to", to,
			"subject", subject)

		startTime := time.Now()
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{
			Raw: encoded,
		}).Context(ctx).Do()
		duration := time.Since(startTime)

		if err != nil {
			g.logger.Warn("Gmail API send failed",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"error", err)
			return err
		}

		g.logger.Info("Gmail API request completed",
			"endpoint", "users.messages.send",
			"to", to,
			"duration_ms", duration.Milliseconds(),
			"status", "success")
		return nil
	})
}
