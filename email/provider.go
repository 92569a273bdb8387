// Package email delivers digests via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"newsletter-digest/pkg/digest"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders digests and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links back to the service, may be empty
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendDigest emails the articles of run to the recipient. Runs without any
// article are not sent.
func (s *Sender) SendDigest(ctx context.Context, to string, run *digest.Run) error {
	if to == "" {
		return errors.New("no digest recipient configured")
	}
	articles := run.ArticleCount()
	if articles == 0 {
		s.logger.Info("Digest has no articles, skipping email", "run_id", run.ID)
		return nil
	}

	subject := digestSubject(run)
	body := formatDigestBody(run, s.onlineURL(run))

	s.logger.Info("Sending digest email",
		"to", to,
		"subject", subject,
		"run_id", run.ID,
		"article_count", articles)

	if err := s.provider.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	return nil
}

func (s *Sender) onlineURL(run *digest.Run) string {
	if s.baseURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.baseURL, "/") + "/digest?id=" + url.QueryEscape(run.ID)
}

func digestSubject(run *digest.Run) string {
	n := run.ArticleCount()
	date := run.StartedAt.Format("Jan 2, 2006")
	if n == 1 {
		return fmt.Sprintf("Newsletter digest for %s: 1 article", date)
	}
	return fmt.Sprintf("Newsletter digest for %s: %d articles", date, n)
}
