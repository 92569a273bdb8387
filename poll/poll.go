// Package poll turns newly received newsletters into a stored, emailed digest.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"newsletter-digest/enrich"
	"newsletter-digest/linkextract"
	"newsletter-digest/mailbox"
	"newsletter-digest/pkg/digest"
)

// ErrInProgress is returned when CheckAll is called while a poll is running.
var ErrInProgress = errors.New("poll already in progress")

// Enricher interface for processing newsletter links.
type Enricher interface {
	Enrich(ctx context.Context, newsletters []digest.Newsletter) (*enrich.Result, error)
}

// Store interface for run persistence.
type Store interface {
	Save(ctx context.Context, run *digest.Run) error
}

// Emailer interface for sending digests.
type Emailer interface {
	SendDigest(ctx context.Context, to string, run *digest.Run) error
}

// Config selects the newsletters a poll reads.
type Config struct {
	Patterns []digest.Pattern
	// Lookback bounds how old a message may be to be picked up.
	Lookback           time.Duration
	MessagesPerPattern int
	// Recipient receives the digest. No email is sent when empty.
	Recipient string
}

// Monitor handles newsletter polling logic.
type Monitor struct {
	source   mailbox.Source
	enricher Enricher
	store    Store
	emailer  Emailer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	running  atomic.Bool
}

// New creates a new poll monitor.
func New(source mailbox.Source, enricher Enricher, store Store, emailer Emailer, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		source:   source,
		enricher: enricher,
		store:    store,
		emailer:  emailer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// received is a fetched message together with its newsletter.
type received struct {
	messageID  string
	newsletter digest.Newsletter
}

// CheckAll reads new newsletters of every enabled pattern, enriches their links,
// stores the run and emails the digest. Messages are marked processed only once
// the run is stored and delivered. It returns a nil run when nothing was found.
func (m *Monitor) CheckAll(ctx context.Context) (*digest.Run, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer m.running.Store(false)

	now := m.now()
	m.logger.Info("Checking newsletters", "patterns", len(m.cfg.Patterns), "timestamp", now.Format(time.RFC3339))

	batch, err := m.collect(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		m.logger.Info("No new newsletters")
		return nil, nil
	}

	newsletters := make([]digest.Newsletter, len(batch))
	for i := range batch {
		newsletters[i] = batch[i].newsletter
	}

	result, err := m.enricher.Enrich(ctx, newsletters)
	if err != nil {
		return nil, fmt.Errorf("enrich newsletters: %w", err)
	}

	run := &digest.Run{
		ID:          uuid.NewString(),
		StartedAt:   now,
		FinishedAt:  m.now(),
		Newsletters: result.Newsletters,
		Stats:       result.Stats,
	}

	if err := m.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	if m.cfg.Recipient == "" {
		m.logger.Info("No digest recipient configured, skipping email", "run_id", run.ID)
	} else if err := m.emailer.SendDigest(ctx, m.cfg.Recipient, run); err != nil {
		return run, fmt.Errorf("send digest: %w", err)
	}

	marked := 0
	for _, r := range batch {
		if err := m.source.MarkProcessed(ctx, r.messageID); err != nil {
			m.logger.Warn("Failed to mark message processed",
				"message_id", r.messageID,
				"newsletter", r.newsletter.Pattern.Name,
				"error", err)
			continue
		}
		marked++
	}

	m.logger.Info("Newsletter check completed",
		"run_id", run.ID,
		"newsletters", len(batch),
		"articles", run.ArticleCount(),
		"marked", marked,
		"duration_ms", run.FinishedAt.Sub(run.StartedAt).Milliseconds())

	return run, nil
}

// collect fetches the messages of all enabled patterns. A message matched by
// several patterns belongs to the first one.
func (m *Monitor) collect(ctx context.Context, now time.Time) ([]received, error) {
	var since time.Time
	if m.cfg.Lookback > 0 {
		since = now.Add(-m.cfg.Lookback)
	}

	seen := make(map[string]bool)
	var batch []received
	for _, p := range m.cfg.Patterns {
		if !p.Enabled {
			continue
		}

		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			m.logger.Info("Context cancelled, stopping poll check", "error", err)
			return nil, err
		}

		q := mailbox.QueryFor(p, since)
		q.Limit = m.cfg.MessagesPerPattern
		msgs, err := m.source.Fetch(ctx, q)
		if err != nil {
			m.logger.Warn("Mailbox fetch failed", "newsletter", p.Name, "error", err)
			// Continue with other patterns despite errors
			continue
		}

		for _, msg := range msgs {
			if seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true

			links := linkextract.Extract(msg.HTMLBody, msg.TextBody)
			m.logger.Debug("Newsletter received",
				"newsletter", p.Name,
				"message_id", msg.ID,
				"subject", msg.Subject,
				"links", len(links))

			batch = append(batch, received{
				messageID: msg.ID,
				newsletter: digest.Newsletter{
					ID:         msg.ID,
					Pattern:    p,
					Subject:    msg.Subject,
					From:       msg.From,
					ReceivedAt: msg.Date,
					Links:      links,
				},
			})
		}
		m.logger.Info("Newsletters fetched", "newsletter", p.Name, "count", len(msgs))
	}
	return batch, nil
}
