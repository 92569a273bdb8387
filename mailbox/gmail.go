package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"newsletter-digest/backoff"
)

const gmailUser = "me"

// GmailSource reads newsletters through the Gmail API.
type GmailSource struct {
	service *gmail.Service
	retry   backoff.Options
	logger  *slog.Logger
}

// NewGmailSource creates a source backed by service.
func NewGmailSource(service *gmail.Service, logger *slog.Logger) *GmailSource {
	return &GmailSource{
		service: service,
		retry:   backoff.DefaultOptions(),
		logger:  logger,
	}
}

// gmailQuery renders q in Gmail search syntax.
func gmailQuery(q Query) string {
	var terms []string
	if q.From != "" {
		terms = append(terms, fmt.Sprintf("from:%q", q.From))
	}
	if q.Subject != "" {
		terms = append(terms, fmt.Sprintf("subject:%q", q.Subject))
	}
	if !q.Since.IsZero() {
		terms = append(terms, fmt.Sprintf("after:%d", q.Since.Unix()))
	}
	if q.UnreadOnly {
		terms = append(terms, "is:unread")
	}
	return strings.Join(terms, " ")
}

// Fetch lists the messages matching q and downloads each in raw form.
func (g *GmailSource) Fetch(ctx context.Context, q Query) ([]Message, error) {
	query := gmailQuery(q)
	g.logger.Info("Gmail API request starting", "endpoint", "users.messages.list", "query", query)

	startTime := time.Now()
	var ids []string
	call := g.service.Users.Messages.List(gmailUser).Q(query)
	err := call.Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	g.logger.Info("Gmail API request completed",
		"endpoint", "users.messages.list",
		"messages", len(ids),
		"duration_ms", time.Since(startTime).Milliseconds())

	// The API lists newest first.
	slices.Reverse(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[len(ids)-q.Limit:]
	}

	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg, err := g.get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Warn("Skipping message that could not be fetched", "message_id", id, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (g *GmailSource) get(ctx context.Context, id string) (Message, error) {
	raw, err := backoff.Do(ctx, g.logger, "get message "+id, g.retry, func() (*gmail.Message, error) {
		m, err := g.service.Users.Messages.Get(gmailUser, id).Format("raw").Context(ctx).Do()
		if isClientError(err) {
			return nil, backoff.Permanent(err)
		}
		return m, err
	})
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}

	data, err := decodeRaw(raw.Raw)
	if err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	msg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Message{}, err
	}
	msg.ID = id
	if msg.Date.IsZero() && raw.InternalDate > 0 {
		msg.Date = time.UnixMilli(raw.InternalDate)
	}
	return msg, nil
}

// decodeRaw accepts base64url with or without padding.
func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// MarkProcessed removes the UNREAD label from the message.
func (g *GmailSource) MarkProcessed(ctx context.Context, id string) error {
	return backoff.Run(ctx, g.logger, "mark message "+id+" read", g.retry, func() error {
		_, err := g.service.Users.Messages.Modify(gmailUser, id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{"UNREAD"},
		}).Context(ctx).Do()
		if isClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// isClientError reports 4xx API errors other than rate limiting, which retrying cannot fix.
func isClientError(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
}
