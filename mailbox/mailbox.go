// Package mailbox reads newsletters from a mailbox and marks them processed.
package mailbox

import (
	"context"
	"strings"
	"time"

	"newsletter-digest/pkg/digest"
)

// Message is a newsletter email with its decoded bodies.
type Message struct {
	ID       string
	From     string
	Subject  string
	Date     time.Time
	HTMLBody string
	TextBody string
}

// Query selects newsletter messages.
type Query struct {
	From       string // Substring of the sender, case-insensitive
	Subject    string // Substring of the subject, case-insensitive
	Since      time.Time
	UnreadOnly bool
	Limit      int // <=0 means no limit
}

// QueryFor builds the query matching unread messages of p received after since.
func QueryFor(p digest.Pattern, since time.Time) Query {
	return Query{
		From:       p.From,
		Subject:    p.Subject,
		Since:      since,
		UnreadOnly: true,
	}
}

// Matches reports whether a message with the given headers satisfies q.
// A zero date is accepted.
func (q Query) Matches(from, subject string, date time.Time) bool {
	if q.From != "" && !containsFold(from, q.From) {
		return false
	}
	if q.Subject != "" && !containsFold(subject, q.Subject) {
		return false
	}
	if !q.Since.IsZero() && !date.IsZero() && date.Before(q.Since) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Source is a mailbox holding newsletters.
type Source interface {
	// Fetch returns the messages matching q, oldest first.
	Fetch(ctx context.Context, q Query) ([]Message, error)
	// MarkProcessed keeps the message with the given ID out of later fetches.
	MarkProcessed(ctx context.Context, id string) error
}
