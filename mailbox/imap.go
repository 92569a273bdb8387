package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"newsletter-digest/backoff"
)

// IMAPConfig holds connection settings for an IMAP mailbox.
type IMAPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool   // Implicit TLS; otherwise STARTTLS
	Mailbox  string // Defaults to INBOX
}

// IMAPSource reads newsletters from an IMAP mailbox. Message IDs are UIDs.
type IMAPSource struct {
	cfg    IMAPConfig
	retry  backoff.Options
	logger *slog.Logger
}

// NewIMAPSource creates an IMAP source. Connections are opened per operation.
func NewIMAPSource(cfg IMAPConfig, logger *slog.Logger) *IMAPSource {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == "" {
		cfg.Port = "993"
	}
	return &IMAPSource{
		cfg:    cfg,
		retry:  backoff.DefaultOptions(),
		logger: logger,
	}
}

// connect dials, authenticates and selects the configured mailbox.
// The caller must log out of the returned client.
func (s *IMAPSource) connect() (*imapclient.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if s.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to IMAP %s: %w", addr, err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, backoff.Permanent(fmt.Errorf("login as %s: %w", s.cfg.Username, err))
	}

	if _, err := client.Select(s.cfg.Mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("select %s: %w", s.cfg.Mailbox, err)
	}
	return client, nil
}

// searchCriteria translates q into an IMAP SEARCH.
func searchCriteria(q Query) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{Since: q.Since}
	if q.From != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: q.From})
	}
	if q.Subject != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: q.Subject})
	}
	if q.UnreadOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	return criteria
}

// Fetch searches the mailbox and downloads matching messages without marking them seen.
func (s *IMAPSource) Fetch(ctx context.Context, q Query) ([]Message, error) {
	client, err := backoff.Do(ctx, s.logger, "connect to IMAP", s.retry, s.connect)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	searchData, err := client.UIDSearch(searchCriteria(q), nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if q.Limit > 0 && len(uids) > q.Limit {
		uids = uids[len(uids)-q.Limit:]
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var msgs []Message
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := fetchCmd.Next()
		if data == nil {
			break
		}

		buf, err := data.Collect()
		if err != nil {
			s.logger.Warn("Skipping message that could not be fetched", "error", err)
			continue
		}
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			continue
		}

		msg, err := Parse(bytes.NewReader(raw))
		if err != nil {
			s.logger.Warn("Skipping unparseable message", "uid", buf.UID, "error", err)
			continue
		}
		msg.ID = strconv.FormatUint(uint64(buf.UID), 10)
		if q.Matches(msg.From, msg.Subject, msg.Date) {
			msgs = append(msgs, msg)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return msgs, fmt.Errorf("fetch messages: %w", err)
	}

	s.logger.Info("Fetched IMAP messages", "mailbox", s.cfg.Mailbox, "matched", len(msgs))
	return msgs, nil
}

// MarkProcessed adds the \Seen flag to the message with UID id.
func (s *IMAPSource) MarkProcessed(ctx context.Context, id string) error {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid message uid %q: %w", id, err)
	}

	return backoff.Run(ctx, s.logger, "mark message "+id+" seen", s.retry, func() error {
		client, err := s.connect()
		if err != nil {
			return err
		}
		defer func() { _ = client.Logout().Wait() }()

		return client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}, nil).Close()
	})
}
