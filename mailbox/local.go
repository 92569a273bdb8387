package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"newsletter-digest/backoff"
)

const processedDir = "processed"

// LocalSource reads .eml files from a directory. Processed messages are moved
// into its processed/ subdirectory.
type LocalSource struct {
	dir    string
	retry  backoff.Options
	logger *slog.Logger
}

// NewLocalSource creates a source over dir.
func NewLocalSource(dir string, logger *slog.Logger) *LocalSource {
	return &LocalSource{
		dir:    dir,
		retry:  backoff.DefaultOptions(),
		logger: logger,
	}
}

// Fetch parses every .eml file in the directory and returns those matching q,
// oldest first. Unparseable files are logged and skipped.
func (s *LocalSource) Fetch(ctx context.Context, q Query) ([]Message, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read maildir: %w", err)
	}

	var msgs []Message
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".eml") {
			continue
		}

		msg, err := s.parseFile(entry.Name())
		if err != nil {
			s.logger.Warn("Skipping unreadable message file", "file", entry.Name(), "error", err)
			continue
		}
		if q.Matches(msg.From, msg.Subject, msg.Date) {
			msgs = append(msgs, msg)
		}
	}

	slices.SortStableFunc(msgs, func(a, b Message) int { return a.Date.Compare(b.Date) })
	if q.Limit > 0 && len(msgs) > q.Limit {
		msgs = msgs[len(msgs)-q.Limit:]
	}

	s.logger.Info("Fetched local messages", "dir", s.dir, "matched", len(msgs))
	return msgs, nil
}

func (s *LocalSource) parseFile(name string) (Message, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return Message{}, fmt.Errorf("open message: %w", err)
	}
	defer func() { _ = f.Close() }()

	msg, err := Parse(f)
	if err != nil {
		return Message{}, err
	}
	msg.ID = name
	return msg, nil
}

// MarkProcessed moves the file named id into the processed/ subdirectory.
func (s *LocalSource) MarkProcessed(ctx context.Context, id string) error {
	if id == "" || id != filepath.Base(id) {
		return fmt.Errorf("invalid message id %q", id)
	}

	target := filepath.Join(s.dir, processedDir)
	return backoff.Run(ctx, s.logger, "move "+id+" to processed", s.retry, func() error {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create processed dir: %w", err)
		}
		err := os.Rename(filepath.Join(s.dir, id), filepath.Join(target, id))
		if errors.Is(err, fs.ErrNotExist) {
			return backoff.Permanent(fmt.Errorf("message %s: %w", id, err))
		}
		return err
	})
}
