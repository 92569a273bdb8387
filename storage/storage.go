// Package storage handles persistence of digest runs.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"newsletter-digest/backoff"
	"newsletter-digest/pkg/digest"
)

const (
	keyPrefix = "digest-"
	keySuffix = ".json"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store persists runs either in a Cloud Storage bucket or in a local directory.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	retry     backoff.Options
}

// New creates a new storage handler. A non-empty localPath selects local mode.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		retry:     backoff.DefaultOptions(),
	}
}

// RunKey returns the object name for a run ID, or "" when id is not a UUID.
// Only canonical UUIDs are accepted so keys can never escape the storage root.
func RunKey(id string) string {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != strings.ToLower(id) {
		return ""
	}
	return keyPrefix + parsed.String() + keySuffix
}

func isRunKey(name string) bool {
	if !strings.HasPrefix(name, keyPrefix) || !strings.HasSuffix(name, keySuffix) {
		return false
	}
	return RunKey(strings.TrimSuffix(strings.TrimPrefix(name, keyPrefix), keySuffix)) == name
}

// Save stores a run under its ID.
func (s *Store) Save(ctx context.Context, run *digest.Run) error {
	key := RunKey(run.ID)
	if key == "" {
		return fmt.Errorf("invalid run id %q", run.ID)
	}
	s.logger.Debug("Saving run", "key", key)

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o750); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}

		s.logger.Info("Run saved to local storage", "path", filePath, "newsletters", len(run.Newsletters), "articles", run.ArticleCount())
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = backoff.Run(ctx, s.logger, "save "+key, s.retry, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	s.logger.Info("Run saved", "key", key, "newsletters", len(run.Newsletters), "articles", run.ArticleCount())
	return nil
}

// Load loads the run with the given ID.
func (s *Store) Load(ctx context.Context, id string) (*digest.Run, error) {
	key := RunKey(id)
	if key == "" {
		// Unknown and malformed IDs look the same to callers.
		return nil, ErrNotFound
	}
	return s.load(ctx, key)
}

func (s *Store) load(ctx context.Context, key string) (*digest.Run, error) {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var err error
		data, err = backoff.Do(ctx, s.logger, "load "+key, s.retry, func() ([]byte, error) {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return nil, backoff.Permanent(ErrNotFound)
				}
				return nil, fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			b, readErr := io.ReadAll(r)
			if readErr != nil {
				return nil, fmt.Errorf("read from storage: %w", readErr)
			}
			return b, nil
		})
		if err != nil {
			return nil, fmt.Errorf("load run: %w", err)
		}
	}

	var run digest.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// Delete removes a run. Deleting a missing run is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	key := RunKey(id)
	if key == "" {
		return fmt.Errorf("invalid run id %q", id)
	}
	s.logger.Debug("Deleting run", "key", key)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Run deleted from local storage", "path", filePath)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := backoff.Run(ctx, s.logger, "delete "+key, s.retry, func() error {
		if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
			if errors.Is(deleteErr, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", deleteErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}

	s.logger.Info("Run deleted", "key", key)
	return nil
}

// List returns stored runs, newest first. limit <= 0 returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]*digest.Run, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}

	var runs []*digest.Run
	for _, key := range keys {
		run, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load run", "key", key, "error", err)
			continue
		}
		runs = append(runs, run)
	}

	slices.SortFunc(runs, func(a, b *digest.Run) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *Store) keys(ctx context.Context) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && isRunKey(entry.Name()) {
				keys = append(keys, entry.Name())
			}
		}
		return keys, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if isRunKey(attrs.Name) {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}

// IsNotFound checks if an error indicates a run was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
