package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeEML(t *testing.T, dir, name, from, subject string, date time.Time) {
	t.Helper()
	body := fmt.Sprintf("From: %s\r\nSubject: %s\r\nDate: %s\r\nContent-Type: text/plain\r\n\r\nhttps://blog.example.com/%s\r\n",
		from, subject, date.Format(time.RFC1123Z), name)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLocalSourceFetch(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC)
	writeEML(t, dir, "b.eml", "news@weekly.example.com", "Weekly #2", base.Add(48*time.Hour))
	writeEML(t, dir, "a.eml", "news@weekly.example.com", "Weekly #1", base)
	writeEML(t, dir, "old.eml", "news@weekly.example.com", "Weekly #0", base.Add(-30*24*time.Hour))
	writeEML(t, dir, "other.eml", "shop@example.com", "Sale", base)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewLocalSource(dir, testLogger())
	msgs, err := src.Fetch(context.Background(), Query{From: "weekly.example.com", Since: base.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "a.eml" || msgs[1].ID != "b.eml" {
		t.Errorf("expected oldest first, got %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].TextBody == "" {
		t.Error("expected text body to be parsed")
	}

	limited, err := src.Fetch(context.Background(), Query{From: "weekly.example.com", Limit: 1})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "b.eml" {
		t.Errorf("limit should keep the newest message, got %+v", limited)
	}
}

func TestLocalSourceMarkProcessed(t *testing.T) {
	dir := t.TempDir()
	writeEML(t, dir, "a.eml", "news@weekly.example.com", "Weekly #1", time.Now())

	src := NewLocalSource(dir, testLogger())
	ctx := context.Background()

	if err := src.MarkProcessed(ctx, "a.eml"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, processedDir, "a.eml")); err != nil {
		t.Errorf("expected file in processed dir: %v", err)
	}

	msgs, err := src.Fetch(ctx, Query{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("processed messages must not be fetched again, got %d", len(msgs))
	}

	start := time.Now()
	if err := src.MarkProcessed(ctx, "a.eml"); err == nil {
		t.Error("expected error for a message that no longer exists")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("missing files must not be retried")
	}

	if err := src.MarkProcessed(ctx, "../escape.eml"); err == nil {
		t.Error("expected error for an id outside the directory")
	}
}

func TestLocalSourceMissingDir(t *testing.T) {
	src := NewLocalSource(filepath.Join(t.TempDir(), "nope"), testLogger())
	if _, err := src.Fetch(context.Background(), Query{}); err == nil {
		t.Error("expected error for a missing directory")
	}
}
