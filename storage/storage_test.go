package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"newsletter-digest/pkg/digest"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "runs")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", dir, logger), dir
}

func testRun(started time.Time) *digest.Run {
	return &digest.Run{
		ID:         uuid.NewString(),
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Newsletters: []digest.Newsletter{{
			ID:       "nl-1",
			Pattern:  digest.Pattern{Name: "Weekly", Enabled: true},
			Articles: []digest.Article{{Title: "Post", URL: "https://blog.example.com/post"}},
		}},
		Stats: digest.Stats{Total: 3, Kept: 1, Tracking: 1, Social: 1},
	}
}

func TestRunKey(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"canonical uuid", id, "digest-" + id + ".json"},
		{"upper case accepted", strings.ToUpper(id), "digest-" + id + ".json"},
		{"empty", "", ""},
		{"path traversal", "../../etc/passwd", ""},
		{"braced uuid", "{" + id + "}", ""},
		{"urn form", "urn:uuid:" + id, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RunKey(tt.id); got != tt.want {
				t.Errorf("RunKey(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestLocalSaveLoadDelete(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()
	run := testRun(time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC))

	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, RunKey(run.ID))); err != nil {
		t.Fatalf("expected run file on disk: %v", err)
	}

	got, err := s.Load(ctx, run.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ID != run.ID || got.Stats != run.Stats || !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("Load() = %+v, want %+v", got, run)
	}
	if got.ArticleCount() != 1 || got.Newsletters[0].Articles[0].URL != "https://blog.example.com/post" {
		t.Errorf("articles not preserved: %+v", got.Newsletters)
	}

	if err := s.Delete(ctx, run.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Load(ctx, run.ID); !IsNotFound(err) {
		t.Errorf("Load() after delete error = %v, want not found", err)
	}
	if err := s.Delete(ctx, run.ID); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
}

func TestLoadInvalidID(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Load(context.Background(), "../secret"); !IsNotFound(err) {
		t.Errorf("Load() error = %v, want not found", err)
	}
	if err := s.Save(context.Background(), &digest.Run{ID: "nope"}); err == nil {
		t.Error("Save() with invalid id should fail")
	}
}

func TestListNewestFirst(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	if runs, err := s.List(ctx, 0); err != nil || len(runs) != 0 {
		t.Fatalf("List() on missing dir = %v, %v", runs, err)
	}

	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 3 {
		run := testRun(base.Add(time.Duration(i) * 24 * time.Hour))
		ids = append(ids, run.ID)
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, RunKey(uuid.NewString())), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	runs, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[2].ID != ids[0] {
		t.Errorf("expected newest first, got %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	limited, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(limited) != 2 || limited[0].ID != ids[2] {
		t.Errorf("List(2) = %d runs", len(limited))
	}
}
