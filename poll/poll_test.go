package poll

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"newsletter-digest/enrich"
	"newsletter-digest/mailbox"
	"newsletter-digest/pkg/digest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	mu       sync.Mutex
	messages map[string][]mailbox.Message // keyed by Query.From
	fetchErr map[string]error
	markErr  map[string]error
	queries  []mailbox.Query
	marked   []string
}

func (f *fakeSource) Fetch(_ context.Context, q mailbox.Query) ([]mailbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if err := f.fetchErr[q.From]; err != nil {
		return nil, err
	}
	return f.messages[q.From], nil
}

func (f *fakeSource) MarkProcessed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.markErr[id]; err != nil {
		return err
	}
	f.marked = append(f.marked, id)
	return nil
}

type fakeEnricher struct {
	got   []digest.Newsletter
	err   error
	block chan struct{}
}

func (f *fakeEnricher) Enrich(_ context.Context, newsletters []digest.Newsletter) (*enrich.Result, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	f.got = newsletters
	out := make([]digest.Newsletter, len(newsletters))
	for i, nl := range newsletters {
		nl.Articles = []digest.Article{}
		for _, l := range nl.Links {
			nl.Articles = append(nl.Articles, digest.Article{Title: "t", URL: l})
		}
		out[i] = nl
	}
	return &enrich.Result{Newsletters: out, Stats: digest.Stats{Total: 2, Kept: 2}}, nil
}

type fakeStore struct {
	runs []*digest.Run
	err  error
}

func (f *fakeStore) Save(_ context.Context, run *digest.Run) error {
	if f.err != nil {
		return f.err
	}
	f.runs = append(f.runs, run)
	return nil
}

type fakeEmailer struct {
	to   []string
	runs []*digest.Run
	err  error
}

func (f *fakeEmailer) SendDigest(_ context.Context, to string, run *digest.Run) error {
	if f.err != nil {
		return f.err
	}
	f.to = append(f.to, to)
	f.runs = append(f.runs, run)
	return nil
}

var (
	goWeekly = digest.Pattern{Name: "Go Weekly", From: "go@weekly.example", Enabled: true}
	rustDiff = digest.Pattern{Name: "Rust Digest", From: "rust@digest.example", Enabled: true}
	paused   = digest.Pattern{Name: "Paused", From: "paused@example.com", Enabled: false}
)

func newMonitor(src *fakeSource, enr *fakeEnricher, store *fakeStore, mail *fakeEmailer, recipient string) *Monitor {
	m := New(src, enr, store, mail, Config{
		Patterns:           []digest.Pattern{goWeekly, rustDiff, paused},
		Lookback:           24 * time.Hour,
		MessagesPerPattern: 10,
		Recipient:          recipient,
	}, testLogger())
	m.now = func() time.Time { return time.Date(2025, 10, 6, 8, 0, 0, 0, time.UTC) }
	return m
}

func TestCheckAll(t *testing.T) {
	src := &fakeSource{
		messages: map[string][]mailbox.Message{
			goWeekly.From: {{
				ID:       "m1",
				From:     "Go Weekly <go@weekly.example>",
				Subject:  "Issue 42",
				HTMLBody: `<a href="https://go.dev/blog/generics">Generics</a>`,
			}},
			rustDiff.From: {{
				ID:       "m2",
				Subject:  "This week in Rust",
				TextBody: "Read https://blog.rust-lang.org/release today.",
			}},
		},
		fetchErr: map[string]error{},
		markErr:  map[string]error{},
	}
	enr := &fakeEnricher{}
	store := &fakeStore{}
	mail := &fakeEmailer{}

	run, err := newMonitor(src, enr, store, mail, "reader@example.com").CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if run == nil || run.ID == "" {
		t.Fatalf("expected run with ID, got %+v", run)
	}

	if len(src.queries) != 2 {
		t.Fatalf("disabled patterns must not be fetched, got %d queries", len(src.queries))
	}
	q := src.queries[0]
	if !q.UnreadOnly || q.Limit != 10 || !q.Since.Equal(time.Date(2025, 10, 5, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected query %+v", q)
	}

	if len(enr.got) != 2 {
		t.Fatalf("expected 2 newsletters enriched, got %d", len(enr.got))
	}
	if nl := enr.got[0]; nl.ID != "m1" || nl.Pattern.Name != "Go Weekly" || len(nl.Links) != 1 || nl.Links[0] != "https://go.dev/blog/generics" {
		t.Errorf("unexpected newsletter %+v", nl)
	}
	if nl := enr.got[1]; len(nl.Links) != 1 || nl.Links[0] != "https://blog.rust-lang.org/release" {
		t.Errorf("text body links not extracted: %+v", nl.Links)
	}

	if len(store.runs) != 1 || store.runs[0] != run {
		t.Error("run should be saved once")
	}
	if len(mail.to) != 1 || mail.to[0] != "reader@example.com" {
		t.Errorf("digest recipients = %v", mail.to)
	}
	if len(src.marked) != 2 {
		t.Errorf("marked = %v", src.marked)
	}
	if run.Stats.Kept != 2 || run.ArticleCount() != 2 {
		t.Errorf("unexpected run stats %+v", run.Stats)
	}
}

func TestCheckAllNothingNew(t *testing.T) {
	src := &fakeSource{}
	store := &fakeStore{}
	run, err := newMonitor(src, &fakeEnricher{}, store, &fakeEmailer{}, "reader@example.com").CheckAll(context.Background())
	if err != nil || run != nil {
		t.Fatalf("CheckAll() = %v, %v; want nil, nil", run, err)
	}
	if len(store.runs) != 0 {
		t.Error("no run should be saved")
	}
}

func TestCheckAllFailures(t *testing.T) {
	message := map[string][]mailbox.Message{
		goWeekly.From: {{ID: "m1", TextBody: "https://go.dev/doc"}},
		rustDiff.From: {{ID: "m2", TextBody: "https://rust-lang.org/learn"}},
	}

	t.Run("fetch error skips pattern", func(t *testing.T) {
		src := &fakeSource{messages: message, fetchErr: map[string]error{rustDiff.From: errors.New("imap down")}}
		enr := &fakeEnricher{}
		if _, err := newMonitor(src, enr, &fakeStore{}, &fakeEmailer{}, "").CheckAll(context.Background()); err != nil {
			t.Fatalf("CheckAll() error = %v", err)
		}
		if len(enr.got) != 1 || enr.got[0].ID != "m1" {
			t.Errorf("expected only m1, got %+v", enr.got)
		}
	})

	t.Run("mark failure is not fatal", func(t *testing.T) {
		src := &fakeSource{messages: message, markErr: map[string]error{"m1": errors.New("gone")}}
		if _, err := newMonitor(src, &fakeEnricher{}, &fakeStore{}, &fakeEmailer{}, "").CheckAll(context.Background()); err != nil {
			t.Fatalf("CheckAll() error = %v", err)
		}
		if len(src.marked) != 1 || src.marked[0] != "m2" {
			t.Errorf("marked = %v", src.marked)
		}
	})

	t.Run("save failure leaves messages unprocessed", func(t *testing.T) {
		src := &fakeSource{messages: message}
		mail := &fakeEmailer{}
		_, err := newMonitor(src, &fakeEnricher{}, &fakeStore{err: errors.New("bucket gone")}, mail, "reader@example.com").CheckAll(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		if len(src.marked) != 0 || len(mail.runs) != 0 {
			t.Error("nothing should be marked or emailed")
		}
	})

	t.Run("email failure leaves messages unprocessed", func(t *testing.T) {
		src := &fakeSource{messages: message}
		store := &fakeStore{}
		run, err := newMonitor(src, &fakeEnricher{}, store, &fakeEmailer{err: errors.New("quota")}, "reader@example.com").CheckAll(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		if run == nil || len(store.runs) != 1 {
			t.Error("run should still be saved and returned")
		}
		if len(src.marked) != 0 {
			t.Errorf("marked = %v", src.marked)
		}
	})

	t.Run("enrich failure", func(t *testing.T) {
		src := &fakeSource{messages: message}
		if _, err := newMonitor(src, &fakeEnricher{err: context.Canceled}, &fakeStore{}, &fakeEmailer{}, "").CheckAll(context.Background()); !errors.Is(err, context.Canceled) {
			t.Errorf("CheckAll() error = %v", err)
		}
	})
}

func TestCheckAllSharedMessageBelongsToFirstPattern(t *testing.T) {
	shared := mailbox.Message{ID: "m1", TextBody: "https://go.dev/doc"}
	src := &fakeSource{messages: map[string][]mailbox.Message{
		goWeekly.From: {shared},
		rustDiff.From: {shared},
	}}
	enr := &fakeEnricher{}
	if _, err := newMonitor(src, enr, &fakeStore{}, &fakeEmailer{}, "").CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(enr.got) != 1 || enr.got[0].Pattern.Name != goWeekly.Name {
		t.Errorf("unexpected newsletters %+v", enr.got)
	}
}

func TestCheckAllRejectsConcurrentRuns(t *testing.T) {
	src := &fakeSource{messages: map[string][]mailbox.Message{
		goWeekly.From: {{ID: "m1", TextBody: "https://go.dev/doc"}},
	}}
	enr := &fakeEnricher{block: make(chan struct{})}
	m := newMonitor(src, enr, &fakeStore{}, &fakeEmailer{}, "")

	done := make(chan error)
	go func() {
		_, err := m.CheckAll(context.Background())
		done <- err
	}()

	// Wait until the first run holds the guard.
	for !m.running.Load() {
		time.Sleep(time.Millisecond)
	}
	if _, err := m.CheckAll(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Errorf("second CheckAll() error = %v, want ErrInProgress", err)
	}

	close(enr.block)
	if err := <-done; err != nil {
		t.Fatalf("first CheckAll() error = %v", err)
	}
}

func TestCheckAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{}
	if _, err := newMonitor(src, &fakeEnricher{}, &fakeStore{}, &fakeEmailer{}, "").CheckAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("CheckAll() error = %v", err)
	}
	if len(src.queries) != 0 {
		t.Error("no fetch expected after cancellation")
	}
}
