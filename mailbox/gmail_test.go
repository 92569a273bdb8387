package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"newsletter-digest/backoff"
)

func newTestGmailSource(t *testing.T, handler http.Handler) *GmailSource {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("create gmail service: %v", err)
	}

	g := NewGmailSource(svc, testLogger())
	g.retry = backoff.Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return g
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestGmailSourceFetch(t *testing.T) {
	raw := map[string]string{
		"m1": base64.URLEncoding.EncodeToString([]byte(latin1Message)),
		"m2": base64.RawURLEncoding.EncodeToString([]byte(multipartMessage)),
	}

	var gotQuery atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Get("q"))
		// Newest first, like the API.
		writeJSON(t, w, map[string]any{"messages": []map[string]string{{"id": "m2"}, {"id": "m1"}, {"id": "gone"}}})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f := r.URL.Query().Get("format"); f != "raw" {
			t.Errorf("format = %q, want raw", f)
		}
		id := r.PathValue("id")
		body, ok := raw[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(t, w, map[string]any{"error": map[string]any{"code": 404, "message": "not found"}})
			return
		}
		writeJSON(t, w, map[string]any{"id": id, "raw": body, "internalDate": "1759737600000"})
	})

	g := newTestGmailSource(t, mux)
	msgs, err := g.Fetch(context.Background(), Query{From: "example", UnreadOnly: true})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if q, _ := gotQuery.Load().(string); q != `from:"example" is:unread` {
		t.Errorf("query = %q", q)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (missing one skipped), got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("expected oldest first, got %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if !strings.Contains(msgs[1].HTMLBody, "https://blog.example.com/post") {
		t.Errorf("HTMLBody = %q", msgs[1].HTMLBody)
	}
}

func TestGmailSourceMarkProcessed(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/{id}/modify", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.PathValue("id") {
		case "flaky":
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		case "missing":
			w.WriteHeader(http.StatusNotFound)
			writeJSON(t, w, map[string]any{"error": map[string]any{"code": 404, "message": "not found"}})
			return
		}

		var req gmail.ModifyMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.RemoveLabelIds) != 1 || req.RemoveLabelIds[0] != "UNREAD" {
			t.Errorf("RemoveLabelIds = %v", req.RemoveLabelIds)
		}
		writeJSON(t, w, map[string]any{"id": r.PathValue("id")})
	})

	g := newTestGmailSource(t, mux)
	ctx := context.Background()

	if err := g.MarkProcessed(ctx, "flaky"); err != nil {
		t.Fatalf("MarkProcessed(flaky) error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected one retry, got %d calls", n)
	}

	calls.Store(0)
	if err := g.MarkProcessed(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing message")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("not-found must not be retried, got %d calls", n)
	}
}
