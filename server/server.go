// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"newsletter-digest/enrich"
	"newsletter-digest/pkg/digest"
)

const (
	maxEnrichBody     = 10 << 20
	maxEnrichBatch    = 100
	defaultListLimit  = 20
	maxListLimit      = 200
	enrichPerHour     = 30
	enrichRateWindow  = time.Hour
	enrichRequestTime = 5 * time.Minute
)

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) (*digest.Run, error)
}

// Enricher interface for ad-hoc batches.
type Enricher interface {
	Enrich(ctx context.Context, newsletters []digest.Newsletter) (*enrich.Result, error)
}

// Store interface for reading stored runs.
type Store interface {
	Load(ctx context.Context, id string) (*digest.Run, error)
	List(ctx context.Context, limit int) ([]*digest.Run, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// IsBusy checks if an error means a poll is already running.
type IsBusy func(error) bool

// Renderer turns a run into an HTML page.
type Renderer func(run *digest.Run) string

// Server handles HTTP requests.
type Server struct {
	poller     Poller
	enricher   Enricher
	store      Store
	render     Renderer
	logger     *slog.Logger
	isNotFound IsNotFound
	isBusy     IsBusy
	limiter    *rateLimiter
}

// Config holds server configuration.
type Config struct {
	Poller     Poller
	Enricher   Enricher
	Store      Store
	Render     Renderer
	Logger     *slog.Logger
	IsNotFound IsNotFound
	IsBusy     IsBusy
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		poller:     cfg.Poller,
		enricher:   cfg.Enricher,
		store:      cfg.Store,
		render:     cfg.Render,
		isNotFound: cfg.IsNotFound,
		isBusy:     cfg.IsBusy,
		logger:     cfg.Logger,
		limiter:    newRateLimiter(enrichPerHour, enrichRateWindow),
	}
	if s.isNotFound == nil {
		s.isNotFound = func(error) bool { return false }
	}
	if s.isBusy == nil {
		s.isBusy = func(error) bool { return false }
	}
	return s
}

// Handler returns the routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/enrich", s.handleEnrich)
	mux.HandleFunc("/digests", s.handleDigests)
	mux.HandleFunc("/digest", s.handleDigest)
	return mux
}

// ListenAndServe serves the routes on port until the server fails.
func (s *Server) ListenAndServe(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // Polls and enrichment resolve many links
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

type pollResponse struct {
	Status   string        `json:"status"`
	RunID    string        `json:"run_id,omitempty"`
	Articles int           `json:"articles"`
	Stats    *digest.Stats `json:"stats,omitempty"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	run, err := s.poller.CheckAll(r.Context())
	if err != nil {
		if s.isBusy(err) {
			s.logger.Info("Poll already running")
			http.Error(w, "Poll already running", http.StatusConflict)
			return
		}
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	resp := pollResponse{Status: "no_new_newsletters"}
	if run != nil {
		resp = pollResponse{Status: "completed", RunID: run.ID, Articles: run.ArticleCount(), Stats: &run.Stats}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type enrichRequest struct {
	Newsletters []digest.Newsletter `json:"newsletters"`
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var req enrichRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnrichBody))
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("Invalid enrich request", "ip", ip, "error", err)
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Newsletters) == 0 {
		http.Error(w, "No newsletters given", http.StatusBadRequest)
		return
	}
	if len(req.Newsletters) > maxEnrichBatch {
		http.Error(w, fmt.Sprintf("At most %d newsletters per request", maxEnrichBatch), http.StatusRequestEntityTooLarge)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), enrichRequestTime)
	defer cancel()

	s.logger.Info("Enrich endpoint triggered", "ip", ip, "newsletters", len(req.Newsletters))
	result, err := s.enricher.Enrich(ctx, req.Newsletters)
	if err != nil {
		s.logger.Error("Enrichment failed", "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "Enrichment timed out", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, "Enrichment failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type runSummary struct {
	ID          string       `json:"id"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Newsletters int          `json:"newsletters"`
	Articles    int          `json:"articles"`
	Stats       digest.Stats `json:"stats"`
}

func (s *Server) handleDigests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list digests", "error", err)
		http.Error(w, "Failed to list digests", http.StatusInternalServerError)
		return
	}

	summaries := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, runSummary{
			ID:          run.ID,
			StartedAt:   run.StartedAt,
			FinishedAt:  run.FinishedAt,
			Newsletters: len(run.Newsletters),
			Articles:    run.ArticleCount(),
			Stats:       run.Stats,
		})
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing id", http.StatusBadRequest)
		return
	}

	run, err := s.store.Load(r.Context(), id)
	if err != nil {
		if s.isNotFound(err) {
			http.Error(w, "Digest not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load digest", "id", id, "error", err)
		http.Error(w, "Failed to load digest", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "json" || s.render == nil {
		s.writeJSON(w, http.StatusOK, run)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
	if _, err := fmt.Fprint(w, s.render(run)); err != nil {
		s.logger.Warn("Failed to write digest page", "id", id, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
