// Package resolver discovers the real destination of newsletter links.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds every single redirect probe or page fetch.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxRedirects is the hop limit for FollowRedirects.
	DefaultMaxRedirects = 5
	// DefaultUserAgent looks like a desktop browser; many tracking endpoints refuse bots.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	maxPageBytes = 5 << 20
)

// Config holds the HTTP settings shared by every resolution strategy.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	// RateLimitRPS is a global limit across all requests. Set to <=0 to disable.
	RateLimitRPS float64
}

func (c *Config) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
}

// Fetcher issues the HTTP requests needed for resolution and title lookup.
type Fetcher struct {
	pages   *http.Client // follows redirects, used for HTML pages
	probe   *http.Client // never follows redirects, used to observe 3xx hops
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger
}

// NewFetcher creates a fetcher. The transport of client is reused; its redirect
// policy and timeout are replaced by per-request settings.
func NewFetcher(client *http.Client, cfg Config, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if client == nil {
		client = &http.Client{}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}

	return &Fetcher{
		pages: &http.Client{
			Transport: client.Transport,
			Jar:       client.Jar,
		},
		probe: &http.Client{
			Transport: client.Transport,
			Jar:       client.Jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Config returns the effective settings after defaults were applied.
func (f *Fetcher) Config() Config {
	return f.cfg
}

func (f *Fetcher) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	return req, nil
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// status issues a single request without following redirects and returns the
// status code and Location header.
func (f *Fetcher) status(ctx context.Context, method, target string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if err := f.wait(ctx); err != nil {
		return 0, "", err
	}

	req, err := f.newRequest(ctx, method, target)
	if err != nil {
		return 0, "", err
	}

	startTime := time.Now()
	resp, err := f.probe.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		f.logger.Debug("Redirect probe failed",
			"method", method,
			"url", target,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return 0, "", err
	}
	defer func() {
		if _, drainErr := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)); drainErr != nil {
			f.logger.Debug("Failed to drain response body", "error", drainErr)
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Debug("Redirect probe completed",
		"method", method,
		"url", target,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	return resp.StatusCode, resp.Header.Get("Location"), nil
}

// Document fetches pageURL and parses it as HTML. The returned URL is the page's
// address after any redirects and is the base for resolving relative links.
func (f *Fetcher) Document(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if err := f.wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := f.newRequest(ctx, http.MethodGet, pageURL)
	if err != nil {
		return nil, nil, err
	}

	startTime := time.Now()
	resp, err := f.pages.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch page: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Debug("Page fetch completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &StatusError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("parse page: %w", err)
	}

	base := resp.Request.URL
	if base == nil {
		base, err = url.Parse(pageURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse page url: %w", err)
		}
	}
	return doc, base, nil
}

// StatusError reports a non-2xx page response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsStatusError checks if an error is a non-2xx page response.
func IsStatusError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}

// isWebURL reports whether raw parses as an absolute http(s) URL with a host.
func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
