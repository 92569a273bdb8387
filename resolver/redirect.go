package resolver

import (
	"context"
	"net/http"
	"net/url"
)

// RedirectResult is the outcome of walking a redirect chain.
type RedirectResult struct {
	FinalURL string
	Chain    []string // Starts with the original URL, one entry per followed hop
}

// FollowRedirects walks 3xx responses by hand starting at rawURL. It stops at the
// first non-redirect response, a missing Location, a revisited URL, a failed
// request, or after maxRedirects hops (<=0 uses the configured default).
// It never fails; the last URL reached is reported as final.
func (f *Fetcher) FollowRedirects(ctx context.Context, rawURL string, maxRedirects int) RedirectResult {
	if maxRedirects <= 0 {
		maxRedirects = f.cfg.MaxRedirects
	}

	result := RedirectResult{FinalURL: rawURL, Chain: []string{rawURL}}
	visited := map[string]bool{rawURL: true}
	current := rawURL

	for hop := 0; hop < maxRedirects; hop++ {
		status, location, err := f.hop(ctx, current)
		if err != nil {
			return result
		}

		if status < 300 || status >= 400 {
			return result
		}
		if location == "" {
			f.logger.Debug("Redirect without Location header", "url", current, "status_code", status)
			return result
		}

		next, err := resolveReference(current, location)
		if err != nil {
			f.logger.Debug("Unparseable Location header", "url", current, "location", location, "error", err)
			return result
		}
		if visited[next] {
			f.logger.Debug("Redirect cycle detected", "url", current, "location", next, "hops", hop)
			return result
		}

		visited[next] = true
		result.Chain = append(result.Chain, next)
		result.FinalURL = next
		current = next
	}

	f.logger.Debug("Redirect limit reached", "url", rawURL, "max_redirects", maxRedirects)
	return result
}

// hop probes target with HEAD, retrying as GET when HEAD is rejected.
func (f *Fetcher) hop(ctx context.Context, target string) (int, string, error) {
	status, location, err := f.status(ctx, http.MethodHead, target)
	if err != nil {
		return 0, "", err
	}
	if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
		return f.status(ctx, http.MethodGet, target)
	}
	return status, location, nil
}

// resolveReference makes ref absolute relative to base.
func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
