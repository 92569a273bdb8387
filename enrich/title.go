package enrich

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"newsletter-digest/resolver"
)

const maxTitleLength = 200

// TitleFetcher looks up article titles. Lookups never fail; a title derived from
// the URL is used when the page cannot be fetched or has no title.
type TitleFetcher struct {
	fetcher *resolver.Fetcher
	logger  *slog.Logger
}

// NewTitleFetcher creates a title fetcher sharing fetcher's HTTP settings.
func NewTitleFetcher(fetcher *resolver.Fetcher, logger *slog.Logger) *TitleFetcher {
	return &TitleFetcher{
		fetcher: fetcher,
		logger:  logger,
	}
}

// Title returns the og:title or <title> of pageURL.
func (t *TitleFetcher) Title(ctx context.Context, pageURL string) string {
	doc, _, err := t.fetcher.Document(ctx, pageURL)
	if err != nil {
		t.logger.Debug("Title fetch failed, using URL-derived title", "url", pageURL, "error", err)
		return FallbackTitle(pageURL)
	}

	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if title := cleanTitle(og); title != "" {
			return title
		}
	}
	if title := cleanTitle(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return FallbackTitle(pageURL)
}

func cleanTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxTitleLength {
		s = string(r[:maxTitleLength-1]) + "…"
	}
	return s
}

// FallbackTitle derives a readable title from the last path segment of rawURL,
// or returns its host when the path is empty.
func FallbackTitle(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}

	segs := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if len(segs) == 0 {
		return host
	}

	last := segs[len(segs)-1]
	last = strings.TrimSuffix(last, path.Ext(last))
	words := strings.FieldsFunc(last, func(r rune) bool { return r == '-' || r == '_' || r == '+' || r == '.' })
	if len(words) == 0 {
		return host
	}
	return cases.Title(language.English).String(strings.Join(words, " "))
}
