package resolver

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// metaLocations lists where pages advertise their real address, highest priority first.
var metaLocations = []struct {
	selector string
	attr     string
}{
	{`meta[property="og:url"]`, "content"},
	{`link[rel="canonical"]`, "href"},
	{`meta[property="article:url"]`, "content"},
	{`meta[name="twitter:url"]`, "content"},
	{`meta[property="twitter:url"]`, "content"},
}

// externalLinkSelectors are common landing-page markups for "read the article" links.
var externalLinkSelectors = []string{
	"a.external-link[href]",
	"a.external[href]",
	"a.article-link[href]",
	"a.read-more[href]",
	`a[rel~="external"][href]`,
	`a[href*="/redirect?url="]`,
	`a[href*="/redirect/"]`,
}

// dataURLAttrs are attributes that commonly carry a destination URL on non-anchor elements.
var dataURLAttrs = []string{"data-href", "data-url", "data-link", "data-external-url", "data-target-url"}

// ExtractFromMeta fetches rawURL and returns the first meta-tag or external-link
// URL that differs from rawURL.
func (f *Fetcher) ExtractFromMeta(ctx context.Context, rawURL string) (string, bool) {
	doc, base, err := f.Document(ctx, rawURL)
	if err != nil {
		f.logger.Debug("Meta extraction fetch failed", "url", rawURL, "error", err)
		return "", false
	}
	return findMetaURL(doc, base, rawURL)
}

// ExtractFromSelector fetches rawURL, selects the first node matching selector and
// returns the first URL on it that differs from rawURL: its href, its text when
// that looks like a URL, then data-* URL attributes.
func (f *Fetcher) ExtractFromSelector(ctx context.Context, rawURL, selector string) (string, bool) {
	if strings.TrimSpace(selector) == "" {
		return "", false
	}
	doc, base, err := f.Document(ctx, rawURL)
	if err != nil {
		f.logger.Debug("Selector extraction fetch failed", "url", rawURL, "selector", selector, "error", err)
		return "", false
	}
	return findSelectorURL(doc, base, rawURL, selector)
}

func findMetaURL(doc *goquery.Document, base *url.URL, rawURL string) (string, bool) {
	for _, loc := range metaLocations {
		value, ok := doc.Find(loc.selector).First().Attr(loc.attr)
		if !ok {
			continue
		}
		if candidate, ok := differentURL(base, rawURL, value); ok {
			return candidate, true
		}
	}

	for _, sel := range externalLinkSelectors {
		href, ok := doc.Find(sel).First().Attr("href")
		if !ok {
			continue
		}
		if candidate, ok := differentURL(base, rawURL, href); ok {
			return candidate, true
		}
	}
	return "", false
}

func findSelectorURL(doc *goquery.Document, base *url.URL, rawURL, selector string) (string, bool) {
	node := doc.Find(selector).First()
	if node.Length() == 0 {
		return "", false
	}

	if href, ok := node.Attr("href"); ok {
		if candidate, ok := differentURL(base, rawURL, href); ok {
			return candidate, true
		}
	}

	text := strings.TrimSpace(node.Text())
	if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
		if candidate, ok := differentURL(base, rawURL, text); ok {
			return candidate, true
		}
	}

	for _, attr := range dataURLAttrs {
		value, ok := node.Attr(attr)
		if !ok {
			continue
		}
		if candidate, ok := differentURL(base, rawURL, value); ok {
			return candidate, true
		}
	}
	return "", false
}

// differentURL resolves value against base and accepts it only when it is an
// absolute http(s) URL different from rawURL.
func differentURL(base *url.URL, rawURL, value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(value, "#") {
		return "", false
	}
	ref, err := url.Parse(value)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref).String()
	if !isWebURL(abs) || abs == rawURL {
		return "", false
	}
	return abs, true
}
