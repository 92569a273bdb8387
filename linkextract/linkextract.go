// Package linkextract pulls candidate article links out of newsletter bodies.
package linkextract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var textURL = regexp.MustCompile(`https?://[^\s<>"'()\[\]{}]+`)

// trailing punctuation that ends a sentence rather than a URL
const trailingPunct = ".,;:!?*_"

// FromHTML returns the http(s) links of an HTML body in document order, each once.
// Anchor hrefs come first, followed by bare URLs found in the text.
func FromHTML(body string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return FromText(body)
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		links = append(links, href)
	})
	links = append(links, FromText(doc.Text())...)
	return normalize(links)
}

// FromText returns the http(s) URLs found in plain text, each once. HTML entities
// such as &amp; are decoded first.
func FromText(body string) []string {
	return normalize(textURL.FindAllString(html.UnescapeString(body), -1))
}

// Extract picks links from the HTML body when present and falls back to the text body.
func Extract(htmlBody, textBody string) []string {
	if strings.TrimSpace(htmlBody) != "" {
		if links := FromHTML(htmlBody); len(links) > 0 {
			return links
		}
	}
	return FromText(textBody)
}

func normalize(candidates []string) []string {
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimRight(strings.TrimSpace(c), trailingPunct)
		if !isArticleCandidate(c) || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func isArticleCandidate(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
