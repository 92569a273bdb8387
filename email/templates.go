package email

import (
	"fmt"
	"strings"

	"newsletter-digest/pkg/digest"
)

// RenderHTML renders run as a standalone HTML page.
func RenderHTML(run *digest.Run) string {
	return formatDigestBody(run, "")
}

// formatDigestBody renders run. A non-empty onlineURL adds a link to the
// hosted copy of the digest.
func formatDigestBody(run *digest.Run, onlineURL string) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(".header { border-bottom: 2px solid #2c7be5; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".newsletter { margin-bottom: 30px; padding-bottom: 20px; border-bottom: 1px solid #ecf0f1; }\n")
	b.WriteString(".newsletter:last-of-type { border-bottom: none; }\n")
	b.WriteString(".source { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("ul { padding-left: 20px; }\n")
	b.WriteString("li { margin-bottom: 8px; }\n")
	b.WriteString(".host { color: #7f8c8d; font-size: 0.85em; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #2c7be5; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(digestSubject(run))))
	b.WriteString("</div>\n")

	for _, nl := range run.Newsletters {
		if len(nl.Articles) == 0 {
			continue
		}

		title := nl.Pattern.Name
		if title == "" {
			title = nl.Subject
		}

		b.WriteString("<div class=\"newsletter\">\n")
		b.WriteString(fmt.Sprintf("<h3>%s</h3>\n", escapeHTML(title)))
		if nl.Subject != "" && nl.Subject != title {
			b.WriteString(fmt.Sprintf("<div class=\"source\">%s</div>\n", escapeHTML(nl.Subject)))
		}

		b.WriteString("<ul>\n")
		for _, a := range nl.Articles {
			// Links that are not http(s) are listed without an anchor
			if !isSafeURL(a.URL) {
				b.WriteString(fmt.Sprintf("<li>%s</li>\n", escapeHTML(a.Title)))
				continue
			}
			b.WriteString(fmt.Sprintf("<li><a href=\"%s\">%s</a> <span class=\"host\">%s</span></li>\n",
				escapeHTML(a.URL), escapeHTML(articleTitle(a)), escapeHTML(hostOf(a.URL))))
		}
		b.WriteString("</ul>\n")
		b.WriteString("</div>\n")
	}

	st := run.Stats
	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("%d links scanned &bull; %d kept &bull; %d sponsored &bull; %d social &bull; %d tracking &bull; %d duplicates",
		st.Total, st.Kept, st.Sponsored, st.Social, st.Tracking, st.Duplicates))
	if st.Errors > 0 {
		b.WriteString(fmt.Sprintf(" &bull; %d errors", st.Errors))
	}
	b.WriteString("\n")
	if onlineURL != "" {
		b.WriteString(fmt.Sprintf("<br><a href=\"%s\">View this digest online</a>\n", escapeHTML(onlineURL)))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func articleTitle(a digest.Article) string {
	if strings.TrimSpace(a.Title) == "" {
		return a.URL
	}
	return a.Title
}

func hostOf(rawURL string) string {
	rest, ok := strings.CutPrefix(rawURL, "https://")
	if !ok {
		rest = strings.TrimPrefix(rawURL, "http://")
	}
	host, _, _ := strings.Cut(rest, "/")
	return strings.TrimPrefix(host, "www.")
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL reports whether an article link may be rendered as an anchor.
// Only absolute http and https URLs qualify.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
