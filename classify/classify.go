// Package classify decides what a newsletter link is for and cleans tracking noise out of it.
package classify

import (
	"net/url"
	"path"
	"slices"
	"strings"

	"newsletter-digest/pkg/digest"
)

// link is the lower-cased view of a URL that rules match against.
type link struct {
	host     string
	path     string
	query    string
	values   url.Values
	segments []string
}

func parseLink(rawURL string) (*link, bool) {
	u, err := url.Parse(strings.ToLower(strings.TrimSpace(rawURL)))
	if err != nil || u.Hostname() == "" {
		return nil, false
	}
	// Malformed pairs are skipped; the rest still feed the query rules.
	values, _ := url.ParseQuery(u.RawQuery)
	return &link{
		host:     strings.TrimPrefix(u.Hostname(), "www."),
		path:     u.Path,
		query:    u.RawQuery,
		values:   values,
		segments: segments(u.Path),
	}, true
}

func segments(p string) []string {
	var out []string
	for s := range strings.SplitSeq(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// hostMatches reports whether host is domain or one of its subdomains.
func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func hostIn(host string, domains []string) bool {
	return slices.ContainsFunc(domains, func(d string) bool { return hostMatches(host, d) })
}

func containsAny(s string, subs []string) bool {
	return slices.ContainsFunc(subs, func(sub string) bool { return strings.Contains(s, sub) })
}

var (
	trackingPaths = []string{"/open/", "/click/", "/track/", "/api/"}

	socialHosts = []string{
		"twitter.com", "x.com", "mastodon.social", "linkedin.com", "facebook.com",
		"instagram.com", "threads.net", "reddit.com", "github.com",
	}

	youtubeHosts = []string{"youtube.com", "youtu.be"}

	bonusExtensions = []string{".pdf", ".epub", ".mobi", ".zip", ".ebook"}
	bonusKeywords   = []string{"/ebook", "/almanac", "/guide", "/download", "/report", "/whitepaper"}

	courseHosts = []string{
		"udemy.com", "coursera.org", "frontendmasters.com", "egghead.io",
		"pluralsight.com", "educative.io", "skillshare.com",
	}
	coursePaths = []string{
		"/course", "/courses/", "/learn", "/workshop", "/tutorial", "/bootcamp",
		"/certificate", "/specializations", "/lesson",
	}

	marketingHostLabels = []string{
		"ads", "marketing", "promo", "sponsor", "sponsors", "unsubscribe", "preferences", "manage",
	}
	marketingSegments = []string{
		"unsubscribe", "preferences", "email-preferences", "manage-subscription",
		"subscription", "subscriptions", "account", "settings", "advertise", "sponsor",
		"sponsorship", "sponsors", "partners", "signup", "sign-up", "login", "pricing",
		"checkout", "webinar",
	}

	saleTerms = []string{"sale", "promo", "discount", "coupon"}
)

func isTrackingPath(l *link) bool { return containsAny(l.path, trackingPaths) }

// isSocial skips GitHub repository links so they can be kept.
func isSocial(l *link) bool {
	if !hostIn(l.host, socialHosts) {
		return false
	}
	if hostMatches(l.host, "github.com") && len(l.segments) >= 2 {
		return false
	}
	return true
}

func isSubstackProfile(l *link) bool {
	if !hostMatches(l.host, "substack.com") {
		return false
	}
	return len(l.segments) == 0 || strings.HasPrefix(l.segments[0], "@")
}

func isYouTube(l *link) bool { return hostIn(l.host, youtubeHosts) }

// isBonus matches downloadable files. Keyword paths only count for PDFs or
// /ebooks/ and /almanac/ directories.
func isBonus(l *link) bool {
	if slices.Contains(bonusExtensions, path.Ext(l.path)) {
		return true
	}
	if !containsAny(l.path, bonusKeywords) {
		return false
	}
	return strings.HasSuffix(l.path, ".pdf") ||
		strings.Contains(l.path, "/ebooks/") ||
		strings.Contains(l.path, "/almanac/")
}

func isCourse(l *link) bool {
	if hostMatches(l.host, "bookshop.org") {
		return true
	}
	return hostIn(l.host, courseHosts) && containsAny(l.path, coursePaths)
}

func hasSponsoredQuery(l *link) bool {
	if l.values.Has("ref") {
		return true
	}
	return l.values.Get("utm_source") == "email" && l.values.Has("utm_medium")
}

func isMarketing(l *link) bool {
	label, _, _ := strings.Cut(l.host, ".")
	if slices.Contains(marketingHostLabels, label) {
		return true
	}
	return slices.ContainsFunc(l.segments, func(s string) bool {
		return slices.Contains(marketingSegments, s)
	})
}

func hasSaleQuery(l *link) bool { return containsAny(l.query, saleTerms) }

// rule is one rung of the classification ladder.
type rule struct {
	name     string
	match    func(*link) bool
	category digest.Category
}

// baseRules follow the intermediate-domain override, in precedence order.
var baseRules = []rule{
	{"social-platform", isSocial, digest.CategorySocial},
	{"substack-profile", isSubstackProfile, digest.CategorySocial},
	{"youtube", isYouTube, digest.CategoryYouTube},
	{"bonus-resource", isBonus, digest.CategoryBonus},
	{"course-domain", isCourse, digest.CategorySponsored},
	{"sponsored-query", hasSponsoredQuery, digest.CategorySponsored},
	{"marketing", isMarketing, digest.CategorySponsored},
	{"sale-query", hasSaleQuery, digest.CategorySponsored},
}

// Classifier assigns a category to links. The zero value is not usable; use New.
type Classifier struct {
	intermediate []string
	rules        []rule
}

// New builds a classifier that keeps links on the intermediate domains of patterns
// so they survive until they are resolved.
func New(patterns []digest.Pattern) *Classifier {
	c := &Classifier{}
	for _, p := range patterns {
		for _, d := range p.NestedScraping.IntermediateDomains {
			if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
				c.intermediate = append(c.intermediate, d)
			}
		}
	}

	c.rules = make([]rule, 0, len(baseRules)+2)
	c.rules = append(c.rules, rule{"tracking-path", isTrackingPath, digest.CategoryTracking})
	if len(c.intermediate) > 0 {
		c.rules = append(c.rules, rule{"intermediate-domain", c.isIntermediate, digest.CategoryKeep})
	}
	c.rules = append(c.rules, baseRules...)
	return c
}

func (c *Classifier) isIntermediate(l *link) bool {
	return slices.ContainsFunc(c.intermediate, func(d string) bool {
		return hostMatches(l.host, strings.TrimPrefix(d, "*."))
	})
}

// Categorize returns the category of rawURL. Unparseable URLs are kept.
func (c *Classifier) Categorize(rawURL string) digest.Category {
	cat, _ := c.Match(rawURL)
	return cat
}

// Match returns the category of rawURL and the name of the rule that decided it,
// or "default" when no rule matched.
func (c *Classifier) Match(rawURL string) (digest.Category, string) {
	l, ok := parseLink(rawURL)
	if !ok {
		return digest.CategoryKeep, "unparseable"
	}
	for _, r := range c.rules {
		if r.match(l) {
			return r.category, r.name
		}
	}
	return digest.CategoryKeep, "default"
}

var plain = New(nil)

// Categorize classifies rawURL without any pattern configuration.
func Categorize(rawURL string) digest.Category {
	return plain.Categorize(rawURL)
}
