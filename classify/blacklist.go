package classify

import (
	"net/url"
	"strings"
)

// Blacklist blocks links by host or host/path pattern.
//
// Supported patterns:
//
//	example.com          the host itself
//	*.example.com        the host and any subdomain
//	example.com/promo/*  any path under /promo/ on the host
//	example.com/about    that exact path
//
// A leading "www." and any scheme are ignored on both sides.
type Blacklist struct {
	hosts     map[string]bool
	wildcards []string
	paths     map[string]bool
	prefixes  []string
}

// NewBlacklist compiles patterns. Blank patterns are ignored.
func NewBlacklist(patterns []string) *Blacklist {
	b := &Blacklist{
		hosts: make(map[string]bool),
		paths: make(map[string]bool),
	}
	for _, p := range patterns {
		p = normalizePattern(p)
		switch {
		case p == "":
		case strings.HasPrefix(p, "*."):
			b.wildcards = append(b.wildcards, strings.TrimPrefix(p, "*."))
		case strings.HasSuffix(p, "/*"):
			b.prefixes = append(b.prefixes, strings.TrimSuffix(p, "*"))
		case strings.Contains(p, "/"):
			b.paths[strings.TrimSuffix(p, "/")] = true
		default:
			b.hosts[p] = true
		}
	}
	return b
}

func normalizePattern(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
	}
	return strings.TrimPrefix(p, "www.")
}

// Len returns the number of compiled patterns.
func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.hosts) + len(b.wildcards) + len(b.paths) + len(b.prefixes)
}

// Blocked reports whether rawURL matches any pattern. A nil Blacklist blocks nothing.
func (b *Blacklist) Blocked(rawURL string) bool {
	if b.Len() == 0 {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return false
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if b.hosts[host] {
		return true
	}
	for _, w := range b.wildcards {
		if hostMatches(host, w) {
			return true
		}
	}

	hostPath := host + strings.ToLower(u.Path)
	if b.paths[strings.TrimSuffix(hostPath, "/")] {
		return true
	}
	for _, p := range b.prefixes {
		if strings.HasPrefix(hostPath, p) || hostPath == strings.TrimSuffix(p, "/") {
			return true
		}
	}
	return false
}
