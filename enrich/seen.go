package enrich

import (
	"net/url"
	"strings"
	"sync"
)

// SeenSet records the base URLs accepted during one enrichment run.
// It is safe for concurrent use.
type SeenSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// NewSeenSet returns an empty set.
func NewSeenSet() *SeenSet {
	return &SeenSet{urls: make(map[string]struct{})}
}

// AddIfAbsent inserts base together with extras unless base is already present.
// It reports whether the insert happened.
func (s *SeenSet) AddIfAbsent(base string, extras ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.urls[base]; ok {
		return false
	}
	s.urls[base] = struct{}{}
	for _, e := range extras {
		if e != "" {
			s.urls[e] = struct{}{}
		}
	}
	return true
}

// Contains reports whether base was seen.
func (s *SeenSet) Contains(base string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.urls[base]
	return ok
}

// Len returns the number of recorded URLs.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// BaseURL strips the query string and fragment from rawURL.
func BaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		base, _, _ := strings.Cut(rawURL, "?")
		base, _, _ = strings.Cut(base, "#")
		return base
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
