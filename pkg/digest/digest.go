// Package digest contains the core domain types for the newsletter digest service.
package digest

import "time"

// Strategy names a method for discovering a link's true destination.
type Strategy string

// Resolution strategies.
const (
	StrategyRedirect    Strategy = "redirect"
	StrategyMetaTags    Strategy = "meta-tags"
	StrategyDOMSelector Strategy = "dom-selector"
	StrategyAuto        Strategy = "auto"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRedirect, StrategyMetaTags, StrategyDOMSelector, StrategyAuto:
		return true
	}
	return false
}

// Category is the purpose assigned to a link by the classifier.
type Category string

// Link categories.
const (
	CategoryKeep      Category = "keep"
	CategorySponsored Category = "sponsored"
	CategorySocial    Category = "social"
	CategoryTracking  Category = "tracking"
	CategoryBonus     Category = "bonus"
	CategoryYouTube   Category = "youtube"
)

// Dropped reports whether links in this category are filtered out of the digest.
func (c Category) Dropped() bool {
	return c == CategoryTracking || c == CategorySocial || c == CategorySponsored
}

// ResolvedURL is the outcome of resolving a link's destination.
// FinalURL equals OriginalURL and IsNested is false when nothing was found.
type ResolvedURL struct {
	OriginalURL   string   `json:"original_url"`
	FinalURL      string   `json:"final_url"`
	IsNested      bool     `json:"is_nested"`
	RedirectChain []string `json:"redirect_chain,omitempty"` // Starts with OriginalURL, ends with FinalURL
}

// Unresolved returns the "nothing found" result for rawURL.
func Unresolved(rawURL string) ResolvedURL {
	return ResolvedURL{OriginalURL: rawURL, FinalURL: rawURL}
}

// NestedScraping configures how links of a newsletter are resolved.
type NestedScraping struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	Strategy            Strategy `json:"strategy,omitempty" yaml:"strategy"`
	Selector            string   `json:"selector,omitempty" yaml:"selector"`
	MaxDepth            int      `json:"max_depth,omitempty" yaml:"max_depth"`
	IntermediateDomains []string `json:"intermediate_domains,omitempty" yaml:"intermediate_domains"`
}

// Pattern identifies a newsletter in the mailbox and carries its resolution settings.
type Pattern struct {
	Name           string         `json:"name" yaml:"name"`
	From           string         `json:"from,omitempty" yaml:"from"`       // Sender address or fragment
	Subject        string         `json:"subject,omitempty" yaml:"subject"` // Subject fragment
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	NestedScraping NestedScraping `json:"nested_scraping" yaml:"nested_scraping"`
}

// Article is a curated link that survived classification and deduplication.
// Content is filled later by the scraper.
type Article struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Newsletter is one received newsletter with its raw links and enriched articles.
type Newsletter struct {
	ID         string    `json:"id"`
	Pattern    Pattern   `json:"pattern"`
	Subject    string    `json:"subject,omitempty"`
	From       string    `json:"from,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitzero"`
	Links      []string  `json:"links,omitempty"`
	Articles   []Article `json:"articles"`
}

// Stats aggregates enrichment counters across a batch.
type Stats struct {
	Total       int `json:"total"`
	Kept        int `json:"kept"`
	Sponsored   int `json:"sponsored"`
	Social      int `json:"social"`
	Tracking    int `json:"tracking"`
	Bonus       int `json:"bonus"`
	YouTube     int `json:"youtube"`
	Errors      int `json:"errors"`
	Duplicates  int `json:"duplicates"`
	Blacklisted int `json:"blacklisted"`
}

// Count increments the counter matching c.
func (s *Stats) Count(c Category) {
	switch c {
	case CategoryKeep:
		s.Kept++
	case CategorySponsored:
		s.Sponsored++
	case CategorySocial:
		s.Social++
	case CategoryTracking:
		s.Tracking++
	case CategoryBonus:
		s.Bonus++
	case CategoryYouTube:
		s.YouTube++
	}
}

// Run is one complete poll-and-enrich cycle as persisted by storage.
type Run struct {
	ID          string       `json:"id"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Newsletters []Newsletter `json:"newsletters"`
	Stats       Stats        `json:"stats"`
}

// ArticleCount returns the number of articles across all newsletters of the run.
func (r *Run) ArticleCount() int {
	n := 0
	for i := range r.Newsletters {
		n += len(r.Newsletters[i].Articles)
	}
	return n
}
