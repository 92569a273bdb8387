// Package enrich turns raw newsletter links into curated article lists.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"newsletter-digest/classify"
	"newsletter-digest/pkg/digest"
	"newsletter-digest/resolver"
)

const (
	// DefaultConcurrency is the number of newsletters enriched in parallel.
	DefaultConcurrency = 5
	// DefaultMaxDepth applies to nested scraping patterns that leave max_depth unset.
	DefaultMaxDepth = 2

	bonusNewsletterName = "Bonus Resources"
	videoNewsletterName = "Videos"
)

// Titler looks up the title of an article page.
type Titler interface {
	Title(ctx context.Context, pageURL string) string
}

// Options tunes an Enricher.
type Options struct {
	Concurrency int
	CacheSize   int
	Blacklist   *classify.Blacklist
	// Patterns contribute intermediate domains in addition to those of each batch.
	Patterns []digest.Pattern
}

// Result is the output of one enrichment run.
type Result struct {
	Newsletters []digest.Newsletter `json:"newsletters"`
	Stats       digest.Stats        `json:"stats"`
}

// Enricher classifies, resolves, deduplicates and titles newsletter links.
type Enricher struct {
	resolver resolver.URLResolver
	titles   Titler
	opts     Options
	logger   *slog.Logger
}

// New creates an enricher. Each call to Enrich gets its own resolution cache and seen set.
func New(res resolver.URLResolver, titles Titler, opts Options, logger *slog.Logger) *Enricher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = resolver.DefaultCacheSize
	}
	return &Enricher{
		resolver: res,
		titles:   titles,
		opts:     opts,
		logger:   logger,
	}
}

// session is the state shared by the newsletters of one run.
type session struct {
	resolver   resolver.URLResolver
	classifier *classify.Classifier
	seen       *SeenSet

	mu     sync.Mutex
	stats  digest.Stats
	bonus  []digest.Article
	videos []digest.Article
}

func (s *session) record(fn func(*digest.Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func (s *session) addSide(cat digest.Category, a digest.Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cat == digest.CategoryYouTube {
		s.videos = append(s.videos, a)
		return
	}
	s.bonus = append(s.bonus, a)
}

// Enrich processes a batch of newsletters. Per-link failures are counted in the
// stats and never fail the batch; an error is only returned when ctx ends first.
func (e *Enricher) Enrich(ctx context.Context, newsletters []digest.Newsletter) (*Result, error) {
	startTime := time.Now()

	patterns := append([]digest.Pattern(nil), e.opts.Patterns...)
	for i := range newsletters {
		patterns = append(patterns, newsletters[i].Pattern)
	}
	s := &session{
		resolver:   resolver.NewCachedResolver(e.resolver, resolver.NewCache(e.opts.CacheSize), e.logger),
		classifier: classify.New(patterns),
		seen:       NewSeenSet(),
	}

	out := make([]digest.Newsletter, len(newsletters))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i := range newsletters {
		g.Go(func() error {
			nl, err := e.enrichNewsletter(gctx, s, newsletters[i])
			if err != nil {
				return err
			}
			out[i] = nl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("enrich newsletters: %w", err)
	}

	if len(s.bonus) > 0 {
		out = append(out, syntheticNewsletter(bonusNewsletterName, s.bonus))
	}
	if len(s.videos) > 0 {
		out = append(out, syntheticNewsletter(videoNewsletterName, s.videos))
	}

	e.logger.Info("Enrichment complete",
		"newsletters", len(newsletters),
		"total", s.stats.Total,
		"kept", s.stats.Kept,
		"sponsored", s.stats.Sponsored,
		"social", s.stats.Social,
		"tracking", s.stats.Tracking,
		"bonus", s.stats.Bonus,
		"youtube", s.stats.YouTube,
		"duplicates", s.stats.Duplicates,
		"blacklisted", s.stats.Blacklisted,
		"errors", s.stats.Errors,
		"duration_ms", time.Since(startTime).Milliseconds())

	return &Result{Newsletters: out, Stats: s.stats}, nil
}

func syntheticNewsletter(name string, articles []digest.Article) digest.Newsletter {
	return digest.Newsletter{
		ID:         uuid.NewString(),
		Pattern:    digest.Pattern{Name: name},
		Subject:    name,
		ReceivedAt: time.Now(),
		Articles:   articles,
	}
}

// enrichNewsletter walks the links of nl one at a time.
func (e *Enricher) enrichNewsletter(ctx context.Context, s *session, nl digest.Newsletter) (digest.Newsletter, error) {
	logger := e.logger.With("newsletter_id", nl.ID, "pattern", nl.Pattern.Name)
	logger.Debug("Enriching newsletter", "links", len(nl.Links))

	nl.Articles = make([]digest.Article, 0, len(nl.Links))
	for _, raw := range nl.Links {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping enrichment", "error", err)
			return nl, err
		}

		s.record(func(st *digest.Stats) { st.Total++ })
		article, ok, err := e.processLink(ctx, s, nl.Pattern, raw)
		if err != nil {
			logger.Warn("Failed to process link, skipping", "url", raw, "error", err)
			s.record(func(st *digest.Stats) { st.Errors++ })
			continue
		}
		if ok {
			nl.Articles = append(nl.Articles, article)
		}
	}

	logger.Info("Newsletter enriched", "links", len(nl.Links), "articles", len(nl.Articles))
	return nl, nil
}

// resolution returns the resolver arguments for links of p.
func resolution(p digest.Pattern) (digest.Strategy, string, int) {
	ns := p.NestedScraping
	if !ns.Enabled {
		return digest.StrategyRedirect, "", 1
	}
	strategy := ns.Strategy
	if strategy == "" {
		strategy = digest.StrategyAuto
	}
	depth := ns.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return strategy, ns.Selector, depth
}

// processLink handles one raw link. It returns the article to append to the
// newsletter, or ok=false when the link was dropped or diverted.
func (e *Enricher) processLink(ctx context.Context, s *session, p digest.Pattern, raw string) (article digest.Article, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", raw, r)
			ok = false
		}
	}()

	if e.opts.Blacklist.Blocked(raw) {
		s.record(func(st *digest.Stats) { st.Blacklisted++ })
		return digest.Article{}, false, nil
	}

	cat := s.classifier.Categorize(raw)
	if cat.Dropped() {
		s.record(func(st *digest.Stats) { st.Count(cat) })
		return digest.Article{}, false, nil
	}

	strategy, selector, depth := resolution(p)

	if cat == digest.CategoryBonus || cat == digest.CategoryYouTube {
		s.record(func(st *digest.Stats) { st.Count(cat) })
		res := s.resolver.Resolve(ctx, raw, strategy, selector, depth)
		e.divert(ctx, s, cat, classify.StripTrackingParams(res.FinalURL))
		return digest.Article{}, false, nil
	}

	decoded := classify.DecodeTrackingURL(raw)
	res := s.resolver.Resolve(ctx, decoded, strategy, selector, depth)
	final := classify.StripTrackingParams(res.FinalURL)

	post := s.classifier.Categorize(final)
	switch {
	case post.Dropped():
		s.record(func(st *digest.Stats) { st.Count(post) })
		return digest.Article{}, false, nil
	case post == digest.CategoryBonus || post == digest.CategoryYouTube:
		s.record(func(st *digest.Stats) { st.Count(post) })
		e.divert(ctx, s, post, final)
		return digest.Article{}, false, nil
	}

	if e.opts.Blacklist.Blocked(final) {
		s.record(func(st *digest.Stats) { st.Blacklisted++ })
		return digest.Article{}, false, nil
	}

	if !s.seen.AddIfAbsent(BaseURL(final), BaseURL(raw)) {
		s.record(func(st *digest.Stats) { st.Duplicates++ })
		return digest.Article{}, false, nil
	}

	article = digest.Article{
		Title: e.titles.Title(ctx, final),
		URL:   final,
	}
	s.record(func(st *digest.Stats) { st.Kept++ })
	return article, true, nil
}

// divert adds a bonus or video link to its side collection unless it was already seen.
func (e *Enricher) divert(ctx context.Context, s *session, cat digest.Category, final string) {
	if e.opts.Blacklist.Blocked(final) {
		s.record(func(st *digest.Stats) { st.Blacklisted++ })
		return
	}
	if !s.seen.AddIfAbsent(BaseURL(final)) {
		s.record(func(st *digest.Stats) { st.Duplicates++ })
		return
	}
	s.addSide(cat, digest.Article{
		Title: e.titles.Title(ctx, final),
		URL:   final,
	})
}
