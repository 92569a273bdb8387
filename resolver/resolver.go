package resolver

import (
	"context"
	"log/slog"
	"slices"

	"newsletter-digest/pkg/digest"
)

// step tries one strategy and reports whether it found a different destination.
type step func(ctx context.Context, rawURL, selector string, maxDepth int) (digest.ResolvedURL, bool)

// Resolver applies resolution strategies with a depth budget.
type Resolver struct {
	fetcher *Fetcher
	logger  *slog.Logger
}

// New creates a resolver backed by fetcher.
func New(fetcher *Fetcher, logger *slog.Logger) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		logger:  logger,
	}
}

// Resolve finds the real destination of rawURL using strategy. maxDepth bounds
// recursive follow-ups: a meta or selector hit is itself followed for redirects
// while depth remains. Resolution is best effort; when nothing different is found
// (or anything goes wrong) the input is returned unresolved.
func (r *Resolver) Resolve(ctx context.Context, rawURL string, strategy digest.Strategy, selector string, maxDepth int) (result digest.ResolvedURL) {
	result = digest.Unresolved(rawURL)
	if maxDepth <= 0 || !isWebURL(rawURL) {
		return result
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Resolution panicked, returning original URL", "url", rawURL, "strategy", strategy, "panic", p)
			result = digest.Unresolved(rawURL)
		}
	}()

	for _, try := range r.plan(strategy, selector) {
		if ctx.Err() != nil {
			break
		}
		if found, ok := try(ctx, rawURL, selector, maxDepth); ok {
			r.logger.Debug("URL resolved",
				"url", rawURL,
				"final_url", found.FinalURL,
				"strategy", strategy,
				"hops", len(found.RedirectChain)-1)
			return found
		}
	}
	return result
}

// plan returns the ordered strategies to attempt. Unknown strategies and
// dom-selector without a selector resolve to an empty plan.
func (r *Resolver) plan(strategy digest.Strategy, selector string) []step {
	switch strategy {
	case digest.StrategyRedirect:
		return []step{r.viaRedirect}
	case digest.StrategyMetaTags:
		return []step{r.viaMeta}
	case digest.StrategyDOMSelector:
		if selector == "" {
			r.logger.Warn("dom-selector strategy requires a selector, skipping resolution")
			return nil
		}
		return []step{r.viaSelector}
	case digest.StrategyAuto:
		steps := []step{r.viaRedirect, r.viaMeta}
		if selector != "" {
			steps = append(steps, r.viaSelector)
		}
		return steps
	default:
		r.logger.Warn("Unknown resolution strategy, skipping resolution", "strategy", strategy)
		return nil
	}
}

func (r *Resolver) viaRedirect(ctx context.Context, rawURL, _ string, _ int) (digest.ResolvedURL, bool) {
	rr := r.fetcher.FollowRedirects(ctx, rawURL, 0)
	if rr.FinalURL == rawURL {
		return digest.ResolvedURL{}, false
	}
	return digest.ResolvedURL{
		OriginalURL:   rawURL,
		FinalURL:      rr.FinalURL,
		IsNested:      true,
		RedirectChain: rr.Chain,
	}, true
}

func (r *Resolver) viaMeta(ctx context.Context, rawURL, _ string, maxDepth int) (digest.ResolvedURL, bool) {
	found, ok := r.fetcher.ExtractFromMeta(ctx, rawURL)
	if !ok {
		return digest.ResolvedURL{}, false
	}
	return r.followUp(ctx, rawURL, found, maxDepth), true
}

func (r *Resolver) viaSelector(ctx context.Context, rawURL, selector string, maxDepth int) (digest.ResolvedURL, bool) {
	found, ok := r.fetcher.ExtractFromSelector(ctx, rawURL, selector)
	if !ok {
		return digest.ResolvedURL{}, false
	}
	return r.followUp(ctx, rawURL, found, maxDepth), true
}

// followUp builds the result for a URL discovered inside a page and, when depth
// remains, follows redirects hiding behind it.
func (r *Resolver) followUp(ctx context.Context, rawURL, found string, maxDepth int) digest.ResolvedURL {
	result := digest.ResolvedURL{
		OriginalURL:   rawURL,
		FinalURL:      found,
		IsNested:      true,
		RedirectChain: []string{rawURL, found},
	}
	if maxDepth <= 1 {
		return result
	}

	inner := r.Resolve(ctx, found, digest.StrategyRedirect, "", maxDepth-1)
	if !inner.IsNested || slices.Contains(result.RedirectChain, inner.FinalURL) {
		return result
	}

	for _, u := range inner.RedirectChain {
		if !slices.Contains(result.RedirectChain, u) {
			result.RedirectChain = append(result.RedirectChain, u)
		}
	}
	result.FinalURL = inner.FinalURL
	return result
}
