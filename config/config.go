// Package config loads the newsletter configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"newsletter-digest/enrich"
	"newsletter-digest/pkg/digest"
	"newsletter-digest/resolver"
)

const (
	userAgentEnv       = "USER_AGENT"
	digestRecipientEnv = "DIGEST_RECIPIENT"

	defaultLookback       = 7 * 24 * time.Hour
	defaultMessagesPerRun = 20
)

// Config holds the newsletters to watch and how their links are processed.
type Config struct {
	Patterns   []digest.Pattern `yaml:"patterns"`
	Blacklist  []string         `yaml:"blacklist"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Poll       PollConfig       `yaml:"poll"`
	Digest     DigestConfig     `yaml:"digest"`
}

// ResolverConfig holds the HTTP settings used while resolving links.
type ResolverConfig struct {
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRedirects int           `yaml:"max_redirects"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	CacheSize    int           `yaml:"cache_size"`
}

// Fetcher converts the settings for resolver.NewFetcher.
func (r ResolverConfig) Fetcher() resolver.Config {
	return resolver.Config{
		UserAgent:    r.UserAgent,
		Timeout:      r.Timeout,
		MaxRedirects: r.MaxRedirects,
		RateLimitRPS: r.RateLimitRPS,
	}
}

// EnrichmentConfig tunes the enrichment pipeline.
type EnrichmentConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// PollConfig controls which messages a poll picks up.
type PollConfig struct {
	Lookback time.Duration `yaml:"lookback"`
	// MessagesPerPattern caps the messages read for one pattern per poll.
	MessagesPerPattern int `yaml:"messages_per_pattern"`
}

// DigestConfig describes digest delivery.
type DigestConfig struct {
	Recipient string `yaml:"recipient"`
}

// Load reads the YAML file at path, merges it over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string, logger *slog.Logger) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("Config file not found, using defaults", "path", path)
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg = mergeConfig(cfg, fileCfg)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(logger); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled returns the patterns that take part in polling.
func (c *Config) Enabled() []digest.Pattern {
	var out []digest.Pattern
	for _, p := range c.Patterns {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(userAgentEnv); v != "" {
		c.Resolver.UserAgent = v
	}
	if v := os.Getenv(digestRecipientEnv); v != "" {
		c.Digest.Recipient = v
	}
}

func (c *Config) validate(logger *slog.Logger) error {
	names := make(map[string]bool, len(c.Patterns))
	for i, p := range c.Patterns {
		if p.Name == "" {
			return fmt.Errorf("pattern %d: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("pattern %q: duplicate name", p.Name)
		}
		names[p.Name] = true

		if p.From == "" && p.Subject == "" {
			return fmt.Errorf("pattern %q: from or subject is required", p.Name)
		}

		ns := p.NestedScraping
		if !ns.Enabled {
			continue
		}
		if ns.Strategy != "" && !ns.Strategy.Valid() {
			logger.Warn("Unknown resolution strategy, links will be left unresolved",
				"pattern", p.Name, "strategy", ns.Strategy)
		}
		if ns.Strategy == digest.StrategyDOMSelector && ns.Selector == "" {
			logger.Warn("dom-selector strategy without selector, links will be left unresolved",
				"pattern", p.Name)
		}
		if ns.MaxDepth < 0 {
			return fmt.Errorf("pattern %q: max_depth must not be negative", p.Name)
		}
	}
	return nil
}

func mergeConfig(base, override Config) Config {
	if len(override.Patterns) > 0 {
		base.Patterns = override.Patterns
	}
	if len(override.Blacklist) > 0 {
		base.Blacklist = override.Blacklist
	}

	if override.Resolver.UserAgent != "" {
		base.Resolver.UserAgent = override.Resolver.UserAgent
	}
	if override.Resolver.Timeout > 0 {
		base.Resolver.Timeout = override.Resolver.Timeout
	}
	if override.Resolver.MaxRedirects > 0 {
		base.Resolver.MaxRedirects = override.Resolver.MaxRedirects
	}
	if override.Resolver.RateLimitRPS > 0 {
		base.Resolver.RateLimitRPS = override.Resolver.RateLimitRPS
	}
	if override.Resolver.CacheSize > 0 {
		base.Resolver.CacheSize = override.Resolver.CacheSize
	}

	if override.Enrichment.Concurrency > 0 {
		base.Enrichment.Concurrency = override.Enrichment.Concurrency
	}

	if override.Poll.Lookback > 0 {
		base.Poll.Lookback = override.Poll.Lookback
	}
	if override.Poll.MessagesPerPattern > 0 {
		base.Poll.MessagesPerPattern = override.Poll.MessagesPerPattern
	}

	if override.Digest.Recipient != "" {
		base.Digest.Recipient = override.Digest.Recipient
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Resolver: ResolverConfig{
			UserAgent:    resolver.DefaultUserAgent,
			Timeout:      resolver.DefaultTimeout,
			MaxRedirects: resolver.DefaultMaxRedirects,
			CacheSize:    resolver.DefaultCacheSize,
		},
		Enrichment: EnrichmentConfig{Concurrency: enrich.DefaultConcurrency},
		Poll: PollConfig{
			Lookback:           defaultLookback,
			MessagesPerPattern: defaultMessagesPerRun,
		},
	}
}
