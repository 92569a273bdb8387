// Package main implements a Cloud Run service that reads newsletters from a
// mailbox, resolves and classifies their links, and emails a digest of the
// articles worth reading.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"newsletter-digest/classify"
	"newsletter-digest/config"
	"newsletter-digest/email"
	"newsletter-digest/enrich"
	"newsletter-digest/mailbox"
	"newsletter-digest/poll"
	"newsletter-digest/resolver"
	"newsletter-digest/server"
	digeststore "newsletter-digest/storage"
)

func main() {
	ctx := context.Background()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	if err := run(ctx, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load(os.Getenv("NEWSLETTER_CONFIG"), logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("Configuration loaded",
		"patterns", len(cfg.Patterns),
		"enabled", len(cfg.Enabled()),
		"blacklist", len(cfg.Blacklist))

	store, closeStore, err := initStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	mailSource := envOr("MAIL_SOURCE", "local")
	var gmailService *gmail.Service
	if mailSource == "gmail" || os.Getenv("BREVO_API_KEY") == "" {
		gmailService, err = initGmailService(ctx)
		if err != nil {
			if mailSource == "gmail" {
				return fmt.Errorf("initialize Gmail service: %w", err)
			}
			logger.Info("Gmail unavailable, using mock email", "reason", err)
		}
	}

	source, err := newMailSource(mailSource, gmailService, logger)
	if err != nil {
		return err
	}

	fetcher := resolver.NewFetcher(&http.Client{}, cfg.Resolver.Fetcher(), logger.With("component", "resolver"))
	enricher := enrich.New(
		resolver.New(fetcher, logger.With("component", "resolver")),
		enrich.NewTitleFetcher(fetcher, logger.With("component", "titles")),
		enrich.Options{
			Concurrency: cfg.Enrichment.Concurrency,
			CacheSize:   cfg.Resolver.CacheSize,
			Blacklist:   classify.NewBlacklist(cfg.Blacklist),
			Patterns:    cfg.Patterns,
		},
		logger.With("component", "enrich"))

	sender := email.New(newEmailProvider(gmailService, logger), logger, os.Getenv("BASE_URL"))

	monitor := poll.New(source, enricher, store, sender, poll.Config{
		Patterns:           cfg.Patterns,
		Lookback:           cfg.Poll.Lookback,
		MessagesPerPattern: cfg.Poll.MessagesPerPattern,
		Recipient:          cfg.Digest.Recipient,
	}, logger.With("component", "poll"))

	srv := server.New(&server.Config{
		Poller:     monitor,
		Enricher:   enricher,
		Store:      store,
		Render:     email.RenderHTML,
		Logger:     logger,
		IsNotFound: digeststore.IsNotFound,
		IsBusy:     func(err error) bool { return errors.Is(err, poll.ErrInProgress) },
	})

	return srv.ListenAndServe(envOr("PORT", "8080"))
}

// initStore selects Cloud Storage when STORAGE_BUCKET is set and a local
// directory otherwise.
func initStore(ctx context.Context, logger *slog.Logger) (*digeststore.Store, func(), error) {
	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	if localStorage != "" {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return digeststore.New(nil, "", localStorage, logger), func() {}, nil
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize Storage client: %w", err)
	}
	closeFn := func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return digeststore.New(storageClient, bucket, "", logger), closeFn, nil
}

// newMailSource builds the mailbox adapter named by kind.
func newMailSource(kind string, gmailService *gmail.Service, logger *slog.Logger) (mailbox.Source, error) {
	logger = logger.With("component", "mailbox", "source", kind)
	switch kind {
	case "gmail":
		if gmailService == nil {
			return nil, errors.New("MAIL_SOURCE=gmail requires Gmail credentials")
		}
		return mailbox.NewGmailSource(gmailService, logger), nil
	case "imap":
		cfg := mailbox.IMAPConfig{
			Host:     os.Getenv("IMAP_HOST"),
			Port:     os.Getenv("IMAP_PORT"),
			Username: os.Getenv("IMAP_USERNAME"),
			Password: os.Getenv("IMAP_PASSWORD"),
			TLS:      os.Getenv("IMAP_TLS") != "false",
			Mailbox:  os.Getenv("IMAP_MAILBOX"),
		}
		if cfg.Host == "" || cfg.Username == "" {
			return nil, errors.New("IMAP_HOST and IMAP_USERNAME are required for MAIL_SOURCE=imap")
		}
		return mailbox.NewIMAPSource(cfg, logger), nil
	case "local":
		dir := envOr("MAILDIR", "./mail")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mail directory: %w", err)
		}
		return mailbox.NewLocalSource(dir, logger), nil
	default:
		return nil, fmt.Errorf("unknown MAIL_SOURCE %q (want gmail, imap or local)", kind)
	}
}

// newEmailProvider prefers Brevo when configured, then Gmail, then the mock.
func newEmailProvider(gmailService *gmail.Service, logger *slog.Logger) email.Provider {
	if key := os.Getenv("BREVO_API_KEY"); key != "" {
		logger.Info("Using Brevo email provider")
		return email.NewBrevoProvider(key, os.Getenv("BREVO_FROM_ADDRESS"), envOr("BREVO_FROM_NAME", "Newsletter Digest"), logger)
	}
	if gmailService != nil {
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(gmailService, logger)
	}
	logger.Info("Mock email mode enabled (no GOOGLE_CREDENTIALS_JSON)")
	return email.NewMockProvider(logger)
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Reading newsletters and marking them read needs the modify scope, which also covers sending.
	scopes := option.WithScopes(gmail.GmailModifyScope)

	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)), scopes)
	}

	// If running in Cloud Run, use Application Default Credentials (ADC)
	if isCloudRun(ctx) {
		return gmail.NewService(ctx, scopes)
	}

	// Not in Cloud Run and no explicit credentials
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
