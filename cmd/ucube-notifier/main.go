// Package main implements a daemon that watches UNITED CUBE clubs for new
// notifications and sends email digests via Gmail API when they appear.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/codeGROOVE-dev/ucube"
	"github.com/codeGROOVE-dev/ucube/api"
	"github.com/codeGROOVE-dev/ucube/email"
	"github.com/codeGROOVE-dev/ucube/pkg/record"
	"github.com/codeGROOVE-dev/ucube/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	logger = logger.With("instance_id", uuid.NewString())

	username := os.Getenv("UCUBE_USERNAME")
	password := os.Getenv("UCUBE_PASSWORD")
	token := os.Getenv("UCUBE_TOKEN")
	notifyEmail := os.Getenv("NOTIFY_EMAIL")
	bucket := os.Getenv("STORAGE_BUCKET")
	localStorage := os.Getenv("LOCAL_STORAGE")

	if (username == "" || password == "") && token == "" {
		logger.Error("UCUBE_USERNAME/UCUBE_PASSWORD or UCUBE_TOKEN environment variables required")
		os.Exit(1)
	}

	pollInterval := time.Duration(0)
	if raw := os.Getenv("POLL_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logger.Error("Invalid POLL_INTERVAL", "value", raw, "error", err)
			os.Exit(1)
		}
		pollInterval = parsed
	}

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var storageClient *gcs.Client
	if localStorage != "" {
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		var err error
		storageClient, err = gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}
	store := storage.New(storageClient, bucket, localStorage, logger)

	var provider email.Provider
	gmailService, err := initGmailService(ctx)
	if err != nil {
		logger.Info("Mock email mode enabled", "reason", err)
		provider = email.NewMockProvider(logger)
	} else {
		provider = email.NewGmailProvider(gmailService, logger)
	}

	if notifyEmail == "" {
		logger.Info("No NOTIFY_EMAIL set, digests will only be logged")
	}

	baseSite := os.Getenv("UCUBE_BASE_SITE")
	if baseSite == "" {
		baseSite = api.DefaultBaseSite
	}
	sender := email.New(provider, baseSite, logger)

	var client *ucube.Client
	hook := func(ctx context.Context, fresh []*record.Notification) error {
		return deliver(ctx, client, store, sender, notifyEmail, fresh, logger)
	}

	client = ucube.New(ucube.Config{
		Username:            username,
		Password:            password,
		Token:               token,
		BaseSite:            baseSite,
		Logger:              logger,
		Hook:                hook,
		PollInterval:        pollInterval,
		ContinueOnHookError: true,
	})

	if err := client.Start(ctx, &ucube.StartOptions{LoadBoards: true}); err != nil {
		logger.Error("Client start failed", "error", err)
		os.Exit(1)
	}

	restoreBaselines(ctx, client, store, logger)

	logger.Info("Notifier running", "clubs", len(client.Clubs()))

	select {
	case err := <-client.Done():
		if err != nil {
			logger.Error("Watcher stopped with error", "error", err)
			os.Exit(1)
		}
		logger.Info("Watcher stopped")
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		client.Stop()
	}
}

// restoreBaselines seeds the in-memory seen lists from persisted baselines so
// a restart does not re-announce notifications the previous run already saw.
func restoreBaselines(ctx context.Context, client *ucube.Client, store *storage.Store, logger *slog.Logger) {
	baselines, err := store.List(ctx)
	if err != nil {
		logger.Warn("Baseline restore failed, starting fresh", "error", err)
		return
	}
	for _, baseline := range baselines {
		client.SeedSeen(baseline.ClubSlug, baseline.Seen)
	}
	logger.Info("Baselines restored", "count", len(baselines))
}

// deliver persists the updated per-club baselines and sends one digest per
// club in the batch.
func deliver(ctx context.Context, client *ucube.Client, store *storage.Store, sender *email.Sender, to string, fresh []*record.Notification, logger *slog.Logger) error {
	byClub := make(map[string][]*record.Notification)
	for _, n := range fresh {
		byClub[n.ClubSlug] = append(byClub[n.ClubSlug], n)
	}

	for clubSlug, batch := range byClub {
		baseline := &storage.Baseline{
			ClubSlug:  clubSlug,
			Seen:      client.SeenSlugs(clubSlug),
			UpdatedAt: time.Now().UTC(),
		}
		if err := store.Save(ctx, baseline); err != nil {
			logger.Warn("Baseline save failed", "club", clubSlug, "error", err)
		}

		if to == "" {
			logger.Info("New notifications", "club", clubSlug, "count", len(batch))
			continue
		}

		club, _ := client.Club(clubSlug)
		if err := sender.SendDigest(ctx, to, club, batch); err != nil {
			return err
		}
	}
	return nil
}

// isCloudRun checks if we're running in a GCP environment by querying the
// metadata server.
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
	// Try explicit credentials first (for local development)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// In Cloud Run, Application Default Credentials carry the service
	// account; it needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
