// Package storage handles persistence of per-club notification baselines, so
// a restarted notifier does not re-announce notifications it already saw.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// Baseline is the persisted seen-notification list for one club.
type Baseline struct {
	ClubSlug  string    `json:"club_slug"`
	Seen      []string  `json:"seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store handles baseline persistence, against Cloud Storage or a local
// directory when one is configured.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// BaselineKey generates a stable object name from a club slug. Slugs with
// characters outside [a-zA-Z0-9_-] are rejected to prevent path traversal.
func BaselineKey(clubSlug string) string {
	if clubSlug == "" {
		return ""
	}
	for _, c := range clubSlug {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
		if !ok {
			return ""
		}
	}
	return fmt.Sprintf("club-%s.json", clubSlug)
}

// Save persists a club's baseline.
func (s *Store) Save(ctx context.Context, baseline *Baseline) error {
	key := BaselineKey(baseline.ClubSlug)
	if key == "" {
		return errors.New("invalid club slug")
	}
	s.logger.Debug("Saving baseline", "key", key, "club", baseline.ClubSlug, "seen", len(baseline.Seen))

	data, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}

		s.logger.Info("Baseline saved to local storage", "path", filePath, "club", baseline.ClubSlug, "seen", len(baseline.Seen))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Baseline saved", "key", key, "club", baseline.ClubSlug, "seen", len(baseline.Seen))
	return nil
}

// LoadByClub loads a baseline by club slug.
func (s *Store) LoadByClub(ctx context.Context, clubSlug string) (*Baseline, error) {
	key := BaselineKey(clubSlug)
	if key == "" {
		// Same error as "not found" so callers handle both paths uniformly.
		return nil, errors.New("storage: object doesn't exist")
	}
	return s.Load(ctx, key)
}

// Load loads a baseline by key.
func (s *Store) Load(ctx context.Context, key string) (*Baseline, error) {
	if key == "" {
		return nil, errors.New("invalid key format")
	}

	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, key)
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.New("storage: object doesn't exist")
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var baseline Baseline
	if err := json.Unmarshal(data, &baseline); err != nil {
		return nil, fmt.Errorf("unmarshal baseline: %w", err)
	}

	return &baseline, nil
}

// Delete removes a club's baseline. Deletion is idempotent.
func (s *Store) Delete(ctx context.Context, clubSlug string) error {
	key := BaselineKey(clubSlug)
	if key == "" {
		return errors.New("invalid club slug")
	}
	s.logger.Debug("Deleting baseline", "key", key, "club", clubSlug)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Baseline deleted from local storage", "path", filePath, "club", clubSlug)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("delete from storage: %w", deleteErr))
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Baseline deleted", "key", key, "club", clubSlug)
	return nil
}

// List lists all persisted baselines.
func (s *Store) List(ctx context.Context) ([]*Baseline, error) {
	var baselines []*Baseline

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "club-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			baseline, err := s.Load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load baseline", "file", entry.Name(), "error", err)
				continue
			}

			baselines = append(baselines, baseline)
		}

		return baselines, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "club-",
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		baseline, err := s.Load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load baseline", "key", attrs.Name, "error", err)
			continue
		}

		baselines = append(baselines, baseline)
	}

	return baselines, nil
}

// IsNotFound checks if an error indicates a baseline was not found.
func IsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "storage: object doesn't exist")
}
