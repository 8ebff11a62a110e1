// Package poll handles the background loop that detects newly published club
// notifications and delivers them, deduplicated, to a caller-supplied hook.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/ucube/pkg/record"
)

// DefaultInterval is the pause between poll cycles.
const DefaultInterval = 25 * time.Second

// RecentLimit is how many recent notifications are fetched per club per cycle.
const RecentLimit = 15

// Fetcher interface for fetching notification pages and cascaded post details.
type Fetcher interface {
	RecentNotifications(ctx context.Context, clubSlug string) ([]*record.Notification, error)
	FetchPost(ctx context.Context, postSlug string) (*record.Post, error)
}

// Cache interface for the club list and the atomic dedup-and-append step.
type Cache interface {
	ClubSlugs() []string
	AppendNew(clubSlug string, fetched []*record.Notification) []*record.Notification
}

// Hook receives each batch of newly detected notifications exactly once.
type Hook func(ctx context.Context, fresh []*record.Notification) error

// Watcher polls every cached club for new notifications on a fixed interval.
type Watcher struct {
	fetcher  Fetcher
	cache    Cache
	hook     Hook
	logger   *slog.Logger
	interval time.Duration

	// ContinueOnHookError keeps the loop running when the hook fails.
	// By default a hook error stops the watcher.
	ContinueOnHookError bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan error
}

// New creates a watcher. A non-positive interval selects DefaultInterval.
func New(fetcher Fetcher, cache Cache, hook Hook, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		fetcher:  fetcher,
		cache:    cache,
		hook:     hook,
		logger:   logger,
		interval: interval,
		done:     make(chan error, 1),
	}
}

// Start launches the polling loop in the background. Calling Start on a
// running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Debug("Watcher already running, ignoring start")
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan error, 1)

	go w.run(ctx)
}

// Stop requests shutdown. Cancellation is cooperative: it takes effect at the
// next iteration boundary, never mid-iteration.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stop)
}

// Running reports whether the loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Done yields the watcher's terminal error once the loop exits: nil after a
// clean Stop or context cancellation, the hook's error when a hook failure
// ended the loop.
func (w *Watcher) Done() <-chan error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Notification watcher started", "interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, stopping watcher", "error", ctx.Err())
			w.finish(nil)
			return
		case <-w.stop:
			w.logger.Info("Notification watcher stopped")
			w.finish(nil)
			return
		case <-ticker.C:
			if err := w.CheckAll(ctx); err != nil {
				if w.ContinueOnHookError {
					w.logger.Error("Notification hook failed, continuing", "error", err)
					continue
				}
				w.logger.Error("Notification hook failed, stopping watcher", "error", err)
				w.finish(err)
				return
			}
		}
	}
}

func (w *Watcher) finish(err error) {
	w.mu.Lock()
	w.running = false
	done := w.done
	w.mu.Unlock()

	select {
	case done <- err:
	default:
	}
}

// CheckAll runs one poll cycle: fetch the recent notification page for every
// cached club, keep only the unseen ones, cascade-fetch the referenced posts,
// and deliver the accumulated delta to the hook in a single call. Per-club
// fetch failures are logged and skipped; only a hook failure is an error.
func (w *Watcher) CheckAll(ctx context.Context) error {
	cycleID := uuid.NewString()
	start := time.Now()

	clubs := w.cache.ClubSlugs()
	w.logger.Debug("Starting poll cycle", "cycle_id", cycleID, "clubs", len(clubs))

	var delta []*record.Notification
	for _, clubSlug := range clubs {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, aborting poll cycle", "cycle_id", cycleID, "error", ctx.Err())
			return nil
		default:
		}

		fetched, err := w.fetcher.RecentNotifications(ctx, clubSlug)
		if err != nil {
			w.logger.Warn("Notification fetch failed", "cycle_id", cycleID, "club", clubSlug, "error", err)
			// Continue with other clubs despite errors
			continue
		}
		if len(fetched) == 0 {
			continue
		}

		fresh := w.cache.AppendNew(clubSlug, fetched)
		if len(fresh) == 0 {
			continue
		}

		w.logger.Info("New notifications detected",
			"cycle_id", cycleID,
			"club", clubSlug,
			"count", len(fresh))

		for _, n := range fresh {
			if n.PostSlug == "" {
				continue
			}
			// Best effort: the notification still ships without its post.
			if _, err := w.fetcher.FetchPost(ctx, n.PostSlug); err != nil {
				w.logger.Warn("Cascade post fetch failed",
					"cycle_id", cycleID,
					"notification", n.Slug,
					"post", n.PostSlug,
					"error", err)
			}
		}

		delta = append(delta, fresh...)
	}

	if len(delta) == 0 {
		w.logger.Debug("Poll cycle completed, no new notifications",
			"cycle_id", cycleID,
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	}

	w.logger.Info("Delivering notification delta",
		"cycle_id", cycleID,
		"count", len(delta),
		"duration_ms", time.Since(start).Milliseconds())

	if err := w.hook(ctx, delta); err != nil {
		return fmt.Errorf("notification hook: %w", err)
	}
	return nil
}
