package ucube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/ucube/pkg/record"
	"github.com/codeGROOVE-dev/ucube/session"
)

// fakePlatform is an httptest-backed stand-in for the UCube API.
type fakePlatform struct {
	mu            sync.Mutex
	notifications []string // slugs, newest last
	logins        int
	rejectLogin   bool
	rejectMe      bool
}

func (f *fakePlatform) addNotification(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, slug)
}

func (f *fakePlatform) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakePlatform) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/v1/auth/login":
			f.logins++
			if f.rejectLogin {
				http.Error(w, `{"message":"wrong password"}`, http.StatusForbidden)
				return
			}
			fmt.Fprint(w, `{"token":"bearer-1","refresh_token":"refresh-1"}`)
		case r.URL.Path == "/v1/me":
			if f.rejectMe {
				http.Error(w, "", http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"slug":"me","nick_name":"fan"}`)
		case r.URL.Path == "/v1/clubs":
			fmt.Fprint(w, `{"items":[{"slug":"club1","artist_name":"Artist One","color_1":"#111111"}]}`)
		case r.URL.Path == "/v1/boards":
			fmt.Fprint(w, `{"items":[{"slug":"board1","name":"Notice","type":"notice","club_slug":"club1","active_flag":true}]}`)
		case r.URL.Path == "/v1/notifications":
			var items []string
			for _, slug := range f.notifications {
				items = append(items, fmt.Sprintf(`{"slug":%q,"club_slug":"club1","content":"body of %s"}`, slug, slug))
			}
			fmt.Fprintf(w, `{"items":[%s]}`, strings.Join(items, ","))
		default:
			t.Logf("unhandled path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

type batchCollector struct {
	mu      sync.Mutex
	batches [][]*record.Notification
	signal  chan struct{}
}

func newBatchCollector() *batchCollector {
	return &batchCollector{signal: make(chan struct{}, 16)}
}

func (b *batchCollector) hook(_ context.Context, fresh []*record.Notification) error {
	b.mu.Lock()
	b.batches = append(b.batches, fresh)
	b.mu.Unlock()
	b.signal <- struct{}{}
	return nil
}

func (b *batchCollector) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func newTestClient(srv *httptest.Server, hook func(context.Context, []*record.Notification) error) *Client {
	return New(Config{
		Username:     "user",
		Password:     "pass",
		BaseSite:     srv.URL,
		HTTPClient:   srv.Client(),
		Logger:       slog.Default(),
		Hook:         hook,
		PollInterval: 20 * time.Millisecond,
		LoginTimeout: 2 * time.Second,
	})
}

func TestStartNoCredentials(t *testing.T) {
	client := New(Config{Logger: slog.Default()})
	err := client.Start(context.Background(), nil)
	if !errors.Is(err, session.ErrInvalidCredentials) {
		t.Errorf("Start() = %v, want ErrInvalidCredentials", err)
	}
}

func TestStartInvalidToken(t *testing.T) {
	platform := &fakePlatform{rejectMe: true}
	srv := httptest.NewServer(platform.handler(t))
	defer srv.Close()

	client := New(Config{
		Token:      "stale-token",
		BaseSite:   srv.URL,
		HTTPClient: srv.Client(),
		Logger:     slog.Default(),
	})
	err := client.Start(context.Background(), nil)
	if !errors.Is(err, session.ErrInvalidToken) {
		t.Errorf("Start() = %v, want ErrInvalidToken", err)
	}
}

func TestStartLoginRejected(t *testing.T) {
	platform := &fakePlatform{rejectLogin: true}
	srv := httptest.NewServer(platform.handler(t))
	defer srv.Close()

	client := newTestClient(srv, nil)
	err := client.Start(context.Background(), nil)
	if err == nil {
		t.Fatal("Start() = nil, want a login error")
	}
	if !session.IsLoginError(err) {
		t.Errorf("Start() = %v, want a LoginError", err)
	}
}

// TestStartAndPoll runs the whole flow against a fake platform: login, club
// load, baseline seeding, and exactly-once delivery of a notification
// published after startup.
func TestStartAndPoll(t *testing.T) {
	platform := &fakePlatform{notifications: []string{"old-1", "old-2"}}
	srv := httptest.NewServer(platform.handler(t))
	defer srv.Close()

	collector := newBatchCollector()
	client := newTestClient(srv, collector.hook)
	defer client.Stop()

	if err := client.Start(context.Background(), &StartOptions{LoadBoards: true}); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	if _, ok := client.Club("club1"); !ok {
		t.Fatal("club1 not cached after Start")
	}
	if _, ok := client.Board("board1"); !ok {
		t.Error("board1 not cached after Start with LoadBoards")
	}
	if account, ok := client.Account(); !ok || account.Slug != "me" {
		t.Errorf("Account() = %+v, %v", account, ok)
	}

	// Startup history is seeded, not announced.
	if got := client.SeenSlugs("club1"); len(got) != 2 {
		t.Fatalf("baseline = %v, want the two pre-start notifications", got)
	}

	platform.addNotification("new-1")

	select {
	case <-collector.signal:
	case <-time.After(3 * time.Second):
		t.Fatal("hook never fired for the new notification")
	}

	collector.mu.Lock()
	batch := collector.batches[0]
	collector.mu.Unlock()
	if len(batch) != 1 || batch[0].Slug != "new-1" {
		t.Fatalf("delta = %+v, want only new-1", batch)
	}
	if batch[0].Body != "body of new-1" {
		t.Errorf("Body = %q", batch[0].Body)
	}

	// No re-delivery on later cycles.
	time.Sleep(100 * time.Millisecond)
	if collector.count() != 1 {
		t.Errorf("hook fired %d times, want exactly once", collector.count())
	}

	if _, ok := client.Notification("new-1"); !ok {
		t.Error("delivered notification not in the cache")
	}
}

func TestStartIdempotent(t *testing.T) {
	platform := &fakePlatform{}
	srv := httptest.NewServer(platform.handler(t))
	defer srv.Close()

	client := newTestClient(srv, nil)
	defer client.Stop()

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	logins := platform.loginCount()
	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("second Start() = %v", err)
	}
	if got := platform.loginCount(); got != logins {
		t.Errorf("second Start performed %d extra logins", got-logins)
	}
}

func TestSeedSeenSuppressesDelivery(t *testing.T) {
	platform := &fakePlatform{}
	srv := httptest.NewServer(platform.handler(t))
	defer srv.Close()

	collector := newBatchCollector()
	client := newTestClient(srv, collector.hook)
	defer client.Stop()

	if err := client.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	// Simulate a restored baseline covering a notification that will appear.
	client.SeedSeen("club1", []string{"restored-1"})
	platform.addNotification("restored-1")

	time.Sleep(100 * time.Millisecond)
	if collector.count() != 0 {
		t.Errorf("hook fired %d times for a seeded notification, want 0", collector.count())
	}
}
