// Package ucube is a client SDK for the united-cube.com fan platform. It logs
// in with credentials or a bearer token, caches the account's clubs, boards,
// posts, and users, and watches clubs for new notifications in the background.
package ucube

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/ucube/api"
	"github.com/codeGROOVE-dev/ucube/cache"
	"github.com/codeGROOVE-dev/ucube/pkg/record"
	"github.com/codeGROOVE-dev/ucube/poll"
	"github.com/codeGROOVE-dev/ucube/session"
)

const bulkPageSize = 100

// Config carries everything needed to build a Client. Either Username and
// Password or a Token must be set.
type Config struct {
	Username string
	Password string
	Token    string

	// BaseSite overrides the production site, mainly for tests.
	BaseSite   string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Hook receives each batch of new notifications. Without one, Start does
	// not run the watcher.
	Hook poll.Hook

	PollInterval        time.Duration
	LoginTimeout        time.Duration
	ContinueOnHookError bool
}

// StartOptions selects which objects Start bulk-loads into the cache beyond
// the account's clubs, which are always loaded.
type StartOptions struct {
	LoadBoards     bool
	LoadPosts      bool
	LoadNotices    bool
	LoadMedia      bool
	LoadFromArtist bool
	LoadToArtist   bool
	LoadTalk       bool
	LoadComments   bool

	// FollowAllClubs caches the full club directory instead of only the
	// clubs the account joined, so every club gets watched.
	FollowAllClubs bool
}

// Client is the SDK entry point. All methods are safe for concurrent use.
type Client struct {
	session *session.Session
	api     *api.Client
	cache   *cache.Cache
	logger  *slog.Logger

	hook                poll.Hook
	pollInterval        time.Duration
	loginTimeout        time.Duration
	continueOnHookError bool

	mu      sync.Mutex
	watcher *poll.Watcher
	started bool
	account *record.User
}

// New creates a Client from the config. It performs no network traffic;
// Start does.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	loginTimeout := cfg.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = 15 * time.Second
	}

	creds := session.Credentials{
		Username:   cfg.Username,
		Password:   cfg.Password,
		RememberMe: true,
	}
	sess := session.New(creds, cfg.Token, logger)

	return &Client{
		session:             sess,
		api:                 api.New(sess, httpClient, cfg.BaseSite, loginTimeout, logger),
		cache:               cache.New(),
		logger:              logger,
		hook:                cfg.Hook,
		pollInterval:        cfg.PollInterval,
		loginTimeout:        loginTimeout,
		continueOnHookError: cfg.ContinueOnHookError,
	}
}

// Start authenticates, bulk-loads the requested objects into the cache, seeds
// each club's notification baseline, and launches the watcher when a hook is
// configured. Calling Start on a started client is a no-op; a failed Start
// may be retried.
func (c *Client) Start(ctx context.Context, opts *StartOptions) (err error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.logger.Debug("Client already started, ignoring start")
		return nil
	}
	c.started = true
	c.mu.Unlock()

	defer func() {
		if err != nil {
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
		}
	}()

	if opts == nil {
		opts = &StartOptions{}
	}

	if !c.session.CredentialsPresent() && !c.session.TokenPresent() {
		return session.ErrInvalidCredentials
	}

	if c.session.CredentialsPresent() {
		c.api.LoginAsync(ctx)
		if err := c.session.WaitForLogin(ctx, c.loginTimeout); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	if err := c.checkToken(ctx); err != nil {
		return err
	}

	if err := c.loadClubs(ctx, opts.FollowAllClubs); err != nil {
		return err
	}
	if opts.LoadBoards || opts.LoadPosts {
		if err := c.loadBoards(ctx); err != nil {
			return err
		}
	}
	if opts.LoadPosts {
		if err := c.loadPosts(ctx, opts); err != nil {
			return err
		}
	}
	if opts.LoadComments {
		if err := c.loadComments(ctx); err != nil {
			return err
		}
	}

	c.seedBaselines(ctx)

	if c.hook != nil {
		c.mu.Lock()
		c.watcher = poll.New(c, c.cache, c.hook, c.pollInterval, c.logger)
		c.watcher.ContinueOnHookError = c.continueOnHookError
		watcher := c.watcher
		c.mu.Unlock()
		watcher.Start(ctx)
	}

	c.logger.Info("Client started",
		"clubs", len(c.cache.ClubSlugs()),
		"watching", c.hook != nil)
	return nil
}

// Stop halts the watcher. The cache and session stay usable.
func (c *Client) Stop() {
	c.mu.Lock()
	watcher := c.watcher
	c.started = false
	c.mu.Unlock()
	if watcher != nil {
		watcher.Stop()
	}
}

// Done yields the watcher's terminal error once it exits. Without a watcher
// it returns a channel that never fires.
func (c *Client) Done() <-chan error {
	c.mu.Lock()
	watcher := c.watcher
	c.mu.Unlock()
	if watcher == nil {
		return make(chan error)
	}
	return watcher.Done()
}

// Login runs a blocking re-login with the stored credentials.
func (c *Client) Login(ctx context.Context) error {
	c.api.Login(ctx)
	return c.session.WaitForLogin(ctx, c.loginTimeout)
}

// checkToken validates the bearer token against the me endpoint and caches
// the account's own record. A rejected token with no refresh path is terminal.
func (c *Client) checkToken(ctx context.Context) error {
	data, err := c.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("token check: %w", err)
	}
	if data == nil {
		if c.session.RefreshTokenPresent() {
			// Expiry was recorded; the next call recovers through refresh.
			return nil
		}
		return session.ErrInvalidToken
	}

	account, err := record.BuildUser(data, c.api.BaseSite())
	if err != nil {
		c.logger.Warn("Account record not parseable", "error", err)
		return nil
	}
	c.mu.Lock()
	c.account = account
	c.mu.Unlock()
	c.cache.PutUser(account)
	c.logger.Info("Token check completed", "account", account.Slug)
	return nil
}

// Account returns the authenticated account's own record, if known.
func (c *Client) Account() (*record.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account, c.account != nil
}

func (c *Client) loadClubs(ctx context.Context, followAll bool) error {
	// The clubs listing is paginated; the first page covers the account's
	// clubs. FollowAllClubs walks every page of the directory instead.
	total := 0
	for page := 1; ; page++ {
		endpoint := api.Expand(api.ClubsEndpoint,
			"{feed_amount}", strconv.Itoa(bulkPageSize),
			"{page_number}", strconv.Itoa(page))
		data, err := c.api.FetchPage(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("load clubs: %w", err)
		}
		items, err := api.Items(data)
		if err != nil {
			return fmt.Errorf("load clubs: %w", err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			club, err := record.BuildClub(item, c.api.BaseSite())
			if err != nil {
				c.logger.Warn("Club payload skipped", "error", err)
				continue
			}
			c.cache.PutClub(club)
		}
		total += len(items)

		if !followAll || len(items) < bulkPageSize {
			break
		}
	}

	c.logger.Info("Clubs loaded", "count", total, "directory", followAll)
	return nil
}

func (c *Client) loadBoards(ctx context.Context) error {
	for _, clubSlug := range c.cache.ClubSlugs() {
		endpoint := api.Expand(api.BoardsEndpoint, "{club_slug}", clubSlug)
		data, err := c.api.FetchPage(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("load boards for %s: %w", clubSlug, err)
		}
		items, err := api.Items(data)
		if err != nil {
			c.logger.Warn("Board page not parseable", "club", clubSlug, "error", err)
			continue
		}
		for _, item := range items {
			board, err := record.BuildBoard(item)
			if err != nil {
				c.logger.Warn("Board payload skipped", "club", clubSlug, "error", err)
				continue
			}
			if board.ClubSlug == "" {
				board.ClubSlug = clubSlug
			}
			c.cache.PutBoard(board)
		}
	}
	c.logger.Info("Boards loaded", "count", len(c.cache.Boards()))
	return nil
}

// boardWanted maps a board type to the start option that enables it.
func boardWanted(boardType string, opts *StartOptions) bool {
	switch boardType {
	case "notice":
		return opts.LoadNotices
	case "media":
		return opts.LoadMedia
	case "from_artist":
		return opts.LoadFromArtist
	case "to_artist":
		return opts.LoadToArtist
	case "talk":
		return opts.LoadTalk
	default:
		return false
	}
}

func (c *Client) loadPosts(ctx context.Context, opts *StartOptions) error {
	for _, board := range c.cache.Boards() {
		if !boardWanted(board.Type, opts) {
			continue
		}
		endpoint := api.Expand(api.FeedsEndpoint,
			"{board_slug}", board.Slug,
			"{feed_amount}", strconv.Itoa(bulkPageSize),
			"{page_number}", "1")
		data, err := c.api.FetchPage(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("load posts for %s: %w", board.Slug, err)
		}
		items, err := api.Items(data)
		if err != nil {
			c.logger.Warn("Feed page not parseable", "board", board.Slug, "error", err)
			continue
		}
		for _, item := range items {
			post, err := record.BuildPost(item, c.api.BaseSite())
			if err != nil {
				c.logger.Warn("Post payload skipped", "board", board.Slug, "error", err)
				continue
			}
			if post.BoardSlug == "" {
				post.BoardSlug = board.Slug
			}
			c.cache.PutPost(post)
			if post.Author != nil {
				c.cache.PutUser(post.Author)
			}
		}
	}
	c.logger.Info("Posts loaded", "count", len(c.cache.Posts()))
	return nil
}

func (c *Client) loadComments(ctx context.Context) error {
	for _, post := range c.cache.Posts() {
		endpoint := api.Expand(api.CommentsEndpoint,
			"{post_slug}", post.Slug,
			"{feed_amount}", strconv.Itoa(bulkPageSize),
			"{page_number}", "1")
		data, err := c.api.FetchPage(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("load comments for %s: %w", post.Slug, err)
		}
		items, err := api.Items(data)
		if err != nil {
			c.logger.Warn("Comment page not parseable", "post", post.Slug, "error", err)
			continue
		}
		for _, item := range items {
			comment, err := record.BuildComment(item, c.api.BaseSite())
			if err != nil {
				c.logger.Warn("Comment payload skipped", "post", post.Slug, "error", err)
				continue
			}
			if comment.PostSlug == "" {
				comment.PostSlug = post.Slug
			}
			c.cache.PutComment(comment)
			if comment.Author != nil {
				c.cache.PutUser(comment.Author)
			}
		}
	}
	return nil
}

// seedBaselines records each club's current notifications as already seen so
// the first poll cycle does not re-announce history. Failures are logged and
// skipped; a club with no baseline just announces its backlog once.
func (c *Client) seedBaselines(ctx context.Context) {
	for _, clubSlug := range c.cache.ClubSlugs() {
		fetched, err := c.RecentNotifications(ctx, clubSlug)
		if err != nil {
			c.logger.Warn("Baseline seed failed", "club", clubSlug, "error", err)
			continue
		}
		seeded := c.cache.AppendNew(clubSlug, fetched)
		c.logger.Debug("Baseline seeded", "club", clubSlug, "count", len(seeded))
	}
}

// RecentNotifications fetches the most recent notification page for a club.
func (c *Client) RecentNotifications(ctx context.Context, clubSlug string) ([]*record.Notification, error) {
	endpoint := api.Expand(api.NotificationsEndpoint,
		"{club_slug}", clubSlug,
		"{feed_amount}", strconv.Itoa(poll.RecentLimit),
		"{page_number}", "1")
	data, err := c.api.FetchPage(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	items, err := api.Items(data)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}

	notifications := make([]*record.Notification, 0, len(items))
	for _, item := range items {
		n, err := record.BuildNotification(item)
		if err != nil {
			c.logger.Warn("Notification payload skipped", "club", clubSlug, "error", err)
			continue
		}
		if n.ClubSlug == "" {
			n.ClubSlug = clubSlug
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// FetchPost fetches one post by slug and caches it along with its author.
func (c *Client) FetchPost(ctx context.Context, postSlug string) (*record.Post, error) {
	endpoint := api.Expand(api.FeedDetailEndpoint, "{post_slug}", postSlug)
	data, err := c.api.FetchPage(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch post: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("post %s was not found", postSlug)
	}

	post, err := record.BuildPost(data, c.api.BaseSite())
	if err != nil {
		return nil, fmt.Errorf("fetch post: %w", err)
	}
	c.cache.PutPost(post)
	if post.Author != nil {
		c.cache.PutUser(post.Author)
	}
	return post, nil
}

// Club looks up a cached club by slug.
func (c *Client) Club(slug string) (*record.Club, bool) { return c.cache.Club(slug) }

// Clubs returns all cached clubs.
func (c *Client) Clubs() []*record.Club { return c.cache.Clubs() }

// Board looks up a cached board by slug.
func (c *Client) Board(slug string) (*record.Board, bool) { return c.cache.Board(slug) }

// Boards returns all cached boards.
func (c *Client) Boards() []*record.Board { return c.cache.Boards() }

// Post looks up a cached post by slug.
func (c *Client) Post(slug string) (*record.Post, bool) { return c.cache.Post(slug) }

// User looks up a cached user by slug.
func (c *Client) User(slug string) (*record.User, bool) { return c.cache.User(slug) }

// Notification looks up a cached notification by slug.
func (c *Client) Notification(slug string) (*record.Notification, bool) {
	return c.cache.Notification(slug)
}

// Comment looks up a cached comment by slug.
func (c *Client) Comment(slug string) (*record.Comment, bool) { return c.cache.Comment(slug) }

// SeenSlugs returns the slugs of a club's seen-notification list, in order.
func (c *Client) SeenSlugs(clubSlug string) []string { return c.cache.SeenSlugs(clubSlug) }

// SeedSeen marks notification slugs as already seen for a club, typically
// from a persisted baseline, so they are not re-announced.
func (c *Client) SeedSeen(clubSlug string, slugs []string) { c.cache.SeedSeen(clubSlug, slugs) }
