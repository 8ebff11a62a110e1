// Package cache stores materialized records by slug and tracks, per club, the
// ordered list of notifications already seen. Writes overwrite, nothing is
// evicted; the cache lives exactly as long as the session that fills it.
package cache

import (
	"sync"

	"github.com/codeGROOVE-dev/ucube/pkg/record"
)

// Cache is safe for concurrent use by the caller, the watcher, and a
// detached login task.
type Cache struct {
	mu            sync.RWMutex
	clubs         map[string]*record.Club
	boards        map[string]*record.Board
	posts         map[string]*record.Post
	users         map[string]*record.User
	notifications map[string]*record.Notification
	comments      map[string]*record.Comment

	// seen holds, per club, the ordered dedup baseline for the watcher.
	// It only ever grows; the watcher appends through AppendNew.
	seen      map[string][]*record.Notification
	seenSlugs map[string]map[string]struct{}
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		clubs:         make(map[string]*record.Club),
		boards:        make(map[string]*record.Board),
		posts:         make(map[string]*record.Post),
		users:         make(map[string]*record.User),
		notifications: make(map[string]*record.Notification),
		comments:      make(map[string]*record.Comment),
		seen:          make(map[string][]*record.Notification),
		seenSlugs:     make(map[string]map[string]struct{}),
	}
}

// PutClub stores a club, overwriting any entry with the same slug.
func (c *Cache) PutClub(club *record.Club) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clubs[club.Slug] = club
}

// Club looks up a club by slug.
func (c *Cache) Club(slug string) (*record.Club, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	club, ok := c.clubs[slug]
	return club, ok
}

// Clubs returns all cached clubs.
func (c *Cache) Clubs() []*record.Club {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clubs := make([]*record.Club, 0, len(c.clubs))
	for _, club := range c.clubs {
		clubs = append(clubs, club)
	}
	return clubs
}

// ClubSlugs returns the slugs of all cached clubs.
func (c *Cache) ClubSlugs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slugs := make([]string, 0, len(c.clubs))
	for slug := range c.clubs {
		slugs = append(slugs, slug)
	}
	return slugs
}

// PutBoard stores a board.
func (c *Cache) PutBoard(board *record.Board) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boards[board.Slug] = board
}

// Board looks up a board by slug.
func (c *Cache) Board(slug string) (*record.Board, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	board, ok := c.boards[slug]
	return board, ok
}

// Boards returns all cached boards.
func (c *Cache) Boards() []*record.Board {
	c.mu.RLock()
	defer c.mu.RUnlock()
	boards := make([]*record.Board, 0, len(c.boards))
	for _, board := range c.boards {
		boards = append(boards, board)
	}
	return boards
}

// PutPost stores a post.
func (c *Cache) PutPost(post *record.Post) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts[post.Slug] = post
}

// Post looks up a post by slug.
func (c *Cache) Post(slug string) (*record.Post, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	post, ok := c.posts[slug]
	return post, ok
}

// Posts returns all cached posts.
func (c *Cache) Posts() []*record.Post {
	c.mu.RLock()
	defer c.mu.RUnlock()
	posts := make([]*record.Post, 0, len(c.posts))
	for _, post := range c.posts {
		posts = append(posts, post)
	}
	return posts
}

// PutUser stores a user.
func (c *Cache) PutUser(user *record.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[user.Slug] = user
}

// User looks up a user by slug.
func (c *Cache) User(slug string) (*record.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	user, ok := c.users[slug]
	return user, ok
}

// PutNotification stores a notification.
func (c *Cache) PutNotification(n *record.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications[n.Slug] = n
}

// Notification looks up a notification by slug.
func (c *Cache) Notification(slug string) (*record.Notification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.notifications[slug]
	return n, ok
}

// PutComment stores a comment.
func (c *Cache) PutComment(comment *record.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.comments[comment.Slug] = comment
}

// Comment looks up a comment by slug.
func (c *Cache) Comment(slug string) (*record.Comment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comment, ok := c.comments[slug]
	return comment, ok
}

// SeenNotifications returns a copy of a club's ordered seen list.
func (c *Cache) SeenNotifications(clubSlug string) []*record.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := c.seen[clubSlug]
	out := make([]*record.Notification, len(seen))
	copy(out, seen)
	return out
}

// SeenSlugs returns the slugs of a club's seen list, in order.
func (c *Cache) SeenSlugs(clubSlug string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := c.seen[clubSlug]
	slugs := make([]string, 0, len(seen))
	for _, n := range seen {
		slugs = append(slugs, n.Slug)
	}
	return slugs
}

// SeedSeen marks notification slugs as already seen for a club without full
// records, so a restarted process does not re-announce old notifications.
func (c *Cache) SeedSeen(clubSlug string, slugs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index := c.seenIndex(clubSlug)
	for _, slug := range slugs {
		if _, ok := index[slug]; ok {
			continue
		}
		index[slug] = struct{}{}
		c.seen[clubSlug] = append(c.seen[clubSlug], &record.Notification{Slug: slug, ClubSlug: clubSlug})
	}
}

// AppendNew partitions fetched notifications against a club's seen list and
// appends the unseen ones, returning them in fetch order. Dedup and append
// happen atomically under the lock, so each notification is surfaced at most
// once even when fetches run in parallel.
func (c *Cache) AppendNew(clubSlug string, fetched []*record.Notification) []*record.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := c.seenIndex(clubSlug)
	var fresh []*record.Notification
	for _, n := range fetched {
		if _, ok := index[n.Slug]; ok {
			continue
		}
		index[n.Slug] = struct{}{}
		c.seen[clubSlug] = append(c.seen[clubSlug], n)
		c.notifications[n.Slug] = n
		fresh = append(fresh, n)
	}
	return fresh
}

// seenIndex returns the slug index for a club, creating it if needed.
// Callers must hold the lock.
func (c *Cache) seenIndex(clubSlug string) map[string]struct{} {
	index, ok := c.seenSlugs[clubSlug]
	if !ok {
		index = make(map[string]struct{})
		c.seenSlugs[clubSlug] = index
	}
	return index
}
