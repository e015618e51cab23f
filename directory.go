package chatsync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DirectoryFetcher is the part of Backend the directory cache reads from.
type DirectoryFetcher interface {
	ListUsers(ctx context.Context, limit int) ([]DirectoryEntry, error)
	GetUser(ctx context.Context, id string) (*DirectoryEntry, error)
}

type directorySnapshot struct {
	list      []DirectoryEntry
	byID      map[string]DirectoryEntry
	fetchedAt time.Time
}

// DirectoryCache memoizes the user directory with a time-to-live.
//
// Writes happen only on the fetch path; readers get immutable snapshots and must
// not modify them.
type DirectoryCache struct {
	fetcher DirectoryFetcher
	clock   Clock
	ttl     time.Duration
	limit   int
	log     zerolog.Logger

	mu    sync.Mutex // serializes writers
	snap  atomic.Pointer[directorySnapshot]
	extra map[string]DirectoryEntry
	group singleflight.Group

	subMu  sync.Mutex
	subs   map[int]func()
	nextID int
}

// NewDirectoryCache creates an empty cache. limit bounds the list request.
func NewDirectoryCache(fetcher DirectoryFetcher, clock Clock, ttl time.Duration, limit int, log zerolog.Logger) *DirectoryCache {
	c := &DirectoryCache{
		fetcher: fetcher,
		clock:   clock,
		ttl:     ttl,
		limit:   limit,
		log:     log.With().Str("component", "directory").Logger(),
		extra:   make(map[string]DirectoryEntry),
		subs:    make(map[int]func()),
	}
	c.snap.Store(&directorySnapshot{byID: map[string]DirectoryEntry{}})
	return c
}

// Fresh reports whether the cached list is within its deadline.
func (c *DirectoryCache) Fresh() bool {
	s := c.snap.Load()
	return !s.fetchedAt.IsZero() && c.clock.Now().Before(s.fetchedAt.Add(c.ttl))
}

// Snapshot returns the cached list without fetching.
func (c *DirectoryCache) Snapshot() []DirectoryEntry {
	return c.snap.Load().list
}

// Lookup returns a cached entry without fetching.
func (c *DirectoryCache) Lookup(id string) (DirectoryEntry, bool) {
	e, ok := c.snap.Load().byID[id]
	return e, ok
}

// Entries returns the directory, fetching it only when the cache is stale.
// On fetch failure the last-known-good entries are returned with the error.
func (c *DirectoryCache) Entries(ctx context.Context) ([]DirectoryEntry, error) {
	if c.Fresh() {
		return c.Snapshot(), nil
	}
	if err := c.Refresh(ctx); err != nil {
		return c.Snapshot(), err
	}
	return c.Snapshot(), nil
}

// Refresh fetches the directory regardless of freshness. Concurrent calls share
// one request.
func (c *DirectoryCache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("list", func() (interface{}, error) {
		list, err := c.fetcher.ListUsers(ctx, c.limit)
		if err != nil {
			c.log.Warn().Err(err).Msg("Directory fetch failed, keeping last-known-good entries")
			return nil, fmt.Errorf("list users: %w", err)
		}
		c.store(list)
		return nil, nil
	})
	return err
}

// Resolve returns the entry for id, fetching that single user on a miss.
func (c *DirectoryCache) Resolve(ctx context.Context, id string) (DirectoryEntry, error) {
	if e, ok := c.Lookup(id); ok {
		return e, nil
	}
	v, err, _ := c.group.Do("user:"+id, func() (interface{}, error) {
		e, err := c.fetcher.GetUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get user %s: %w", id, err)
		}
		if e == nil {
			return nil, fmt.Errorf("get user %s: %w", id, ErrNotFound)
		}
		c.storeOne(*e)
		return *e, nil
	})
	if err != nil {
		return DirectoryEntry{}, err
	}
	return v.(DirectoryEntry), nil
}

// Invalidate marks the list stale so the next Entries call fetches.
func (c *DirectoryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.snap.Load()
	c.snap.Store(&directorySnapshot{list: cur.list, byID: cur.byID})
}

// Subscribe registers fn to run after every change. The returned func removes it.
func (c *DirectoryCache) Subscribe(fn func()) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *DirectoryCache) store(list []DirectoryEntry) {
	list = slices.Clone(list)

	c.mu.Lock()
	prev := c.snap.Load()
	byID := make(map[string]DirectoryEntry, len(list)+len(c.extra))
	for id, e := range c.extra {
		byID[id] = e
	}
	for _, e := range list {
		byID[e.ID] = e
		delete(c.extra, e.ID)
	}
	changed := !slices.EqualFunc(prev.list, list, entryEqual)
	c.snap.Store(&directorySnapshot{list: list, byID: byID, fetchedAt: c.clock.Now()})
	c.mu.Unlock()

	c.log.Debug().Int("entries", len(list)).Bool("changed", changed).Msg("Directory refreshed")
	if changed {
		c.notify()
	}
}

func (c *DirectoryCache) storeOne(e DirectoryEntry) {
	c.mu.Lock()
	prev := c.snap.Load()
	if old, ok := prev.byID[e.ID]; ok && entryEqual(old, e) {
		c.mu.Unlock()
		return
	}
	byID := make(map[string]DirectoryEntry, len(prev.byID)+1)
	for id, v := range prev.byID {
		byID[id] = v
	}
	byID[e.ID] = e
	c.extra[e.ID] = e
	c.snap.Store(&directorySnapshot{list: prev.list, byID: byID, fetchedAt: prev.fetchedAt})
	c.mu.Unlock()

	c.notify()
}

func (c *DirectoryCache) notify() {
	c.subMu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func entryEqual(a, b DirectoryEntry) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Email == b.Email && a.Role == b.Role &&
		slices.Equal(a.Subjects, b.Subjects)
}
