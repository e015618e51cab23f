package chatsync

import (
	"slices"
	"sync"
	"sync/atomic"
)

// PresenceSet is an immutable set of online user ids.
type PresenceSet struct {
	ids map[string]struct{}
}

// NewPresenceSet builds a set from ids. Duplicates collapse.
func NewPresenceSet(ids ...string) *PresenceSet {
	s := &PresenceSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// Has reports membership.
func (s *PresenceSet) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

func (s *PresenceSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns the members in sorted order.
func (s *PresenceSet) IDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *PresenceSet) Equal(o *PresenceSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	if s == nil {
		return true
	}
	for id := range s.ids {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// PresenceTracker holds the latest presence snapshot.
//
// Every update replaces the whole set: a user absent from the latest snapshot is
// offline, whatever earlier snapshots said. The tracker never queries the backend.
type PresenceTracker struct {
	cur atomic.Pointer[PresenceSet]

	mu     sync.Mutex
	subs   map[int]func(*PresenceSet)
	nextID int
}

func NewPresenceTracker() *PresenceTracker {
	t := &PresenceTracker{subs: make(map[int]func(*PresenceSet))}
	t.cur.Store(NewPresenceSet())
	return t
}

// Replace installs ids as the new online set. Subscribers run only if the set changed.
func (t *PresenceTracker) Replace(ids []string) {
	next := NewPresenceSet(ids...)

	t.mu.Lock()
	prev := t.cur.Load()
	if prev.Equal(next) {
		t.mu.Unlock()
		return
	}
	t.cur.Store(next)
	fns := make([]func(*PresenceSet), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

// IsOnline answers from the latest snapshot in constant time.
func (t *PresenceTracker) IsOnline(id string) bool {
	return t.cur.Load().Has(id)
}

// Snapshot returns the current set.
func (t *PresenceTracker) Snapshot() *PresenceSet {
	return t.cur.Load()
}

// Subscribe registers fn for snapshot changes. The returned func removes it.
func (t *PresenceTracker) Subscribe(fn func(*PresenceSet)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}
