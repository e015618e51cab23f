package chatsync

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// PlaceholderTitle is shown for conversations whose peer is not in the directory yet.
const PlaceholderTitle = "Unknown user"

const previewLength = 80

type refreshState int

const (
	refreshIdle refreshState = iota
	refreshPending
	refreshInFlight
)

func (s refreshState) String() string {
	switch s {
	case refreshPending:
		return "pending"
	case refreshInFlight:
		return "in_flight"
	}
	return "idle"
}

// Synchronizer owns the conversation list and its derived projections.
// It lives on the loop.
type Synchronizer struct {
	ctx      context.Context
	sched    Scheduler
	backend  Backend
	dir      *DirectoryCache
	presence *PresenceTracker
	self     string
	delay    time.Duration
	limiter  *rate.Limiter
	log      zerolog.Logger

	state       refreshState
	timer       Timer
	forceQueued bool
	stopped     bool
	fetches     int
	resolving   map[string]bool

	conversations []Conversation
	views         []ConversationView
	active        []DirectoryEntry
	activeIDs     []string

	onConversations func([]Conversation)
	onViews         func([]ConversationView)
	onActive        func([]DirectoryEntry)
}

type synchronizerHooks struct {
	conversations func([]Conversation)
	views         func([]ConversationView)
	active        func([]DirectoryEntry)
}

func newSynchronizer(ctx context.Context, sched Scheduler, backend Backend, dir *DirectoryCache, presence *PresenceTracker, self string, cfg *Config, hooks synchronizerHooks) *Synchronizer {
	return &Synchronizer{
		ctx:             ctx,
		sched:           sched,
		backend:         backend,
		dir:             dir,
		presence:        presence,
		self:            self,
		delay:           cfg.RefreshDelay,
		limiter:         rate.NewLimiter(rate.Every(cfg.RefreshMinInterval), 1),
		log:             cfg.Logger.With().Str("component", "synchronizer").Logger(),
		resolving:       make(map[string]bool),
		onConversations: hooks.conversations,
		onViews:         hooks.views,
		onActive:        hooks.active,
	}
}

// Conversations returns the current list. The slice is shared; do not modify it.
func (s *Synchronizer) Conversations() []Conversation { return s.conversations }

func (s *Synchronizer) Views() []ConversationView { return s.views }

func (s *Synchronizer) ActiveUsers() []DirectoryEntry { return s.active }

// Fetches returns how many list requests were issued.
func (s *Synchronizer) Fetches() int { return s.fetches }

// Has reports whether id is in the current list.
func (s *Synchronizer) Has(id string) bool {
	return slices.ContainsFunc(s.conversations, func(c Conversation) bool { return c.ID == id })
}

// Refresh requests a list reload.
//
// A forced refresh runs now, replacing any pending soft one; if a fetch is in
// flight it runs again right after. A soft refresh is dropped while another is
// pending or in flight, or if one was accepted within the minimum interval;
// otherwise it runs after the batching delay.
func (s *Synchronizer) Refresh(force bool) {
	if s.stopped {
		return
	}
	if force {
		switch s.state {
		case refreshPending:
			s.timer.Stop()
			s.timer = nil
		case refreshInFlight:
			s.forceQueued = true
			return
		}
		s.fetch()
		return
	}

	if s.state != refreshIdle {
		s.log.Debug().Str("state", s.state.String()).Msg("Soft refresh coalesced")
		return
	}
	if !s.limiter.AllowN(s.sched.Now(), 1) {
		s.log.Debug().Msg("Soft refresh throttled")
		return
	}
	s.state = refreshPending
	s.timer = s.sched.AfterFunc(s.delay, func() {
		s.timer = nil
		s.fetch()
	})
}

func (s *Synchronizer) fetch() {
	s.state = refreshInFlight
	s.fetches++
	await(s.sched, func() ([]Conversation, error) {
		return s.backend.ListConversations(s.ctx)
	}, func(list []Conversation, err error) {
		s.state = refreshIdle
		if s.stopped {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("Conversation list refresh failed, keeping previous list")
		} else {
			s.apply(list)
		}
		if s.forceQueued {
			s.forceQueued = false
			s.fetch()
		}
	})
}

// apply installs list unless it is structurally equal to the current one.
func (s *Synchronizer) apply(list []Conversation) bool {
	if s.conversations != nil && conversationsEqual(s.conversations, list) {
		s.log.Debug().Msg("Conversation list unchanged")
		return false
	}
	if list == nil {
		list = []Conversation{}
	}
	s.conversations = list
	if s.onConversations != nil {
		s.onConversations(list)
	}
	s.projectViews()
	return true
}

// Stop cancels the pending refresh and ignores in-flight results.
func (s *Synchronizer) Stop() {
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = refreshIdle
}

// InputsChanged re-projects views and active users after a directory or
// presence update.
func (s *Synchronizer) InputsChanged() {
	if s.stopped {
		return
	}
	s.projectViews()
	s.projectActive()
}

// LoadDirectory fetches the directory when stale. Changes come back through
// the directory subscription.
func (s *Synchronizer) LoadDirectory() {
	if s.dir.Fresh() {
		return
	}
	await(s.sched, func() (struct{}, error) {
		_, err := s.dir.Entries(s.ctx)
		return struct{}{}, err
	}, func(_ struct{}, err error) {
		if err != nil {
			s.log.Warn().Err(err).Msg("Directory load failed")
		}
	})
}

func (s *Synchronizer) projectViews() {
	online := s.presence.Snapshot()
	next := make([]ConversationView, 0, len(s.conversations))
	for _, c := range s.conversations {
		peer := c.Peer(s.self)
		v := ConversationView{
			ID:         c.ID,
			PeerID:     peer,
			PeerOnline: online.Has(peer),
			Unread:     c.Unread(s.self),
		}
		if e, ok := s.dir.Lookup(peer); ok {
			v.Title = e.Name
			v.PeerRole = e.Role
		} else {
			v.Title = PlaceholderTitle
			v.Placeholder = true
			s.resolve(peer)
		}
		if lm := c.LastMessage; lm != nil {
			v.Preview = preview(lm, s.self)
			v.LastMessageAt = lm.CreatedAt
		} else {
			v.LastMessageAt = c.UpdatedAt
		}
		next = append(next, v)
	}

	if s.views != nil && viewsEqual(s.views, next) {
		return
	}
	s.views = next
	if s.onViews != nil {
		s.onViews(next)
	}
}

// resolve looks up a missing peer without blocking the projection.
func (s *Synchronizer) resolve(id string) {
	if id == "" || s.resolving[id] {
		return
	}
	s.resolving[id] = true
	await(s.sched, func() (DirectoryEntry, error) {
		return s.dir.Resolve(s.ctx, id)
	}, func(_ DirectoryEntry, err error) {
		if err != nil {
			s.log.Warn().Err(err).Str("user", id).Msg("Could not resolve conversation peer")
			// a missing user stays marked so it is not fetched on every
			// projection; a transient failure is retried by the next one
			if IsTransient(err) {
				delete(s.resolving, id)
			}
			return
		}
		delete(s.resolving, id)
		if s.stopped {
			return
		}
		// the peer exists but the cached list did not carry it
		s.dir.Invalidate()
		s.LoadDirectory()
	})
}

func (s *Synchronizer) projectActive() {
	online := s.presence.Snapshot()
	var next []DirectoryEntry
	for _, e := range s.dir.Snapshot() {
		if e.ID == s.self || !online.Has(e.ID) {
			continue
		}
		if e.Role != RoleStudent && e.Role != RoleTutor {
			continue
		}
		next = append(next, e)
	}
	slices.SortFunc(next, func(a, b DirectoryEntry) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	ids := make([]string, len(next))
	for i, e := range next {
		ids[i] = e.ID
	}
	sortedIDs := slices.Clone(ids)
	slices.Sort(sortedIDs)
	if s.activeIDs != nil && slices.Equal(s.activeIDs, sortedIDs) {
		return
	}
	s.activeIDs = sortedIDs
	if next == nil {
		next = []DirectoryEntry{}
	}
	s.active = next
	if s.onActive != nil {
		s.onActive(next)
	}
}

func preview(lm *LastMessage, self string) string {
	text := lm.Content
	switch lm.Kind {
	case KindFile:
		text = "[file] " + text
	case KindImage:
		text = "[image] " + text
	}
	if utf8.RuneCountInString(text) > previewLength {
		r := []rune(text)
		text = string(r[:previewLength-1]) + "…"
	}
	if lm.SenderID == self {
		return "You: " + text
	}
	return text
}
