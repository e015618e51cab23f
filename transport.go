package chatsync

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// SessionHandlers receive session events on the loop.
type SessionHandlers struct {
	// OnMessage runs once for every message the session had not seen before.
	OnMessage func(Message)
	// OnConversationNotFound runs once when the backend reports the conversation
	// missing. Polling stops afterwards.
	OnConversationNotFound func()
	// OnError runs for transient failures. Polling continues.
	OnError func(error)
}

// Transport owns the polling session of the selected conversation.
// All methods must be called on the loop.
type Transport struct {
	ctx      context.Context
	sched    Scheduler
	backend  Backend
	interval time.Duration
	log      zerolog.Logger

	current *Session
	nextID  uint64
}

// NewTransport creates a transport polling every interval. ctx bounds all requests.
func NewTransport(ctx context.Context, sched Scheduler, backend Backend, interval time.Duration, log zerolog.Logger) *Transport {
	return &Transport{
		ctx:      ctx,
		sched:    sched,
		backend:  backend,
		interval: interval,
		log:      log.With().Str("component", "transport").Logger(),
	}
}

// Open closes the current session, if any, and opens one for conversationID.
func (t *Transport) Open(conversationID string, h SessionHandlers) *Session {
	if t.current != nil {
		t.current.Close()
	}
	t.nextID++
	ctx, cancel := context.WithCancel(t.ctx)
	s := &Session{
		t:              t,
		id:             t.nextID,
		conversationID: conversationID,
		h:              h,
		ctx:            ctx,
		cancel:         cancel,
		known:          make(map[string]struct{}),
		log:            t.log.With().Str("conversation", conversationID).Uint64("session", t.nextID).Logger(),
	}
	t.current = s
	s.log.Debug().Msg("Session opened")
	return s
}

// Current returns the open session or nil.
func (t *Transport) Current() *Session {
	if t.current != nil && t.current.closed {
		return nil
	}
	return t.current
}

// Close closes the current session.
func (t *Transport) Close() {
	if t.current != nil {
		t.current.Close()
		t.current = nil
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is the polling context of one conversation.
type Session struct {
	t              *Transport
	id             uint64
	conversationID string
	h              SessionHandlers
	ctx            context.Context
	cancel         context.CancelFunc
	log            zerolog.Logger

	known     map[string]struct{}
	busy      bool
	loads     []func([]Message, error)
	started   bool
	pollTimer Timer
	closed    bool
	notFound  bool
}

func (s *Session) ConversationID() string { return s.conversationID }

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed }

// LoadHistory fetches the full ordered history. Every returned message becomes
// known, so later polls do not deliver it again. done runs on the loop unless
// the session was closed meanwhile.
//
// A session has at most one history request outstanding. A load issued while a
// poll is in flight waits for it, so its snapshot is never older than what the
// poll already delivered.
func (s *Session) LoadHistory(done func([]Message, error)) {
	if s.closed {
		return
	}
	s.loads = append(s.loads, done)
	s.next()
}

// Start schedules the first poll one interval from now.
func (s *Session) Start() {
	s.started = true
	s.schedule()
}

// Poll pulls history now and delivers unseen messages in timestamp order.
// It is a no-op while another history request is outstanding.
func (s *Session) Poll() {
	if s.closed || s.notFound || s.busy {
		return
	}
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}

	s.fetch(func(msgs []Message, err error) {
		if err != nil {
			s.fail(err)
			s.schedule()
			return
		}

		fresh := 0
		for _, m := range msgs {
			if _, ok := s.known[m.ID]; ok {
				continue
			}
			s.known[m.ID] = struct{}{}
			fresh++
			if s.h.OnMessage != nil {
				s.h.OnMessage(m)
			}
			if s.closed {
				return
			}
		}
		if fresh > 0 {
			s.log.Debug().Int("new", fresh).Msg("Poll delivered messages")
		}
		s.schedule()
	})
}

// next issues the queued loads as one request.
func (s *Session) next() {
	if s.closed || s.busy || len(s.loads) == 0 {
		return
	}
	waiters := s.loads
	s.loads = nil
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}

	s.fetch(func(msgs []Message, err error) {
		if err != nil {
			s.fail(err)
		} else {
			for _, m := range msgs {
				s.known[m.ID] = struct{}{}
			}
		}
		for _, done := range waiters {
			if s.closed {
				return
			}
			done(msgs, err)
		}
		if s.started {
			s.schedule()
		}
	})
}

// fetch runs one history request. done runs on the loop with sorted messages
// unless the session was closed meanwhile. Queued loads go out afterwards.
func (s *Session) fetch(done func([]Message, error)) {
	s.busy = true
	await(s.t.sched, func() ([]Message, error) {
		return s.t.backend.MessageHistory(s.ctx, s.conversationID)
	}, func(msgs []Message, err error) {
		s.busy = false
		if s.closed {
			return
		}
		if err == nil {
			sortMessages(msgs)
		}
		done(msgs, err)
		s.next()
	})
}

// Send posts a message. done runs on the loop once the server accepted or
// rejected it, even if the session was closed meanwhile.
func (s *Session) Send(d Draft, done func(*Message, error)) {
	if s.closed {
		done(nil, ErrClosed)
		return
	}
	convID := s.conversationID
	await(s.t.sched, func() (*Message, error) {
		return s.t.backend.PostMessage(s.t.ctx, convID, d)
	}, done)
}

// Close stops polling and discards results of in-flight requests.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	s.log.Debug().Msg("Session closed")
}

func (s *Session) schedule() {
	if s.closed || s.notFound || s.pollTimer != nil {
		return
	}
	s.pollTimer = s.t.sched.AfterFunc(s.t.interval, func() {
		s.pollTimer = nil
		s.Poll()
	})
}

func (s *Session) fail(err error) {
	if errors.Is(err, ErrNotFound) {
		if s.notFound {
			return
		}
		s.notFound = true
		if s.pollTimer != nil {
			s.pollTimer.Stop()
			s.pollTimer = nil
		}
		s.log.Info().Msg("Conversation not found, polling stopped")
		if s.h.OnConversationNotFound != nil {
			s.h.OnConversationNotFound()
		}
		return
	}
	s.log.Warn().Err(err).Msg("Transient transport error, retrying on next poll")
	if s.h.OnError != nil {
		s.h.OnError(err)
	}
}

func sortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
