package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Deterministic scheduler
// ============================================================================

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeScheduler runs everything on the test goroutine. Posted tasks and
// background jobs run on flush; timers fire on advance. With hold set, jobs
// stay queued so tests can observe in-flight state.
type fakeScheduler struct {
	now    time.Time
	tasks  []func()
	jobs   []func()
	timers []*fakeTimer
	seq    int
	hold   bool
}

type fakeTimer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: testEpoch}
}

func (s *fakeScheduler) Now() time.Time { return s.now }

func (s *fakeScheduler) Post(fn func()) { s.tasks = append(s.tasks, fn) }

func (s *fakeScheduler) Go(fn func()) { s.jobs = append(s.jobs, fn) }

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.seq++
	t := &fakeTimer{at: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// flush runs queued tasks and, unless held, background jobs until both are empty.
func (s *fakeScheduler) flush() {
	for i := 0; i < 100000; i++ {
		if len(s.tasks) > 0 {
			fn := s.tasks[0]
			s.tasks = s.tasks[1:]
			fn()
			continue
		}
		if !s.hold && len(s.jobs) > 0 {
			fn := s.jobs[0]
			s.jobs = s.jobs[1:]
			fn()
			continue
		}
		return
	}
	panic("fakeScheduler: flush did not settle")
}

// release runs held jobs.
func (s *fakeScheduler) release() {
	s.hold = false
	s.flush()
}

// advance moves the clock forward by d, firing due timers in order.
func (s *fakeScheduler) advance(d time.Duration) {
	target := s.now.Add(d)
	s.flush()
	for {
		t := s.nextTimer(target)
		if t == nil {
			break
		}
		s.now = t.at
		t.fired = true
		t.fn()
		s.flush()
	}
	s.now = target
	s.flush()
}

func (s *fakeScheduler) nextTimer(until time.Time) *fakeTimer {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.timers = live
	sort.Slice(live, func(i, j int) bool {
		if !live[i].at.Equal(live[j].at) {
			return live[i].at.Before(live[j].at)
		}
		return live[i].seq < live[j].seq
	})
	if len(live) == 0 || live[0].at.After(until) {
		return nil
	}
	return live[0]
}

// pendingTimers counts timers that have neither fired nor been stopped.
func (s *fakeScheduler) pendingTimers() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// In-memory backend
// ============================================================================

type fakeBackend struct {
	mu    sync.Mutex
	self  string
	clock Clock

	conversations []Conversation
	messages      map[string][]Message
	users         []DirectoryEntry
	hidden        map[string]DirectoryEntry // resolvable only through GetUser
	missing       map[string]bool

	// echo makes posted messages appear in history, as a real server would.
	echo bool

	listErr    error
	historyErr error
	postErr    error
	usersErr   error
	userErr    error
	uploadErr  error

	calls   map[string]int
	history map[string]int
	posted  []Draft
	read    []string
	nextID  int
}

func newFakeBackend(self string, clock Clock) *fakeBackend {
	return &fakeBackend{
		self:     self,
		clock:    clock,
		messages: make(map[string][]Message),
		hidden:   make(map[string]DirectoryEntry),
		missing:  make(map[string]bool),
		calls:    make(map[string]int),
		history:  make(map[string]int),
	}
}

func notFound() error {
	return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "not found"}
}

func unavailable() error {
	return &APIError{Status: http.StatusServiceUnavailable, Code: "UNAVAILABLE", Message: "try again"}
}

func (b *fakeBackend) addConversation(id, peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations = append(b.conversations, Conversation{
		ID:           id,
		Participants: []string{b.self, peer},
		UpdatedAt:    testEpoch,
	})
}

func (b *fakeBackend) addMessage(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[m.ConversationID] = append(b.messages[m.ConversationID], m)
}

// remove deletes a conversation as if another participant had deleted it.
func (b *fakeBackend) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations = slices.DeleteFunc(b.conversations, func(c Conversation) bool { return c.ID == id })
	delete(b.messages, id)
	b.missing[id] = true
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) historyCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history[id]
}

func (b *fakeBackend) ListConversations(ctx context.Context) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["list"]++
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]Conversation, len(b.conversations))
	for i, c := range b.conversations {
		c.Participants = slices.Clone(c.Participants)
		out[i] = c
	}
	return out, nil
}

func (b *fakeBackend) CreateConversation(ctx context.Context, participantID string) (*Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["create"]++
	b.nextID++
	c := Conversation{
		ID:           fmt.Sprintf("conv-new-%d", b.nextID),
		Participants: []string{b.self, participantID},
		UpdatedAt:    b.clock.Now(),
	}
	b.conversations = append(b.conversations, c)
	return &c, nil
}

func (b *fakeBackend) DeleteConversation(ctx context.Context, id string) error {
	b.mu.Lock()
	b.calls["delete"]++
	gone := b.missing[id]
	b.mu.Unlock()
	if gone {
		return notFound()
	}
	b.remove(id)
	return nil
}

func (b *fakeBackend) MessageHistory(ctx context.Context, conversationID string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["history"]++
	b.history[conversationID]++
	if b.missing[conversationID] {
		return nil, notFound()
	}
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	return slices.Clone(b.messages[conversationID]), nil
}

func (b *fakeBackend) PostMessage(ctx context.Context, conversationID string, draft Draft) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["post"]++
	b.posted = append(b.posted, draft)
	if b.missing[conversationID] {
		return nil, notFound()
	}
	if b.postErr != nil {
		return nil, b.postErr
	}
	b.nextID++
	m := Message{
		ID:             fmt.Sprintf("msg-%d", b.nextID),
		ConversationID: conversationID,
		SenderID:       b.self,
		Kind:           draft.Kind,
		Content:        draft.Content,
		AttachmentURL:  draft.AttachmentURL,
		CreatedAt:      b.clock.Now(),
	}
	if b.echo {
		b.messages[conversationID] = append(b.messages[conversationID], m)
	}
	return &m, nil
}

func (b *fakeBackend) ListUsers(ctx context.Context, limit int) ([]DirectoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["users"]++
	if b.usersErr != nil {
		return nil, b.usersErr
	}
	return slices.Clone(b.users), nil
}

func (b *fakeBackend) GetUser(ctx context.Context, id string) (*DirectoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["user:"+id]++
	if b.userErr != nil {
		return nil, b.userErr
	}
	if e, ok := b.hidden[id]; ok {
		return &e, nil
	}
	for _, e := range b.users {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, notFound()
}

func (b *fakeBackend) UploadFile(ctx context.Context, fileName string, data []byte, mimeType string) (*UploadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["upload"]++
	if b.uploadErr != nil {
		return nil, b.uploadErr
	}
	return &UploadResult{URL: "https://files.test/" + fileName, FileName: fileName, MimeType: mimeType}, nil
}

func (b *fakeBackend) MarkRead(ctx context.Context, conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = append(b.read, conversationID)
	return nil
}

// ============================================================================
// Fixtures
// ============================================================================

func msgAt(id, conversationID, sender, content string, offset time.Duration) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Kind:           KindText,
		Content:        content,
		CreatedAt:      testEpoch.Add(offset),
	}
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
