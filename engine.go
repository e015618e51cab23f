package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// SelectionState is the lifecycle of the conversation selection.
type SelectionState int

const (
	SelectionUnselected SelectionState = iota
	SelectionOpening
	SelectionActive
	SelectionClosing
)

func (s SelectionState) String() string {
	switch s {
	case SelectionOpening:
		return "opening"
	case SelectionActive:
		return "active"
	case SelectionClosing:
		return "closing"
	}
	return "unselected"
}

// Selection is the selected conversation and its state.
type Selection struct {
	ConversationID string
	State          SelectionState
}

// errNoSelection is wrapped in a SendError when nothing is selected.
var errNoSelection = errors.New("no conversation selected")

// Engine is the client-side synchronization engine.
//
// All state lives on a single scheduler. Public methods are safe to call from
// any goroutine: mutations are posted to the scheduler and snapshot getters
// read published immutable values. Handlers run on the scheduler.
type Engine struct {
	cfg      Config
	backend  Backend
	self     string
	sched    Scheduler
	loop     *Loop
	ctx      context.Context
	cancel   context.CancelFunc
	log      zerolog.Logger
	dir      *DirectoryCache
	presence *PresenceTracker

	// loop-owned
	transport *Transport
	syncer    *Synchronizer
	selection Selection
	session   *Session
	rec       *Reconciler
	openRetry Timer
	bgTimer   Timer
	dirTimer  Timer
	input     string
	started   bool
	closed    bool
	unsubs    []func()

	conversations atomic.Pointer[[]Conversation]
	views         atomic.Pointer[[]ConversationView]
	messages      atomic.Pointer[[]Message]
	activeUsers   atomic.Pointer[[]DirectoryEntry]
	selSnap       atomic.Pointer[Selection]
	inputSnap     atomic.Pointer[string]

	mu              sync.RWMutex
	onConversations []func([]ConversationView)
	onMessages      []func([]Message)
	onActiveUsers   []func([]DirectoryEntry)
	onSelection     []func(Selection)
	onInput         []func(string)
	onSendFailed    []func(*SendError)
	onError         []func(error)
}

// NewEngine creates an engine for the user self. cfg may be nil.
func NewEngine(backend Backend, self string, cfg *Config) *Engine {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	e := &Engine{
		cfg:      c,
		backend:  backend,
		self:     self,
		log:      c.Logger.With().Str("component", "engine").Str("user", self).Logger(),
		dir:      c.Directory,
		presence: c.Presence,
		sched:    c.Scheduler,
	}
	if e.sched == nil {
		e.loop = NewLoop(c.Logger)
		e.sched = e.loop
	}
	if e.dir == nil {
		e.dir = NewDirectoryCache(backend, e.sched, c.DirectoryTTL, c.DirectoryLimit, c.Logger)
	}
	if e.presence == nil {
		e.presence = NewPresenceTracker()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.transport = NewTransport(e.ctx, e.sched, backend, c.PollInterval, c.Logger)
	e.syncer = newSynchronizer(e.ctx, e.sched, backend, e.dir, e.presence, self, &e.cfg, synchronizerHooks{
		conversations: e.publishConversations,
		views:         e.publishViews,
		active:        e.publishActiveUsers,
	})

	empty := ""
	e.inputSnap.Store(&empty)
	e.selSnap.Store(&Selection{})
	return e
}

// Directory returns the directory cache the engine projects from.
func (e *Engine) Directory() *DirectoryCache { return e.dir }

// Presence returns the presence tracker the engine projects from.
func (e *Engine) Presence() *PresenceTracker { return e.presence }

// Start loads the directory and the conversation list. Run calls it.
func (e *Engine) Start() {
	e.sched.Post(e.start)
}

// Run starts the engine and, if it owns its loop, processes it until ctx is
// cancelled or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	e.Start()
	if e.loop == nil {
		<-ctx.Done()
		e.Close()
		return ctx.Err()
	}
	err := e.loop.Run(ctx)
	e.cancel()
	return err
}

// Close deselects, cancels all timers and in-flight requests, and stops the
// owned loop.
func (e *Engine) Close() {
	e.sched.Post(e.teardown)
	if e.loop != nil {
		e.loop.Close()
	}
}

// ============================================================================
// Commands
// ============================================================================

// Select opens conversationID, closing any previous selection. An empty id deselects.
func (e *Engine) Select(conversationID string) {
	e.sched.Post(func() { e.selectConversation(conversationID) })
}

func (e *Engine) Deselect() {
	e.Select("")
}

// SetInput replaces the input buffer.
func (e *Engine) SetInput(text string) {
	e.sched.Post(func() { e.setInput(text) })
}

// Submit sends the input buffer as a text message.
func (e *Engine) Submit() {
	e.sched.Post(func() {
		if e.input == "" {
			return
		}
		e.sendText(e.input)
	})
}

// SendText sends text to the selected conversation.
func (e *Engine) SendText(text string) {
	e.sched.Post(func() { e.sendText(text) })
}

// SendAttachment validates the file, uploads it and sends it as a file or
// image message. Validation failures return immediately without network access.
func (e *Engine) SendAttachment(fileName string, data []byte) error {
	att, err := ValidateAttachment(fileName, data, e.cfg.MaxAttachmentSize, e.cfg.AllowedMimeTypes)
	if err != nil {
		return err
	}
	e.sched.Post(func() { e.sendAttachment(att) })
	return nil
}

// CreateConversation starts a conversation with participantID and selects it.
func (e *Engine) CreateConversation(participantID string) {
	e.sched.Post(func() { e.createConversation(participantID) })
}

// DeleteConversation removes a conversation, deselecting it if open.
func (e *Engine) DeleteConversation(conversationID string) {
	e.sched.Post(func() { e.deleteConversation(conversationID) })
}

// Refresh forces a conversation list reload.
func (e *Engine) Refresh() {
	e.sched.Post(func() {
		if !e.closed {
			e.syncer.Refresh(true)
		}
	})
}

// NotifyInbound reports a message announced out of band, for example by the
// live feed. The open conversation is polled at once; others trigger a soft
// list refresh.
func (e *Engine) NotifyInbound(m Message) {
	e.sched.Post(func() {
		if e.closed {
			return
		}
		if e.session != nil && m.ConversationID == e.selection.ConversationID {
			e.session.Poll()
			return
		}
		e.syncer.Refresh(false)
	})
}

// ============================================================================
// Snapshots
// ============================================================================

// Conversations returns the last published conversation list.
func (e *Engine) Conversations() []Conversation { return loadSlice(&e.conversations) }

// Views returns the last published conversation views.
func (e *Engine) Views() []ConversationView { return loadSlice(&e.views) }

// Messages returns the displayed messages of the selected conversation.
func (e *Engine) Messages() []Message { return loadSlice(&e.messages) }

// ActiveUsers returns online students and tutors other than self.
func (e *Engine) ActiveUsers() []DirectoryEntry { return loadSlice(&e.activeUsers) }

func (e *Engine) Selection() Selection { return *e.selSnap.Load() }

func (e *Engine) Input() string { return *e.inputSnap.Load() }

func loadSlice[T any](p *atomic.Pointer[[]T]) []T {
	if v := p.Load(); v != nil {
		return *v
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (e *Engine) OnConversations(h func([]ConversationView)) {
	e.mu.Lock()
	e.onConversations = append(e.onConversations, h)
	e.mu.Unlock()
}

func (e *Engine) OnMessages(h func([]Message)) {
	e.mu.Lock()
	e.onMessages = append(e.onMessages, h)
	e.mu.Unlock()
}

func (e *Engine) OnActiveUsers(h func([]DirectoryEntry)) {
	e.mu.Lock()
	e.onActiveUsers = append(e.onActiveUsers, h)
	e.mu.Unlock()
}

func (e *Engine) OnSelection(h func(Selection)) {
	e.mu.Lock()
	e.onSelection = append(e.onSelection, h)
	e.mu.Unlock()
}

func (e *Engine) OnInput(h func(string)) {
	e.mu.Lock()
	e.onInput = append(e.onInput, h)
	e.mu.Unlock()
}

// OnSendFailed is called when a send is rejected. The error carries the content.
func (e *Engine) OnSendFailed(h func(*SendError)) {
	e.mu.Lock()
	e.onSendFailed = append(e.onSendFailed, h)
	e.mu.Unlock()
}

// OnError is called for non-fatal failures such as a missing conversation.
func (e *Engine) OnError(h func(error)) {
	e.mu.Lock()
	e.onError = append(e.onError, h)
	e.mu.Unlock()
}

func emit[T any](e *Engine, hs *[]func(T), v T) {
	e.mu.RLock()
	handlers := *hs
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("Handler panicked")
				}
			}()
			h(v)
		}()
	}
}

// ============================================================================
// Loop-side implementation
// ============================================================================

func (e *Engine) start() {
	if e.started || e.closed {
		return
	}
	e.started = true
	e.unsubs = append(e.unsubs,
		e.dir.Subscribe(func() { e.sched.Post(e.inputsChanged) }),
		e.presence.Subscribe(func(*PresenceSet) { e.sched.Post(e.inputsChanged) }),
	)
	e.syncer.LoadDirectory()
	e.syncer.Refresh(true)
	e.syncer.InputsChanged()
	e.scheduleDirectory()
	e.scheduleBackground()
}

func (e *Engine) inputsChanged() {
	if !e.closed {
		e.syncer.InputsChanged()
	}
}

func (e *Engine) scheduleDirectory() {
	e.dirTimer = e.sched.AfterFunc(e.cfg.DirectoryTTL, func() {
		e.dirTimer = nil
		if e.closed {
			return
		}
		e.syncer.LoadDirectory()
		e.scheduleDirectory()
	})
}

func (e *Engine) scheduleBackground() {
	if e.cfg.BackgroundRefresh < 0 {
		return
	}
	e.bgTimer = e.sched.AfterFunc(e.cfg.BackgroundRefresh, func() {
		e.bgTimer = nil
		if e.closed {
			return
		}
		e.syncer.Refresh(false)
		e.scheduleBackground()
	})
}

func (e *Engine) teardown() {
	if e.closed {
		return
	}
	e.closeSelection()
	e.closed = true
	e.syncer.Stop()
	for _, t := range []Timer{e.dirTimer, e.bgTimer} {
		if t != nil {
			t.Stop()
		}
	}
	e.dirTimer, e.bgTimer = nil, nil
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.cancel()
	e.log.Debug().Msg("Engine closed")
}

func (e *Engine) selectConversation(id string) {
	if e.closed {
		return
	}
	if id != "" && id == e.selection.ConversationID {
		return
	}
	e.closeSelection()
	if id == "" {
		return
	}

	e.setSelection(Selection{ConversationID: id, State: SelectionOpening})
	var (
		sess *Session
		rec  *Reconciler
	)
	rec = newReconciler(e.sched, id, e.self, e.cfg.ReconcileWindow, e.cfg.Logger,
		func() { sess.LoadHistory(rec.ReloadDone) },
		e.publishMessages,
	)
	sess = e.transport.Open(id, SessionHandlers{
		OnMessage: func(m Message) {
			rec.Observe(m)
			if m.SenderID != e.self {
				e.markRead(id)
			}
		},
		OnConversationNotFound: func() { e.conversationGone(id) },
		OnError:                e.emitError,
	})
	e.session, e.rec = sess, rec
	e.publishMessages([]Message{})
	e.openHistory(sess, rec)
}

func (e *Engine) openHistory(sess *Session, rec *Reconciler) {
	sess.LoadHistory(func(msgs []Message, err error) {
		if e.session != sess {
			return
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// handled by OnConversationNotFound
				return
			}
			e.openRetry = e.sched.AfterFunc(e.cfg.PollInterval, func() {
				e.openRetry = nil
				if e.session == sess {
					e.openHistory(sess, rec)
				}
			})
			return
		}
		rec.Reset(msgs)
		e.setSelection(Selection{ConversationID: sess.ConversationID(), State: SelectionActive})
		sess.Start()
		e.markRead(sess.ConversationID())
	})
}

func (e *Engine) closeSelection() {
	if e.selection.State == SelectionUnselected {
		return
	}
	id := e.selection.ConversationID
	e.setSelection(Selection{ConversationID: id, State: SelectionClosing})
	if e.openRetry != nil {
		e.openRetry.Stop()
		e.openRetry = nil
	}
	if e.rec != nil {
		e.rec.Cancel()
	}
	if e.session != nil {
		e.session.Close()
	}
	e.session, e.rec = nil, nil
	e.publishMessages([]Message{})
	e.setSelection(Selection{})
}

// conversationGone handles a conversation deleted elsewhere.
func (e *Engine) conversationGone(id string) {
	if e.selection.ConversationID != id {
		return
	}
	e.log.Info().Str("conversation", id).Msg("Selected conversation no longer exists")
	e.closeSelection()
	e.syncer.Refresh(true)
	e.emitError(&conversationError{ConversationID: id, Err: ErrNotFound})
}

func (e *Engine) sendText(text string) {
	if e.closed || text == "" {
		return
	}
	e.send(Draft{Content: text, Kind: KindText})
}

func (e *Engine) send(d Draft) {
	if e.session == nil || e.rec == nil {
		e.failSend(d, nil, e.selection.ConversationID, errNoSelection)
		return
	}
	sess, rec := e.session, e.rec
	temp := rec.Begin(d)
	if d.Kind == KindText {
		e.setInput("")
	}
	e.post(sess, rec, temp.ID, d, nil)
}

// post sends d for the optimistic message tempID.
func (e *Engine) post(sess *Session, rec *Reconciler, tempID string, d Draft, att *Attachment) {
	sess.Send(d, func(_ *Message, err error) {
		if err != nil {
			if e.rec == rec {
				rec.Rollback(tempID)
			}
			e.failSend(d, att, sess.ConversationID(), err)
			return
		}
		// accepted; the confirmation is matched when a poll delivers it
		if e.session == sess {
			sess.Poll()
		}
	})
}

// failSend restores the input when the user has not typed anything new and
// reports the failure with the original content.
func (e *Engine) failSend(d Draft, att *Attachment, conversationID string, err error) {
	e.log.Warn().Err(err).Str("conversation", conversationID).Msg("Send failed")
	if d.Kind == KindText && e.input == "" {
		e.setInput(d.Content)
	}
	emit(e, &e.onSendFailed, &SendError{
		ConversationID: conversationID,
		Content:        d.Content,
		Kind:           d.Kind,
		Attachment:     att,
		Err:            err,
	})
}

// sendAttachment shows the file as pending while it uploads and posts it once
// the upload returns a URL.
func (e *Engine) sendAttachment(att *Attachment) {
	if e.closed {
		return
	}
	sess, rec := e.session, e.rec
	d := Draft{Content: att.FileName, Kind: att.Kind}
	if sess == nil || rec == nil {
		e.failSend(d, att, "", errNoSelection)
		return
	}
	temp := rec.Stage(d)
	await(e.sched, func() (*UploadResult, error) {
		return e.backend.UploadFile(e.ctx, att.FileName, att.Data, att.MimeType)
	}, func(res *UploadResult, err error) {
		if e.closed {
			return
		}
		if err == nil && e.session != sess {
			err = ErrClosed
		}
		if err != nil {
			if e.rec == rec {
				rec.Rollback(temp.ID)
			}
			e.failSend(d, att, sess.ConversationID(), err)
			return
		}
		d.AttachmentURL = res.URL
		rec.Arm(temp.ID, res.URL)
		e.post(sess, rec, temp.ID, d, att)
	})
}

func (e *Engine) createConversation(participantID string) {
	if e.closed {
		return
	}
	if participantID == "" || participantID == e.self {
		e.emitError(&ValidationError{Field: "participantId", Reason: "must be another user"})
		return
	}
	await(e.sched, func() (*Conversation, error) {
		return e.backend.CreateConversation(e.ctx, participantID)
	}, func(c *Conversation, err error) {
		if e.closed {
			return
		}
		if err != nil {
			e.emitError(err)
			return
		}
		e.syncer.Refresh(true)
		e.selectConversation(c.ID)
	})
}

func (e *Engine) deleteConversation(id string) {
	if e.closed {
		return
	}
	await(e.sched, func() (struct{}, error) {
		return struct{}{}, e.backend.DeleteConversation(e.ctx, id)
	}, func(_ struct{}, err error) {
		if e.closed {
			return
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			e.emitError(&conversationError{ConversationID: id, Err: err})
			return
		}
		if e.selection.ConversationID == id {
			e.closeSelection()
		}
		e.syncer.Refresh(true)
	})
}

func (e *Engine) markRead(id string) {
	rm, ok := e.backend.(ReadMarker)
	if !ok {
		return
	}
	await(e.sched, func() (struct{}, error) {
		return struct{}{}, rm.MarkRead(e.ctx, id)
	}, func(_ struct{}, err error) {
		if e.closed {
			return
		}
		if err != nil {
			e.log.Debug().Err(err).Str("conversation", id).Msg("Mark read failed")
			return
		}
		e.syncer.Refresh(false)
	})
}

// ============================================================================
// Publishing
// ============================================================================

func (e *Engine) setSelection(s Selection) {
	if s == e.selection {
		return
	}
	e.selection = s
	e.selSnap.Store(&s)
	emit(e, &e.onSelection, s)
}

func (e *Engine) setInput(text string) {
	if text == e.input {
		return
	}
	e.input = text
	e.inputSnap.Store(&text)
	emit(e, &e.onInput, text)
}

func (e *Engine) publishConversations(list []Conversation) {
	e.conversations.Store(&list)
}

func (e *Engine) publishViews(views []ConversationView) {
	e.views.Store(&views)
	emit(e, &e.onConversations, views)
}

func (e *Engine) publishActiveUsers(users []DirectoryEntry) {
	e.activeUsers.Store(&users)
	emit(e, &e.onActiveUsers, users)
}

func (e *Engine) publishMessages(msgs []Message) {
	e.messages.Store(&msgs)
	emit(e, &e.onMessages, msgs)
}

func (e *Engine) emitError(err error) {
	emit(e, &e.onError, err)
}

// conversationError attaches the conversation to a failure.
type conversationError struct {
	ConversationID string
	Err            error
}

func (e *conversationError) Error() string {
	return "conversation " + e.ConversationID + ": " + e.Err.Error()
}

func (e *conversationError) Unwrap() error { return e.Err }
