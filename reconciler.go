package chatsync

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pendingSend is an optimistic message waiting for its server counterpart.
type pendingSend struct {
	temp    Message
	timer   Timer
	armed   bool
	expired bool
}

func (p *pendingSend) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (p *pendingSend) matches(m Message) bool {
	return p.temp.ConversationID == m.ConversationID &&
		p.temp.SenderID == m.SenderID &&
		p.temp.Content == m.Content &&
		p.temp.Kind == m.Kind
}

// Reconciler keeps the displayed message sequence of one conversation
// consistent with optimistic sends. It lives on the loop.
//
// Each optimistic message gets a window timer. A confirmed message matching it
// replaces it in place; if none arrives in time the history is reloaded once.
type Reconciler struct {
	sched          Scheduler
	conversationID string
	self           string
	window         time.Duration
	log            zerolog.Logger

	reload  func()
	changed func([]Message)

	messages    []Message
	pending     []*pendingSend
	reloading   bool
	reloadAgain bool
	retryTimer  Timer
	cancelled   bool
}

func newReconciler(sched Scheduler, conversationID, self string, window time.Duration, log zerolog.Logger, reload func(), changed func([]Message)) *Reconciler {
	return &Reconciler{
		sched:          sched,
		conversationID: conversationID,
		self:           self,
		window:         window,
		log:            log.With().Str("component", "reconciler").Str("conversation", conversationID).Logger(),
		reload:         reload,
		changed:        changed,
	}
}

// Messages returns the displayed sequence. Callers must not modify it.
func (r *Reconciler) Messages() []Message {
	return r.messages
}

// Pending returns the number of unconfirmed optimistic messages.
func (r *Reconciler) Pending() int {
	n := 0
	for _, p := range r.pending {
		if !p.expired {
			n++
		}
	}
	return n
}

// Begin inserts an optimistic message for d and starts its window.
func (r *Reconciler) Begin(d Draft) Message {
	p := r.stage(d)
	r.arm(p)
	return p.temp
}

// Stage inserts an optimistic message for d without starting its window. It is
// used while an attachment uploads; Arm starts the window once the message is
// posted.
func (r *Reconciler) Stage(d Draft) Message {
	return r.stage(d).temp
}

// Arm starts the window of a staged message. A non-empty attachmentURL
// replaces the one the message was staged with.
func (r *Reconciler) Arm(tempID, attachmentURL string) bool {
	i := slices.IndexFunc(r.pending, func(p *pendingSend) bool { return p.temp.ID == tempID })
	if r.cancelled || i < 0 || r.pending[i].armed {
		return false
	}
	p := r.pending[i]
	p.temp.CreatedAt = r.sched.Now()
	if attachmentURL != "" {
		p.temp.AttachmentURL = attachmentURL
	}
	next := slices.Clone(r.messages)
	if j := slices.IndexFunc(next, func(m Message) bool { return m.ID == tempID }); j >= 0 {
		next[j] = p.temp
		r.publish(next)
	}
	r.arm(p)
	return true
}

func (r *Reconciler) stage(d Draft) *pendingSend {
	p := &pendingSend{temp: Message{
		ID:             TempIDPrefix + uuid.NewString(),
		ConversationID: r.conversationID,
		SenderID:       r.self,
		Kind:           d.Kind,
		Content:        d.Content,
		AttachmentURL:  d.AttachmentURL,
		CreatedAt:      r.sched.Now(),
	}}
	r.pending = append(r.pending, p)
	r.publish(append(slices.Clone(r.messages), p.temp))
	return p
}

func (r *Reconciler) arm(p *pendingSend) {
	p.armed = true
	p.timer = r.sched.AfterFunc(r.window, func() { r.expire(p) })
}

// Rollback removes an optimistic message whose send failed.
func (r *Reconciler) Rollback(tempID string) bool {
	i := slices.IndexFunc(r.pending, func(p *pendingSend) bool { return p.temp.ID == tempID })
	if i < 0 {
		return false
	}
	r.pending[i].stop()
	r.pending = slices.Delete(r.pending, i, i+1)
	r.publish(slices.DeleteFunc(slices.Clone(r.messages), func(m Message) bool { return m.ID == tempID }))
	return true
}

// Observe merges a message reported by the session.
func (r *Reconciler) Observe(m Message) {
	if r.cancelled || m.ConversationID != r.conversationID {
		return
	}
	if slices.ContainsFunc(r.messages, func(x Message) bool { return x.ID == m.ID }) {
		return
	}

	if m.SenderID == r.self {
		if i := slices.IndexFunc(r.pending, func(p *pendingSend) bool { return p.armed && p.matches(m) }); i >= 0 {
			p := r.pending[i]
			p.stop()
			r.pending = slices.Delete(r.pending, i, i+1)

			next := slices.Clone(r.messages)
			if j := slices.IndexFunc(next, func(x Message) bool { return x.ID == p.temp.ID }); j >= 0 {
				next[j] = m
			} else {
				next = insertMessage(next, m)
			}
			r.log.Debug().Str("temp_id", p.temp.ID).Str("id", m.ID).Msg("Optimistic message confirmed")
			r.publish(next)
			return
		}
	}

	r.publish(insertMessage(slices.Clone(r.messages), m))
}

// Reset replaces the sequence with server history. Unexpired optimistic
// messages not yet present in history stay at the end. Confirmed messages
// newer than everything in history are kept, since the history may have been
// read before they were stored.
func (r *Reconciler) Reset(history []Message) {
	if r.cancelled {
		return
	}
	next := slices.Clone(history)
	inHistory := make(map[string]bool, len(next))
	var newest time.Time
	for _, m := range next {
		inHistory[m.ID] = true
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	for _, m := range r.messages {
		if m.IsTemporary() || inHistory[m.ID] || !m.CreatedAt.After(newest) {
			continue
		}
		next = insertMessage(next, m)
		inHistory[m.ID] = true
	}

	claimed := make(map[string]bool)
	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.expired {
			continue
		}
		j := slices.IndexFunc(next, func(m Message) bool {
			return p.armed && !claimed[m.ID] && p.matches(m) && !m.CreatedAt.Before(p.temp.CreatedAt.Add(-r.window))
		})
		if j >= 0 {
			claimed[next[j].ID] = true
			p.stop()
			continue
		}
		kept = append(kept, p)
	}
	r.pending = kept
	for _, p := range r.pending {
		next = append(next, p.temp)
	}
	r.publish(next)
}

// ReloadDone completes a corrective reload started through the reload hook.
func (r *Reconciler) ReloadDone(history []Message, err error) {
	if r.cancelled {
		return
	}
	r.reloading = false
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return
		}
		// keep the optimistic copy visible and try again after another window
		r.log.Warn().Err(err).Msg("Corrective reload failed, retrying")
		r.retryTimer = r.sched.AfterFunc(r.window, func() {
			r.retryTimer = nil
			r.startReload()
		})
		return
	}
	r.Reset(history)
	if r.reloadAgain {
		r.reloadAgain = false
		r.startReload()
	}
}

// Cancel stops every timer. The reconciler ignores all later input.
func (r *Reconciler) Cancel() {
	r.cancelled = true
	for _, p := range r.pending {
		p.stop()
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

func (r *Reconciler) expire(p *pendingSend) {
	if r.cancelled || p.expired {
		return
	}
	p.expired = true
	r.log.Info().Str("temp_id", p.temp.ID).Dur("window", r.window).Msg("No confirmation within window, reloading history")
	r.startReload()
}

func (r *Reconciler) startReload() {
	if r.cancelled {
		return
	}
	if r.reloading {
		r.reloadAgain = true
		return
	}
	r.reloading = true
	r.reload()
}

func (r *Reconciler) publish(next []Message) {
	r.messages = next
	if r.changed != nil {
		r.changed(next)
	}
}

// insertMessage places m after the last confirmed message not newer than it,
// keeping optimistic messages at the tail.
func insertMessage(msgs []Message, m Message) []Message {
	at := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsTemporary() {
			continue
		}
		if !msgs[i].CreatedAt.After(m.CreatedAt) {
			at = i + 1
			break
		}
	}
	return slices.Insert(msgs, at, m)
}
