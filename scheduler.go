package chatsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Timer is a cancellable delayed task.
type Timer interface {
	// Stop cancels the timer. It returns false if the task already ran.
	Stop() bool
}

// Scheduler is the single logical thread all engine state lives on.
//
// Post and AfterFunc callbacks run one at a time on that thread. Go runs blocking
// work off the thread; its result must come back through Post.
type Scheduler interface {
	Clock
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Go(fn func())
}

// await runs work off the loop and delivers its result on the loop.
func await[T any](s Scheduler, work func() (T, error), done func(T, error)) {
	s.Go(func() {
		v, err := work()
		s.Post(func() { done(v, err) })
	})
}

// ============================================================================
// Loop
// ============================================================================

// Loop is the production Scheduler: one goroutine draining an unbounded task queue.
type Loop struct {
	log zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop creates a loop. Call Run to start processing.
func NewLoop(log zerolog.Logger) *Loop {
	return &Loop{
		log:  log.With().Str("component", "loop").Logger(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

// Post enqueues fn. Tasks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs fn on a new goroutine.
func (l *Loop) Go(fn func()) { go fn() }

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
	fired   atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.stopped.Store(true)
	t.t.Stop()
	return !t.fired.Load()
}

// AfterFunc runs fn on the loop after d. A stopped timer never runs fn, even if
// its expiry was already queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Load() {
				return
			}
			lt.fired.Store(true)
			fn()
		})
	})
	return lt
}

// Run processes tasks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}
		if closed {
			return nil
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Close stops accepting tasks. Run drains what is queued and returns.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("panic", fmt.Sprint(r)).Msg("Recovered panic in loop task")
		}
	}()
	fn()
}
