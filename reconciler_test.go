package chatsync

import (
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testWindow = 5 * time.Second

type reconcilerHarness struct {
	sched   *fakeScheduler
	rec     *Reconciler
	reloads int
	changes int
}

func newReconcilerHarness() *reconcilerHarness {
	h := &reconcilerHarness{sched: newFakeScheduler()}
	h.rec = newReconciler(h.sched, "c1", "me", testWindow, zerolog.Nop(),
		func() { h.reloads++ },
		func([]Message) { h.changes++ },
	)
	return h
}

// confirmed builds the server copy of an optimistic message.
func confirmed(id string, temp Message) Message {
	m := temp
	m.ID = id
	return m
}

func TestReconcilerConfirmation(t *testing.T) {
	t.Run("confirmation replaces the optimistic message in place", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Observe(msgAt("m1", "c1", "u1", "hi", -time.Minute))
		temp := h.rec.Begin(Draft{Content: "hello", Kind: KindText})

		if !temp.IsTemporary() {
			t.Fatalf("expected a temporary id, got %q", temp.ID)
		}
		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", temp.ID}) {
			t.Fatalf("expected optimistic message at the tail, got %v", got)
		}

		h.sched.advance(time.Second)
		h.rec.Observe(confirmed("m2", temp))

		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", "m2"}) {
			t.Fatalf("expected [m1 m2], got %v", got)
		}
		if h.rec.Pending() != 0 {
			t.Fatalf("expected no pending sends, got %d", h.rec.Pending())
		}

		h.sched.advance(3 * testWindow)
		if h.reloads != 0 {
			t.Fatalf("expected no reload after confirmation, got %d", h.reloads)
		}
	})

	t.Run("a message seen twice is shown once", func(t *testing.T) {
		h := newReconcilerHarness()
		m := msgAt("m1", "c1", "u1", "hi", 0)
		h.rec.Observe(m)
		h.rec.Observe(m)

		if n := len(h.rec.Messages()); n != 1 {
			t.Fatalf("expected 1 message, got %d", n)
		}
	})

	t.Run("peer messages stay ordered ahead of optimistic ones", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Observe(msgAt("m2", "c1", "u1", "second", 2*time.Second))
		temp := h.rec.Begin(Draft{Content: "mine", Kind: KindText})
		h.rec.Observe(msgAt("m1", "c1", "u1", "first", time.Second))
		h.rec.Observe(msgAt("m3", "c1", "u1", "third", 3*time.Second))

		want := []string{"m1", "m2", "m3", temp.ID}
		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("same content from the peer does not confirm", func(t *testing.T) {
		h := newReconcilerHarness()
		temp := h.rec.Begin(Draft{Content: "ok", Kind: KindText})
		h.rec.Observe(msgAt("m1", "c1", "u1", "ok", 0))

		if h.rec.Pending() != 1 {
			t.Fatal("expected the optimistic message to stay pending")
		}
		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", temp.ID}) {
			t.Fatalf("expected both messages, got %v", got)
		}
	})

	t.Run("messages of other conversations are ignored", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Observe(msgAt("x1", "c2", "u2", "elsewhere", 0))
		if len(h.rec.Messages()) != 0 {
			t.Fatal("expected foreign message to be ignored")
		}
	})
}

func TestReconcilerDivergence(t *testing.T) {
	t.Run("missing confirmation triggers exactly one reload", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Begin(Draft{Content: "hello", Kind: KindText})

		h.sched.advance(testWindow - time.Millisecond)
		if h.reloads != 0 {
			t.Fatal("expected no reload before the window closes")
		}
		h.sched.advance(time.Millisecond)
		if h.reloads != 1 {
			t.Fatalf("expected 1 reload, got %d", h.reloads)
		}
		h.sched.advance(10 * testWindow)
		if h.reloads != 1 {
			t.Fatalf("expected still 1 reload, got %d", h.reloads)
		}
	})

	t.Run("reload resolves the duplicate", func(t *testing.T) {
		h := newReconcilerHarness()
		temp := h.rec.Begin(Draft{Content: "hello", Kind: KindText})
		h.sched.advance(testWindow)

		history := []Message{
			msgAt("m1", "c1", "u1", "hi", -time.Minute),
			confirmed("m2", temp),
		}
		h.rec.ReloadDone(history, nil)

		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", "m2"}) {
			t.Fatalf("expected server history, got %v", got)
		}
	})

	t.Run("reload keeps unconfirmed sends that are still in their window", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Begin(Draft{Content: "first", Kind: KindText})
		h.sched.advance(2 * time.Second)
		second := h.rec.Begin(Draft{Content: "second", Kind: KindText})
		h.sched.advance(3 * time.Second)

		h.rec.ReloadDone([]Message{msgAt("m1", "c1", "u1", "hi", 0)}, nil)

		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", second.ID}) {
			t.Fatalf("expected history plus the second send, got %v", got)
		}
		if h.rec.Pending() != 1 {
			t.Fatalf("expected 1 pending send, got %d", h.rec.Pending())
		}
	})

	t.Run("expiry during a reload queues one more", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Begin(Draft{Content: "a", Kind: KindText})
		h.sched.advance(time.Second)
		h.rec.Begin(Draft{Content: "b", Kind: KindText})
		h.sched.advance(testWindow)

		if h.reloads != 1 {
			t.Fatalf("expected 1 reload in flight, got %d", h.reloads)
		}
		h.rec.ReloadDone(nil, nil)
		if h.reloads != 2 {
			t.Fatalf("expected the queued reload to start, got %d", h.reloads)
		}
		h.rec.ReloadDone(nil, nil)
		if h.reloads != 2 {
			t.Fatalf("expected no further reloads, got %d", h.reloads)
		}
	})

	t.Run("failed reload retries after another window", func(t *testing.T) {
		h := newReconcilerHarness()
		temp := h.rec.Begin(Draft{Content: "hello", Kind: KindText})
		h.sched.advance(testWindow)

		h.rec.ReloadDone(nil, unavailable())
		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{temp.ID}) {
			t.Fatalf("expected the optimistic message to stay visible, got %v", got)
		}
		h.sched.advance(testWindow)
		if h.reloads != 2 {
			t.Fatalf("expected a retry, got %d reloads", h.reloads)
		}
	})
}

func TestReconcilerStaleHistory(t *testing.T) {
	t.Run("reset keeps delivered messages newer than the snapshot", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Observe(msgAt("m1", "c1", "u1", "hi", 0))
		h.rec.Observe(msgAt("m3", "c1", "u1", "third", 3*time.Second))

		h.rec.Reset([]Message{
			msgAt("m1", "c1", "u1", "hi", 0),
			msgAt("m2", "c1", "me", "hello", 2*time.Second),
		})
		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", "m2", "m3"}) {
			t.Fatalf("expected [m1 m2 m3], got %v", got)
		}
	})

	t.Run("a corrective reload read before the latest poll loses nothing", func(t *testing.T) {
		h := newReconcilerHarness()
		temp := h.rec.Begin(Draft{Content: "hello", Kind: KindText})
		h.sched.advance(testWindow)
		if h.reloads != 1 {
			t.Fatalf("expected 1 reload, got %d", h.reloads)
		}

		// a poll lands while the reload response is still on its way
		h.rec.Observe(msgAt("m4", "c1", "u1", "late", testWindow+time.Second))
		h.rec.ReloadDone([]Message{
			msgAt("m1", "c1", "u1", "hi", 0),
			confirmed("m2", temp),
		}, nil)

		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", "m2", "m4"}) {
			t.Fatalf("expected [m1 m2 m4], got %v", got)
		}
	})

	t.Run("messages the snapshot already covers are not kept", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Observe(msgAt("m1", "c1", "u1", "hi", 0))
		h.rec.Observe(msgAt("mx", "c1", "u1", "gone", time.Second))

		h.rec.Reset([]Message{
			msgAt("m1", "c1", "u1", "hi", 0),
			msgAt("m2", "c1", "u1", "later", 2*time.Second),
		})
		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", "m2"}) {
			t.Fatalf("expected the snapshot to win, got %v", got)
		}
	})
}

func TestReconcilerStagedSend(t *testing.T) {
	t.Run("a staged message has no window until armed", func(t *testing.T) {
		h := newReconcilerHarness()
		temp := h.rec.Stage(Draft{Content: "photo.png", Kind: KindImage})
		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{temp.ID}) {
			t.Fatalf("expected the staged message shown, got %v", got)
		}

		h.sched.advance(3 * testWindow)
		if h.reloads != 0 {
			t.Fatalf("expected no reload while staged, got %d", h.reloads)
		}

		if !h.rec.Arm(temp.ID, "https://files.test/photo.png") {
			t.Fatal("expected Arm to find the staged message")
		}
		if url := h.rec.Messages()[0].AttachmentURL; url != "https://files.test/photo.png" {
			t.Fatalf("expected the uploaded url, got %q", url)
		}
		if h.rec.Arm(temp.ID, "") {
			t.Fatal("expected a second Arm to be refused")
		}
		h.sched.advance(testWindow)
		if h.reloads != 1 {
			t.Fatalf("expected the window to start on Arm, got %d reloads", h.reloads)
		}
	})

	t.Run("a staged message is not confirmed before it is armed", func(t *testing.T) {
		h := newReconcilerHarness()
		temp := h.rec.Stage(Draft{Content: "photo.png", Kind: KindImage})
		h.rec.Observe(confirmed("m1", temp))

		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", temp.ID}) {
			t.Fatalf("expected the staged message to stay, got %v", got)
		}
		h.rec.Reset(nil)
		if got := messageIDs(h.rec.Messages()); !slices.Equal(got, []string{"m1", temp.ID}) {
			t.Fatalf("expected reset to keep the staged message, got %v", got)
		}
	})

	t.Run("rollback of a staged message", func(t *testing.T) {
		h := newReconcilerHarness()
		temp := h.rec.Stage(Draft{Content: "notes.pdf", Kind: KindFile})
		if !h.rec.Rollback(temp.ID) {
			t.Fatal("expected Rollback to find the staged message")
		}
		if len(h.rec.Messages()) != 0 || h.rec.Pending() != 0 {
			t.Fatalf("expected nothing left, got %v", messageIDs(h.rec.Messages()))
		}
	})
}

func TestReconcilerCancellation(t *testing.T) {
	t.Run("rollback removes the optimistic message", func(t *testing.T) {
		h := newReconcilerHarness()
		temp := h.rec.Begin(Draft{Content: "hello", Kind: KindText})

		if !h.rec.Rollback(temp.ID) {
			t.Fatal("expected rollback to find the message")
		}
		if len(h.rec.Messages()) != 0 {
			t.Fatalf("expected no messages, got %v", messageIDs(h.rec.Messages()))
		}
		h.sched.advance(2 * testWindow)
		if h.reloads != 0 {
			t.Fatalf("expected no reload after rollback, got %d", h.reloads)
		}
		if h.rec.Rollback(temp.ID) {
			t.Fatal("expected second rollback to be a no-op")
		}
	})

	t.Run("cancel stops every timer", func(t *testing.T) {
		h := newReconcilerHarness()
		h.rec.Begin(Draft{Content: "a", Kind: KindText})
		h.rec.Begin(Draft{Content: "b", Kind: KindText})
		h.rec.Cancel()

		h.sched.advance(3 * testWindow)
		if h.reloads != 0 {
			t.Fatalf("expected no reload after cancel, got %d", h.reloads)
		}
		if n := h.sched.pendingTimers(); n != 0 {
			t.Fatalf("expected no live timers, got %d", n)
		}

		changes := h.changes
		h.rec.Observe(msgAt("m1", "c1", "u1", "late", 0))
		if h.changes != changes {
			t.Fatal("expected a cancelled reconciler to ignore input")
		}
	})
}
