//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutorhub/chatsync"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s environment variable is required", key)
	}
	return v
}

func newClient(t *testing.T) *chatsync.Client {
	t.Helper()
	return chatsync.NewClient(requireEnv(t, "CHATSYNC_TOKEN_TEST"),
		chatsync.WithBaseURL(requireEnv(t, "CHATSYNC_BASE_URL_TEST")),
		chatsync.WithTimeout(15*time.Second),
		chatsync.WithClientLogger(zerolog.New(zerolog.NewTestWriter(t))),
	)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Group 1: REST backend
// =======================================================================

func TestIntegration_Client(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("ListConversations", func(t *testing.T) {
		convs, err := client.ListConversations(ctx)
		if err != nil {
			t.Fatalf("ListConversations error: %v", err)
		}
		t.Logf("ListConversations: count=%d", len(convs))
	})

	t.Run("ListUsers", func(t *testing.T) {
		users, err := client.ListUsers(ctx, chatsync.DefaultDirectoryLimit)
		if err != nil {
			t.Fatalf("ListUsers error: %v", err)
		}
		if len(users) == 0 {
			t.Error("expected a non-empty directory")
		}
		t.Logf("ListUsers: count=%d", len(users))
	})

	t.Run("MissingConversation", func(t *testing.T) {
		_, err := client.MessageHistory(ctx, fmt.Sprintf("missing-%d", time.Now().UnixNano()))
		if err == nil {
			t.Fatal("expected an error for a missing conversation")
		}
		t.Logf("MessageHistory(missing): %v", err)
	})
}

// =======================================================================
// Group 2: Engine lifecycle
// =======================================================================

func TestIntegration_EngineLifecycle(t *testing.T) {
	client := newClient(t)
	self := requireEnv(t, "CHATSYNC_USER_ID_TEST")
	peer := requireEnv(t, "CHATSYNC_PEER_ID_TEST")

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	engine := chatsync.NewEngine(client, self, &chatsync.Config{
		Logger: zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel),
	})
	engine.OnError(func(err error) { t.Logf("engine error: %v", err) })
	engine.OnSendFailed(func(err *chatsync.SendError) { t.Errorf("send failed: %v", err) })

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	engine.CreateConversation(peer)
	waitFor(t, "the new conversation to open", 30*time.Second, func() bool {
		return engine.Selection().State == chatsync.SelectionActive
	})
	convID := engine.Selection().ConversationID
	t.Logf("Opened conversation %s", convID)

	text := fmt.Sprintf("integration %d", time.Now().UnixNano())
	engine.SendText(text)
	waitFor(t, "the send to be confirmed", 30*time.Second, func() bool {
		for _, m := range engine.Messages() {
			if m.Content == text && !m.IsTemporary() {
				return true
			}
		}
		return false
	})

	waitFor(t, "the conversation list to show the message", 30*time.Second, func() bool {
		for _, v := range engine.Views() {
			if v.ID == convID && strings.HasSuffix(v.Preview, text) {
				return true
			}
		}
		return false
	})

	engine.DeleteConversation(convID)
	waitFor(t, "the selection to clear", 30*time.Second, func() bool {
		return engine.Selection().State == chatsync.SelectionUnselected
	})

	cancel()
	<-done
}

// =======================================================================
// Group 3: Presence feed
// =======================================================================

func TestIntegration_PresenceFeed(t *testing.T) {
	for _, transport := range []chatsync.FeedTransport{chatsync.TransportWebSocket, chatsync.TransportSSE} {
		t.Run(string(transport), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			tracker := chatsync.NewPresenceTracker()
			feed := chatsync.NewPresenceFeed(requireEnv(t, "CHATSYNC_BASE_URL_TEST"), tracker, &chatsync.FeedConfig{
				Token:     requireEnv(t, "CHATSYNC_TOKEN_TEST"),
				Transport: transport,
				Logger:    zerolog.New(zerolog.NewTestWriter(t)),
			})
			snapshot := make(chan *chatsync.PresenceSet, 1)
			feed.OnSnapshot(func(s *chatsync.PresenceSet) {
				select {
				case snapshot <- s:
				default:
				}
			})
			go feed.Run(ctx)

			select {
			case s := <-snapshot:
				t.Logf("Presence snapshot: online=%d", s.Len())
			case <-ctx.Done():
				t.Fatal("timed out waiting for a presence snapshot")
			}
		})
	}
}
