package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tutorhub/chatsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long: "Open a conversation and print messages as they arrive, along with who is online.\n" +
		"Lines typed on stdin are sent; '/file <path>' sends an attachment.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		s, err := loadSettings()
		if err != nil {
			return err
		}
		log := newLogger()
		ecfg, err := s.engineConfig(log)
		if err != nil {
			return err
		}

		client := s.client(log)
		engine := chatsync.NewEngine(client, s.userID, ecfg)
		feed := chatsync.NewPresenceFeed(s.baseURL, engine.Presence(), s.feedConfig(log))
		feed.OnMessage(engine.NotifyInbound)
		feed.OnStateChange(func(st chatsync.FeedState) {
			log.Debug().Str("state", string(st)).Msg("Presence feed")
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := &messagePrinter{self: s.userID, dir: engine.Directory(), seen: make(map[string]bool)}
		engine.OnMessages(p.print)
		engine.OnActiveUsers(func(users []chatsync.DirectoryEntry) {
			names := make([]string, len(users))
			for i, u := range users {
				names[i] = u.Name
			}
			fmt.Printf("* online: %s\n", valueOrDefault(strings.Join(names, ", "), "nobody"))
		})
		engine.OnSendFailed(func(e *chatsync.SendError) {
			fmt.Fprintf(os.Stderr, "! not sent: %q (%v)\n", e.Content, e.Err)
		})
		engine.OnError(func(err error) {
			if errors.Is(err, chatsync.ErrNotFound) {
				fmt.Fprintln(os.Stderr, "! conversation no longer exists")
				stop()
				return
			}
			log.Warn().Err(err).Msg("Sync error")
		})

		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Presence feed stopped")
			}
		}()
		go readInput(engine, log)

		engine.Select(conversationID)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// messagePrinter prints each confirmed message once. It runs on the engine loop.
type messagePrinter struct {
	self string
	dir  *chatsync.DirectoryCache
	seen map[string]bool
}

func (p *messagePrinter) print(msgs []chatsync.Message) {
	for _, m := range msgs {
		if m.IsTemporary() || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true

		who := m.SenderID
		if m.SenderID == p.self {
			who = "you"
		} else if e, ok := p.dir.Lookup(m.SenderID); ok {
			who = e.Name
		}
		body := m.Content
		if m.Kind != chatsync.KindText {
			body = fmt.Sprintf("[%s] %s %s", m.Kind, m.Content, m.AttachmentURL)
		}
		fmt.Printf("%s %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, body)
	}
}

func readInput(engine *chatsync.Engine, log zerolog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		path, ok := strings.CutPrefix(line, "/file ")
		if !ok {
			engine.SendText(line)
			continue
		}
		path = strings.TrimSpace(path)
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			continue
		}
		if err := engine.SendAttachment(filepath.Base(path), data); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	}
	if err := sc.Err(); err != nil {
		log.Debug().Err(err).Msg("Stopped reading input")
	}
}
