package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutorhub/chatsync"
)

var onlineTimeout time.Duration

func init() {
	onlineCmd.Flags().DurationVar(&onlineTimeout, "timeout", 10*time.Second, "How long to wait for the presence snapshot")
	rootCmd.AddCommand(onlineCmd)
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List users who are online now",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		log := newLogger()
		client := s.client(log)

		ctx, cancel := context.WithTimeout(context.Background(), onlineTimeout)
		defer cancel()

		fcfg := s.feedConfig(log)
		fcfg.AutoReconnect = false
		feed := chatsync.NewPresenceFeed(s.baseURL, chatsync.NewPresenceTracker(), fcfg)
		got := make(chan *chatsync.PresenceSet, 1)
		feed.OnSnapshot(func(set *chatsync.PresenceSet) {
			select {
			case got <- set:
			default:
			}
		})
		go feed.Run(ctx)

		dir := chatsync.NewDirectoryCache(client, chatsync.SystemClock, chatsync.DefaultDirectoryTTL, chatsync.DefaultDirectoryLimit, log)
		if _, err := dir.Entries(ctx); err != nil {
			log.Warn().Err(err).Msg("Directory unavailable, showing ids")
		}

		var set *chatsync.PresenceSet
		select {
		case set = <-got:
		case <-ctx.Done():
			return fmt.Errorf("no presence snapshot within %s", onlineTimeout)
		}

		n := 0
		for _, id := range set.IDs() {
			if id == s.userID {
				continue
			}
			n++
			if e, ok := dir.Lookup(id); ok {
				fmt.Printf("%-24s %-10s %s\n", e.Name, e.Role, id)
			} else {
				fmt.Printf("%-24s %-10s %s\n", chatsync.PlaceholderTitle, "", id)
			}
		}
		if n == 0 {
			fmt.Println("Nobody else is online.")
		}
		return nil
	},
}
