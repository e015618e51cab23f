package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutorhub/chatsync"
)

var (
	sendFile string
	sendJSON bool
)

func init() {
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Send a file or image attachment instead of text")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text...]",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		text := strings.TrimSpace(strings.Join(args[1:], " "))
		if text == "" && sendFile == "" {
			return fmt.Errorf("nothing to send: pass text or --file")
		}

		s, err := loadSettings()
		if err != nil {
			return err
		}
		client := s.client(newLogger())

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		draft := chatsync.Draft{Content: text, Kind: chatsync.KindText}
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return fmt.Errorf("cannot read file: %w", err)
			}
			att, err := chatsync.ValidateAttachment(filepath.Base(sendFile), data,
				chatsync.DefaultMaxAttachmentSize, chatsync.DefaultAllowedMimeTypes)
			if err != nil {
				return err
			}
			up, err := client.UploadFile(ctx, att.FileName, att.Data, att.MimeType)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			draft = chatsync.Draft{Content: att.FileName, Kind: att.Kind, AttachmentURL: up.URL}
		}

		msg, err := client.PostMessage(ctx, conversationID, draft)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendJSON {
			return json.NewEncoder(os.Stdout).Encode(msg)
		}
		if msg != nil && msg.ID != "" {
			fmt.Printf("Sent %s message %s.\n", draft.Kind, msg.ID)
		} else {
			fmt.Printf("Sent %s message.\n", draft.Kind)
		}
		return nil
	},
}
