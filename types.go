package chatsync

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// ============================================================================
// Message Types
// ============================================================================

// MessageKind is the payload type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindFile  MessageKind = "file"
	KindImage MessageKind = "image"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindFile, KindImage:
		return true
	}
	return false
}

// TempIDPrefix marks client-assigned ids of optimistic messages.
const TempIDPrefix = "temp-"

// Message is a single chat message. For file and image messages Content holds the file name.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Kind           MessageKind `json:"type"`
	Content        string      `json:"content"`
	AttachmentURL  string      `json:"fileUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// IsTemporary reports whether m is an unconfirmed optimistic message.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Draft is the user-authored part of a message before the server assigns an id.
type Draft struct {
	Content       string      `json:"content"`
	Kind          MessageKind `json:"type"`
	AttachmentURL string      `json:"fileUrl,omitempty"`
}

// ============================================================================
// Conversation Types
// ============================================================================

// LastMessage is the denormalized snapshot of a conversation's latest message.
type LastMessage struct {
	Content   string      `json:"content"`
	Kind      MessageKind `json:"type,omitempty"`
	SenderID  string      `json:"senderId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Conversation is a two-party conversation as reported by the backend.
type Conversation struct {
	ID           string         `json:"id"`
	Participants []string       `json:"participants"`
	LastMessage  *LastMessage   `json:"lastMessage,omitempty"`
	UnreadCounts map[string]int `json:"unreadCounts,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Peer returns the participant that is not self. It falls back to the first
// participant for self-conversations.
func (c Conversation) Peer(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	if len(c.Participants) > 0 {
		return c.Participants[0]
	}
	return ""
}

// Unread returns the unread counter of userID.
func (c Conversation) Unread(userID string) int {
	return c.UnreadCounts[userID]
}

// Equal reports structural equality.
func (c Conversation) Equal(o Conversation) bool {
	if c.ID != o.ID || !c.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	if !slices.Equal(c.Participants, o.Participants) {
		return false
	}
	if len(c.UnreadCounts) != len(o.UnreadCounts) {
		return false
	}
	for k, v := range c.UnreadCounts {
		if ov, ok := o.UnreadCounts[k]; !ok || ov != v {
			return false
		}
	}
	switch {
	case c.LastMessage == nil && o.LastMessage == nil:
		return true
	case c.LastMessage == nil || o.LastMessage == nil:
		return false
	}
	a, b := c.LastMessage, o.LastMessage
	return a.Content == b.Content && a.Kind == b.Kind && a.SenderID == b.SenderID && a.CreatedAt.Equal(b.CreatedAt)
}

func conversationsEqual(a, b []Conversation) bool {
	return slices.EqualFunc(a, b, Conversation.Equal)
}

// ============================================================================
// Directory Types
// ============================================================================

// Role is a platform role of a directory entry.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTutor      Role = "tutor"
	RoleManagement Role = "management"
)

// DirectoryEntry is a user as listed by the user directory.
type DirectoryEntry struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Role     Role     `json:"role"`
	Subjects []string `json:"subjects,omitempty"`
}

// UploadResult describes a stored attachment.
type UploadResult struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
}

// ============================================================================
// View Types (rendering layer)
// ============================================================================

// ConversationView is a display-ready conversation list row.
type ConversationView struct {
	ID            string
	PeerID        string
	Title         string
	PeerRole      Role
	PeerOnline    bool
	Placeholder   bool
	Preview       string
	LastMessageAt time.Time
	Unread        int
}

func viewsEqual(a, b []ConversationView) bool {
	return slices.EqualFunc(a, b, func(x, y ConversationView) bool {
		return x.ID == y.ID && x.PeerID == y.PeerID && x.Title == y.Title &&
			x.PeerRole == y.PeerRole && x.PeerOnline == y.PeerOnline &&
			x.Placeholder == y.Placeholder && x.Preview == y.Preview &&
			x.LastMessageAt.Equal(y.LastMessageAt) && x.Unread == y.Unread
	})
}

// ============================================================================
// Wire envelope
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
