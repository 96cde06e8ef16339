// Package conversation defines conversation domain types and tenant-scoped storage.
package conversation

import (
	"errors"
	"time"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one thread with an external chat, keyed by (Source, ExternalID).
type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is one persisted turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// GetOrCreateParams identifies the conversation and seeds a new one.
type GetOrCreateParams struct {
	UserID     string
	Source     string
	ExternalID string
	Title      string
}
