// Package channel provides a unified abstraction for the chat platforms the
// gateway terminates webhooks for. It defines the adapter interfaces, the
// parsed update type, and a registry for channel adapters such as Telegram.
package channel

import (
	"sort"
	"strings"
)

// ChannelType identifies a messaging platform (e.g., "telegram", "whatsapp").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

func normalizeChannelType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}

// Credentials is the decrypted credential set of one integration.
type Credentials map[string]string

// Get returns the trimmed value for key.
func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c[key])
}

// Keys returns the credential field names in sorted order.
func (c Credentials) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Update is the minimal view of an inbound platform update the gateway needs.
type Update struct {
	// ID is the platform's delivery id, used to spot redeliveries.
	ID         string
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	// Command is the bot command without the leading slash, e.g. "start".
	Command string
}

// HasContent reports whether the update carries something to answer.
func (u Update) HasContent() bool {
	return strings.TrimSpace(u.ChatID) != "" && (strings.TrimSpace(u.Text) != "" || u.Command != "")
}

// Descriptor holds static metadata about a channel.
type Descriptor struct {
	Type        ChannelType `json:"type"`
	DisplayName string      `json:"display_name"`
	// CredentialFields lists the fields accepted on connect; RoutingField is the
	// one embedded in the webhook URL.
	CredentialFields []string `json:"credential_fields"`
	RoutingField     string   `json:"routing_field"`
	// MaxTextBytes caps one outbound message. Zero means no known limit.
	MaxTextBytes int `json:"max_text_bytes,omitempty"`
}
