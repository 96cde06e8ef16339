// Package channeltest provides a scripted channel adapter for tests.
package channeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slothai/gateway/internal/channel"
)

// Type is the channel type served by Adapter.
const Type channel.ChannelType = "fake"

// Sent is one outbound message captured by the fake.
type Sent struct {
	Credential string
	ChatID     string
	Text       string
}

// Adapter is a channel.Adapter whose clients record every call.
// Payloads are JSON objects with the fields of channel.Update in snake case.
type Adapter struct {
	ChannelType channel.ChannelType

	// RegisterDelay slows RegisterWebhook to widen race windows.
	RegisterDelay time.Duration
	// RegisterErr, SendErr and NewClientErr are returned by the matching calls.
	RegisterErr  error
	NewClientErr error
	// MaxTextBytes is reported through Descriptor.
	MaxTextBytes int

	registrations atomic.Int64
	deletions     atomic.Int64
	clients       atomic.Int64
	closed        atomic.Int64

	mu          sync.Mutex
	sent        []Sent
	sendErrs    []error
	webhookURLs map[string]string
}

// New returns a fake adapter for Type.
func New() *Adapter {
	return &Adapter{ChannelType: Type, webhookURLs: map[string]string{}}
}

func (a *Adapter) Type() channel.ChannelType { return a.ChannelType }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:             a.ChannelType,
		DisplayName:      "Fake",
		CredentialFields: []string{"token"},
		RoutingField:     "token",
		MaxTextBytes:     a.MaxTextBytes,
	}
}

func (a *Adapter) NormalizeCredentials(raw map[string]string) (channel.Credentials, error) {
	if raw["token"] == "" {
		return nil, fmt.Errorf("%w: token is required", channel.ErrInvalidCredentials)
	}
	return channel.Credentials{"token": raw["token"]}, nil
}

func (a *Adapter) Credential(creds channel.Credentials) (string, error) {
	token := creds.Get("token")
	if token == "" {
		return "", fmt.Errorf("%w: token missing", channel.ErrInvalidCredentials)
	}
	return token, nil
}

type wireUpdate struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	Command    string `json:"command"`
}

func (a *Adapter) ParseUpdate(payload []byte) (channel.Update, error) {
	var w wireUpdate
	if err := json.Unmarshal(payload, &w); err != nil {
		return channel.Update{}, fmt.Errorf("%w: %v", channel.ErrMalformedUpdate, err)
	}
	return channel.Update(w), nil
}

// Payload encodes u the way ParseUpdate expects.
func Payload(u channel.Update) []byte {
	body, _ := json.Marshal(wireUpdate(u))
	return body
}

func (a *Adapter) NewClient(ctx context.Context, creds channel.Credentials) (channel.Client, error) {
	if a.NewClientErr != nil {
		return nil, a.NewClientErr
	}
	token, err := a.Credential(creds)
	if err != nil {
		return nil, err
	}
	a.clients.Add(1)
	return &client{adapter: a, token: token}, nil
}

// FailNextSends makes the next len(errs) Send calls return errs in order.
func (a *Adapter) FailNextSends(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErrs = append(a.sendErrs, errs...)
}

// Registrations counts RegisterWebhook calls across all clients.
func (a *Adapter) Registrations() int64 { return a.registrations.Load() }

// Deletions counts DeleteWebhook calls.
func (a *Adapter) Deletions() int64 { return a.deletions.Load() }

// Clients counts clients built by NewClient.
func (a *Adapter) Clients() int64 { return a.clients.Load() }

// Closed counts closed clients.
func (a *Adapter) Closed() int64 { return a.closed.Load() }

// WebhookURL returns the URL last registered for token.
func (a *Adapter) WebhookURL(token string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.webhookURLs[token]
}

// Sent returns a copy of the captured outbound messages.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sent, len(a.sent))
	copy(out, a.sent)
	return out
}

type client struct {
	adapter *Adapter
	token   string
	closed  atomic.Bool
}

func (c *client) RegisterWebhook(ctx context.Context, url string) error {
	c.adapter.registrations.Add(1)
	if c.adapter.RegisterDelay > 0 {
		select {
		case <-time.After(c.adapter.RegisterDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.adapter.RegisterErr != nil {
		return c.adapter.RegisterErr
	}
	c.adapter.mu.Lock()
	c.adapter.webhookURLs[c.token] = url
	c.adapter.mu.Unlock()
	return nil
}

func (c *client) DeleteWebhook(ctx context.Context) error {
	c.adapter.deletions.Add(1)
	c.adapter.mu.Lock()
	delete(c.adapter.webhookURLs, c.token)
	c.adapter.mu.Unlock()
	return nil
}

func (c *client) Send(ctx context.Context, chatID, text string) error {
	if c.closed.Load() {
		return fmt.Errorf("client closed")
	}
	c.adapter.mu.Lock()
	defer c.adapter.mu.Unlock()
	if len(c.adapter.sendErrs) > 0 {
		err := c.adapter.sendErrs[0]
		c.adapter.sendErrs = c.adapter.sendErrs[1:]
		return err
	}
	c.adapter.sent = append(c.adapter.sent, Sent{Credential: c.token, ChatID: chatID, Text: text})
	return nil
}

func (c *client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.adapter.closed.Add(1)
	}
	return nil
}
