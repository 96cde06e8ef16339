// Package instagram implements the Instagram messaging channel through the Meta Graph API.
package instagram

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/channel/adapters/common"
)

// Type is the Instagram channel type.
const Type channel.ChannelType = "instagram"

const (
	credentialAccessToken = "access_token"
	credentialPageID      = "page_id"
	credentialWebhookKey  = "webhook_key"

	maxTextLength = 1000
)

// Adapter talks to the Graph API messaging endpoints.
type Adapter struct {
	logger     *slog.Logger
	graphURL   string
	version    string
	httpClient *http.Client
}

// NewAdapter creates an Instagram adapter for graphURL (https://graph.facebook.com) and API version.
func NewAdapter(log *slog.Logger, graphURL, version string, timeout time.Duration) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(graphURL) == "" {
		graphURL = "https://graph.facebook.com"
	}
	if strings.TrimSpace(version) == "" {
		version = "v18.0"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "instagram")),
		graphURL:   strings.TrimRight(graphURL, "/"),
		version:    version,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Type() channel.ChannelType { return Type }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:             Type,
		DisplayName:      "Instagram",
		CredentialFields: []string{credentialAccessToken, credentialPageID, credentialWebhookKey},
		RoutingField:     credentialWebhookKey,
		MaxTextBytes:     1000,
	}
}

func (a *Adapter) NormalizeCredentials(raw map[string]string) (channel.Credentials, error) {
	creds := channel.Credentials{}
	for _, field := range []string{credentialAccessToken, credentialPageID} {
		v := strings.TrimSpace(raw[field])
		if v == "" {
			return nil, fmt.Errorf("%w: %s is required", channel.ErrInvalidCredentials, field)
		}
		creds[field] = v
	}
	key := strings.TrimSpace(raw[credentialWebhookKey])
	if key == "" {
		key = uuid.NewString()
	}
	creds[credentialWebhookKey] = key
	return creds, nil
}

func (a *Adapter) Credential(creds channel.Credentials) (string, error) {
	key := creds.Get(credentialWebhookKey)
	if key == "" {
		return "", fmt.Errorf("%w: webhook_key missing", channel.ErrInvalidCredentials)
	}
	return key, nil
}

// Challenge answers Meta's subscription handshake. The verify token
// configured in the Meta app must equal the integration's webhook key.
func (a *Adapter) Challenge(query url.Values, credential string) (string, bool) {
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	token := query.Get("hub.verify_token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(credential)) != 1 {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

type webhookEvent struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message *struct {
				MID    string `json:"mid"`
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseUpdate decodes the first text message of a Graph webhook event.
// Echoes of our own messages yield an empty update.
func (a *Adapter) ParseUpdate(payload []byte) (channel.Update, error) {
	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return channel.Update{}, fmt.Errorf("%w: %v", channel.ErrMalformedUpdate, err)
	}
	for _, entry := range ev.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil || m.Message.IsEcho {
				continue
			}
			return channel.Update{
				ID:         m.Message.MID,
				ChatID:     m.Sender.ID,
				SenderID:   m.Sender.ID,
				SenderName: m.Sender.ID,
				Text:       strings.TrimSpace(m.Message.Text),
			}, nil
		}
	}
	return channel.Update{}, nil
}

func (a *Adapter) NewClient(ctx context.Context, creds channel.Credentials) (channel.Client, error) {
	token := creds.Get(credentialAccessToken)
	pageID := creds.Get(credentialPageID)
	if token == "" || pageID == "" {
		return nil, fmt.Errorf("%w: access_token and page_id are required", channel.ErrInvalidCredentials)
	}
	return &client{adapter: a, token: token, pageID: pageID}, nil
}

type client struct {
	adapter *Adapter
	token   string
	pageID  string
}

func (c *client) endpoint(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("access_token", c.token)
	return fmt.Sprintf("%s/%s/%s?%s", c.adapter.graphURL, c.adapter.version, path, q.Encode())
}

func (c *client) call(ctx context.Context, method, target string, body any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	err = common.Do(ctx, c.adapter.httpClient, req, nil)
	if common.IsAuthError(err) {
		return fmt.Errorf("%w: %v", channel.ErrInvalidCredentials, err)
	}
	return err
}

// RegisterWebhook subscribes the page to message events. The callback URL
// itself lives in the Meta app configuration; subscribing again is a no-op upstream.
func (c *client) RegisterWebhook(ctx context.Context, hook string) error {
	q := url.Values{"subscribed_fields": {"messages"}}
	return c.call(ctx, http.MethodPost, c.endpoint(url.PathEscape(c.pageID)+"/subscribed_apps", q), nil)
}

func (c *client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, c.endpoint(url.PathEscape(c.pageID)+"/subscribed_apps", nil), nil)
}

func (c *client) Send(ctx context.Context, chatID, text string) error {
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("instagram recipient is required")
	}
	if len([]rune(text)) > maxTextLength {
		text = string([]rune(text)[:maxTextLength])
	}
	body := map[string]any{
		"recipient": map[string]string{"id": chatID},
		"message":   map[string]string{"text": text},
	}
	return c.call(ctx, http.MethodPost, c.endpoint("me/messages", nil), body)
}

func (c *client) Close() error { return nil }
