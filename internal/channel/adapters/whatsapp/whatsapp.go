// Package whatsapp implements the WhatsApp channel on top of the Twilio REST API.
package whatsapp

import (
	"context"
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

// Type is the WhatsApp channel type.
const Type channel.ChannelType = "whatsapp"

const (
	credentialAccountSID  = "account_sid"
	credentialAuthToken   = "auth_token"
	credentialPhoneNumber = "phone_number"
	credentialWebhookKey  = "webhook_key"

	whatsappPrefix = "whatsapp:"
	// WhatsApp bodies above this are rejected by Twilio.
	maxBodyLength = 1600
)

// Adapter talks to Twilio's Messages and IncomingPhoneNumbers resources.
type Adapter struct {
	logger     *slog.Logger
	baseURL    string
	httpClient *http.Client
}

// NewAdapter creates a WhatsApp adapter. baseURL defaults to https://api.twilio.com.
func NewAdapter(log *slog.Logger, baseURL string, timeout time.Duration) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.twilio.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "whatsapp")),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Type() channel.ChannelType { return Type }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:             Type,
		DisplayName:      "WhatsApp",
		CredentialFields: []string{credentialAccountSID, credentialAuthToken, credentialPhoneNumber, credentialWebhookKey},
		RoutingField:     credentialWebhookKey,
		MaxTextBytes:     1600,
	}
}

// NormalizeCredentials requires the Twilio account and sender number and
// generates the webhook key when the caller did not supply one.
func (a *Adapter) NormalizeCredentials(raw map[string]string) (channel.Credentials, error) {
	creds := channel.Credentials{}
	for _, field := range []string{credentialAccountSID, credentialAuthToken, credentialPhoneNumber} {
		v := strings.TrimSpace(raw[field])
		if v == "" {
			return nil, fmt.Errorf("%w: %s is required", channel.ErrInvalidCredentials, field)
		}
		creds[field] = v
	}
	if !strings.HasPrefix(creds[credentialAccountSID], "AC") {
		return nil, fmt.Errorf("%w: account_sid must start with AC", channel.ErrInvalidCredentials)
	}
	creds[credentialPhoneNumber] = normalizeNumber(creds[credentialPhoneNumber])
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

// ParseUpdate decodes Twilio's form-encoded inbound message callback.
func (a *Adapter) ParseUpdate(payload []byte) (channel.Update, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return channel.Update{}, fmt.Errorf("%w: %v", channel.ErrMalformedUpdate, err)
	}
	from := strings.TrimSpace(form.Get("From"))
	if from == "" && form.Get("MessageSid") == "" {
		return channel.Update{}, fmt.Errorf("%w: missing From", channel.ErrMalformedUpdate)
	}
	number := strings.TrimPrefix(from, whatsappPrefix)
	name := strings.TrimSpace(form.Get("ProfileName"))
	if name == "" {
		name = number
	}
	return channel.Update{
		ID:         strings.TrimSpace(form.Get("MessageSid")),
		ChatID:     number,
		SenderID:   number,
		SenderName: name,
		Text:       strings.TrimSpace(form.Get("Body")),
	}, nil
}

func (a *Adapter) NewClient(ctx context.Context, creds channel.Credentials) (channel.Client, error) {
	for _, field := range []string{credentialAccountSID, credentialAuthToken, credentialPhoneNumber} {
		if creds.Get(field) == "" {
			return nil, fmt.Errorf("%w: %s missing", channel.ErrInvalidCredentials, field)
		}
	}
	return &client{
		adapter:    a,
		accountSID: creds.Get(credentialAccountSID),
		authToken:  creds.Get(credentialAuthToken),
		number:     normalizeNumber(creds.Get(credentialPhoneNumber)),
	}, nil
}

type client struct {
	adapter    *Adapter
	accountSID string
	authToken  string
	number     string
}

func (c *client) accountURL(path string) string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/%s", c.adapter.baseURL, url.PathEscape(c.accountSID), path)
}

func (c *client) newRequest(method, target string, form url.Values) (*http.Request, error) {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

type phoneNumberList struct {
	IncomingPhoneNumbers []struct {
		SID         string `json:"sid"`
		PhoneNumber string `json:"phone_number"`
	} `json:"incoming_phone_numbers"`
}

func (c *client) phoneNumberSID(ctx context.Context) (string, error) {
	q := url.Values{"PhoneNumber": {c.number}}
	req, err := c.newRequest(http.MethodGet, c.accountURL("IncomingPhoneNumbers.json")+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var list phoneNumberList
	if err := common.Do(ctx, c.adapter.httpClient, req, &list); err != nil {
		if common.IsAuthError(err) {
			return "", fmt.Errorf("%w: %v", channel.ErrInvalidCredentials, err)
		}
		return "", err
	}
	if len(list.IncomingPhoneNumbers) == 0 {
		return "", fmt.Errorf("%w: number %s is not owned by the account", channel.ErrInvalidCredentials, c.number)
	}
	return list.IncomingPhoneNumbers[0].SID, nil
}

func (c *client) setSMSURL(ctx context.Context, hook string) error {
	sid, err := c.phoneNumberSID(ctx)
	if err != nil {
		return err
	}
	form := url.Values{"SmsUrl": {hook}, "SmsMethod": {http.MethodPost}}
	req, err := c.newRequest(http.MethodPost, c.accountURL("IncomingPhoneNumbers/"+url.PathEscape(sid)+".json"), form)
	if err != nil {
		return err
	}
	return common.Do(ctx, c.adapter.httpClient, req, nil)
}

// RegisterWebhook points the sender number's inbound URL at hook. Setting
// the same URL twice is a plain overwrite.
func (c *client) RegisterWebhook(ctx context.Context, hook string) error {
	return c.setSMSURL(ctx, hook)
}

func (c *client) DeleteWebhook(ctx context.Context) error {
	return c.setSMSURL(ctx, "")
}

func (c *client) Send(ctx context.Context, chatID, text string) error {
	to := normalizeNumber(chatID)
	if to == "" {
		return fmt.Errorf("whatsapp target is required")
	}
	if len(text) > maxBodyLength {
		text = text[:maxBodyLength]
		text = strings.ToValidUTF8(text, "")
	}
	form := url.Values{
		"From": {whatsappPrefix + c.number},
		"To":   {whatsappPrefix + to},
		"Body": {text},
	}
	req, err := c.newRequest(http.MethodPost, c.accountURL("Messages.json"), form)
	if err != nil {
		return err
	}
	return common.Do(ctx, c.adapter.httpClient, req, nil)
}

func (c *client) Close() error { return nil }

func normalizeNumber(raw string) string {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), whatsappPrefix))
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "+") {
		raw = "+" + raw
	}
	return raw
}
