package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/slothai/gateway/internal/channel"
)

// Type is the Telegram channel type.
const Type channel.ChannelType = "telegram"

const (
	telegramMaxMessageLength = 4096
	credentialBotToken       = "bot_token"
)

var allowedUpdates = []string{"message", "callback_query"}

// TelegramAdapter implements channel.Adapter for Telegram bots.
type TelegramAdapter struct {
	logger     *slog.Logger
	endpoint   string
	httpClient *http.Client
}

// Option customizes a TelegramAdapter.
type Option func(*TelegramAdapter)

// WithAPIEndpoint overrides the Bot API endpoint format (see tgbotapi.APIEndpoint).
func WithAPIEndpoint(endpoint string) Option {
	return func(a *TelegramAdapter) {
		if strings.TrimSpace(endpoint) != "" {
			a.endpoint = endpoint
		}
	}
}

// WithTimeout bounds every Bot API call.
func WithTimeout(d time.Duration) Option {
	return func(a *TelegramAdapter) {
		if d > 0 {
			a.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewTelegramAdapter creates a TelegramAdapter with the given logger.
func NewTelegramAdapter(log *slog.Logger, opts ...Option) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &TelegramAdapter{
		logger:     log.With(slog.String("adapter", "telegram")),
		endpoint:   tgbotapi.APIEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(adapter)
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

// Type returns the Telegram channel type.
func (a *TelegramAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:             Type,
		DisplayName:      "Telegram",
		CredentialFields: []string{credentialBotToken},
		RoutingField:     credentialBotToken,
		MaxTextBytes:     4096,
	}
}

// NormalizeCredentials validates the bot token format.
func (a *TelegramAdapter) NormalizeCredentials(raw map[string]string) (channel.Credentials, error) {
	token := strings.TrimSpace(raw[credentialBotToken])
	if token == "" {
		return nil, fmt.Errorf("%w: bot_token is required", channel.ErrInvalidCredentials)
	}
	if !looksLikeBotToken(token) {
		return nil, fmt.Errorf("%w: bot_token must look like <id>:<secret>", channel.ErrInvalidCredentials)
	}
	return channel.Credentials{credentialBotToken: token}, nil
}

// Credential returns the bot token, which Telegram webhooks carry in the URL.
func (a *TelegramAdapter) Credential(creds channel.Credentials) (string, error) {
	token := creds.Get(credentialBotToken)
	if token == "" {
		return "", fmt.Errorf("%w: bot_token missing", channel.ErrInvalidCredentials)
	}
	return token, nil
}

// ParseUpdate decodes a Telegram webhook update.
func (a *TelegramAdapter) ParseUpdate(payload []byte) (channel.Update, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return channel.Update{}, fmt.Errorf("%w: %v", channel.ErrMalformedUpdate, err)
	}
	out := channel.Update{ID: strconv.Itoa(update.UpdateID)}
	switch {
	case update.Message != nil:
		fillFromMessage(&out, update.Message)
	case update.EditedMessage != nil:
		fillFromMessage(&out, update.EditedMessage)
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.Message != nil && cb.Message.Chat != nil {
			out.ChatID = strconv.FormatInt(cb.Message.Chat.ID, 10)
		}
		if cb.From != nil {
			out.SenderID = strconv.FormatInt(cb.From.ID, 10)
			out.SenderName = senderName(cb.From)
		}
		out.Text = strings.TrimSpace(cb.Data)
	}
	return out, nil
}

func fillFromMessage(out *channel.Update, msg *tgbotapi.Message) {
	if msg.Chat != nil {
		out.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if msg.From != nil {
		out.SenderID = strconv.FormatInt(msg.From.ID, 10)
		out.SenderName = senderName(msg.From)
	} else if msg.SenderChat != nil {
		out.SenderID = strconv.FormatInt(msg.SenderChat.ID, 10)
		out.SenderName = strings.TrimSpace(msg.SenderChat.Title)
	}
	out.Text = strings.TrimSpace(msg.Text)
	if msg.IsCommand() {
		out.Command = msg.Command()
	}
}

func senderName(u *tgbotapi.User) string {
	if name := strings.TrimSpace(u.FirstName); name != "" {
		return name
	}
	if name := strings.TrimSpace(u.UserName); name != "" {
		return name
	}
	return strconv.FormatInt(u.ID, 10)
}

// NewClient creates a Bot API client for the token. The token is checked with getMe.
func (a *TelegramAdapter) NewClient(ctx context.Context, creds channel.Credentials) (channel.Client, error) {
	token, err := a.Credential(creds)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, a.endpoint, a.httpClient)
	if err != nil {
		if code := apiErrorCode(err); code == http.StatusUnauthorized || code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %v", channel.ErrInvalidCredentials, err)
		}
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, classify(err)
	}
	return &botClient{bot: bot, logger: a.logger}, nil
}

type botClient struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func (c *botClient) RegisterWebhook(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	wh.AllowedUpdates = allowedUpdates
	if _, err := c.bot.Request(wh); err != nil {
		return classify(err)
	}
	return nil
}

func (c *botClient) DeleteWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return classify(err)
	}
	return nil
}

func (c *botClient) Send(ctx context.Context, chatID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sendTelegramText(c.bot, chatID, text)
}

func (c *botClient) Close() error {
	if hc, ok := c.bot.Client.(*http.Client); ok {
		hc.CloseIdleConnections()
	}
	return nil
}

func sendTelegramText(bot *tgbotapi.BotAPI, target string, text string) error {
	text = truncateTelegramText(sanitizeTelegramText(text))
	var message tgbotapi.MessageConfig
	if strings.HasPrefix(target, "@") {
		message = tgbotapi.NewMessageToChannel(target, text)
	} else {
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram target must be @username or chat_id")
		}
		message = tgbotapi.NewMessage(chatID, text)
	}
	if _, err := bot.Send(message); err != nil {
		return classify(err)
	}
	return nil
}

// classify marks rate limits and upstream 5xx responses as transient.
func classify(err error) error {
	code := apiErrorCode(err)
	if code == http.StatusTooManyRequests || code >= 500 {
		return channel.Transient(err)
	}
	return err
}

func apiErrorCode(err error) int {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Code
	}
	var apiErrValue tgbotapi.Error
	if errors.As(err, &apiErrValue) {
		return apiErrValue.Code
	}
	return 0
}

func looksLikeBotToken(token string) bool {
	id, secret, ok := strings.Cut(token, ":")
	if !ok || id == "" || len(secret) < 8 {
		return false
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return false
	}
	for _, r := range secret {
		if !(r == '-' || r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a valid
// UTF-8 rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
