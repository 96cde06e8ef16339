package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/tenant"
)

// Session is a live bot bound to one integration. Sessions are immutable once
// published in the Registry.
type Session struct {
	Integration integration.Integration
	Credential  string
	Client      channel.Client
	WebhookURL  string
	StartedAt   time.Time
}

// Resolution returns the routing identity of the session.
func (s *Session) Resolution() Resolution {
	return resolutionOf(s.Integration, s.StartedAt)
}

// RegistryConfig holds the tunables of a Registry.
type RegistryConfig struct {
	// WebhookBase is the public prefix, e.g. https://gw.example.com/webhooks.
	WebhookBase          string
	UpstreamTimeout      time.Duration
	BootstrapConcurrency int
	// RetryBackoff is how long CoolingDown holds after a failed start.
	RetryBackoff time.Duration
}

// DefaultRetryBackoff is used when RegistryConfig.RetryBackoff is unset.
const DefaultRetryBackoff = time.Minute

// Registry holds the live bot sessions keyed by integration id.
// No lock is held across network or database calls.
type Registry struct {
	dir    *integration.Directory
	cfg    RegistryConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	failedAt map[string]time.Time
	starts   singleflight.Group

	bootstrapOnce sync.Once
	bootstrapDone chan struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger, dir *integration.Directory, cfg RegistryConfig) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 10 * time.Second
	}
	if cfg.BootstrapConcurrency <= 0 {
		cfg.BootstrapConcurrency = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	cfg.WebhookBase = strings.TrimRight(cfg.WebhookBase, "/")
	return &Registry{
		dir:           dir,
		cfg:           cfg,
		logger:        log.With(slog.String("component", "registry")),
		now:           time.Now,
		sessions:      map[string]*Session{},
		failedAt:      map[string]time.Time{},
		bootstrapDone: make(chan struct{}),
	}
}

// SetClock overrides time.Now for start timestamps and retry backoff.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// WebhookURL is the URL registered upstream for credential on channelType.
// It embeds the credential and must not be logged or stored.
func (r *Registry) WebhookURL(channelType channel.ChannelType, credential string) string {
	return r.cfg.WebhookBase + "/" + channelType.String() + "/" + url.PathEscape(credential) + "/"
}

// DisplayWebhookURL is WebhookURL with the credential replaced by its tag.
func (r *Registry) DisplayWebhookURL(channelType channel.ChannelType, credential string) string {
	return r.cfg.WebhookBase + "/" + channelType.String() + "/" + CredentialTag(credential) + "/"
}

// StartSession brings up the session for item. It is idempotent: a live
// session with the same credential is kept, a rotated credential replaces it.
// Concurrent calls for one integration share a single upstream registration.
func (r *Registry) StartSession(ctx context.Context, item integration.Integration) error {
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: integration id is required", ErrSessionStart)
	}
	_, err, _ := r.starts.Do(item.ID, func() (any, error) {
		err := r.startSession(ctx, item)
		r.mu.Lock()
		if err != nil {
			r.failedAt[item.ID] = r.now()
		} else {
			delete(r.failedAt, item.ID)
		}
		r.mu.Unlock()
		return nil, err
	})
	return err
}

// CoolingDown reports whether the last start of integrationID failed less
// than RetryBackoff ago.
func (r *Registry) CoolingDown(integrationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.failedAt[integrationID]
	return ok && r.now().Before(at.Add(r.cfg.RetryBackoff))
}

func (r *Registry) startSession(ctx context.Context, item integration.Integration) error {
	log := r.logger.With(
		slog.String("tenant", item.Locator.String()),
		slog.String("integration_id", item.ID),
		slog.String("channel", item.Channel.String()),
	)
	adapter, ok := r.dir.Channels().Get(item.Channel)
	if !ok {
		return fmt.Errorf("%w: unsupported channel type: %s", ErrSessionStart, item.Channel)
	}
	creds, err := r.dir.DecryptCredentials(item)
	if err != nil {
		r.markError(ctx, item, err)
		return fmt.Errorf("%w: %w", ErrSessionStart, err)
	}
	secrets := secretsOf(creds)
	credential, err := adapter.Credential(creds)
	if err != nil {
		err = redact(err, secrets...)
		r.markError(ctx, item, err)
		return fmt.Errorf("%w: %w", ErrSessionStart, err)
	}

	r.mu.Lock()
	existing := r.sessions[item.ID]
	r.mu.Unlock()
	if existing != nil && existing.Credential == credential {
		return nil
	}
	if existing != nil {
		log.Info("credential rotated, replacing session")
		if err := r.StopSession(ctx, item.ID); err != nil {
			log.Warn("old session stop failed", slog.Any("error", err))
		}
	}

	// Upstream registration outlives the request that triggered it.
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.UpstreamTimeout)
	defer cancel()

	client, err := adapter.NewClient(upCtx, creds)
	if err != nil {
		err = redact(err, secrets...)
		log.Error("client setup failed", slog.Any("error", err))
		r.markError(ctx, item, err)
		return fmt.Errorf("%w: %w", ErrSessionStart, err)
	}
	webhookURL := r.WebhookURL(item.Channel, credential)
	displayURL := r.DisplayWebhookURL(item.Channel, credential)
	if err := client.RegisterWebhook(upCtx, webhookURL); err != nil {
		_ = client.Close()
		err = redact(err, secrets...)
		log.Error("webhook registration failed", slog.Any("error", err))
		r.markError(ctx, item, err)
		return fmt.Errorf("%w: %w", ErrSessionStart, err)
	}

	session := &Session{
		Integration: item,
		Credential:  credential,
		Client:      client,
		WebhookURL:  webhookURL,
		StartedAt:   r.now(),
	}
	r.mu.Lock()
	previous := r.sessions[item.ID]
	r.sessions[item.ID] = session
	r.mu.Unlock()
	if previous != nil {
		_ = previous.Client.Close()
	}

	if err := tenant.Do(upCtx, r.dir.Runner(), item.Locator, func(ctx context.Context, scope tenant.Scope) error {
		return r.dir.Store().MarkActive(ctx, scope, item.ID, displayURL)
	}); err != nil {
		log.Warn("mark active failed", slog.Any("error", err))
	}
	log.Info("session started", slog.String("webhook_url", displayURL))
	return nil
}

func (r *Registry) markError(ctx context.Context, item integration.Integration, cause error) {
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.UpstreamTimeout)
	defer cancel()
	if err := tenant.Do(dbCtx, r.dir.Runner(), item.Locator, func(ctx context.Context, scope tenant.Scope) error {
		return r.dir.Store().MarkError(ctx, scope, item.ID, cause.Error())
	}); err != nil {
		r.logger.Warn("mark error failed",
			slog.String("tenant", item.Locator.String()),
			slog.String("integration_id", item.ID),
			slog.Any("error", err),
		)
	}
}

// StopSession deregisters the webhook, closes the client and forgets the
// session. Stopping an unknown integration is a no-op.
func (r *Registry) StopSession(ctx context.Context, integrationID string) error {
	r.mu.Lock()
	session := r.sessions[integrationID]
	delete(r.sessions, integrationID)
	delete(r.failedAt, integrationID)
	r.mu.Unlock()
	if session == nil {
		return nil
	}
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.UpstreamTimeout)
	defer cancel()
	var errs []error
	if err := session.Client.DeleteWebhook(upCtx); err != nil {
		errs = append(errs, fmt.Errorf("delete webhook: %w", redact(err, session.Credential)))
	}
	if err := session.Client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", redact(err, session.Credential)))
	}
	r.logger.Info("session stopped",
		slog.String("tenant", session.Integration.Locator.String()),
		slog.String("integration_id", integrationID),
		slog.String("channel", session.Integration.Channel.String()),
	)
	return errors.Join(errs...)
}

// FindByCredential returns the live session for credential on channelType.
func (r *Registry) FindByCredential(channelType channel.ChannelType, credential string) (*Session, bool) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Integration.Channel != channelType {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(s.Credential), []byte(credential)) == 1 {
			return s, true
		}
	}
	return nil, false
}

// Session returns the live session of integrationID.
func (r *Registry) Session(integrationID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[integrationID]
	return s, ok
}

// Sessions returns a snapshot of the live sessions ordered by start time.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	items := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		items = append(items, s)
	}
	r.mu.Unlock()
	sort.Slice(items, func(i, j int) bool {
		if items[i].StartedAt.Equal(items[j].StartedAt) {
			return items[i].Integration.ID < items[j].Integration.ID
		}
		return items[i].StartedAt.Before(items[j].StartedAt)
	})
	return items
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RegisterMetrics exposes the live session count as gateway.sessions.live.
func (r *Registry) RegisterMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(meterName)
	_, err := meter.Int64ObservableGauge("gateway.sessions.live",
		metric.WithDescription("Bot sessions currently registered in this process"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)
	return err
}

// StopAll stops every live session.
func (r *Registry) StopAll(ctx context.Context) {
	for _, s := range r.Sessions() {
		if err := r.StopSession(ctx, s.Integration.ID); err != nil {
			r.logger.Warn("session stop failed",
				slog.String("integration_id", s.Integration.ID),
				slog.Any("error", err),
			)
		}
	}
}

// Close releases every client without deregistering webhooks, so upstream
// platforms keep delivering to the next process.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*Session{}
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Client.Close()
	}
}
