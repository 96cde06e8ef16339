package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/channel/channeltest"
	"github.com/slothai/gateway/internal/conversation/conversationtest"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/integration/integrationtest"
	"github.com/slothai/gateway/internal/tenant"
	"github.com/slothai/gateway/internal/tenant/tenanttest"
)

var (
	tenantA = tenant.Tenant{ID: "11111111-1111-1111-1111-111111111111", Schema: "tenant_acme", Active: true}
	tenantB = tenant.Tenant{ID: "22222222-2222-2222-2222-222222222222", Schema: "tenant_globex", Active: true}
)

type engineCall struct {
	TenantID       string
	ConversationID string
	Text           string
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []engineCall
	err   error
	delay time.Duration
	// during runs at the start of every call.
	during func()
}

func (e *fakeEngine) GenerateReply(ctx context.Context, tenantID, conversationID, text string) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, engineCall{TenantID: tenantID, ConversationID: conversationID, Text: text})
	err, delay, during := e.err, e.delay, e.during
	e.mu.Unlock()
	if during != nil {
		during()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "echo: " + text, nil
}

func (e *fakeEngine) Calls() []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engineCall(nil), e.calls...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t             *testing.T
	adapter       *channeltest.Adapter
	channels      *channel.Registry
	tenants       *integrationtest.Tenants
	runner        *tenanttest.Runner
	store         *integrationtest.Store
	conversations *conversationtest.Store
	sealer        *integration.Sealer
	dir           *integration.Directory
	engine        *fakeEngine
	clock         *clock
	resolver      *Resolver
	registry      *Registry
	processor     *Processor
	direct        *DirectHandler
	dispatcher    *Dispatcher
	lifecycle     *Lifecycle
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := quietLogger()
	h := &harness{
		t:             t,
		adapter:       channeltest.New(),
		channels:      channel.NewRegistry(),
		tenants:       integrationtest.NewTenants(tenantA, tenantB),
		runner:        tenanttest.NewRunner(tenantA.Locator(), tenantB.Locator()),
		store:         integrationtest.NewStore(),
		conversations: conversationtest.NewStore(),
		engine:        &fakeEngine{},
		clock:         &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
	h.channels.MustRegister(h.adapter)
	sealer, err := integration.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	h.sealer = sealer
	h.dir = integration.NewDirectory(log, h.tenants, h.runner, h.store, h.sealer, h.channels)
	h.resolver = NewResolver(log, h.dir, 5*time.Minute, WithClock(h.clock.Now))
	h.registry = NewRegistry(log, h.dir, RegistryConfig{
		WebhookBase:          "https://gw.example.com/webhooks",
		UpstreamTimeout:      time.Second,
		BootstrapConcurrency: 2,
	})
	h.processor = NewProcessor(log, h.dir, h.conversations, h.engine, NewMemoryGuard(10*time.Minute), ProcessorConfig{
		AITimeout:   time.Second,
		SendTimeout: time.Second,
	})
	h.direct = NewDirectHandler(log, h.dir, h.resolver, h.processor)
	h.dispatcher = NewDispatcher(log, h.channels, h.registry, h.resolver, h.processor, h.direct, DispatcherConfig{
		RequestBudget: 2 * time.Second,
	})
	h.lifecycle = NewLifecycle(log, h.dir, h.registry, h.resolver)
	return h
}

// seed stores an integration for token under t, sealed the way Connect would.
func (h *harness) seed(t tenant.Tenant, userID, token string, status integration.Status) integration.Integration {
	h.t.Helper()
	blob, err := h.sealer.Seal(channel.Credentials{"token": token})
	if err != nil {
		h.t.Fatalf("Seal: %v", err)
	}
	return h.store.Seed(t.Locator(), integration.Integration{
		UserID:               userID,
		Channel:              channeltest.Type,
		Status:               status,
		CredentialsEncrypted: blob,
	})
}

func (h *harness) payload(id, chatID, text string) []byte {
	return channeltest.Payload(channel.Update{ID: id, ChatID: chatID, SenderID: "s-" + chatID, SenderName: "Ann", Text: text})
}
