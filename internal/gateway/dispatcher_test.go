package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/channel/channeltest"
	"github.com/slothai/gateway/internal/conversation"
	"github.com/slothai/gateway/internal/integration"
)

func assertConversation(t *testing.T, h *harness, chatID string, want ...string) {
	t.Helper()
	msgs := h.conversations.MessagesFor(tenantA.Locator(), channeltest.Type.String(), chatID)
	if len(msgs) != len(want) {
		t.Fatalf("messages = %+v, want %d", msgs, len(want))
	}
	for i, m := range msgs {
		if m.Role != want[i] {
			t.Fatalf("message %d role = %s, want %s", i, m.Role, want[i])
		}
	}
}

func TestDispatchConnectedIntegrationReplies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	item, err := h.lifecycle.Connect(ctx, tenantA.ID, "u1", channeltest.Type, map[string]string{"token": "T1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if item.Status != integration.StatusActive {
		t.Fatalf("status = %s, want active", item.Status)
	}

	out := h.dispatcher.Dispatch(ctx, channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Route != RouteSession || out.Result != ResultReplied || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	assertConversation(t, h, "chat123", conversation.RoleUser, conversation.RoleAssistant)
	c, _ := h.conversations.ConversationFor(tenantA.Locator(), channeltest.Type.String(), "chat123")
	if c.Title != "Fake: Ann" || c.UserID != "u1" {
		t.Fatalf("conversation = %+v", c)
	}

	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].ChatID != "chat123" || sent[0].Text != "echo: hello" || sent[0].Credential != "T1" {
		t.Fatalf("sent = %+v", sent)
	}
	calls := h.engine.Calls()
	if len(calls) != 1 || calls[0].TenantID != tenantA.ID || calls[0].ConversationID != c.ID {
		t.Fatalf("engine calls = %+v", calls)
	}
	stored, _ := h.store.Snapshot(tenantA.Locator(), item.ID)
	if stored.MessagesReceived != 1 || stored.MessagesSent != 1 || stored.LastActivity == nil {
		t.Fatalf("counters = %+v", stored)
	}
}

func TestDispatchAfterRestartUsesDirectHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	h.adapter.RegisterErr = errors.New("upstream unavailable")
	ctx := context.Background()

	out := h.dispatcher.Dispatch(ctx, channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Route != RouteDirect || out.Result != ResultReplied {
		t.Fatalf("outcome = %+v", out)
	}
	if h.registry.Bootstrapped() || h.registry.Len() != 0 {
		t.Fatal("registry should still be empty")
	}
	assertConversation(t, h, "chat123", conversation.RoleUser, conversation.RoleAssistant)
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != "echo: hello" {
		t.Fatalf("sent = %+v", sent)
	}
	if h.adapter.Clients() != h.adapter.Closed() {
		t.Fatalf("direct client leaked: built %d closed %d", h.adapter.Clients(), h.adapter.Closed())
	}
}

func TestDispatchAfterRestartStartsSessionLazily(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	item := h.seed(tenantA, "u1", "T1", integration.StatusActive)

	out := h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Route != RouteSession || out.Result != ResultReplied {
		t.Fatalf("outcome = %+v", out)
	}
	if _, ok := h.registry.Session(item.ID); !ok {
		t.Fatal("session not started on miss")
	}
	assertConversation(t, h, "chat123", conversation.RoleUser, conversation.RoleAssistant)
}

func TestDispatchDisconnectedCredentialIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	item, err := h.lifecycle.Connect(ctx, tenantA.ID, "u1", channeltest.Type, map[string]string{"token": "T1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.lifecycle.Disconnect(ctx, tenantA.ID, item.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	out := h.dispatcher.Dispatch(ctx, channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Route != RouteDropped || !errors.Is(out.Err, ErrCredentialNotFound) {
		t.Fatalf("outcome = %+v", out)
	}
	if h.conversations.Count() != 0 || len(h.adapter.Sent()) != 0 || len(h.engine.Calls()) != 0 {
		t.Fatal("dropped webhook had side effects")
	}
}

func TestDispatchRejectsMalformedAndUnknownChannel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out := h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", []byte("{not json"))
	if out.Route != RouteRejected || !errors.Is(out.Err, ErrMalformedUpdate) {
		t.Fatalf("malformed outcome = %+v", out)
	}
	out = h.dispatcher.Dispatch(context.Background(), "carrier-pigeon", "T1", []byte("{}"))
	if out.Route != RouteRejected || !errors.Is(out.Err, ErrUnknownChannel) {
		t.Fatalf("unknown channel outcome = %+v", out)
	}
}

func TestDispatchSkipsRedeliveredUpdate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	ctx := context.Background()
	payload := h.payload("upd-7", "chat123", "hello")

	first := h.dispatcher.Dispatch(ctx, channeltest.Type, "T1", payload)
	second := h.dispatcher.Dispatch(ctx, channeltest.Type, "T1", payload)
	if first.Result != ResultReplied || second.Result != ResultDuplicate {
		t.Fatalf("first %+v second %+v", first, second)
	}
	if len(h.engine.Calls()) != 1 || len(h.adapter.Sent()) != 1 {
		t.Fatalf("engine calls %d sends %d", len(h.engine.Calls()), len(h.adapter.Sent()))
	}
}

func TestDispatchStartCommandGreets(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	payload := channeltest.Payload(channel.Update{ID: "1", ChatID: "c1", Text: "/start", Command: "start"})

	out := h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", payload)
	if out.Result != ResultGreeted {
		t.Fatalf("outcome = %+v", out)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != GreetingReply {
		t.Fatalf("sent = %+v", sent)
	}
	if len(h.engine.Calls()) != 0 {
		t.Fatal("engine called for /start")
	}
}

func TestDispatchOutsideWorkingHoursPersistsOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	item := h.seed(tenantA, "u1", "T1", integration.StatusActive)
	h.store.SetWorkingHours(item.ID, []integration.WorkingHours{
		{Weekday: 0, Start: 9 * 60, End: 17 * 60, Enabled: true},
	})
	h.processor.SetClock(func() time.Time { return time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC) })

	out := h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "late"))
	if out.Result != ResultOutOfHours {
		t.Fatalf("outcome = %+v", out)
	}
	assertConversation(t, h, "chat123", conversation.RoleUser)
	if len(h.engine.Calls()) != 0 || len(h.adapter.Sent()) != 0 {
		t.Fatal("out-of-hours message answered")
	}

	h.processor.SetClock(func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) })
	out = h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("2", "chat123", "early"))
	if out.Result != ResultReplied {
		t.Fatalf("in-hours outcome = %+v", out)
	}
}

func TestDispatchEngineFailureSendsFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	h.engine.err = errors.New("model overloaded")

	out := h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Result != ResultFallback || out.Err == nil {
		t.Fatalf("outcome = %+v", out)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != ErrorReply {
		t.Fatalf("sent = %+v", sent)
	}
	assertConversation(t, h, "chat123", conversation.RoleUser)
}

func TestDispatchTruncatesLongReplies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.adapter.MaxTextBytes = 32
	h.seed(tenantA, "u1", "T1", integration.StatusActive)

	long := strings.Repeat("word ", 40)
	out := h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", long))
	if out.Result != ResultReplied {
		t.Fatalf("outcome = %+v", out)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || len(sent[0].Text) > 32 || !strings.HasPrefix(sent[0].Text, "echo: word") {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestDispatchSendFailureCountsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	item := h.seed(tenantA, "u1", "T1", integration.StatusActive)
	h.adapter.FailNextSends(channel.Transient(errors.New("503")), channel.Transient(errors.New("503")))

	out := h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Result != ResultSendFailed || !errors.Is(out.Err, channel.ErrSend) {
		t.Fatalf("outcome = %+v", out)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != ErrorReply {
		t.Fatalf("fallback not delivered: %+v", sent)
	}
	stored, _ := h.store.Snapshot(tenantA.Locator(), item.ID)
	if stored.ErrorCount != 1 || stored.MessagesSent != 0 || stored.Status != integration.StatusActive {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestDispatchBudgetExceededSendsBusyReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	h.adapter.RegisterErr = errors.New("upstream unavailable")
	h.engine.delay = 500 * time.Millisecond
	d := NewDispatcher(quietLogger(), h.channels, h.registry, h.resolver, h.processor, h.direct, DispatcherConfig{
		RequestBudget: 100 * time.Millisecond,
	})

	out := d.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Route != RouteDirect || out.Result != ResultBusy {
		t.Fatalf("outcome = %+v", out)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != BusyReply {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestDispatchAsyncAcknowledgesFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	d := NewDispatcher(quietLogger(), h.channels, h.registry, h.resolver, h.processor, h.direct, DispatcherConfig{
		RequestBudget: time.Second,
		Async:         true,
		Workers:       2,
	})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	out := d.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Route != RouteQueued {
		t.Fatalf("outcome = %+v", out)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.adapter.Sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("async dispatch never replied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if malformed := d.Dispatch(context.Background(), channeltest.Type, "T1", []byte("nope")); malformed.Route != RouteRejected {
		t.Fatalf("malformed async outcome = %+v", malformed)
	}
}

func TestDispatchEngineSlowerThanDirectoryTimeoutReplies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runner.SetCallTimeout(300 * time.Millisecond)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	h.engine.delay = 500 * time.Millisecond
	openDuringEngine := -1
	h.engine.during = func() { openDuringEngine = h.runner.Open() }

	out := h.dispatcher.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if out.Result != ResultReplied || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if openDuringEngine != 0 {
		t.Fatalf("%d tenant scopes open while the engine ran", openDuringEngine)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != "echo: hello" {
		t.Fatalf("sent = %+v", sent)
	}
	assertConversation(t, h, "chat123", conversation.RoleUser, conversation.RoleAssistant)
}

func TestDispatchSlowLazyStartStaysWithinBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	h.adapter.RegisterDelay = 10 * time.Second
	registry := NewRegistry(quietLogger(), h.dir, RegistryConfig{
		WebhookBase:     "https://gw.example.com/webhooks",
		UpstreamTimeout: 3 * time.Second,
	})
	d := NewDispatcher(quietLogger(), h.channels, registry, h.resolver, h.processor, h.direct, DispatcherConfig{
		RequestBudget: time.Second,
	})

	start := time.Now()
	out := d.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	elapsed := time.Since(start)
	if elapsed > 1500*time.Millisecond {
		t.Fatalf("dispatch took %s with a 1s budget", elapsed)
	}
	if out.Route != RouteDirect || out.Result != ResultReplied {
		t.Fatalf("outcome = %+v", out)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != "echo: hello" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestDispatchSlowLazyStartAndEngineSendsBusyReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	h.adapter.RegisterDelay = 10 * time.Second
	h.engine.delay = 5 * time.Second
	processor := NewProcessor(quietLogger(), h.dir, h.conversations, h.engine, nil, ProcessorConfig{
		AITimeout:   5 * time.Second,
		SendTimeout: time.Second,
	})
	direct := NewDirectHandler(quietLogger(), h.dir, h.resolver, processor)
	registry := NewRegistry(quietLogger(), h.dir, RegistryConfig{UpstreamTimeout: 3 * time.Second})
	d := NewDispatcher(quietLogger(), h.channels, registry, h.resolver, processor, direct, DispatcherConfig{
		RequestBudget: time.Second,
	})

	start := time.Now()
	out := d.Dispatch(context.Background(), channeltest.Type, "T1", h.payload("1", "chat123", "hello"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dispatch took %s with a 1s budget", elapsed)
	}
	if out.Route != RouteDirect || out.Result != ResultBusy {
		t.Fatalf("outcome = %+v", out)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != BusyReply {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestDirectHandlerExpiredContextSendsBusyReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "T1", integration.StatusActive)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.direct.Handle(ctx, channeltest.Type, "T1", channel.Update{ID: "1", ChatID: "chat123", Text: "hello"})
	if result != ResultBusy || !errors.Is(err, context.Canceled) {
		t.Fatalf("result = %s err = %v", result, err)
	}
	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != BusyReply {
		t.Fatalf("sent = %+v", sent)
	}
	if len(h.engine.Calls()) != 0 {
		t.Fatal("engine called after the budget ran out")
	}
	if h.adapter.Clients() != h.adapter.Closed() {
		t.Fatalf("direct client leaked: built %d closed %d", h.adapter.Clients(), h.adapter.Closed())
	}
}

func TestDispatchBacksOffFailedLazyStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.registry.SetClock(h.clock.Now)
	h.store.SetNow(func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) })
	item := h.seed(tenantA, "u1", "T1", integration.StatusError)
	h.store.SetNow(time.Now)
	h.adapter.RegisterErr = errors.New("upstream unavailable")
	ctx := context.Background()

	for i, id := range []string{"1", "2", "3"} {
		out := h.dispatcher.Dispatch(ctx, channeltest.Type, "T1", h.payload(id, "chat123", "hello"))
		if out.Route != RouteDirect || out.Result != ResultReplied {
			t.Fatalf("dispatch %d outcome = %+v", i, out)
		}
	}
	if n := h.adapter.Registrations(); n != 1 {
		t.Fatalf("registrations = %d, want 1 within the backoff", n)
	}
	h.clock.Advance(DefaultRetryBackoff + time.Second)
	h.dispatcher.Dispatch(ctx, channeltest.Type, "T1", h.payload("4", "chat123", "hello"))
	if n := h.adapter.Registrations(); n != 2 {
		t.Fatalf("registrations = %d, want a retry after the backoff", n)
	}

	n, err := h.lifecycle.DisableStale(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DisableStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("disabled %d, want 1: repeated failures must not refresh the error age", n)
	}
	stored, _ := h.store.Snapshot(tenantA.Locator(), item.ID)
	if stored.Status != integration.StatusDisabled {
		t.Fatalf("status = %s", stored.Status)
	}
}
