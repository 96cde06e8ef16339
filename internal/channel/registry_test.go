package channel_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/channel/channeltest"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(channeltest.New())
	a, ok := reg.Get("FAKE")
	if !ok || a == nil {
		t.Fatalf("Get(FAKE) = (%v, %v), want adapter", a, ok)
	}
	if err := reg.Register(channeltest.New()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := reg.Register(nil); err == nil {
		t.Fatal("expected nil adapter to fail")
	}
}

func TestRegistryParseChannelType(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(channeltest.New())
	ct, err := reg.ParseChannelType("  Fake ")
	if err != nil || ct != channeltest.Type {
		t.Fatalf("ParseChannelType = (%q, %v)", ct, err)
	}
	if _, err := reg.ParseChannelType("sms"); err == nil {
		t.Fatal("expected unsupported channel error")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(channeltest.New())
	if !reg.Unregister(channeltest.Type) {
		t.Fatal("Unregister should report true for a registered type")
	}
	if reg.Unregister(channeltest.Type) {
		t.Fatal("second Unregister should report false")
	}
	if len(reg.Types()) != 0 {
		t.Fatalf("Types = %v, want empty", reg.Types())
	}
}

func TestRegistryDisplayName(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(channeltest.New())
	if got := reg.DisplayName(channeltest.Type); got != "Fake" {
		t.Fatalf("DisplayName = %q", got)
	}
	if got := reg.DisplayName("unknown"); got != "unknown" {
		t.Fatalf("DisplayName(unknown) = %q", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestSendWithRetryRetriesTransientOnce(t *testing.T) {
	t.Parallel()

	adapter := channeltest.New()
	client, err := adapter.NewClient(context.Background(), channel.Credentials{"token": "t"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	adapter.FailNextSends(timeoutErr{})
	if err := channel.SendWithRetry(context.Background(), client, "c1", "hi"); err != nil {
		t.Fatalf("SendWithRetry: %v", err)
	}
	if got := len(adapter.Sent()); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}

func TestSendWithRetryGivesUpAfterSecondFailure(t *testing.T) {
	t.Parallel()

	adapter := channeltest.New()
	client, _ := adapter.NewClient(context.Background(), channel.Credentials{"token": "t"})
	adapter.FailNextSends(channel.Transient(errors.New("503")), channel.Transient(errors.New("503")))
	err := channel.SendWithRetry(context.Background(), client, "c1", "hi")
	if !errors.Is(err, channel.ErrSend) {
		t.Fatalf("err = %v, want ErrSend", err)
	}
	if got := len(adapter.Sent()); got != 0 {
		t.Fatalf("sent = %d, want 0", got)
	}
}

func TestSendWithRetryDoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	adapter := channeltest.New()
	client, _ := adapter.NewClient(context.Background(), channel.Credentials{"token": "t"})
	adapter.FailNextSends(errors.New("chat not found"))
	if err := channel.SendWithRetry(context.Background(), client, "c1", "hi"); !errors.Is(err, channel.ErrSend) {
		t.Fatalf("err = %v, want ErrSend", err)
	}
	// The permanent failure consumed one scripted error; the next send succeeds.
	if err := client.Send(context.Background(), "c1", "again"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := len(adapter.Sent()); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}
