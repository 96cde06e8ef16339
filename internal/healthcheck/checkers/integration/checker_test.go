package integrationchecker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/slothai/gateway/internal/gateway"
	"github.com/slothai/gateway/internal/healthcheck"
	"github.com/slothai/gateway/internal/integration"
)

type fakeLister struct {
	items []integration.Integration
	err   error
}

func (f *fakeLister) List(ctx context.Context, tenantID string) ([]integration.Integration, error) {
	return f.items, f.err
}

type fakeSessions map[string]*gateway.Session

func (f fakeSessions) Session(id string) (*gateway.Session, bool) {
	s, ok := f[id]
	return s, ok
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{items: []integration.Integration{
		{ID: "int-live", Channel: "telegram", Status: integration.StatusActive},
		{ID: "int-broken", Channel: "instagram", Status: integration.StatusError, ErrorMessage: "token revoked"},
		{ID: "int-pending", Channel: "whatsapp", Status: integration.StatusPending},
		{ID: "int-off", Channel: "whatsapp", Status: integration.StatusDisabled},
	}}
	sessions := fakeSessions{"int-live": {StartedAt: time.Now()}}
	checker := NewChecker(newTestLogger(), lister, sessions)

	items, err := checker.ListChecks(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("ListChecks: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(items))
	}
	want := map[string]string{
		"integration.session.int-live":    healthcheck.StatusOK,
		"integration.session.int-broken":  healthcheck.StatusError,
		"integration.session.int-pending": healthcheck.StatusWarn,
		"integration.session.int-off":     healthcheck.StatusUnknown,
	}
	for _, item := range items {
		if item.Status != want[item.ID] {
			t.Fatalf("%s: status %s, want %s", item.ID, item.Status, want[item.ID])
		}
		if item.ID == "integration.session.int-broken" && item.Detail != "token revoked" {
			t.Fatalf("unexpected detail: %s", item.Detail)
		}
	}
	if items[0].ID != "integration.session.int-broken" {
		t.Fatalf("checks not sorted by channel: first = %s", items[0].ID)
	}
}

func TestCheckerPropagatesListError(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), &fakeLister{err: errors.New("boom")}, nil)
	if _, err := checker.ListChecks(context.Background(), "tenant-1"); err == nil {
		t.Fatal("expected list error")
	}
}

func TestCheckerBlankTenant(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), &fakeLister{}, nil)
	items, err := checker.ListChecks(context.Background(), "  ")
	if err != nil || len(items) != 0 {
		t.Fatalf("expected no checks, got %v, %v", items, err)
	}
}

func TestBuildSubtitle(t *testing.T) {
	t.Parallel()

	if got := buildSubtitle("telegram", "0123456789"); got != "telegram (01234567)" {
		t.Fatalf("subtitle = %q", got)
	}
	if got := buildSubtitle("telegram", ""); got != "telegram" {
		t.Fatalf("subtitle = %q", got)
	}
}
