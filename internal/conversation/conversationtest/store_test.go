package conversationtest

import (
	"context"
	"errors"
	"testing"

	"github.com/slothai/gateway/internal/conversation"
	"github.com/slothai/gateway/internal/tenant"
	"github.com/slothai/gateway/internal/tenant/tenanttest"
)

func TestStoreKeepsTenantsApart(t *testing.T) {
	t.Parallel()

	runner := tenanttest.NewRunner("acme", "globex")
	store := NewStore()
	ctx := context.Background()
	params := conversation.GetOrCreateParams{Source: "telegram", ExternalID: "7"}

	a, err := tenant.WithTenant(ctx, runner, "acme", func(ctx context.Context, scope tenant.Scope) (conversation.Conversation, error) {
		return store.GetOrCreate(ctx, scope, params)
	})
	if err != nil {
		t.Fatalf("acme: %v", err)
	}
	b, err := tenant.WithTenant(ctx, runner, "globex", func(ctx context.Context, scope tenant.Scope) (conversation.Conversation, error) {
		return store.GetOrCreate(ctx, scope, params)
	})
	if err != nil {
		t.Fatalf("globex: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("tenants share a conversation")
	}

	err = tenant.Do(ctx, runner, "globex", func(ctx context.Context, scope tenant.Scope) error {
		_, err := store.AppendMessage(ctx, scope, a.ID, conversation.RoleUser, "leak")
		return err
	})
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("cross-tenant append err = %v, want ErrNotFound", err)
	}
}
