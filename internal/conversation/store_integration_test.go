package conversation_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slothai/gateway/internal/conversation"
	"github.com/slothai/gateway/internal/db"
	"github.com/slothai/gateway/internal/tenant"
)

func setupConversationIntegrationTest(t *testing.T) (*tenant.PGRunner, tenant.Locator) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	if err := db.Migrate(dsn, "up"); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	schema := fmt.Sprintf("t_conv_%d", time.Now().UnixNano())
	if _, err := db.ProvisionTenant(ctx, pool, schema, "owner"); err != nil {
		pool.Close()
		t.Fatalf("provision: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		_, _ = pool.Exec(context.Background(), "DELETE FROM public.tenants WHERE schema_name = $1", schema)
		pool.Close()
	})
	return tenant.NewPGRunner(slog.Default(), pool, 5*time.Second), tenant.Locator(schema)
}

func TestPGStoreConcurrentGetOrCreate(t *testing.T) {
	runner, locator := setupConversationIntegrationTest(t)
	store := conversation.NewPGStore()
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := tenant.WithTenant(ctx, runner, locator, func(ctx context.Context, scope tenant.Scope) (conversation.Conversation, error) {
				return store.GetOrCreate(ctx, scope, conversation.GetOrCreateParams{
					UserID: "u1", Source: "telegram", ExternalID: "42", Title: "Telegram: Ann",
				})
			})
			ids[i], errs[i] = c.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got conversation %s, want %s", i, ids[i], ids[0])
		}
	}
}

func TestPGStoreMessages(t *testing.T) {
	runner, locator := setupConversationIntegrationTest(t)
	store := conversation.NewPGStore()
	ctx := context.Background()

	msgs, err := tenant.WithTenant(ctx, runner, locator, func(ctx context.Context, scope tenant.Scope) ([]conversation.Message, error) {
		c, err := store.GetOrCreate(ctx, scope, conversation.GetOrCreateParams{UserID: "u1", Source: "whatsapp", ExternalID: "+15550001"})
		if err != nil {
			return nil, err
		}
		if _, err := store.AppendMessage(ctx, scope, c.ID, conversation.RoleUser, "hi"); err != nil {
			return nil, err
		}
		if _, err := store.AppendMessage(ctx, scope, c.ID, conversation.RoleAssistant, "hello"); err != nil {
			return nil, err
		}
		return store.Messages(ctx, scope, c.ID)
	})
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != conversation.RoleUser || msgs[1].Content != "hello" {
		t.Fatalf("messages = %+v", msgs)
	}
}
