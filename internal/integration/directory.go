package integration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/tenant"
)

// TenantLister enumerates active tenants.
type TenantLister interface {
	ListActiveTenants(ctx context.Context) ([]tenant.Tenant, error)
}

// PGTenantLister reads public.tenants.
type PGTenantLister struct {
	pool *pgxpool.Pool
}

// NewPGTenantLister creates a PGTenantLister.
func NewPGTenantLister(pool *pgxpool.Pool) *PGTenantLister {
	return &PGTenantLister{pool: pool}
}

func (l *PGTenantLister) ListActiveTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id::text, schema_name, active FROM public.tenants
		WHERE active ORDER BY created_at, schema_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []tenant.Tenant{}
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.Schema, &t.Active); err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// Directory is the read side used for routing: it enumerates tenants,
// lists their integrations inside the tenant scope and opens credentials.
// It holds no mutable state and is safe for concurrent use.
type Directory struct {
	tenants  TenantLister
	runner   tenant.Runner
	store    Store
	sealer   *Sealer
	channels *channel.Registry
	logger   *slog.Logger
}

// NewDirectory creates a Directory.
func NewDirectory(log *slog.Logger, tenants TenantLister, runner tenant.Runner, store Store, sealer *Sealer, channels *channel.Registry) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		tenants:  tenants,
		runner:   runner,
		store:    store,
		sealer:   sealer,
		channels: channels,
		logger:   log.With(slog.String("component", "directory")),
	}
}

// Runner returns the tenant runner used by the directory.
func (d *Directory) Runner() tenant.Runner { return d.runner }

// Store returns the tenant-scoped integration store.
func (d *Directory) Store() Store { return d.store }

// Sealer returns the credential sealer.
func (d *Directory) Sealer() *Sealer { return d.sealer }

// Channels returns the adapter registry.
func (d *Directory) Channels() *channel.Registry { return d.channels }

// ListActiveTenants returns every active tenant.
func (d *Directory) ListActiveTenants(ctx context.Context) ([]tenant.Tenant, error) {
	return d.tenants.ListActiveTenants(ctx)
}

// ListActiveIntegrations lists routable integrations of channelType inside t.
func (d *Directory) ListActiveIntegrations(ctx context.Context, t tenant.Tenant, channelType channel.ChannelType) ([]Integration, error) {
	items, err := tenant.WithTenant(ctx, d.runner, t.Locator(), func(ctx context.Context, scope tenant.Scope) ([]Integration, error) {
		return d.store.ListRoutable(ctx, scope, channelType)
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].TenantID = t.ID
		items[i].Locator = t.Locator()
	}
	return items, nil
}

// DecryptCredentials opens the sealed credential set of item.
func (d *Directory) DecryptCredentials(item Integration) (channel.Credentials, error) {
	return d.sealer.Open(item.CredentialsEncrypted)
}

// DecryptCredential returns the routing credential of item.
func (d *Directory) DecryptCredential(item Integration) (string, error) {
	adapter, ok := d.channels.Get(item.Channel)
	if !ok {
		return "", fmt.Errorf("unsupported channel type: %s", item.Channel)
	}
	creds, err := d.DecryptCredentials(item)
	if err != nil {
		return "", err
	}
	return adapter.Credential(creds)
}
