package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/tenant"
)

// Lifecycle connects, disconnects and toggles integrations on behalf of a tenant.
type Lifecycle struct {
	dir      *integration.Directory
	registry *Registry
	resolver *Resolver
	logger   *slog.Logger
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(log *slog.Logger, dir *integration.Directory, registry *Registry, resolver *Resolver) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		dir:      dir,
		registry: registry,
		resolver: resolver,
		logger:   log.With(slog.String("component", "lifecycle")),
	}
}

func (l *Lifecycle) tenant(ctx context.Context, tenantID string) (tenant.Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	tenants, err := l.dir.ListActiveTenants(ctx)
	if err != nil {
		return tenant.Tenant{}, err
	}
	for _, t := range tenants {
		if t.ID == tenantID {
			return t, nil
		}
	}
	return tenant.Tenant{}, fmt.Errorf("%w: tenant %s not active", tenant.ErrTenantContext, tenantID)
}

func (l *Lifecycle) get(ctx context.Context, t tenant.Tenant, integrationID string) (integration.Integration, error) {
	item, err := tenant.WithTenant(ctx, l.dir.Runner(), t.Locator(), func(ctx context.Context, scope tenant.Scope) (integration.Integration, error) {
		return l.dir.Store().Get(ctx, scope, integrationID)
	})
	if err != nil {
		return integration.Integration{}, err
	}
	item.TenantID = t.ID
	return item, nil
}

// Connect validates and seals credentials, stores the integration as pending
// and starts its session. A credential already routed to another tenant or
// user yields ErrCredentialInUse. When the session cannot start the integration is
// left in error and the error is returned together with the stored row.
func (l *Lifecycle) Connect(ctx context.Context, tenantID, userID string, channelType channel.ChannelType, raw map[string]string) (integration.Integration, error) {
	adapter, ok := l.dir.Channels().Get(channelType)
	if !ok {
		return integration.Integration{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channelType)
	}
	t, err := l.tenant(ctx, tenantID)
	if err != nil {
		return integration.Integration{}, err
	}
	creds, err := adapter.NormalizeCredentials(raw)
	if err != nil {
		return integration.Integration{}, err
	}
	credential, err := adapter.Credential(creds)
	if err != nil {
		return integration.Integration{}, err
	}
	owner, err := l.resolver.Resolve(ctx, channelType, credential)
	switch {
	case errors.Is(err, ErrCredentialNotFound):
	case err != nil:
		return integration.Integration{}, fmt.Errorf("credential ownership: %w", err)
	case owner.TenantID != t.ID || owner.UserID != userID:
		l.logger.Warn("connect: credential owned by another integration",
			slog.String("tenant", t.Locator().String()),
			slog.String("channel", channelType.String()),
			slog.String("credential", CredentialTag(credential)),
		)
		return integration.Integration{}, ErrCredentialInUse
	}
	blob, err := l.dir.Sealer().Seal(creds)
	if err != nil {
		return integration.Integration{}, fmt.Errorf("seal credentials: %w", err)
	}
	item, err := tenant.WithTenant(ctx, l.dir.Runner(), t.Locator(), func(ctx context.Context, scope tenant.Scope) (integration.Integration, error) {
		return l.dir.Store().Upsert(ctx, scope, integration.UpsertParams{
			UserID:               userID,
			Channel:              channelType,
			CredentialsEncrypted: blob,
		})
	})
	if err != nil {
		return integration.Integration{}, err
	}
	item.TenantID = t.ID
	l.resolver.InvalidateIntegration(item.ID)

	startErr := l.registry.StartSession(ctx, item)
	if startErr != nil {
		l.logger.Warn("connect: session start failed",
			slog.String("tenant", t.Locator().String()),
			slog.String("integration_id", item.ID),
			slog.String("channel", channelType.String()),
			slog.Any("error", startErr),
		)
	}
	if fresh, err := l.get(ctx, t, item.ID); err == nil {
		item = fresh
	}
	return item, startErr
}

// Disconnect stops the session, drops cached routes and deletes the integration.
func (l *Lifecycle) Disconnect(ctx context.Context, tenantID, integrationID string) error {
	t, err := l.tenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if _, err := l.get(ctx, t, integrationID); err != nil {
		return err
	}
	l.stop(ctx, t, integrationID)
	return tenant.Do(ctx, l.dir.Runner(), t.Locator(), func(ctx context.Context, scope tenant.Scope) error {
		return l.dir.Store().Delete(ctx, scope, integrationID)
	})
}

func (l *Lifecycle) stop(ctx context.Context, t tenant.Tenant, integrationID string) {
	if s, ok := l.registry.Session(integrationID); ok && s.Integration.Locator == t.Locator() {
		if err := l.registry.StopSession(ctx, integrationID); err != nil {
			l.logger.Warn("session stop failed",
				slog.String("tenant", t.Locator().String()),
				slog.String("integration_id", integrationID),
				slog.Any("error", err),
			)
		}
	}
	l.resolver.InvalidateIntegration(integrationID)
}

// SetStatus deactivates (disabled=true) or reactivates an integration.
// Reactivation restarts the session; its failure is returned but the
// integration stays enabled.
func (l *Lifecycle) SetStatus(ctx context.Context, tenantID, integrationID string, disabled bool) (integration.Integration, error) {
	t, err := l.tenant(ctx, tenantID)
	if err != nil {
		return integration.Integration{}, err
	}
	err = tenant.Do(ctx, l.dir.Runner(), t.Locator(), func(ctx context.Context, scope tenant.Scope) error {
		return l.dir.Store().SetDisabled(ctx, scope, integrationID, disabled)
	})
	if err != nil {
		return integration.Integration{}, err
	}
	var startErr error
	if disabled {
		l.stop(ctx, t, integrationID)
	} else {
		item, err := l.get(ctx, t, integrationID)
		if err != nil {
			return integration.Integration{}, err
		}
		startErr = l.registry.StartSession(ctx, item)
	}
	item, err := l.get(ctx, t, integrationID)
	if err != nil {
		return integration.Integration{}, err
	}
	return item, startErr
}

// List returns every integration of the tenant.
func (l *Lifecycle) List(ctx context.Context, tenantID string) ([]integration.Integration, error) {
	t, err := l.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	items, err := tenant.WithTenant(ctx, l.dir.Runner(), t.Locator(), func(ctx context.Context, scope tenant.Scope) ([]integration.Integration, error) {
		return l.dir.Store().List(ctx, scope)
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].TenantID = t.ID
	}
	return items, nil
}

// DisableStale disables integrations of every tenant that have been in
// error since before and stops their sessions. Per-tenant failures are
// logged and skipped. It returns the number of disabled integrations.
func (l *Lifecycle) DisableStale(ctx context.Context, before time.Time) (int, error) {
	tenants, err := l.dir.ListActiveTenants(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tenants {
		ids, err := tenant.WithTenant(ctx, l.dir.Runner(), t.Locator(), func(ctx context.Context, scope tenant.Scope) ([]string, error) {
			return l.dir.Store().DisableStaleErrors(ctx, scope, before)
		})
		if err != nil {
			l.logger.Warn("stale error sweep failed", slog.String("tenant", t.Locator().String()), slog.Any("error", err))
			continue
		}
		for _, id := range ids {
			l.stop(ctx, t, id)
			l.logger.Info("integration disabled after persistent errors",
				slog.String("tenant", t.Locator().String()),
				slog.String("integration_id", id),
			)
		}
		total += len(ids)
	}
	return total, nil
}
