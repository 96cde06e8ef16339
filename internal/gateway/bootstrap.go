package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/tenant"
)

// Bootstrap starts sessions for every active integration of every active
// tenant on a detached goroutine. Only the first call has an effect.
func (r *Registry) Bootstrap(ctx context.Context) {
	r.bootstrapOnce.Do(func() {
		go func() {
			defer close(r.bootstrapDone)
			start := time.Now()
			report, err := r.Reconcile(context.WithoutCancel(ctx))
			if err != nil {
				r.logger.Error("bootstrap failed", slog.Any("error", err))
				return
			}
			r.logger.Info("bootstrap complete",
				slog.Int("tenants", report.Tenants),
				slog.Int("started", report.Started),
				slog.Int("failed", report.Failed),
				slog.Duration("duration", time.Since(start)),
			)
		}()
	})
}

// Bootstrapped reports whether the bootstrap goroutine has finished.
func (r *Registry) Bootstrapped() bool {
	select {
	case <-r.bootstrapDone:
		return true
	default:
		return false
	}
}

// WaitBootstrap blocks until bootstrap finishes or ctx is done.
func (r *Registry) WaitBootstrap(ctx context.Context) error {
	select {
	case <-r.bootstrapDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReconcileReport summarises one reconcile pass.
type ReconcileReport struct {
	Tenants int
	Started int
	Failed  int
	Stopped int
}

// Reconcile starts sessions for active and pending integrations that are not
// live yet, and stops sessions whose integration is no longer routable.
// Tenants are visited with bounded fan-out; a failing tenant never aborts the
// others and its sessions are left untouched.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileReport, error) {
	began := r.now()
	tenants, err := r.dir.ListActiveTenants(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list tenants: %w", err)
	}

	var (
		mu      sync.Mutex
		report  = ReconcileReport{Tenants: len(tenants)}
		seen    = map[string]bool{}
		skipped = map[tenant.Locator]bool{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.BootstrapConcurrency)
	for _, t := range tenants {
		g.Go(func() error {
			started, failed, ids, err := r.reconcileTenant(gctx, t)
			mu.Lock()
			defer mu.Unlock()
			report.Started += started
			report.Failed += failed
			if err != nil {
				skipped[t.Locator()] = true
				return nil
			}
			for _, id := range ids {
				seen[id] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	// Sessions of deactivated tenants or removed integrations are not seen.
	for _, s := range r.Sessions() {
		if skipped[s.Integration.Locator] || seen[s.Integration.ID] || s.StartedAt.After(began) {
			continue
		}
		if err := r.StopSession(ctx, s.Integration.ID); err != nil {
			r.logger.Warn("session stop failed",
				slog.String("integration_id", s.Integration.ID),
				slog.Any("error", err),
			)
		}
		report.Stopped++
	}
	return report, nil
}

func (r *Registry) reconcileTenant(ctx context.Context, t tenant.Tenant) (started, failed int, routable []string, err error) {
	log := r.logger.With(slog.String("tenant", t.Locator().String()))
	for _, channelType := range r.dir.Channels().Types() {
		items, err := r.dir.ListActiveIntegrations(ctx, t, channelType)
		if err != nil {
			log.Error("tenant bootstrap failed", slog.String("channel", channelType.String()), slog.Any("error", err))
			return started, failed, nil, err
		}
		for _, item := range items {
			routable = append(routable, item.ID)
			if item.Status != integration.StatusActive && item.Status != integration.StatusPending {
				continue
			}
			if _, live := r.Session(item.ID); live {
				continue
			}
			if err := r.StartSession(ctx, item); err != nil {
				failed++
				log.Warn("session start failed",
					slog.String("integration_id", item.ID),
					slog.String("channel", item.Channel.String()),
					slog.Any("error", err),
				)
				continue
			}
			started++
		}
	}
	return started, failed, routable, nil
}
