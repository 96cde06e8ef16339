package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/integration"
)

const meterName = "github.com/slothai/gateway/internal/gateway"

type cacheKey struct {
	channel    channel.ChannelType
	credential string
}

// Resolver maps a raw webhook credential to the owning tenant and integration.
// Hits are served from a TTL cache. Misses scan every active tenant; concurrent
// misses for the same credential share one scan. Negative results are not cached.
type Resolver struct {
	dir    *integration.Directory
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[cacheKey]Resolution
	group singleflight.Group

	scanCount    atomic.Int64
	scans        metric.Int64Counter
	scanDuration metric.Float64Histogram
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	now           func() time.Time
	meterProvider metric.MeterProvider
}

// WithClock overrides time.Now for cache expiry.
func WithClock(now func() time.Time) ResolverOption {
	return func(o *resolverOptions) { o.now = now }
}

// WithMeterProvider records scan metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) ResolverOption {
	return func(o *resolverOptions) { o.meterProvider = mp }
}

// NewResolver creates a Resolver whose entries live for ttl.
func NewResolver(log *slog.Logger, dir *integration.Directory, ttl time.Duration, opts ...ResolverOption) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	o := resolverOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	mp := o.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	r := &Resolver{
		dir:    dir,
		ttl:    ttl,
		now:    o.now,
		logger: log.With(slog.String("component", "resolver")),
		cache:  map[cacheKey]Resolution{},
	}
	meter := mp.Meter(meterName)
	var err error
	if r.scans, err = meter.Int64Counter("gateway.resolver.scans",
		metric.WithDescription("Credential resolution scans over the tenant directory")); err != nil {
		r.logger.Warn("scan counter unavailable", slog.Any("error", err))
	}
	if r.scanDuration, err = meter.Float64Histogram("gateway.resolver.scan.duration",
		metric.WithDescription("Duration of credential resolution scans"),
		metric.WithUnit("s")); err != nil {
		r.logger.Warn("scan histogram unavailable", slog.Any("error", err))
	}
	return r
}

// Resolve returns the owner of credential on channelType.
func (r *Resolver) Resolve(ctx context.Context, channelType channel.ChannelType, credential string) (Resolution, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Resolution{}, ErrCredentialNotFound
	}
	key := cacheKey{channel: channelType, credential: credential}
	if res, ok := r.lookup(key); ok {
		return res, nil
	}
	v, err, _ := r.group.Do(channelType.String()+":"+credential, func() (any, error) {
		if res, ok := r.lookup(key); ok {
			return res, nil
		}
		res, err := r.scan(ctx, channelType, credential)
		if err != nil {
			return Resolution{}, err
		}
		r.mu.Lock()
		r.cache[key] = res
		r.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

func (r *Resolver) lookup(key cacheKey) (Resolution, bool) {
	r.mu.RLock()
	res, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok || r.now().Sub(res.ResolvedAt) >= r.ttl {
		return Resolution{}, false
	}
	return res, true
}

func (r *Resolver) scan(ctx context.Context, channelType channel.ChannelType, credential string) (Resolution, error) {
	start := time.Now()
	r.scanCount.Add(1)
	var (
		tenantsVisited      int
		integrationsVisited int
		found               bool
	)
	defer func() {
		elapsed := time.Since(start)
		attrs := metric.WithAttributes(
			attribute.String("channel", channelType.String()),
			attribute.Bool("found", found),
		)
		if r.scans != nil {
			r.scans.Add(context.WithoutCancel(ctx), 1, attrs)
		}
		if r.scanDuration != nil {
			r.scanDuration.Record(context.WithoutCancel(ctx), elapsed.Seconds(), attrs)
		}
		r.logger.Info("resolver scan",
			slog.String("channel", channelType.String()),
			slog.Bool("found", found),
			slog.Int("tenants_visited", tenantsVisited),
			slog.Int("integrations_visited", integrationsVisited),
			slog.Duration("duration", elapsed),
		)
	}()

	tenants, err := r.dir.ListActiveTenants(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("list tenants: %w", err)
	}
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}
		tenantsVisited++
		items, err := r.dir.ListActiveIntegrations(ctx, t, channelType)
		if err != nil {
			if ctx.Err() != nil {
				return Resolution{}, err
			}
			r.logger.Warn("tenant scan failed",
				slog.String("tenant", t.Locator().String()),
				slog.String("channel", channelType.String()),
				slog.Any("error", err),
			)
			continue
		}
		for _, item := range items {
			integrationsVisited++
			value, err := r.dir.DecryptCredential(item)
			if err != nil {
				r.logger.Warn("credential decrypt failed",
					slog.String("tenant", t.Locator().String()),
					slog.String("integration_id", item.ID),
					slog.Any("error", err),
				)
				continue
			}
			if subtle.ConstantTimeCompare([]byte(value), []byte(credential)) == 1 {
				found = true
				return resolutionOf(item, r.now()), nil
			}
		}
	}
	return Resolution{}, ErrCredentialNotFound
}

// Invalidate drops every cached entry for credential.
func (r *Resolver) Invalidate(credential string) {
	credential = strings.TrimSpace(credential)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key.credential == credential {
			delete(r.cache, key)
		}
	}
}

// InvalidateIntegration drops every cached entry pointing at integrationID.
func (r *Resolver) InvalidateIntegration(integrationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, res := range r.cache {
		if res.IntegrationID == integrationID {
			delete(r.cache, key)
		}
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (r *Resolver) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, res := range r.cache {
		if now.Sub(res.ResolvedAt) >= r.ttl {
			delete(r.cache, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of cached entries, expired ones included.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Scans reports how many directory scans have run.
func (r *Resolver) Scans() int64 {
	return r.scanCount.Load()
}

// Now returns the resolver clock.
func (r *Resolver) Now() time.Time {
	return r.now()
}
