package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/slothai/gateway/internal/channel/channeltest"
	"github.com/slothai/gateway/internal/integration"
)

func TestResolveUnknownCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "123:AAA", integration.StatusActive)

	_, err := h.resolver.Resolve(context.Background(), channeltest.Type, "999:ZZZ")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("err = %v, want ErrCredentialNotFound", err)
	}
	if h.resolver.Len() != 0 {
		t.Fatalf("negative result cached: len = %d", h.resolver.Len())
	}
	if _, err := h.resolver.Resolve(context.Background(), channeltest.Type, "  "); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("blank credential err = %v", err)
	}
}

func TestResolveKeepsTenantsApart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.seed(tenantA, "u1", "123456:ABCdef", integration.StatusActive)
	b := h.seed(tenantB, "u1", "123456:ABCdeg", integration.StatusActive)

	resA, err := h.resolver.Resolve(context.Background(), channeltest.Type, "123456:ABCdef")
	if err != nil {
		t.Fatalf("resolve A: %v", err)
	}
	resB, err := h.resolver.Resolve(context.Background(), channeltest.Type, "123456:ABCdeg")
	if err != nil {
		t.Fatalf("resolve B: %v", err)
	}
	if resA.Locator != tenantA.Locator() || resA.IntegrationID != a.ID || resA.TenantID != tenantA.ID {
		t.Fatalf("resolution A = %+v", resA)
	}
	if resB.Locator != tenantB.Locator() || resB.IntegrationID != b.ID {
		t.Fatalf("resolution B = %+v", resB)
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantB, "u1", "tok-1", integration.StatusActive)
	ctx := context.Background()

	if _, err := h.resolver.Resolve(ctx, channeltest.Type, "tok-1"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	lists := h.store.ListCalls()
	h.clock.Advance(4 * time.Minute)
	if _, err := h.resolver.Resolve(ctx, channeltest.Type, "tok-1"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if got := h.resolver.Scans(); got != 1 {
		t.Fatalf("scans = %d, want 1", got)
	}
	if h.store.ListCalls() != lists {
		t.Fatalf("directory touched on cache hit")
	}
}

func TestResolveRescansOnceAfterTTL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "tok-1", integration.StatusActive)
	ctx := context.Background()

	if _, err := h.resolver.Resolve(ctx, channeltest.Type, "tok-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.clock.Advance(5 * time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := h.resolver.Resolve(ctx, channeltest.Type, "tok-1"); err != nil {
			t.Fatalf("resolve after ttl: %v", err)
		}
	}
	if got := h.resolver.Scans(); got != 2 {
		t.Fatalf("scans = %d, want 2", got)
	}
}

func TestResolveConcurrentColdMissesShareOneScan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "tok-1", integration.StatusActive)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.resolver.Resolve(context.Background(), channeltest.Type, "tok-1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("resolve: %v", err)
	}
	if got := h.resolver.Scans(); got != 1 {
		t.Fatalf("scans = %d, want 1", got)
	}
}

func TestResolveSkipsDisabledAndFailingTenants(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "tok-off", integration.StatusDisabled)
	h.seed(tenantB, "u1", "tok-b", integration.StatusError)
	h.runner.Fail(tenantA.Locator(), errors.New("schema gone"))

	if _, err := h.resolver.Resolve(context.Background(), channeltest.Type, "tok-off"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("disabled credential err = %v", err)
	}
	res, err := h.resolver.Resolve(context.Background(), channeltest.Type, "tok-b")
	if err != nil {
		t.Fatalf("error-status integration must stay routable: %v", err)
	}
	if res.Locator != tenantB.Locator() {
		t.Fatalf("locator = %s", res.Locator)
	}
}

func TestResolverInvalidateAndSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.seed(tenantA, "u1", "tok-a", integration.StatusActive)
	h.seed(tenantB, "u1", "tok-b", integration.StatusActive)
	ctx := context.Background()
	for _, tok := range []string{"tok-a", "tok-b"} {
		if _, err := h.resolver.Resolve(ctx, channeltest.Type, tok); err != nil {
			t.Fatalf("resolve %s: %v", tok, err)
		}
	}

	h.resolver.InvalidateIntegration(a.ID)
	if h.resolver.Len() != 1 {
		t.Fatalf("len after InvalidateIntegration = %d", h.resolver.Len())
	}
	h.resolver.Invalidate("tok-b")
	if h.resolver.Len() != 0 {
		t.Fatalf("len after Invalidate = %d", h.resolver.Len())
	}

	if _, err := h.resolver.Resolve(ctx, channeltest.Type, "tok-a"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n := h.resolver.Sweep(h.clock.Now().Add(time.Minute)); n != 0 {
		t.Fatalf("swept %d fresh entries", n)
	}
	if n := h.resolver.Sweep(h.clock.Now().Add(6 * time.Minute)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
}

func TestResolverRecordsScanMetrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(tenantA, "u1", "tok-a", integration.StatusActive)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	resolver := NewResolver(quietLogger(), h.dir, time.Minute, WithMeterProvider(mp))
	ctx := context.Background()

	_, _ = resolver.Resolve(ctx, channeltest.Type, "tok-a")
	_, _ = resolver.Resolve(ctx, channeltest.Type, "tok-a")
	_, _ = resolver.Resolve(ctx, channeltest.Type, "missing")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var scans int64
	sawDuration := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "gateway.resolver.scans":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("scans data = %T", m.Data)
				}
				for _, dp := range sum.DataPoints {
					scans += dp.Value
				}
			case "gateway.resolver.scan.duration":
				sawDuration = true
			}
		}
	}
	if scans != 2 {
		t.Fatalf("recorded scans = %d, want 2", scans)
	}
	if !sawDuration {
		t.Fatal("scan duration histogram not recorded")
	}
}
