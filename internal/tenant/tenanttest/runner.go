// Package tenanttest provides an in-memory tenant.Runner for tests.
package tenanttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slothai/gateway/internal/tenant"
)

// Runner accepts a fixed set of locators and records how often each was entered.
type Runner struct {
	mu      sync.Mutex
	known   map[tenant.Locator]bool
	entered map[tenant.Locator]int
	open    int
	failing map[tenant.Locator]error
	timeout time.Duration
}

// NewRunner returns a runner that accepts the given locators.
func NewRunner(locators ...tenant.Locator) *Runner {
	r := &Runner{
		known:   map[tenant.Locator]bool{},
		entered: map[tenant.Locator]int{},
		failing: map[tenant.Locator]error{},
	}
	for _, l := range locators {
		r.known[l] = true
	}
	return r
}

// Add makes locator known.
func (r *Runner) Add(locator tenant.Locator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[locator] = true
}

// Fail makes every entry into locator fail with err.
func (r *Runner) Fail(locator tenant.Locator, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[locator] = err
}

// SetCallTimeout bounds every Run the way tenant.PGRunner does with its
// directory timeout: fn sees the deadline and a call that outlives it fails
// as a timed-out commit would. Zero disables it.
func (r *Runner) SetCallTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// Entered reports how many times locator was entered.
func (r *Runner) Entered(locator tenant.Locator) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entered[locator]
}

// TotalEntered reports entries across all locators.
func (r *Runner) TotalEntered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.entered {
		total += n
	}
	return total
}

// Open reports how many scopes are currently entered and not yet exited.
func (r *Runner) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

type scope struct {
	locator tenant.Locator
}

func (s scope) Locator() tenant.Locator { return s.locator }
func (s scope) DB() tenant.DBTX         { return nil }

// Run implements tenant.Runner.
func (r *Runner) Run(ctx context.Context, locator tenant.Locator, fn func(ctx context.Context, scope tenant.Scope) error) error {
	r.mu.Lock()
	if err := r.failing[locator]; err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", tenant.ErrTenantContext, err)
	}
	if !r.known[locator] {
		r.mu.Unlock()
		return fmt.Errorf("%w: schema %s does not exist", tenant.ErrTenantContext, locator)
	}
	r.entered[locator]++
	r.open++
	timeout := r.timeout
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.open--
		r.mu.Unlock()
	}()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, scope{locator: locator}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
