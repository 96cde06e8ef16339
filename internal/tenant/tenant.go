// Package tenant scopes data access to one tenant's schema.
//
// Tenant data is reachable only inside a WithTenant callback. The callback
// receives a Scope bound to a single transaction whose search_path points at
// the tenant schema; nothing about the current tenant outlives the call.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTenantContext is returned when the tenant partition cannot be entered.
var ErrTenantContext = errors.New("tenant context failure")

// Tenant is one customer organization.
type Tenant struct {
	ID     string
	Schema string
	Active bool
}

// Locator is the data partition locator of a tenant (its schema name).
type Locator string

func (l Locator) String() string { return string(l) }

// Locator returns the tenant's data partition locator.
func (t Tenant) Locator() Locator { return Locator(t.Schema) }

// DBTX is the query surface available inside a tenant scope.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Scope is the handle passed to a WithTenant callback.
type Scope interface {
	Locator() Locator
	DB() DBTX
}

// Runner executes fn inside the tenant partition named by locator.
type Runner interface {
	Run(ctx context.Context, locator Locator, fn func(ctx context.Context, scope Scope) error) error
}

// WithTenant runs fn against the tenant partition and returns its result.
func WithTenant[T any](ctx context.Context, r Runner, locator Locator, fn func(ctx context.Context, scope Scope) (T, error)) (T, error) {
	var out T
	if r == nil {
		return out, fmt.Errorf("%w: runner not configured", ErrTenantContext)
	}
	err := r.Run(ctx, locator, func(ctx context.Context, scope Scope) error {
		v, err := fn(ctx, scope)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Do is WithTenant for callbacks without a result.
func Do(ctx context.Context, r Runner, locator Locator, fn func(ctx context.Context, scope Scope) error) error {
	_, err := WithTenant(ctx, r, locator, func(ctx context.Context, scope Scope) (struct{}, error) {
		return struct{}{}, fn(ctx, scope)
	})
	return err
}
