package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slothai/gateway/internal/db"
)

// PGRunner enters a tenant by opening a transaction and setting a
// transaction-local search_path. The pooled connection goes back to the pool
// with its original search_path whatever way fn exits.
type PGRunner struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

// NewPGRunner creates a runner. timeout bounds each tenant call; zero disables it.
func NewPGRunner(log *slog.Logger, pool *pgxpool.Pool, timeout time.Duration) *PGRunner {
	if log == nil {
		log = slog.Default()
	}
	return &PGRunner{
		pool:    pool,
		timeout: timeout,
		logger:  log.With(slog.String("component", "tenant")),
	}
}

type pgScope struct {
	locator Locator
	tx      pgx.Tx
}

func (s *pgScope) Locator() Locator { return s.locator }
func (s *pgScope) DB() DBTX         { return s.tx }

// Run implements Runner.
func (r *PGRunner) Run(ctx context.Context, locator Locator, fn func(ctx context.Context, scope Scope) error) (err error) {
	schema := locator.String()
	if !db.ValidSchemaName(schema) {
		return fmt.Errorf("%w: invalid locator %q", ErrTenantContext, schema)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTenantContext, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	var exists bool
	if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)`, schema).Scan(&exists); err != nil {
		return fmt.Errorf("%w: lookup schema %s: %v", ErrTenantContext, schema, err)
	}
	if !exists {
		err = fmt.Errorf("%w: schema %s does not exist", ErrTenantContext, schema)
		r.logger.Error("tenant schema missing", slog.String("tenant", schema))
		return err
	}
	if _, err = tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, schema+", public"); err != nil {
		return fmt.Errorf("%w: set search_path: %v", ErrTenantContext, err)
	}

	if err = fn(ctx, &pgScope{locator: locator, tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: commit timed out", ErrTenantContext)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
