package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProvisionTenant creates the tenant schema, applies TenantDDL inside it and
// records the tenant row. Re-running it for an existing schema is safe.
func ProvisionTenant(ctx context.Context, pool *pgxpool.Pool, schema, ownerUserID string) (string, error) {
	if !ValidSchemaName(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	stmts, err := tenantStatements()
	if err != nil {
		return "", err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ident := pgx.Identifier{schema}.Sanitize()
	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
		return "", fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('search_path', $1, true)", schema+", public"); err != nil {
		return "", fmt.Errorf("set search_path: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("apply tenant ddl: %w", err)
		}
	}
	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO public.tenants (schema_name, owner_user_id)
		VALUES ($1, $2)
		ON CONFLICT (schema_name) DO UPDATE SET owner_user_id = EXCLUDED.owner_user_id
		RETURNING id::text`, schema, ownerUserID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert tenant: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// SetTenantActive toggles the tenant activation flag.
func SetTenantActive(ctx context.Context, pool *pgxpool.Pool, tenantID string, active bool) error {
	id, err := ParseUUID(tenantID)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `UPDATE public.tenants SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s not found", tenantID)
	}
	return nil
}

func tenantStatements() ([]string, error) {
	entries, err := fs.ReadDir(TenantDDL, "tenantddl")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	stmts := make([]string, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(TenantDDL, "tenantddl/"+name)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, string(body))
	}
	return stmts, nil
}
