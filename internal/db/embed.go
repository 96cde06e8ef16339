package db

import "embed"

// MigrationFS holds the public-schema migrations applied by golang-migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// TenantDDL holds the statements applied to every tenant schema, in file name order.
//
//go:embed tenantddl/*.sql
var TenantDDL embed.FS
