package db

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestValidSchemaName(t *testing.T) {
	t.Parallel()

	valid := []string{"tenant_a", "_t1", "acme"}
	for _, name := range valid {
		if !ValidSchemaName(name) {
			t.Fatalf("ValidSchemaName(%q) = false, want true", name)
		}
	}
	invalid := []string{"", "Tenant", "1abc", "a-b", "public", "a; drop table x", strings.Repeat("a", 64)}
	for _, name := range invalid {
		if ValidSchemaName(name) {
			t.Fatalf("ValidSchemaName(%q) = true, want false", name)
		}
	}
}

func TestParseUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	pg, err := ParseUUID(id)
	if err != nil {
		t.Fatalf("ParseUUID: %v", err)
	}
	if got := UUIDString(pg); got != id {
		t.Fatalf("UUIDString = %q, want %q", got, id)
	}
	if _, err := ParseUUID("nope"); err == nil {
		t.Fatal("expected error for invalid uuid")
	}
}

func TestTenantStatementsOrdered(t *testing.T) {
	t.Parallel()

	stmts, err := tenantStatements()
	if err != nil {
		t.Fatalf("tenantStatements: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("got %d statements, want 2", len(stmts))
	}
	if !strings.Contains(stmts[0], "CREATE TABLE IF NOT EXISTS integrations") {
		t.Fatalf("first statement should create integrations")
	}
	if !strings.Contains(stmts[1], "CREATE TABLE IF NOT EXISTS conversations") {
		t.Fatalf("second statement should create conversations")
	}
}
