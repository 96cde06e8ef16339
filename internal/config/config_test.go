package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("addr = %q, want %q", cfg.Server.Addr, DefaultHTTPAddr)
	}
	timings, err := cfg.Gateway.Timings()
	if err != nil {
		t.Fatalf("Timings: %v", err)
	}
	if timings.ResolverTTL != 5*time.Minute {
		t.Fatalf("resolver ttl = %s, want 5m", timings.ResolverTTL)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[gateway]
public_url = "https://bots.example.com/"
resolver_ttl = "30s"

[crypto]
secret = "s3cret"

[auth]
jwt_secret = "jwt"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.Gateway.WebhookBase(); got != "https://bots.example.com/webhooks" {
		t.Fatalf("webhook base = %q", got)
	}
	timings, _ := cfg.Gateway.Timings()
	if timings.ResolverTTL != 30*time.Second {
		t.Fatalf("resolver ttl = %s, want 30s", timings.ResolverTTL)
	}
	if timings.RequestBudget != 8*time.Second {
		t.Fatalf("request budget = %s, want default 8s", timings.RequestBudget)
	}
}

func TestValidateRejectsPlainHTTPPublicURL(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Gateway.PublicURL = "http://bots.example.com"
	cfg.Crypto.Secret = "x"
	cfg.Auth.JWTSecret = "y"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected https requirement to fail validation")
	}
}

func TestTimingsRejectsNonPositive(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Gateway.AITimeout = "0s"
	if _, err := cfg.Gateway.Timings(); err == nil {
		t.Fatal("expected error for zero ai_timeout")
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Parallel()

	pg := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p@ss", Database: "gw", SSLMode: "disable"}
	want := "postgres://u:p%40ss@db:5433/gw?sslmode=disable"
	if got := pg.DSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}

func TestMetricsInterval(t *testing.T) {
	t.Parallel()

	if d, err := (MetricsConfig{}).Interval(); err != nil || d != 0 {
		t.Fatalf("empty interval = %s, %v", d, err)
	}
	if d, err := (MetricsConfig{ExportInterval: "30s"}).Interval(); err != nil || d != 30*time.Second {
		t.Fatalf("interval = %s, %v", d, err)
	}
	if _, err := (MetricsConfig{ExportInterval: "soon"}).Interval(); err == nil {
		t.Fatal("expected parse error")
	}
}
