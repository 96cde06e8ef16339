package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath           = "config.toml"
	DefaultHTTPAddr             = ":8080"
	DefaultJWTExpiresIn         = "24h"
	DefaultPGHost               = "127.0.0.1"
	DefaultPGPort               = 5432
	DefaultPGUser               = "postgres"
	DefaultPGDatabase           = "gateway"
	DefaultPGSSLMode            = "disable"
	DefaultResolverTTL          = "5m"
	DefaultRequestBudget        = "8s"
	DefaultDirectoryTimeout     = "3s"
	DefaultUpstreamTimeout      = "10s"
	DefaultAITimeout            = "6s"
	DefaultDedupeTTL            = "10m"
	DefaultBootstrapConcurrency = 4
	DefaultDispatchWorkers      = 8
	DefaultTimezone             = "UTC"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Crypto   CryptoConfig   `toml:"crypto"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Agent    AgentConfig    `toml:"agent"`
	Twilio   TwilioConfig   `toml:"twilio"`
	Meta     MetaConfig     `toml:"meta"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the connection string accepted by pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisConfig is optional. An empty Addr keeps the redelivery guard in memory.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type CryptoConfig struct {
	Secret string `toml:"secret"`
}

type GatewayConfig struct {
	PublicURL            string `toml:"public_url" validate:"required,url,startswith=https://"`
	ResolverTTL          string `toml:"resolver_ttl" validate:"required"`
	RequestBudget        string `toml:"request_budget" validate:"required"`
	DirectoryTimeout     string `toml:"directory_timeout" validate:"required"`
	UpstreamTimeout      string `toml:"upstream_timeout" validate:"required"`
	AITimeout            string `toml:"ai_timeout" validate:"required"`
	DedupeTTL            string `toml:"dedupe_ttl" validate:"required"`
	BootstrapConcurrency int    `toml:"bootstrap_concurrency" validate:"gte=1"`
	AsyncDispatch        bool   `toml:"async_dispatch"`
	DispatchWorkers      int    `toml:"dispatch_workers" validate:"gte=1"`
	Timezone             string `toml:"timezone"`
}

type AgentConfig struct {
	// BaseURL of the reply engine. Empty selects the built-in echo engine.
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type TwilioConfig struct {
	BaseURL string `toml:"base_url"`
}

type MetaConfig struct {
	GraphURL     string `toml:"graph_url"`
	GraphVersion string `toml:"graph_version"`
}

type MetricsConfig struct {
	// ExportInterval enables the stdout metric exporter. Empty disables export.
	ExportInterval string `toml:"export_interval"`
}

// Interval parses ExportInterval; zero means export is off.
func (c MetricsConfig) Interval() (time.Duration, error) {
	raw := strings.TrimSpace(c.ExportInterval)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("metrics.export_interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("metrics.export_interval must not be negative")
	}
	return d, nil
}

// GatewayTimings is the parsed form of the duration strings in GatewayConfig.
type GatewayTimings struct {
	ResolverTTL      time.Duration
	RequestBudget    time.Duration
	DirectoryTimeout time.Duration
	UpstreamTimeout  time.Duration
	AITimeout        time.Duration
	DedupeTTL        time.Duration
}

// Timings parses every duration field, failing on the first bad value.
func (c GatewayConfig) Timings() (GatewayTimings, error) {
	var out GatewayTimings
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"resolver_ttl", c.ResolverTTL, &out.ResolverTTL},
		{"request_budget", c.RequestBudget, &out.RequestBudget},
		{"directory_timeout", c.DirectoryTimeout, &out.DirectoryTimeout},
		{"upstream_timeout", c.UpstreamTimeout, &out.UpstreamTimeout},
		{"ai_timeout", c.AITimeout, &out.AITimeout},
		{"dedupe_ttl", c.DedupeTTL, &out.DedupeTTL},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(strings.TrimSpace(f.raw))
		if err != nil {
			return GatewayTimings{}, fmt.Errorf("gateway.%s: %w", f.name, err)
		}
		if d <= 0 {
			return GatewayTimings{}, fmt.Errorf("gateway.%s must be positive", f.name)
		}
		*f.dst = d
	}
	return out, nil
}

// Location resolves the timezone used for working hours.
func (c GatewayConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		name = DefaultTimezone
	}
	return time.LoadLocation(name)
}

// WebhookBase is the public URL prefix under which upstream platforms call us.
func (c GatewayConfig) WebhookBase() string {
	return strings.TrimRight(strings.TrimSpace(c.PublicURL), "/") + "/webhooks"
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Gateway: GatewayConfig{
			ResolverTTL:          DefaultResolverTTL,
			RequestBudget:        DefaultRequestBudget,
			DirectoryTimeout:     DefaultDirectoryTimeout,
			UpstreamTimeout:      DefaultUpstreamTimeout,
			AITimeout:            DefaultAITimeout,
			DedupeTTL:            DefaultDedupeTTL,
			BootstrapConcurrency: DefaultBootstrapConcurrency,
			DispatchWorkers:      DefaultDispatchWorkers,
			Timezone:             DefaultTimezone,
		},
		Meta: MetaConfig{
			GraphURL:     "https://graph.facebook.com",
			GraphVersion: "v18.0",
		},
		Twilio: TwilioConfig{
			BaseURL: "https://api.twilio.com",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the sections the gateway cannot start without.
func (c Config) Validate() error {
	if err := validator.New().Struct(c.Gateway); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	if _, err := c.Gateway.Timings(); err != nil {
		return err
	}
	if _, err := c.Gateway.Location(); err != nil {
		return fmt.Errorf("gateway.timezone: %w", err)
	}
	if _, err := c.Metrics.Interval(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Crypto.Secret) == "" {
		return fmt.Errorf("crypto.secret is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}
