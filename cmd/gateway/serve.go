package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/slothai/gateway/internal/agent"
	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/channel/adapters/instagram"
	"github.com/slothai/gateway/internal/channel/adapters/telegram"
	"github.com/slothai/gateway/internal/channel/adapters/whatsapp"
	"github.com/slothai/gateway/internal/config"
	"github.com/slothai/gateway/internal/conversation"
	"github.com/slothai/gateway/internal/db"
	"github.com/slothai/gateway/internal/gateway"
	"github.com/slothai/gateway/internal/handlers"
	"github.com/slothai/gateway/internal/healthcheck"
	integrationchecker "github.com/slothai/gateway/internal/healthcheck/checkers/integration"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/logger"
	"github.com/slothai/gateway/internal/maintenance"
	"github.com/slothai/gateway/internal/server"
	"github.com/slothai/gateway/internal/tenant"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideTimings,
			provideLocation,
			provideMeterProvider,
			provideDBConn,
			provideTenantRunner,
			fx.Annotate(integration.NewPGTenantLister, fx.As(new(integration.TenantLister))),
			fx.Annotate(integration.NewPGStore, fx.As(new(integration.Store))),
			fx.Annotate(conversation.NewPGStore, fx.As(new(conversation.Store))),
			provideSealer,
			provideChannelRegistry,
			integration.NewDirectory,
			provideResolver,
			provideSessionRegistry,
			provideEngine,
			provideGuard,
			provideProcessor,
			gateway.NewDirectHandler,
			provideDispatcher,
			gateway.NewLifecycle,
			provideChecker,
			provideMaintenance,
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideIntegrationsHandler),
			provideServerHandler(providePingHandler),
			provideServer,
		),
		fx.Invoke(
			startSessions,
			startMaintenance,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideTimings(cfg config.Config) (config.GatewayTimings, error) {
	return cfg.Gateway.Timings()
}

func provideLocation(cfg config.Config) (*time.Location, error) {
	return cfg.Gateway.Location()
}

func provideMeterProvider(lc fx.Lifecycle, cfg config.Config) (metric.MeterProvider, error) {
	interval, err := cfg.Metrics.Interval()
	if err != nil {
		return nil, err
	}
	var opts []sdkmetric.Option
	if interval > 0 {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return mp.Shutdown(ctx) }})
	return mp, nil
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideTenantRunner(log *slog.Logger, pool *pgxpool.Pool, timings config.GatewayTimings) tenant.Runner {
	return tenant.NewPGRunner(log, pool, timings.DirectoryTimeout)
}

func provideSealer(cfg config.Config) (*integration.Sealer, error) {
	return integration.NewSealer(cfg.Crypto.Secret)
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config, timings config.GatewayTimings) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(telegram.NewTelegramAdapter(log, telegram.WithTimeout(timings.UpstreamTimeout)))
	registry.MustRegister(whatsapp.NewAdapter(log, cfg.Twilio.BaseURL, timings.UpstreamTimeout))
	registry.MustRegister(instagram.NewAdapter(log, cfg.Meta.GraphURL, cfg.Meta.GraphVersion, timings.UpstreamTimeout))
	return registry
}

func provideResolver(log *slog.Logger, dir *integration.Directory, timings config.GatewayTimings, mp metric.MeterProvider) *gateway.Resolver {
	return gateway.NewResolver(log, dir, timings.ResolverTTL, gateway.WithMeterProvider(mp))
}

func provideSessionRegistry(lc fx.Lifecycle, log *slog.Logger, dir *integration.Directory, cfg config.Config, timings config.GatewayTimings, mp metric.MeterProvider) (*gateway.Registry, error) {
	registry := gateway.NewRegistry(log, dir, gateway.RegistryConfig{
		WebhookBase:          cfg.Gateway.WebhookBase(),
		UpstreamTimeout:      timings.UpstreamTimeout,
		BootstrapConcurrency: cfg.Gateway.BootstrapConcurrency,
	})
	if err := registry.RegisterMetrics(mp); err != nil {
		return nil, fmt.Errorf("session metrics: %w", err)
	}
	// Webhooks stay registered upstream so the next process keeps receiving them.
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { registry.Close(); return nil }})
	return registry, nil
}

func provideEngine(log *slog.Logger, cfg config.Config, timings config.GatewayTimings) agent.Engine {
	return agent.New(log, cfg.Agent.BaseURL, cfg.Agent.APIKey, timings.AITimeout)
}

func provideGuard(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, timings config.GatewayTimings) (gateway.Guard, error) {
	if cfg.Redis.Addr == "" {
		return gateway.NewMemoryGuard(timings.DedupeTTL), nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redelivery guard backed by redis", slog.String("addr", cfg.Redis.Addr))
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return rdb.Close() }})
	return gateway.NewRedisGuard(rdb, timings.DedupeTTL), nil
}

func provideProcessor(log *slog.Logger, dir *integration.Directory, conversations conversation.Store, engine agent.Engine, guard gateway.Guard, timings config.GatewayTimings, loc *time.Location) *gateway.Processor {
	return gateway.NewProcessor(log, dir, conversations, engine, guard, gateway.ProcessorConfig{
		AITimeout:   timings.AITimeout,
		SendTimeout: timings.UpstreamTimeout,
		Location:    loc,
	})
}

func provideDispatcher(lc fx.Lifecycle, log *slog.Logger, channels *channel.Registry, registry *gateway.Registry, resolver *gateway.Resolver, processor *gateway.Processor, direct *gateway.DirectHandler, cfg config.Config, timings config.GatewayTimings) *gateway.Dispatcher {
	d := gateway.NewDispatcher(log, channels, registry, resolver, processor, direct, gateway.DispatcherConfig{
		RequestBudget: timings.RequestBudget,
		Async:         cfg.Gateway.AsyncDispatch,
		Workers:       cfg.Gateway.DispatchWorkers,
	})
	lc.Append(fx.Hook{OnStop: d.Shutdown})
	return d
}

func provideChecker(log *slog.Logger, lifecycle *gateway.Lifecycle, registry *gateway.Registry) healthcheck.Checker {
	return integrationchecker.NewChecker(log, lifecycle, registry)
}

func provideMaintenance(log *slog.Logger, lifecycle *gateway.Lifecycle, resolver *gateway.Resolver, registry *gateway.Registry, loc *time.Location) *maintenance.Service {
	return maintenance.NewService(log, lifecycle, resolver, registry, loc)
}

func provideWebhookHandler(log *slog.Logger, channels *channel.Registry, dispatcher *gateway.Dispatcher) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, channels, dispatcher)
}

func provideIntegrationsHandler(log *slog.Logger, channels *channel.Registry, lifecycle *gateway.Lifecycle, checker healthcheck.Checker) *handlers.IntegrationsHandler {
	return handlers.NewIntegrationsHandler(log, channels, lifecycle, checker)
}

func providePingHandler(log *slog.Logger, registry *gateway.Registry) *handlers.PingHandler {
	return handlers.NewPingHandler(log, registry)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startSessions(lc fx.Lifecycle, registry *gateway.Registry) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		registry.Bootstrap(context.Background())
		return nil
	}})
}

func startMaintenance(lc fx.Lifecycle, svc *maintenance.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return svc.Start() },
		OnStop:  svc.Stop,
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("gateway listening",
				slog.String("addr", cfg.Server.Addr),
				slog.String("webhook_base", cfg.Gateway.WebhookBase()),
			)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
