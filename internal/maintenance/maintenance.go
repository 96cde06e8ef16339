// Package maintenance runs the periodic gateway housekeeping jobs.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/slothai/gateway/internal/gateway"
)

// StaleErrorAge is how long an integration may stay in error before it is disabled.
const StaleErrorAge = 7 * 24 * time.Hour

// Default schedules.
const (
	StaleSpec     = "@hourly"
	SweepSpec     = "@every 1m"
	ReconcileSpec = "@every 5m"
)

type StaleDisabler interface {
	DisableStale(ctx context.Context, before time.Time) (int, error)
}

type CacheSweeper interface {
	Sweep(now time.Time) int
}

type Reconciler interface {
	Reconcile(ctx context.Context) (gateway.ReconcileReport, error)
}

// Service owns the cron scheduler.
type Service struct {
	stale      StaleDisabler
	sweeper    CacheSweeper
	reconciler Reconciler
	cron       *cron.Cron
	now        func() time.Time
	jobTimeout time.Duration
	logger     *slog.Logger
}

// NewService creates a Service scheduling in loc.
func NewService(log *slog.Logger, stale StaleDisabler, sweeper CacheSweeper, reconciler Reconciler, loc *time.Location) *Service {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	log = log.With(slog.String("component", "maintenance"))
	return &Service{
		stale:      stale,
		sweeper:    sweeper,
		reconciler: reconciler,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger{log: log}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: log})),
		),
		now:        time.Now,
		jobTimeout: 2 * time.Minute,
		logger:     log,
	}
}

// Start registers the jobs and starts the scheduler.
func (s *Service) Start() error {
	jobs := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{StaleSpec, "disable_stale_errors", func(ctx context.Context) { s.DisableStaleErrors(ctx) }},
		{SweepSpec, "sweep_resolver_cache", func(context.Context) { s.SweepCache() }},
		{ReconcileSpec, "reconcile_sessions", func(ctx context.Context) { s.ReconcileSessions(ctx) }},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, s.wrap(job.name, job.fn)); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("maintenance started", slog.Int("jobs", len(jobs)))
	return nil
}

// Stop stops the scheduler and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) wrap(name string, fn func(context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
		defer cancel()
		start := time.Now()
		fn(ctx)
		s.logger.Debug("job finished", slog.String("job", name), slog.Duration("duration", time.Since(start)))
	}
}

// DisableStaleErrors disables integrations stuck in error for StaleErrorAge.
func (s *Service) DisableStaleErrors(ctx context.Context) int {
	n, err := s.stale.DisableStale(ctx, s.now().Add(-StaleErrorAge))
	if err != nil {
		s.logger.Error("stale error sweep failed", slog.Any("error", err))
		return 0
	}
	if n > 0 {
		s.logger.Info("stale integrations disabled", slog.Int("count", n))
	}
	return n
}

// SweepCache drops expired resolver entries.
func (s *Service) SweepCache() int {
	n := s.sweeper.Sweep(s.now())
	if n > 0 {
		s.logger.Debug("resolver cache swept", slog.Int("removed", n))
	}
	return n
}

// ReconcileSessions starts sessions missed by bootstrap and stops orphans.
func (s *Service) ReconcileSessions(ctx context.Context) gateway.ReconcileReport {
	report, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		s.logger.Error("reconcile failed", slog.Any("error", err))
		return report
	}
	if report.Started > 0 || report.Stopped > 0 || report.Failed > 0 {
		s.logger.Info("sessions reconciled",
			slog.Int("started", report.Started),
			slog.Int("stopped", report.Stopped),
			slog.Int("failed", report.Failed),
		)
	}
	return report
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
