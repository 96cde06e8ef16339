package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/integration"
)

// Route is the path an update took through the dispatcher.
type Route string

const (
	RouteSession  Route = "session"
	RouteDirect   Route = "direct"
	RouteDropped  Route = "dropped"
	RouteRejected Route = "rejected"
	RouteQueued   Route = "queued"
)

// Outcome reports how one webhook was handled. Err is informational except
// for RouteRejected, where the request itself was invalid.
type Outcome struct {
	Route  Route
	Result Result
	Err    error
}

// DispatcherConfig holds the tunables of a Dispatcher.
type DispatcherConfig struct {
	RequestBudget time.Duration
	// Async acknowledges before processing and hands updates to Workers goroutines.
	Async   bool
	Workers int
}

type dispatchTask struct {
	ctx         context.Context
	channelType channel.ChannelType
	credential  string
	update      channel.Update
}

// Dispatcher routes an inbound webhook to a live session, a freshly started
// session, or the stateless direct path.
type Dispatcher struct {
	channels  *channel.Registry
	registry  *Registry
	resolver  *Resolver
	processor *Processor
	direct    *DirectHandler
	cfg       DispatcherConfig
	logger    *slog.Logger

	queue      chan dispatchTask
	workerOnce sync.Once
	workerCtx  context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(log *slog.Logger, channels *channel.Registry, registry *Registry, resolver *Resolver, processor *Processor, direct *DirectHandler, cfg DispatcherConfig) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RequestBudget <= 0 {
		cfg.RequestBudget = 8 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Dispatcher{
		channels:  channels,
		registry:  registry,
		resolver:  resolver,
		processor: processor,
		direct:    direct,
		cfg:       cfg,
		logger:    log.With(slog.String("component", "dispatcher")),
		queue:     make(chan dispatchTask, 256),
	}
}

// Dispatch parses payload with the channel adapter and routes the update.
// Only an unknown channel or a malformed payload yields RouteRejected.
func (d *Dispatcher) Dispatch(ctx context.Context, channelType channel.ChannelType, credential string, payload []byte) Outcome {
	adapter, ok := d.channels.Get(channelType)
	if !ok {
		return Outcome{Route: RouteRejected, Err: fmt.Errorf("%w: %s", ErrUnknownChannel, channelType)}
	}
	update, err := adapter.ParseUpdate(payload)
	if err != nil {
		if !errors.Is(err, ErrMalformedUpdate) {
			err = fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}
		return Outcome{Route: RouteRejected, Err: err}
	}
	if d.cfg.Async {
		d.startWorkers()
		task := dispatchTask{ctx: context.WithoutCancel(ctx), channelType: channelType, credential: credential, update: update}
		select {
		case d.queue <- task:
			return Outcome{Route: RouteQueued}
		default:
			d.logger.Warn("dispatch queue full, handling inline", slog.String("channel", channelType.String()))
		}
	}
	budgetCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestBudget)
	defer cancel()
	return d.route(budgetCtx, channelType, credential, update)
}

func (d *Dispatcher) route(ctx context.Context, channelType channel.ChannelType, credential string, update channel.Update) Outcome {
	log := d.logger.With(slog.String("channel", channelType.String()))

	if s, ok := d.registry.FindByCredential(channelType, credential); ok {
		return d.viaSession(ctx, s, update)
	}

	res, item, err := loadOwner(ctx, d.processor.dir, d.resolver, channelType, credential)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			log.Info("webhook dropped: unknown credential")
		} else {
			log.Error("credential resolution failed", slog.Any("error", err))
		}
		return Outcome{Route: RouteDropped, Err: err}
	}
	d.lazyStart(ctx, log.With(
		slog.String("tenant", res.Locator.String()),
		slog.String("integration_id", res.IntegrationID),
	), item)
	if s, ok := d.registry.FindByCredential(channelType, credential); ok {
		return d.viaSession(ctx, s, update)
	}

	result, err := d.direct.Handle(ctx, channelType, credential, update)
	if errors.Is(err, ErrCredentialNotFound) {
		return Outcome{Route: RouteDropped, Err: err}
	}
	return Outcome{Route: RouteDirect, Result: result, Err: err}
}

// lazyStart starts the session of item in the background and waits for it
// at most half of the remaining request budget, so the direct path still has
// time to answer. Integrations whose last start failed recently are skipped.
func (d *Dispatcher) lazyStart(ctx context.Context, log *slog.Logger, item integration.Integration) {
	if d.registry.CoolingDown(item.ID) {
		return
	}
	wait := d.cfg.RequestBudget / 2
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline) / 2
	}
	if wait <= 0 {
		return
	}
	done := make(chan error, 1)
	go func() {
		done <- d.registry.StartSession(context.WithoutCancel(ctx), item)
	}()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			log.Warn("lazy session start failed", slog.Any("error", err))
		}
	case <-timer.C:
		log.Info("lazy session start still running, answering directly")
	}
}

func (d *Dispatcher) viaSession(ctx context.Context, s *Session, update channel.Update) Outcome {
	result, err := d.processor.Handle(ctx, s.Resolution(), update, s.Client)
	return Outcome{Route: RouteSession, Result: result, Err: err}
}

func (d *Dispatcher) startWorkers() {
	d.workerOnce.Do(func() {
		d.workerCtx, d.cancel = context.WithCancel(context.Background())
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.workerCtx.Done():
			return
		case task := <-d.queue:
			ctx, cancel := context.WithTimeout(task.ctx, d.cfg.RequestBudget)
			out := d.route(ctx, task.channelType, task.credential, task.update)
			cancel()
			if out.Err != nil && out.Route != RouteDropped {
				d.logger.Warn("async dispatch finished with error",
					slog.String("channel", task.channelType.String()),
					slog.String("route", string(out.Route)),
					slog.Any("error", out.Err),
				)
			}
		}
	}
}

// Shutdown stops the worker pool. Queued updates not yet picked up are dropped.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	// Synchronises with startWorkers and keeps later calls from starting a pool.
	d.workerOnce.Do(func() {})
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
