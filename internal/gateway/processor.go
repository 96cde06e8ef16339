package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slothai/gateway/internal/agent"
	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/conversation"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/prune"
	"github.com/slothai/gateway/internal/tenant"
)

// Result describes what the processor did with an update.
type Result string

const (
	ResultReplied    Result = "replied"
	ResultGreeted    Result = "greeted"
	ResultOutOfHours Result = "out_of_hours"
	ResultDuplicate  Result = "duplicate"
	ResultIgnored    Result = "ignored"
	ResultFallback   Result = "fallback"
	ResultBusy       Result = "busy"
	ResultSendFailed Result = "send_failed"
)

// ProcessorConfig holds the tunables of a Processor.
type ProcessorConfig struct {
	AITimeout time.Duration
	// SendTimeout bounds deliveries that happen after the request budget ran out.
	SendTimeout time.Duration
	Location    *time.Location
}

// Processor runs one message round trip for an integration: persist the user
// turn, ask the engine, persist the answer, then deliver it.
type Processor struct {
	dir           *integration.Directory
	conversations conversation.Store
	engine        agent.Engine
	guard         Guard
	cfg           ProcessorConfig
	now           func() time.Time
	logger        *slog.Logger
}

// NewProcessor creates a Processor. A nil guard disables redelivery checks.
func NewProcessor(log *slog.Logger, dir *integration.Directory, conversations conversation.Store, engine agent.Engine, guard Guard, cfg ProcessorConfig) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if guard == nil {
		guard = NopGuard{}
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = 6 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Processor{
		dir:           dir,
		conversations: conversations,
		engine:        engine,
		guard:         guard,
		cfg:           cfg,
		now:           time.Now,
		logger:        log.With(slog.String("component", "processor")),
	}
}

// SetClock overrides time.Now for working-hours checks.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// inbound is what the first tenant call leaves behind for the engine step.
type inbound struct {
	conversationID string
	greet          bool
	open           bool
}

// Handle processes update for the integration identified by id and replies
// through client. The returned error is informational; a fallback reply has
// already been attempted when it is non-nil.
//
// The round trip spans two short tenant calls. The engine runs between them,
// outside any transaction, bounded by AITimeout and the caller's ctx.
func (p *Processor) Handle(ctx context.Context, id Resolution, update channel.Update, client channel.Client) (Result, error) {
	log := p.logger.With(
		slog.String("tenant", id.Locator.String()),
		slog.String("integration_id", id.IntegrationID),
		slog.String("channel", id.Channel.String()),
	)
	if !update.HasContent() {
		return ResultIgnored, nil
	}
	if update.ID != "" {
		first, err := p.guard.Claim(ctx, id.IntegrationID, update.ID)
		if err != nil {
			log.Warn("redelivery guard unavailable", slog.Any("error", err))
		} else if !first {
			log.Info("duplicate update skipped", slog.String("update_id", update.ID))
			return ResultDuplicate, nil
		}
	}

	in, err := tenant.WithTenant(ctx, p.dir.Runner(), id.Locator, func(ctx context.Context, scope tenant.Scope) (inbound, error) {
		return p.receive(ctx, scope, id, update)
	})
	if err != nil {
		return p.fallback(ctx, log, id, client, update.ChatID, err)
	}

	var (
		reply     string
		result    Result
		engineErr error
	)
	switch {
	case in.greet:
		reply, result = GreetingReply, ResultGreeted
	case !in.open:
		return ResultOutOfHours, nil
	default:
		reply, engineErr = p.generate(ctx, id, in.conversationID, update.Text)
		if engineErr != nil {
			if ctx.Err() != nil {
				return p.fallback(ctx, log, id, client, update.ChatID, engineErr)
			}
			log.Error("engine failed", slog.Any("error", engineErr))
			reply, result = ErrorReply, ResultFallback
			break
		}
		result = ResultReplied
		err := tenant.Do(ctx, p.dir.Runner(), id.Locator, func(ctx context.Context, scope tenant.Scope) error {
			_, err := p.conversations.AppendMessage(ctx, scope, in.conversationID, conversation.RoleAssistant, reply)
			return err
		})
		if err != nil {
			log.Error("persist assistant message failed", slog.Any("error", err))
		}
	}

	if err := p.deliver(ctx, id, client, update.ChatID, reply); err != nil {
		log.Error("reply send failed", slog.Any("error", err))
		if reply != ErrorReply {
			if fbErr := p.send(ctx, client, update.ChatID, ErrorReply); fbErr != nil {
				log.Warn("fallback send failed", slog.Any("error", fbErr))
			}
		}
		return ResultSendFailed, err
	}
	return result, engineErr
}

// fallback answers with BusyReply once ctx is done and ErrorReply otherwise.
func (p *Processor) fallback(ctx context.Context, log *slog.Logger, id Resolution, client channel.Client, chatID string, cause error) (Result, error) {
	reply, result := ErrorReply, ResultFallback
	if ctx.Err() != nil {
		reply, result = BusyReply, ResultBusy
	}
	log.Error("round trip failed", slog.Any("error", cause))
	if err := p.deliver(ctx, id, client, chatID, reply); err != nil {
		log.Error("fallback send failed", slog.Any("error", err))
	}
	return result, cause
}

// receive counts the message, answers /start, checks working hours and
// stores the user turn.
func (p *Processor) receive(ctx context.Context, scope tenant.Scope, id Resolution, update channel.Update) (inbound, error) {
	store := p.dir.Store()
	if err := store.RecordReceived(ctx, scope, id.IntegrationID); err != nil {
		return inbound{}, fmt.Errorf("record received: %w", err)
	}
	if update.Command == "start" {
		return inbound{greet: true}, nil
	}

	hours, err := store.WorkingHours(ctx, scope, id.IntegrationID)
	if err != nil {
		return inbound{}, fmt.Errorf("working hours: %w", err)
	}
	open := integration.WithinWorkingHours(hours, p.now().In(p.cfg.Location))

	conv, err := p.conversations.GetOrCreate(ctx, scope, conversation.GetOrCreateParams{
		UserID:     id.UserID,
		Source:     id.Channel.String(),
		ExternalID: update.ChatID,
		Title:      p.title(id.Channel, update),
	})
	if err != nil {
		return inbound{}, fmt.Errorf("conversation: %w", err)
	}
	if _, err := p.conversations.AppendMessage(ctx, scope, conv.ID, conversation.RoleUser, update.Text); err != nil {
		return inbound{}, fmt.Errorf("persist user message: %w", err)
	}
	return inbound{conversationID: conv.ID, open: open}, nil
}

func (p *Processor) generate(ctx context.Context, id Resolution, conversationID, text string) (string, error) {
	aiCtx, cancel := context.WithTimeout(ctx, p.cfg.AITimeout)
	defer cancel()
	return p.engine.GenerateReply(aiCtx, id.TenantID, conversationID, text)
}

func (p *Processor) title(channelType channel.ChannelType, update channel.Update) string {
	name := strings.TrimSpace(update.SenderName)
	if name == "" {
		name = strings.TrimSpace(update.SenderID)
	}
	if name == "" {
		name = "Unknown"
	}
	return p.dir.Channels().DisplayName(channelType) + ": " + name
}

// deliver sends text with one retry and records the outcome on the integration.
func (p *Processor) deliver(ctx context.Context, id Resolution, client channel.Client, chatID, text string) error {
	if adapter, ok := p.dir.Channels().Get(id.Channel); ok {
		text = prune.Truncate(text, prune.Config{MaxBytes: adapter.Descriptor().MaxTextBytes})
	}
	sendErr := p.send(ctx, client, chatID, text)

	dbCtx, cancel := p.detached(ctx)
	defer cancel()
	err := tenant.Do(dbCtx, p.dir.Runner(), id.Locator, func(ctx context.Context, scope tenant.Scope) error {
		if sendErr != nil {
			return p.dir.Store().RecordFailure(ctx, scope, id.IntegrationID, sendErr.Error())
		}
		return p.dir.Store().RecordSent(ctx, scope, id.IntegrationID)
	})
	if err != nil {
		p.logger.Warn("delivery counters not updated",
			slog.String("tenant", id.Locator.String()),
			slog.String("integration_id", id.IntegrationID),
			slog.Any("error", err),
		)
	}
	return sendErr
}

func (p *Processor) send(ctx context.Context, client channel.Client, chatID, text string) error {
	sendCtx, cancel := p.detached(ctx)
	defer cancel()
	return channel.SendWithRetry(sendCtx, client, chatID, text)
}

// detached keeps ctx unless it is already done, in which case a fresh
// SendTimeout-bounded context carrying the same values is returned.
func (p *Processor) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
}
