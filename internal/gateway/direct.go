package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/tenant"
)

// DirectHandler answers an update without a registered session, using a
// short-lived client built for this one reply.
type DirectHandler struct {
	dir       *integration.Directory
	resolver  *Resolver
	processor *Processor
	logger    *slog.Logger
}

// NewDirectHandler creates a DirectHandler.
func NewDirectHandler(log *slog.Logger, dir *integration.Directory, resolver *Resolver, processor *Processor) *DirectHandler {
	if log == nil {
		log = slog.Default()
	}
	return &DirectHandler{
		dir:       dir,
		resolver:  resolver,
		processor: processor,
		logger:    log.With(slog.String("component", "direct")),
	}
}

// Handle resolves credential, runs the round trip and replies through a
// fresh client that is closed before returning. When ctx is already done the
// round trip is skipped and BusyReply goes out on a SendTimeout-bounded context.
func (h *DirectHandler) Handle(ctx context.Context, channelType channel.ChannelType, credential string, update channel.Update) (Result, error) {
	adapter, ok := h.dir.Channels().Get(channelType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channelType)
	}
	if !update.HasContent() {
		return ResultIgnored, nil
	}
	if ctx.Err() != nil {
		return h.busy(ctx, adapter, credential, update)
	}
	res, client, err := h.open(ctx, adapter, credential)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCredentialNotFound) {
			return h.busy(ctx, adapter, credential, update)
		}
		return "", err
	}
	defer h.close(client)
	return h.processor.Handle(ctx, res, update, client)
}

func (h *DirectHandler) busy(ctx context.Context, adapter channel.Adapter, credential string, update channel.Update) (Result, error) {
	cause := ctx.Err()
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.processor.cfg.SendTimeout)
	defer cancel()
	res, client, err := h.open(sendCtx, adapter, credential)
	if err != nil {
		return "", err
	}
	defer h.close(client)
	if err := h.processor.deliver(sendCtx, res, client, update.ChatID, BusyReply); err != nil {
		return ResultSendFailed, err
	}
	return ResultBusy, cause
}

func (h *DirectHandler) open(ctx context.Context, adapter channel.Adapter, credential string) (Resolution, channel.Client, error) {
	res, item, err := loadOwner(ctx, h.dir, h.resolver, adapter.Type(), credential)
	if err != nil {
		return Resolution{}, nil, err
	}
	creds, err := h.dir.DecryptCredentials(item)
	if err != nil {
		return Resolution{}, nil, err
	}
	client, err := adapter.NewClient(ctx, creds)
	if err != nil {
		h.logger.Error("direct client failed",
			slog.String("tenant", res.Locator.String()),
			slog.String("integration_id", res.IntegrationID),
			slog.String("error", scrub(err.Error(), credential)),
		)
		return Resolution{}, nil, err
	}
	return res, client, nil
}

func (h *DirectHandler) close(client channel.Client) {
	if err := client.Close(); err != nil {
		h.logger.Warn("direct client close failed", slog.Any("error", err))
	}
}

// loadOwner resolves credential and loads the owning integration inside its
// tenant. A cache entry that no longer matches the stored integration is
// dropped and resolved once more.
func loadOwner(ctx context.Context, dir *integration.Directory, resolver *Resolver, channelType channel.ChannelType, credential string) (Resolution, integration.Integration, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := resolver.Resolve(ctx, channelType, credential)
		if err != nil {
			return Resolution{}, integration.Integration{}, err
		}
		item, err := tenant.WithTenant(ctx, dir.Runner(), res.Locator, func(ctx context.Context, scope tenant.Scope) (integration.Integration, error) {
			return dir.Store().Get(ctx, scope, res.IntegrationID)
		})
		if err != nil && !errors.Is(err, integration.ErrNotFound) {
			return Resolution{}, integration.Integration{}, err
		}
		if err == nil && item.Routable() && item.Channel == channelType {
			if value, derr := dir.DecryptCredential(item); derr == nil && subtle.ConstantTimeCompare([]byte(value), []byte(credential)) == 1 {
				item.TenantID = res.TenantID
				item.Locator = res.Locator
				return res, item, nil
			}
		}
		resolver.InvalidateIntegration(res.IntegrationID)
		resolver.Invalidate(credential)
	}
	return Resolution{}, integration.Integration{}, ErrCredentialNotFound
}
