package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/gateway"
)

// MaxWebhookBody caps inbound webhook payloads.
const MaxWebhookBody = 1 << 20

// Dispatcher routes one raw webhook payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, channelType channel.ChannelType, credential string, payload []byte) gateway.Outcome
}

type WebhookHandler struct {
	channels   *channel.Registry
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, channels *channel.Registry, dispatcher Dispatcher) *WebhookHandler {
	return &WebhookHandler{
		channels:   channels,
		dispatcher: dispatcher,
		logger:     log.With(slog.String("handler", "webhooks")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	group := e.Group("/webhooks")
	group.POST("/:channel/:credential", h.Receive)
	group.POST("/:channel/:credential/", h.Receive)
	group.GET("/:channel/:credential", h.Challenge)
	group.GET("/:channel/:credential/", h.Challenge)
}

func credentialParam(c echo.Context) string {
	raw := c.Param("credential")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

// Receive acknowledges every well-formed update with 200 so the platform
// does not redeliver it; processing failures are answered in-channel.
func (h *WebhookHandler) Receive(c echo.Context) error {
	channelType, err := h.channels.ParseChannelType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxWebhookBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(body) > MaxWebhookBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	outcome := h.dispatcher.Dispatch(c.Request().Context(), channelType, credentialParam(c), body)
	if outcome.Route == gateway.RouteRejected {
		h.logger.Info("webhook rejected",
			slog.String("channel", channelType.String()),
			slog.Any("error", outcome.Err),
		)
		return echo.NewHTTPError(http.StatusBadRequest, "malformed update")
	}
	if outcome.Err != nil {
		h.logger.Warn("webhook handled with error",
			slog.String("channel", channelType.String()),
			slog.String("route", string(outcome.Route)),
			slog.String("result", string(outcome.Result)),
			slog.Any("error", outcome.Err),
		)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Challenge answers the GET verification handshake some platforms perform
// before they start delivering updates.
func (h *WebhookHandler) Challenge(c echo.Context) error {
	channelType, err := h.channels.ParseChannelType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	responder, ok := h.channels.ChallengeResponder(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "channel has no verification handshake")
	}
	body, ok := responder.Challenge(c.QueryParams(), credentialParam(c))
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, body)
}
