package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/slothai/gateway/internal/auth"
	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/gateway"
	"github.com/slothai/gateway/internal/healthcheck"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/tenant"
)

// IntegrationService is the tenant-scoped management surface.
type IntegrationService interface {
	Connect(ctx context.Context, tenantID, userID string, channelType channel.ChannelType, raw map[string]string) (integration.Integration, error)
	Disconnect(ctx context.Context, tenantID, integrationID string) error
	SetStatus(ctx context.Context, tenantID, integrationID string, disabled bool) (integration.Integration, error)
	List(ctx context.Context, tenantID string) ([]integration.Integration, error)
}

type IntegrationsHandler struct {
	channels *channel.Registry
	service  IntegrationService
	checker  healthcheck.Checker
	validate *validator.Validate
	logger   *slog.Logger
}

type ConnectRequest struct {
	// UserID defaults to the caller.
	UserID      string            `json:"user_id"`
	Credentials map[string]string `json:"credentials" validate:"required,min=1,dive,keys,required,endkeys,required"`
}

type ErrorResponse struct {
	Message     string                   `json:"message"`
	Integration *integration.Integration `json:"integration,omitempty"`
}

type ListIntegrationsResponse struct {
	Items    []integration.Integration `json:"items"`
	Channels []channel.Descriptor      `json:"channels"`
}

func NewIntegrationsHandler(log *slog.Logger, channels *channel.Registry, service IntegrationService, checker healthcheck.Checker) *IntegrationsHandler {
	return &IntegrationsHandler{
		channels: channels,
		service:  service,
		checker:  checker,
		validate: validator.New(),
		logger:   log.With(slog.String("handler", "integrations")),
	}
}

func (h *IntegrationsHandler) Register(e *echo.Echo) {
	group := e.Group("/integrations")
	group.GET("", h.List)
	group.GET("/checks", h.Checks)
	group.POST("/:channel", h.Connect)
	group.DELETE("/:id", h.Disconnect)
	group.POST("/:id/activate", h.Activate)
	group.POST("/:id/deactivate", h.Deactivate)
}

func (h *IntegrationsHandler) List(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.service.List(c.Request().Context(), tenantID)
	if err != nil {
		return h.mapError(err)
	}
	if items == nil {
		items = []integration.Integration{}
	}
	return c.JSON(http.StatusOK, ListIntegrationsResponse{Items: items, Channels: h.channels.ListDescriptors()})
}

// Checks reports session health for every integration of the caller's tenant.
func (h *IntegrationsHandler) Checks(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	if h.checker == nil {
		return c.JSON(http.StatusOK, map[string]any{"items": []healthcheck.CheckResult{}})
	}
	items, err := h.checker.ListChecks(c.Request().Context(), tenantID)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *IntegrationsHandler) Connect(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	callerID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	channelType, err := h.channels.ParseChannelType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = callerID
	}

	item, err := h.service.Connect(c.Request().Context(), tenantID, userID, channelType, req.Credentials)
	if errors.Is(err, gateway.ErrSessionStart) {
		return c.JSON(http.StatusBadGateway, ErrorResponse{Message: err.Error(), Integration: &item})
	}
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *IntegrationsHandler) Disconnect(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	if err := h.service.Disconnect(c.Request().Context(), tenantID, c.Param("id")); err != nil {
		return h.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *IntegrationsHandler) Activate(c echo.Context) error {
	return h.setStatus(c, false)
}

func (h *IntegrationsHandler) Deactivate(c echo.Context) error {
	return h.setStatus(c, true)
}

func (h *IntegrationsHandler) setStatus(c echo.Context, disabled bool) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	item, err := h.service.SetStatus(c.Request().Context(), tenantID, c.Param("id"), disabled)
	if errors.Is(err, gateway.ErrSessionStart) {
		return c.JSON(http.StatusBadGateway, ErrorResponse{Message: err.Error(), Integration: &item})
	}
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *IntegrationsHandler) mapError(err error) error {
	switch {
	case errors.Is(err, integration.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "integration not found")
	case errors.Is(err, tenant.ErrTenantContext):
		return echo.NewHTTPError(http.StatusForbidden, "tenant not active")
	case errors.Is(err, gateway.ErrCredentialInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, channel.ErrInvalidCredentials), errors.Is(err, gateway.ErrUnknownChannel):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("integration request failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
