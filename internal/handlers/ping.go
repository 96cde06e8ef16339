package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// SessionStats is the part of the session registry that health reports read.
type SessionStats interface {
	Len() int
	Bootstrapped() bool
}

type PingHandler struct {
	sessions SessionStats
	logger   *slog.Logger
}

type HealthResponse struct {
	Status       string `json:"status"`
	Bootstrapped bool   `json:"bootstrapped"`
	Sessions     int    `json:"sessions"`
}

func NewPingHandler(log *slog.Logger, sessions SessionStats) *PingHandler {
	return &PingHandler{sessions: sessions, logger: log.With(slog.String("handler", "ping"))}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Health never fails while bootstrap runs: webhooks are served lazily meanwhile.
func (h *PingHandler) Health(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if h.sessions != nil {
		resp.Bootstrapped = h.sessions.Bootstrapped()
		resp.Sessions = h.sessions.Len()
	}
	return c.JSON(http.StatusOK, resp)
}
