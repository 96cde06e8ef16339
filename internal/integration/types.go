// Package integration stores chat-platform integrations inside tenant
// schemas and exposes the cross-tenant Directory used for routing.
package integration

import (
	"errors"
	"time"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/tenant"
)

// ErrNotFound is returned when an integration does not exist in the tenant.
var ErrNotFound = errors.New("integration not found")

// Status is the lifecycle state of an integration.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

// Integration is one connected channel belonging to one tenant.
type Integration struct {
	ID                   string              `json:"id"`
	TenantID             string              `json:"tenant_id"`
	Locator              tenant.Locator      `json:"-"`
	UserID               string              `json:"user_id"`
	Channel              channel.ChannelType `json:"channel"`
	Status               Status              `json:"status"`
	CredentialsEncrypted string              `json:"-"`
	Settings             map[string]any      `json:"settings"`
	MessagesReceived     int                 `json:"messages_received"`
	MessagesSent         int                 `json:"messages_sent"`
	LastActivity         *time.Time          `json:"last_activity,omitempty"`
	ErrorMessage         string              `json:"error_message,omitempty"`
	ErrorCount           int                 `json:"error_count"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// Routable reports whether webhooks for this integration should be served.
// Integrations in error keep routing so the stateless path can still answer.
func (i Integration) Routable() bool {
	return i.Status != StatusDisabled
}

// UpsertParams creates or replaces the integration for (UserID, Channel).
type UpsertParams struct {
	UserID               string
	Channel              channel.ChannelType
	CredentialsEncrypted string
	Settings             map[string]any
}

// WorkingHours is one weekday window during which the assistant answers.
// Weekday follows ISO order with Monday = 0.
type WorkingHours struct {
	Weekday int
	// Start and End are minutes since midnight.
	Start   int
	End     int
	Enabled bool
}

// Covers reports whether t falls in the window.
func (w WorkingHours) Covers(t time.Time) bool {
	if !w.Enabled || isoWeekday(t) != w.Weekday {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= w.Start && minute < w.End
}

func isoWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// WithinWorkingHours reports whether now is inside the schedule. An empty or
// fully disabled schedule means always open.
func WithinWorkingHours(hours []WorkingHours, now time.Time) bool {
	anyEnabled := false
	for _, w := range hours {
		if !w.Enabled {
			continue
		}
		anyEnabled = true
		if w.Covers(now) {
			return true
		}
	}
	return !anyEnabled
}
