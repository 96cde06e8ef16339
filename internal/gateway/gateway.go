// Package gateway routes inbound webhooks to the tenant that owns the
// credential in the URL and answers them through the owning integration.
//
// The hot path is Registry.FindByCredential. A miss falls back to the
// Resolver, which scans tenants and caches the result, then to a stateless
// DirectHandler when no session can be started.
package gateway

import (
	"errors"
	"time"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/tenant"
)

var (
	// ErrCredentialNotFound is returned when no active integration owns a credential.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrSessionStart is returned when a bot session cannot be brought up.
	ErrSessionStart = errors.New("session start failed")
	// ErrUnknownChannel is returned for a channel type with no adapter.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrCredentialInUse is returned when a credential already routes to another integration.
	ErrCredentialInUse = errors.New("credential already connected")
	// ErrMalformedUpdate is returned for webhook bodies the adapter cannot parse.
	ErrMalformedUpdate = channel.ErrMalformedUpdate
)

// Reply texts sent to end users.
const (
	GreetingReply = "👋 Hello! I'm your AI assistant. How can I help you today?"
	ErrorReply    = "Sorry, I encountered an error. Please try again later."
	BusyReply     = "Sorry, the assistant is busy right now. Please try again."
)

// Resolution identifies the integration that owns a credential.
type Resolution struct {
	Locator       tenant.Locator
	TenantID      string
	IntegrationID string
	UserID        string
	Channel       channel.ChannelType
	ResolvedAt    time.Time
}

func resolutionOf(item integration.Integration, at time.Time) Resolution {
	return Resolution{
		Locator:       item.Locator,
		TenantID:      item.TenantID,
		IntegrationID: item.ID,
		UserID:        item.UserID,
		Channel:       item.Channel,
		ResolvedAt:    at,
	}
}
