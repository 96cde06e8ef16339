package integrationchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/slothai/gateway/internal/gateway"
	"github.com/slothai/gateway/internal/healthcheck"
	"github.com/slothai/gateway/internal/integration"
)

const checkTypeIntegrationSession = "integration.session"

// IntegrationLister lists the integrations of one tenant.
type IntegrationLister interface {
	List(ctx context.Context, tenantID string) ([]integration.Integration, error)
}

// SessionObserver reads the live session of an integration.
type SessionObserver interface {
	Session(integrationID string) (*gateway.Session, bool)
}

// Checker reports whether each integration of a tenant has a live session.
type Checker struct {
	logger   *slog.Logger
	lister   IntegrationLister
	sessions SessionObserver
}

// NewChecker creates an integration session checker.
func NewChecker(log *slog.Logger, lister IntegrationLister, sessions SessionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_integration")),
		lister:   lister,
		sessions: sessions,
	}
}

// ListChecks evaluates every integration of tenantID.
func (c *Checker) ListChecks(ctx context.Context, tenantID string) ([]healthcheck.CheckResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return []healthcheck.CheckResult{}, nil
	}
	items, err := c.lister.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Channel == items[j].Channel {
			return items[i].ID < items[j].ID
		}
		return items[i].Channel < items[j].Channel
	})

	checks := make([]healthcheck.CheckResult, 0, len(items))
	for _, item := range items {
		checks = append(checks, c.check(item))
	}
	return checks, nil
}

func (c *Checker) check(item integration.Integration) healthcheck.CheckResult {
	channelType := item.Channel.String()
	result := healthcheck.CheckResult{
		ID:       checkTypeIntegrationSession + "." + item.ID,
		Type:     checkTypeIntegrationSession,
		Subtitle: buildSubtitle(channelType, item.ID),
		Metadata: map[string]any{
			"integration_id":    item.ID,
			"channel":           channelType,
			"integration_state": string(item.Status),
			"error_count":       item.ErrorCount,
			"live":              false,
		},
	}
	var session *gateway.Session
	if c.sessions != nil {
		session, _ = c.sessions.Session(item.ID)
	}
	if session != nil {
		result.Metadata["live"] = true
		result.Metadata["started_at"] = session.StartedAt.UTC().Format(time.RFC3339)
	}

	switch {
	case item.Status == integration.StatusDisabled:
		result.Status = healthcheck.StatusUnknown
		result.Summary = fmt.Sprintf("Channel %s is deactivated.", channelType)
	case session != nil && item.Status == integration.StatusActive:
		result.Status = healthcheck.StatusOK
		result.Summary = fmt.Sprintf("Channel %s is connected.", channelType)
	case item.Status == integration.StatusError:
		result.Status = healthcheck.StatusError
		result.Summary = fmt.Sprintf("Channel %s connection failed.", channelType)
		result.Detail = strings.TrimSpace(item.ErrorMessage)
	default:
		result.Status = healthcheck.StatusWarn
		result.Summary = fmt.Sprintf("Channel %s has no live session yet.", channelType)
	}
	return result
}

func buildSubtitle(channelType, integrationID string) string {
	integrationID = strings.TrimSpace(integrationID)
	if integrationID == "" {
		return channelType
	}
	if len(integrationID) > 8 {
		integrationID = integrationID[:8]
	}
	return channelType + " (" + integrationID + ")"
}
