// Package integrationtest provides in-memory integration storage for tests.
package integrationtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/integration"
	"github.com/slothai/gateway/internal/tenant"
)

// Store is an integration.Store partitioned by tenant locator.
type Store struct {
	mu      sync.Mutex
	items   map[tenant.Locator]map[string]*integration.Integration
	hours   map[string][]integration.WorkingHours
	listErr map[tenant.Locator]error
	lists   int
	now     func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		items:   map[tenant.Locator]map[string]*integration.Integration{},
		hours:   map[string][]integration.WorkingHours{},
		listErr: map[tenant.Locator]error{},
		now:     time.Now,
	}
}

// SetNow overrides the clock used for timestamps.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailList makes ListRoutable fail for locator.
func (s *Store) FailList(locator tenant.Locator, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr[locator] = err
}

// ListCalls counts ListRoutable calls.
func (s *Store) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

// Seed stores item directly under locator and returns it with an id.
func (s *Store) Seed(locator tenant.Locator, item integration.Integration) integration.Integration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = integration.StatusActive
	}
	item.Locator = locator
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	s.bucket(locator)[item.ID] = &item
	return item
}

// SetWorkingHours replaces the schedule of integration id.
func (s *Store) SetWorkingHours(id string, hours []integration.WorkingHours) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hours[id] = hours
}

// Snapshot returns a copy of the integration, looking only inside locator.
func (s *Store) Snapshot(locator tenant.Locator, id string) (integration.Integration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[locator][id]
	if !ok {
		return integration.Integration{}, false
	}
	return clone(item), true
}

func (s *Store) bucket(locator tenant.Locator) map[string]*integration.Integration {
	b, ok := s.items[locator]
	if !ok {
		b = map[string]*integration.Integration{}
		s.items[locator] = b
	}
	return b
}

func (s *Store) sorted(locator tenant.Locator, keep func(*integration.Integration) bool) []integration.Integration {
	out := []integration.Integration{}
	for _, item := range s.items[locator] {
		if keep(item) {
			out = append(out, clone(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out
}

func (s *Store) ListRoutable(ctx context.Context, scope tenant.Scope, channelType channel.ChannelType) ([]integration.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if err := s.listErr[scope.Locator()]; err != nil {
		return nil, err
	}
	return s.sorted(scope.Locator(), func(i *integration.Integration) bool {
		return i.Channel == channelType && i.Routable()
	}), nil
}

func (s *Store) List(ctx context.Context, scope tenant.Scope) ([]integration.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(scope.Locator(), func(*integration.Integration) bool { return true }), nil
}

func (s *Store) Get(ctx context.Context, scope tenant.Scope, id string) (integration.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[scope.Locator()][id]
	if !ok {
		return integration.Integration{}, integration.ErrNotFound
	}
	return clone(item), nil
}

// clone copies item so callers never share the stored settings map.
func clone(item *integration.Integration) integration.Integration {
	out := *item
	if item.Settings != nil {
		out.Settings = make(map[string]any, len(item.Settings))
		for k, v := range item.Settings {
			out.Settings[k] = v
		}
	}
	return out
}

func (s *Store) Upsert(ctx context.Context, scope tenant.Scope, params integration.UpsertParams) (integration.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(scope.Locator())
	now := s.now()
	for _, item := range b {
		if item.UserID == params.UserID && item.Channel == params.Channel {
			item.Status = integration.StatusPending
			item.CredentialsEncrypted = params.CredentialsEncrypted
			item.ErrorMessage = ""
			if item.Settings == nil {
				item.Settings = map[string]any{}
			}
			for k, v := range params.Settings {
				item.Settings[k] = v
			}
			item.UpdatedAt = now
			return clone(item), nil
		}
	}
	settings := map[string]any{}
	for k, v := range params.Settings {
		settings[k] = v
	}
	item := &integration.Integration{
		ID:                   uuid.NewString(),
		Locator:              scope.Locator(),
		UserID:               params.UserID,
		Channel:              params.Channel,
		Status:               integration.StatusPending,
		CredentialsEncrypted: params.CredentialsEncrypted,
		Settings:             settings,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	b[item.ID] = item
	return clone(item), nil
}

func (s *Store) update(scope tenant.Scope, id string, fn func(*integration.Integration)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[scope.Locator()][id]
	if !ok {
		return integration.ErrNotFound
	}
	fn(item)
	return nil
}

func (s *Store) Delete(ctx context.Context, scope tenant.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[scope.Locator()][id]; !ok {
		return integration.ErrNotFound
	}
	delete(s.items[scope.Locator()], id)
	delete(s.hours, id)
	return nil
}

func (s *Store) MarkActive(ctx context.Context, scope tenant.Scope, id, webhookURL string) error {
	return s.update(scope, id, func(i *integration.Integration) {
		i.Status = integration.StatusActive
		i.ErrorMessage = ""
		if i.Settings == nil {
			i.Settings = map[string]any{}
		}
		i.Settings["webhook_url"] = webhookURL
		i.UpdatedAt = s.now()
	})
}

func (s *Store) MarkError(ctx context.Context, scope tenant.Scope, id, message string) error {
	return s.update(scope, id, func(i *integration.Integration) {
		if i.Status != integration.StatusError {
			i.UpdatedAt = s.now()
		}
		if i.Status != integration.StatusDisabled {
			i.Status = integration.StatusError
		}
		i.ErrorMessage = message
		i.ErrorCount++
	})
}

func (s *Store) SetDisabled(ctx context.Context, scope tenant.Scope, id string, disabled bool) error {
	return s.update(scope, id, func(i *integration.Integration) {
		if disabled {
			i.Status = integration.StatusDisabled
		} else {
			i.Status = integration.StatusPending
		}
		i.UpdatedAt = s.now()
	})
}

func (s *Store) RecordReceived(ctx context.Context, scope tenant.Scope, id string) error {
	return s.update(scope, id, func(i *integration.Integration) {
		i.MessagesReceived++
		now := s.now()
		i.LastActivity = &now
	})
}

func (s *Store) RecordSent(ctx context.Context, scope tenant.Scope, id string) error {
	return s.update(scope, id, func(i *integration.Integration) {
		i.MessagesSent++
		now := s.now()
		i.LastActivity = &now
	})
}

func (s *Store) RecordFailure(ctx context.Context, scope tenant.Scope, id, message string) error {
	return s.update(scope, id, func(i *integration.Integration) {
		i.ErrorCount++
		i.ErrorMessage = message
	})
}

func (s *Store) WorkingHours(ctx context.Context, scope tenant.Scope, id string) ([]integration.WorkingHours, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[scope.Locator()][id]; !ok {
		return nil, integration.ErrNotFound
	}
	return append([]integration.WorkingHours(nil), s.hours[id]...), nil
}

func (s *Store) DisableStaleErrors(ctx context.Context, scope tenant.Scope, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for id, item := range s.items[scope.Locator()] {
		if item.Status == integration.StatusError && item.UpdatedAt.Before(before) {
			item.Status = integration.StatusDisabled
			item.UpdatedAt = s.now()
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Tenants is a static integration.TenantLister.
type Tenants struct {
	mu    sync.Mutex
	items []tenant.Tenant
	err   error
	calls int
}

// NewTenants returns a lister over items.
func NewTenants(items ...tenant.Tenant) *Tenants {
	return &Tenants{items: items}
}

// Add appends a tenant.
func (t *Tenants) Add(item tenant.Tenant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append(t.items, item)
}

// Fail makes ListActiveTenants return err.
func (t *Tenants) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Calls counts ListActiveTenants calls.
func (t *Tenants) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *Tenants) ListActiveTenants(ctx context.Context) ([]tenant.Tenant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return nil, t.err
	}
	out := []tenant.Tenant{}
	for _, item := range t.items {
		if item.Active {
			out = append(out, item)
		}
	}
	return out, nil
}

var _ integration.Store = (*Store)(nil)
var _ integration.TenantLister = (*Tenants)(nil)

// ErrBoom is a stock failure for tests.
var ErrBoom = errors.New("boom")
