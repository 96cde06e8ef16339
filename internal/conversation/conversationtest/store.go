// Package conversationtest provides an in-memory conversation.Store for tests.
package conversationtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slothai/gateway/internal/conversation"
	"github.com/slothai/gateway/internal/tenant"
)

type key struct {
	locator    tenant.Locator
	source     string
	externalID string
}

// Store keeps conversations per tenant locator.
type Store struct {
	mu            sync.Mutex
	conversations map[key]conversation.Conversation
	owners        map[string]tenant.Locator
	messages      map[string][]conversation.Message
	appendErr     error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		conversations: map[key]conversation.Conversation{},
		owners:        map[string]tenant.Locator{},
		messages:      map[string][]conversation.Message{},
	}
}

// FailAppend makes AppendMessage return err.
func (s *Store) FailAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// Count returns how many conversations exist across all tenants.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// MessagesFor returns the messages of (source, externalID) under locator.
func (s *Store) MessagesFor(locator tenant.Locator, source, externalID string) []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[key{locator, source, externalID}]
	if !ok {
		return nil
	}
	return append([]conversation.Message(nil), s.messages[c.ID]...)
}

// ConversationFor returns the conversation of (source, externalID) under locator.
func (s *Store) ConversationFor(locator tenant.Locator, source, externalID string) (conversation.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[key{locator, source, externalID}]
	return c, ok
}

func (s *Store) GetOrCreate(ctx context.Context, scope tenant.Scope, params conversation.GetOrCreateParams) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{scope.Locator(), params.Source, params.ExternalID}
	if c, ok := s.conversations[k]; ok {
		return c, nil
	}
	now := time.Now()
	c := conversation.Conversation{
		ID:         uuid.NewString(),
		UserID:     params.UserID,
		Source:     params.Source,
		ExternalID: params.ExternalID,
		Title:      params.Title,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.conversations[k] = c
	s.owners[c.ID] = scope.Locator()
	return c, nil
}

func (s *Store) Find(ctx context.Context, scope tenant.Scope, source, externalID string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[key{scope.Locator(), source, externalID}]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (s *Store) AppendMessage(ctx context.Context, scope tenant.Scope, conversationID, role, content string) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return conversation.Message{}, s.appendErr
	}
	if owner, ok := s.owners[conversationID]; !ok || owner != scope.Locator() {
		return conversation.Message{}, fmt.Errorf("conversation %s not in tenant %s: %w", conversationID, scope.Locator(), conversation.ErrNotFound)
	}
	m := conversation.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	return m, nil
}

func (s *Store) Messages(ctx context.Context, scope tenant.Scope, conversationID string) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[conversationID]; !ok || owner != scope.Locator() {
		return nil, conversation.ErrNotFound
	}
	return append([]conversation.Message(nil), s.messages[conversationID]...), nil
}

var _ conversation.Store = (*Store)(nil)
