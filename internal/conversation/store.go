package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/slothai/gateway/internal/db"
	"github.com/slothai/gateway/internal/tenant"
)

// Store persists conversations inside a tenant scope.
type Store interface {
	GetOrCreate(ctx context.Context, scope tenant.Scope, params GetOrCreateParams) (Conversation, error)
	Find(ctx context.Context, scope tenant.Scope, source, externalID string) (Conversation, error)
	AppendMessage(ctx context.Context, scope tenant.Scope, conversationID, role, content string) (Message, error)
	Messages(ctx context.Context, scope tenant.Scope, conversationID string) ([]Message, error)
}

// PGStore implements Store on the tenant's conversations and messages tables.
type PGStore struct{}

// NewPGStore creates a PGStore.
func NewPGStore() *PGStore { return &PGStore{} }

const conversationColumns = `id::text, user_id, source, external_id, title, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Source, &c.ExternalID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	return c, nil
}

// GetOrCreate inserts the conversation unless (source, external_id) exists and
// returns the stored row. Concurrent first use settles on the unique key.
func (s *PGStore) GetOrCreate(ctx context.Context, scope tenant.Scope, params GetOrCreateParams) (Conversation, error) {
	if params.Source == "" || params.ExternalID == "" {
		return Conversation{}, fmt.Errorf("source and external id are required")
	}
	_, err := scope.DB().Exec(ctx, `
		INSERT INTO conversations (user_id, source, external_id, title)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, external_id) DO NOTHING`,
		params.UserID, params.Source, params.ExternalID, params.Title)
	if err != nil {
		return Conversation{}, err
	}
	return s.Find(ctx, scope, params.Source, params.ExternalID)
}

func (s *PGStore) Find(ctx context.Context, scope tenant.Scope, source, externalID string) (Conversation, error) {
	row := scope.DB().QueryRow(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE source = $1 AND external_id = $2`, source, externalID)
	return scanConversation(row)
}

func (s *PGStore) AppendMessage(ctx context.Context, scope tenant.Scope, conversationID, role, content string) (Message, error) {
	pgID, err := db.ParseUUID(conversationID)
	if err != nil {
		return Message{}, ErrNotFound
	}
	var m Message
	err = scope.DB().QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id::text, conversation_id::text, role, content, created_at`,
		pgID, role, content).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	if _, err := scope.DB().Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, pgID); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PGStore) Messages(ctx context.Context, scope tenant.Scope, conversationID string) ([]Message, error) {
	pgID, err := db.ParseUUID(conversationID)
	if err != nil {
		return nil, ErrNotFound
	}
	rows, err := scope.DB().Query(ctx, `
		SELECT id::text, conversation_id::text, role, content, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`, pgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
