package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/slothai/gateway/internal/channel"
	"github.com/slothai/gateway/internal/db"
	"github.com/slothai/gateway/internal/tenant"
)

// Store is the tenant-scoped persistence for integrations. Every method runs
// inside the scope it is given and never leaves it.
type Store interface {
	ListRoutable(ctx context.Context, scope tenant.Scope, channelType channel.ChannelType) ([]Integration, error)
	List(ctx context.Context, scope tenant.Scope) ([]Integration, error)
	Get(ctx context.Context, scope tenant.Scope, id string) (Integration, error)
	Upsert(ctx context.Context, scope tenant.Scope, params UpsertParams) (Integration, error)
	Delete(ctx context.Context, scope tenant.Scope, id string) error
	MarkActive(ctx context.Context, scope tenant.Scope, id, webhookURL string) error
	// MarkError keeps updated_at of an integration already in error, so it
	// dates the first failure of the current streak.
	MarkError(ctx context.Context, scope tenant.Scope, id, message string) error
	SetDisabled(ctx context.Context, scope tenant.Scope, id string, disabled bool) error
	RecordReceived(ctx context.Context, scope tenant.Scope, id string) error
	RecordSent(ctx context.Context, scope tenant.Scope, id string) error
	// RecordFailure counts a delivery failure without changing status.
	RecordFailure(ctx context.Context, scope tenant.Scope, id, message string) error
	WorkingHours(ctx context.Context, scope tenant.Scope, id string) ([]WorkingHours, error)
	DisableStaleErrors(ctx context.Context, scope tenant.Scope, before time.Time) ([]string, error)
}

// PGStore implements Store with plain SQL against the scope's transaction.
// Table names are unqualified so they resolve through the tenant search_path.
type PGStore struct{}

// NewPGStore creates a PGStore.
func NewPGStore() *PGStore { return &PGStore{} }

const integrationColumns = `id::text, user_id, channel, status, credentials_encrypted, settings,
	messages_received, messages_sent, last_activity, error_message, error_count, created_at, updated_at`

func scanIntegration(row pgx.Row, scope tenant.Scope) (Integration, error) {
	var (
		item     Integration
		channelT string
		status   string
		settings []byte
	)
	err := row.Scan(&item.ID, &item.UserID, &channelT, &status, &item.CredentialsEncrypted, &settings,
		&item.MessagesReceived, &item.MessagesSent, &item.LastActivity, &item.ErrorMessage, &item.ErrorCount,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Integration{}, ErrNotFound
		}
		return Integration{}, err
	}
	item.Channel = channel.ChannelType(channelT)
	item.Status = Status(status)
	item.Locator = scope.Locator()
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &item.Settings); err != nil {
			return Integration{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return item, nil
}

func collect(rows pgx.Rows, scope tenant.Scope) ([]Integration, error) {
	defer rows.Close()
	items := []Integration{}
	for rows.Next() {
		item, err := scanIntegration(rows, scope)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PGStore) ListRoutable(ctx context.Context, scope tenant.Scope, channelType channel.ChannelType) ([]Integration, error) {
	rows, err := scope.DB().Query(ctx, `SELECT `+integrationColumns+`
		FROM integrations WHERE channel = $1 AND status <> 'disabled' ORDER BY created_at`, channelType.String())
	if err != nil {
		return nil, err
	}
	return collect(rows, scope)
}

func (s *PGStore) List(ctx context.Context, scope tenant.Scope) ([]Integration, error) {
	rows, err := scope.DB().Query(ctx, `SELECT `+integrationColumns+` FROM integrations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scope)
}

func (s *PGStore) Get(ctx context.Context, scope tenant.Scope, id string) (Integration, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Integration{}, ErrNotFound
	}
	row := scope.DB().QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, pgID)
	return scanIntegration(row, scope)
}

func (s *PGStore) Upsert(ctx context.Context, scope tenant.Scope, params UpsertParams) (Integration, error) {
	settings := params.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	rawSettings, err := json.Marshal(settings)
	if err != nil {
		return Integration{}, err
	}
	row := scope.DB().QueryRow(ctx, `
		INSERT INTO integrations (user_id, channel, status, credentials_encrypted, settings)
		VALUES ($1, $2, 'pending', $3, $4)
		ON CONFLICT (user_id, channel) DO UPDATE SET
			status = 'pending',
			credentials_encrypted = EXCLUDED.credentials_encrypted,
			settings = integrations.settings || EXCLUDED.settings,
			error_message = '',
			updated_at = now()
		RETURNING `+integrationColumns,
		params.UserID, params.Channel.String(), params.CredentialsEncrypted, rawSettings)
	return scanIntegration(row, scope)
}

func (s *PGStore) exec(ctx context.Context, scope tenant.Scope, sql string, id string, args ...any) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := scope.DB().Exec(ctx, sql, append([]any{pgID}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, scope tenant.Scope, id string) error {
	return s.exec(ctx, scope, `DELETE FROM integrations WHERE id = $1`, id)
}

func (s *PGStore) MarkActive(ctx context.Context, scope tenant.Scope, id, webhookURL string) error {
	return s.exec(ctx, scope, `
		UPDATE integrations SET status = 'active', error_message = '',
			settings = settings || jsonb_build_object('webhook_url', $2::text),
			updated_at = now()
		WHERE id = $1`, id, webhookURL)
}

func (s *PGStore) MarkError(ctx context.Context, scope tenant.Scope, id, message string) error {
	return s.exec(ctx, scope, `
		UPDATE integrations SET
			status = CASE WHEN status = 'disabled' THEN status ELSE 'error' END,
			error_message = $2, error_count = error_count + 1,
			updated_at = CASE WHEN status = 'error' THEN updated_at ELSE now() END
		WHERE id = $1`, id, message)
}

func (s *PGStore) SetDisabled(ctx context.Context, scope tenant.Scope, id string, disabled bool) error {
	status := StatusPending
	if disabled {
		status = StatusDisabled
	}
	return s.exec(ctx, scope, `UPDATE integrations SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
}

func (s *PGStore) RecordReceived(ctx context.Context, scope tenant.Scope, id string) error {
	return s.exec(ctx, scope, `
		UPDATE integrations SET messages_received = messages_received + 1, last_activity = now()
		WHERE id = $1`, id)
}

func (s *PGStore) RecordSent(ctx context.Context, scope tenant.Scope, id string) error {
	return s.exec(ctx, scope, `
		UPDATE integrations SET messages_sent = messages_sent + 1, last_activity = now()
		WHERE id = $1`, id)
}

func (s *PGStore) RecordFailure(ctx context.Context, scope tenant.Scope, id, message string) error {
	return s.exec(ctx, scope, `
		UPDATE integrations SET error_count = error_count + 1, error_message = $2
		WHERE id = $1`, id, message)
}

func (s *PGStore) WorkingHours(ctx context.Context, scope tenant.Scope, id string) ([]WorkingHours, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return nil, ErrNotFound
	}
	rows, err := scope.DB().Query(ctx, `
		SELECT weekday,
			(EXTRACT(HOUR FROM start_time) * 60 + EXTRACT(MINUTE FROM start_time))::int,
			(EXTRACT(HOUR FROM end_time) * 60 + EXTRACT(MINUTE FROM end_time))::int,
			is_enabled
		FROM integration_working_hours WHERE integration_id = $1 ORDER BY weekday`, pgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []WorkingHours{}
	for rows.Next() {
		var (
			w       WorkingHours
			weekday int16
		)
		if err := rows.Scan(&weekday, &w.Start, &w.End, &w.Enabled); err != nil {
			return nil, err
		}
		w.Weekday = int(weekday)
		items = append(items, w)
	}
	return items, rows.Err()
}

func (s *PGStore) DisableStaleErrors(ctx context.Context, scope tenant.Scope, before time.Time) ([]string, error) {
	rows, err := scope.DB().Query(ctx, `
		UPDATE integrations SET status = 'disabled', updated_at = now()
		WHERE status = 'error' AND updated_at < $1
		RETURNING id::text`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
