package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradechat-backend/internal/chat"
	"tradechat-backend/internal/models"
)

type ChatRepo struct {
	pool *pgxpool.Pool
}

func NewChatRepo(pool *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{pool: pool}
}

// UpsertSession stores the full transcript under the session ID, replacing any
// prior version. The transcript is serialized as JSON text; the last write
// wins, matching the client's save semantics.
func (r *ChatRepo) UpsertSession(ctx context.Context, session *models.ChatSession) error {
	modeID, err := r.resolveModeID(ctx, session.Mode)
	if err != nil {
		return err
	}

	content, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("serializing transcript: %w", err)
	}

	if session.Context == "" {
		session.Context = models.DeriveContext(session.Mode, session.Messages)
	}

	query := `
		INSERT INTO chats (id, user_id, chat_type_id, context, content, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET chat_type_id = EXCLUDED.chat_type_id,
		    context = EXCLUDED.context,
		    content = EXCLUDED.content,
		    created_at = EXCLUDED.created_at`

	if _, err := r.pool.Exec(ctx, query,
		session.ID, session.UserID, modeID, session.Context, string(content),
	); err != nil {
		return fmt.Errorf("upserting chat %s: %w", session.ID, err)
	}
	return nil
}

func (r *ChatRepo) GetSession(ctx context.Context, id uuid.UUID) (*models.ChatSession, error) {
	session := &models.ChatSession{}
	var content string

	query := `
		SELECT c.id, c.user_id, t.name, c.context, c.content, c.created_at
		FROM chats c
		JOIN chat_type t ON t.id = c.chat_type_id
		WHERE c.id = $1`

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&session.ID, &session.UserID, &session.Mode, &session.Context, &content, &session.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching chat %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(content), &session.Messages); err != nil {
		return nil, fmt.Errorf("parsing transcript of chat %s: %w", id, err)
	}
	return session, nil
}

// ListSessions returns the user's session summaries, most recent first.
func (r *ChatRepo) ListSessions(ctx context.Context, userID uuid.UUID) ([]models.SessionSummary, error) {
	query := `
		SELECT id, context
		FROM chats
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing chats for user %s: %w", userID, err)
	}
	defer rows.Close()

	var summaries []models.SessionSummary
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(&s.ID, &s.Context); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (r *ChatRepo) resolveModeID(ctx context.Context, mode string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, "SELECT id FROM chat_type WHERE name = $1", mode).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("mode %q: %w", mode, chat.ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving mode %q: %w", mode, err)
	}
	return id, nil
}
