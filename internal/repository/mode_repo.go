package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradechat-backend/internal/chat"
	"tradechat-backend/internal/models"
)

// ModeRepo reads the chat-mode catalog and its system prompts. The catalog is
// seeded by migration and treated as read-only at runtime.
type ModeRepo struct {
	pool *pgxpool.Pool
}

func NewModeRepo(pool *pgxpool.Pool) *ModeRepo {
	return &ModeRepo{pool: pool}
}

func (r *ModeRepo) ResolveMode(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, "SELECT id FROM chat_type WHERE name = $1", name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("mode %q: %w", name, chat.ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving mode %q: %w", name, err)
	}
	return id, nil
}

func (r *ModeRepo) ResolvePrompt(ctx context.Context, modeID uuid.UUID) (string, error) {
	var prompt string
	err := r.pool.QueryRow(ctx, "SELECT prompt FROM prompts WHERE chat_type_id = $1", modeID).Scan(&prompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("prompt for mode %s: %w", modeID, chat.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolving prompt for mode %s: %w", modeID, err)
	}
	return prompt, nil
}

// ListModes returns the full catalog for the sidebar menu, newest first.
func (r *ModeRepo) ListModes(ctx context.Context) ([]models.ChatMode, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, name, created_at FROM chat_type ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing modes: %w", err)
	}
	defer rows.Close()

	var modes []models.ChatMode
	for rows.Next() {
		var m models.ChatMode
		if err := rows.Scan(&m.ID, &m.Name, &m.CreatedAt); err != nil {
			return nil, err
		}
		modes = append(modes, m)
	}
	return modes, rows.Err()
}

// ChatStore combines the transcript and catalog repositories into the single
// store contract the session controller consumes.
type ChatStore struct {
	*ChatRepo
	*ModeRepo
}

func NewChatStore(chats *ChatRepo, modes *ModeRepo) ChatStore {
	return ChatStore{ChatRepo: chats, ModeRepo: modes}
}
