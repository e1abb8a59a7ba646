package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"tradechat-backend/internal/models"
)

// ErrNoContent reports that the model answered but produced no output parts.
// Transport and auth failures are returned wrapped, so callers can tell the
// two conditions apart.
var ErrNoContent = errors.New("model returned no content")

// ErrNotFound reports a missing session, mode, or prompt row.
var ErrNotFound = errors.New("not found")

// CompletionGateway sends an ordered content list (text and/or inline image
// segments) to the model and returns the generated segments in order. Full
// response only: no retries, no streaming.
type CompletionGateway interface {
	Complete(ctx context.Context, contents []models.MessageContent) ([]models.MessageContent, error)
}

// MessageStore persists transcripts and resolves the chat-mode catalog.
// UpsertSession is an idempotent full replace keyed by session ID. The
// mode-then-prompt lookup is two round trips with no transaction around them;
// a catalog change between the calls is an accepted race.
type MessageStore interface {
	UpsertSession(ctx context.Context, session *models.ChatSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.ChatSession, error)
	ListSessions(ctx context.Context, userID uuid.UUID) ([]models.SessionSummary, error)
	ResolveMode(ctx context.Context, name string) (uuid.UUID, error)
	ResolvePrompt(ctx context.Context, modeID uuid.UUID) (string, error)
}
