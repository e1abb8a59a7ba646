package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tradechat-backend/internal/chat"
	"tradechat-backend/internal/models"
	"tradechat-backend/internal/worker"
)

type modeCatalog interface {
	ResolveMode(ctx context.Context, name string) (uuid.UUID, error)
	ResolvePrompt(ctx context.Context, modeID uuid.UUID) (string, error)
	ListModes(ctx context.Context) ([]models.ChatMode, error)
}

type chatStore interface {
	UpsertSession(ctx context.Context, session *models.ChatSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.ChatSession, error)
	ListSessions(ctx context.Context, userID uuid.UUID) ([]models.SessionSummary, error)
}

type ChatHandler struct {
	modes      modeCatalog
	chats      chatStore
	gateway    chat.CompletionGateway
	redis      *redis.Client
	background bool // enqueue saves instead of writing inline
}

func NewChatHandler(modes modeCatalog, chats chatStore, gateway chat.CompletionGateway, redisClient *redis.Client, background bool) *ChatHandler {
	return &ChatHandler{
		modes:      modes,
		chats:      chats,
		gateway:    gateway,
		redis:      redisClient,
		background: background,
	}
}

// Complete handles POST /chat: resolve the mode (and its system prompt for
// non-default modes), forward the content list to the model, and return the
// output segments in order.
func (h *ChatHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req models.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" && req.ImageData == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Prompt or image is required", r))
		return
	}
	if req.ChatType == "" {
		req.ChatType = models.ModeDefault
	}

	modeID, err := h.modes.ResolveMode(r.Context(), req.ChatType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("MODE_NOT_FOUND", "Chat type not found", r))
		return
	}

	var contents []models.MessageContent
	if req.ChatType != models.ModeDefault {
		systemPrompt, err := h.modes.ResolvePrompt(r.Context(), modeID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("PROMPT_NOT_FOUND", "No prompt configured for this chat type", r))
			return
		}
		contents = append(contents, models.TextContent(systemPrompt))
	}

	if prompt != "" {
		contents = append(contents, models.TextContent(prompt))
	}
	if req.ImageData != "" {
		mimeType, data, err := models.ParseDataURI(req.ImageData)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid image data URI", r))
			return
		}
		contents = append(contents, models.ImageContent(mimeType, data))
	}

	output, err := h.gateway.Complete(r.Context(), contents)
	if err != nil {
		log.Printf("AI completion failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("AI_ERROR", "Failed to generate content", r))
		return
	}

	segments := make([]string, 0, len(output))
	for _, seg := range output {
		if seg.Kind == models.ContentImage {
			segments = append(segments, seg.DataURI())
		} else {
			segments = append(segments, seg.Text)
		}
	}

	writeJSON(w, http.StatusOK, models.CompletionResponse{Output: segments})
}

// Save handles POST /chat/save: a full-transcript upsert keyed by chat ID.
func (h *ChatHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req models.SaveChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if req.ChatID == uuid.Nil || req.UserID == uuid.Nil || len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "chatId, userId and messages are required", r))
		return
	}
	if req.ChatType == "" {
		req.ChatType = models.ModeDefault
	}

	if _, err := h.modes.ResolveMode(r.Context(), req.ChatType); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("MODE_NOT_FOUND", "Chat type not found", r))
		return
	}

	if h.background {
		if err := worker.Enqueue(r.Context(), h.redis, req); err != nil {
			log.Printf("enqueue save failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, errorResp("STORE_ERROR", "Failed to save chat", r))
			return
		}
		writeJSON(w, http.StatusOK, models.SaveChatResponse{Success: true, Message: "Save queued"})
		return
	}

	session := &models.ChatSession{
		ID:       req.ChatID,
		UserID:   req.UserID,
		Mode:     req.ChatType,
		Context:  models.DeriveContext(req.ChatType, req.Messages),
		Messages: req.Messages,
	}
	if err := h.chats.UpsertSession(r.Context(), session); err != nil {
		log.Printf("save failed for chat %s: %v", req.ChatID, err)
		writeJSON(w, http.StatusInternalServerError, errorResp("STORE_ERROR", "Failed to save chat", r))
		return
	}

	h.publishHistoryUpdate(r.Context(), session)
	writeJSON(w, http.StatusOK, models.SaveChatResponse{Success: true, Message: "Chat saved"})
}

func (h *ChatHandler) publishHistoryUpdate(ctx context.Context, session *models.ChatSession) {
	if h.redis == nil {
		return
	}
	update, _ := json.Marshal(models.WSMessage{
		Type:    "history_update",
		Payload: models.HistoryUpdate{ChatID: session.ID, Context: session.Context},
	})
	h.redis.Publish(ctx, "user_updates:"+session.UserID.String(), string(update))
}

// Detail handles GET /chat/detail?chatId=...
func (h *ChatHandler) Detail(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(r.URL.Query().Get("chatId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "chatId is required", r))
		return
	}

	session, err := h.chats.GetSession(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Chat not found", r))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp("STORE_ERROR", "Failed to load chat", r))
		return
	}

	content, err := json.Marshal(session.Messages)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("STORE_ERROR", "Failed to load chat", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": models.ChatDetail{
			ID:      session.ID,
			UserID:  session.UserID,
			Content: string(content),
		},
	})
}

// History handles GET /chat/history?userId=... and returns the sidebar
// session list, most recent first.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("userId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "userId is required", r))
		return
	}

	summaries, err := h.chats.ListSessions(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("STORE_ERROR", "Failed to load chat history", r))
		return
	}
	if summaries == nil {
		summaries = []models.SessionSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": summaries})
}

// MenuType handles GET /menu-type and returns the mode catalog.
func (h *ChatHandler) MenuType(w http.ResponseWriter, r *http.Request) {
	modes, err := h.modes.ListModes(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("STORE_ERROR", "Failed to load chat types", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": modes})
}
