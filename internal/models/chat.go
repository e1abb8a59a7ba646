package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ModeDefault is the chat mode that carries no system prompt.
const ModeDefault = "ordinary"

type ContentKind int

const (
	ContentText ContentKind = iota
	ContentImage
)

// MessageContent is either a text run or an inline image. The variant is fixed
// at construction; callers switch on Kind instead of sniffing string prefixes.
type MessageContent struct {
	Kind     ContentKind
	Text     string
	MIMEType string
	Data     string // base64 payload, no data-URI header
}

func TextContent(text string) MessageContent {
	return MessageContent{Kind: ContentText, Text: text}
}

func ImageContent(mimeType, data string) MessageContent {
	return MessageContent{Kind: ContentImage, MIMEType: mimeType, Data: data}
}

// ParseDataURI splits a "data:<mime>;base64,<payload>" string into its parts.
func ParseDataURI(uri string) (mimeType, data string, err error) {
	meta, payload, ok := strings.Cut(uri, ",")
	if !ok || !strings.HasPrefix(meta, "data:") {
		return "", "", fmt.Errorf("not a data URI")
	}
	mimeType = strings.TrimPrefix(meta, "data:")
	mimeType = strings.TrimSuffix(mimeType, ";base64")
	if mimeType == "" {
		return "", "", fmt.Errorf("data URI has no MIME type")
	}
	return mimeType, payload, nil
}

// DataURI renders image content back into its wire form.
func (c MessageContent) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", c.MIMEType, c.Data)
}

// MarshalJSON keeps the stored transcript format: a plain JSON string, with
// images encoded as data URIs.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Kind == ContentImage {
		return json.Marshal(c.DataURI())
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("message content must be a string: %w", err)
	}
	if strings.HasPrefix(s, "data:image") {
		mimeType, data, err := ParseDataURI(s)
		if err != nil {
			return err
		}
		*c = ImageContent(mimeType, data)
		return nil
	}
	*c = TextContent(s)
	return nil
}

// Message is one immutable transcript entry.
type Message struct {
	ID        uuid.UUID      `json:"id"`
	Role      string         `json:"role"`
	Content   MessageContent `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

func NewMessage(role string, content MessageContent) Message {
	return Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// ChatSession is one persisted conversation. Saved as a single full-transcript
// upsert keyed by ID; the last write wins.
type ChatSession struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Mode      string    `json:"chat_type"`
	Context   string    `json:"context"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary is the {id, label} pair shown in the sidebar session list.
type SessionSummary struct {
	ID      uuid.UUID `json:"id"`
	Context string    `json:"context"`
}

// ChatMode is one row of the fixed mode catalog.
type ChatMode struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DeriveContext builds a session's display label from its first user text
// message, prefixed with the mode name for non-default modes.
func DeriveContext(mode string, messages []Message) string {
	base := "[Image sent]"
	for _, m := range messages {
		if m.Role == RoleUser && m.Content.Kind == ContentText {
			base = m.Content.Text
			break
		}
	}
	if mode != "" && mode != ModeDefault {
		return mode + " : " + base
	}
	return base
}

// ─── API payloads ───

type CompletionRequest struct {
	Prompt    string `json:"prompt"`
	ImageData string `json:"imageData"` // data URI, optional
	ChatType  string `json:"chatType"`
}

type CompletionResponse struct {
	Output []string `json:"output"`
}

type SaveChatRequest struct {
	ChatID   uuid.UUID `json:"chatId"`
	UserID   uuid.UUID `json:"userId"`
	ChatType string    `json:"chatType"`
	Messages []Message `json:"messages"`
}

type SaveChatResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ChatDetail struct {
	ID      uuid.UUID `json:"id"`
	UserID  uuid.UUID `json:"user_id"`
	Content string    `json:"content"`
}
