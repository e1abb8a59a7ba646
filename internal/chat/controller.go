package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradechat-backend/internal/models"
)

// SavePolicy decides what happens when persisting a transcript fails after a
// successful model response.
type SavePolicy int

const (
	// SaveSync surfaces persistence failures to the caller. The assistant
	// messages stay displayed either way; only the error is reported.
	SaveSync SavePolicy = iota
	// SaveBackground swallows persistence failures, logging them only.
	SaveBackground
)

const errorPlaceholder = "Something went wrong while contacting the AI. Please try again."

// Controller owns one user's conversation state: the active session, its
// transcript, the session-summary list, and the submit lifecycle. All gateway
// access goes through the injected CompletionGateway and MessageStore; there
// is no ambient global state.
type Controller struct {
	userID      uuid.UUID
	gateway     CompletionGateway
	store       MessageStore
	policy      SavePolicy
	typingDelay time.Duration
	now         func() time.Time
	newID       func() uuid.UUID

	mu        sync.Mutex
	sessionID uuid.UUID
	mode      string
	messages  []models.Message
	summaries []models.SessionSummary
	pending   bool
	inflight  uint64
	listeners map[int]func()
	nextSub   int
}

type Option func(*Controller)

// WithSavePolicy selects how post-response persistence failures are handled.
func WithSavePolicy(p SavePolicy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithTypingDelay sets the artificial delay before a new session summary
// appears in the list. Zero applies the summary immediately.
func WithTypingDelay(d time.Duration) Option {
	return func(c *Controller) { c.typingDelay = d }
}

// WithClock overrides timestamp and ID generation.
func WithClock(now func() time.Time, newID func() uuid.UUID) Option {
	return func(c *Controller) {
		c.now = now
		c.newID = newID
	}
}

func NewController(userID uuid.UUID, gateway CompletionGateway, store MessageStore, opts ...Option) *Controller {
	c := &Controller{
		userID:      userID,
		gateway:     gateway,
		store:       store,
		policy:      SaveBackground,
		typingDelay: 700 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.New,
		sessionID:   uuid.New(),
		mode:        models.ModeDefault,
		listeners:   make(map[int]func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers a state-change listener and returns its unsubscribe
// function. Listeners are called outside the controller lock.
func (c *Controller) Subscribe(fn func()) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// LoadHistory fetches the user's session summaries from the store.
func (c *Controller) LoadHistory(ctx context.Context) error {
	summaries, err := c.store.ListSessions(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	c.mu.Lock()
	c.summaries = summaries
	c.mu.Unlock()
	c.notify()
	return nil
}

// NewSession starts a fresh conversation in the given mode (default when
// empty). No gateway is contacted until the first submit. Any in-flight
// submit against the previous session is invalidated.
func (c *Controller) NewSession(mode string) uuid.UUID {
	if mode == "" {
		mode = models.ModeDefault
	}

	c.mu.Lock()
	c.sessionID = c.newID()
	c.mode = mode
	c.messages = nil
	c.pending = false
	c.inflight++
	id := c.sessionID
	c.mu.Unlock()
	c.notify()
	return id
}

// SelectSession loads a stored transcript and makes it the active session.
// On load or parse failure the local state is left untouched.
func (c *Controller) SelectSession(ctx context.Context, id uuid.UUID) error {
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("load chat %s: %w", id, err)
	}

	c.mu.Lock()
	c.sessionID = session.ID
	c.mode = session.Mode
	if c.mode == "" {
		c.mode = models.ModeDefault
	}
	c.messages = session.Messages
	c.pending = false
	c.inflight++
	c.mu.Unlock()
	c.notify()
	return nil
}

// Submit sends user input to the model and merges the response into the
// transcript. With both text and image empty it is a silent no-op. The user's
// own messages are appended immediately; assistant messages are appended only
// if no newer submit or session switch happened while the call was in flight.
func (c *Controller) Submit(ctx context.Context, text string, image *models.MessageContent) error {
	text = strings.TrimSpace(text)
	if text == "" && image == nil {
		return nil
	}

	var userMsgs []models.Message
	if image != nil {
		userMsgs = append(userMsgs, c.newMessage(models.RoleUser, *image))
	}
	if text != "" {
		userMsgs = append(userMsgs, c.newMessage(models.RoleUser, models.TextContent(text)))
	}

	c.mu.Lock()
	c.inflight++
	token := c.inflight
	sessionID := c.sessionID
	mode := c.mode
	c.messages = append(c.messages, userMsgs...)
	c.pending = true
	c.mu.Unlock()
	c.notify()

	contents, err := c.buildContents(ctx, mode, text, image)
	if err != nil {
		c.failSubmit(token, sessionID)
		return err
	}

	output, err := c.gateway.Complete(ctx, contents)
	if err != nil {
		c.failSubmit(token, sessionID)
		return fmt.Errorf("completion: %w", err)
	}

	assistant := make([]models.Message, 0, len(output))
	for _, seg := range output {
		assistant = append(assistant, c.newMessage(models.RoleAssistant, seg))
	}

	c.mu.Lock()
	if c.inflight != token || c.sessionID != sessionID {
		// A newer submit or a session switch superseded this response.
		c.mu.Unlock()
		return nil
	}
	c.messages = append(c.messages, assistant...)
	c.pending = false
	transcript := make([]models.Message, len(c.messages))
	copy(transcript, c.messages)
	isNew := !c.hasSummaryLocked(sessionID)
	c.mu.Unlock()
	c.notify()

	session := &models.ChatSession{
		ID:       sessionID,
		UserID:   c.userID,
		Mode:     mode,
		Context:  models.DeriveContext(mode, transcript),
		Messages: transcript,
	}
	saveErr := c.store.UpsertSession(ctx, session)
	if saveErr != nil && c.policy == SaveBackground {
		log.Printf("background save failed for chat %s: %v", sessionID, saveErr)
		saveErr = nil
	}

	if isNew {
		c.scheduleSummary(models.SessionSummary{ID: sessionID, Context: session.Context})
	}

	if saveErr != nil {
		return fmt.Errorf("save chat %s: %w", sessionID, saveErr)
	}
	return nil
}

// buildContents assembles the gateway request: optional system prompt first,
// then user text, then the inline image.
func (c *Controller) buildContents(ctx context.Context, mode, text string, image *models.MessageContent) ([]models.MessageContent, error) {
	var contents []models.MessageContent

	if mode != models.ModeDefault {
		modeID, err := c.store.ResolveMode(ctx, mode)
		if err != nil {
			return nil, fmt.Errorf("resolve mode %q: %w", mode, err)
		}
		prompt, err := c.store.ResolvePrompt(ctx, modeID)
		if err != nil {
			return nil, fmt.Errorf("resolve prompt for mode %q: %w", mode, err)
		}
		contents = append(contents, models.TextContent(prompt))
	}

	if text != "" {
		contents = append(contents, models.TextContent(text))
	}
	if image != nil {
		contents = append(contents, *image)
	}
	return contents, nil
}

// failSubmit appends the assistant-role error placeholder, unless the submit
// was already superseded. The user's own messages stay visible; nothing is
// persisted.
func (c *Controller) failSubmit(token uint64, sessionID uuid.UUID) {
	c.mu.Lock()
	if c.inflight != token || c.sessionID != sessionID {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, c.newMessage(models.RoleAssistant, models.TextContent(errorPlaceholder)))
	c.pending = false
	c.mu.Unlock()
	c.notify()
}

// scheduleSummary prepends a new session summary after the typing delay.
func (c *Controller) scheduleSummary(summary models.SessionSummary) {
	apply := func() {
		c.mu.Lock()
		if c.hasSummaryLocked(summary.ID) {
			c.mu.Unlock()
			return
		}
		c.summaries = append([]models.SessionSummary{summary}, c.summaries...)
		c.mu.Unlock()
		c.notify()
	}

	if c.typingDelay <= 0 {
		apply()
		return
	}
	time.AfterFunc(c.typingDelay, apply)
}

func (c *Controller) hasSummaryLocked(id uuid.UUID) bool {
	for _, s := range c.summaries {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (c *Controller) newMessage(role string, content models.MessageContent) models.Message {
	return models.Message{
		ID:        c.newID(),
		Role:      role,
		Content:   content,
		CreatedAt: c.now(),
	}
}

// ─── Accessors ───

func (c *Controller) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Messages returns a copy of the active transcript in conversation order.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Summaries returns a copy of the session list, most recent first.
func (c *Controller) Summaries() []models.SessionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.SessionSummary, len(c.summaries))
	copy(out, c.summaries)
	return out
}
