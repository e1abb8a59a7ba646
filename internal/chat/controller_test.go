package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"tradechat-backend/internal/models"
)

type fakeGateway struct {
	mu     sync.Mutex
	output []models.MessageContent
	err    error
	calls  [][]models.MessageContent
}

func (g *fakeGateway) Complete(ctx context.Context, contents []models.MessageContent) ([]models.MessageContent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, contents)
	if g.err != nil {
		return nil, g.err
	}
	return g.output, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeStore struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*models.ChatSession
	modes     map[string]uuid.UUID
	prompts   map[uuid.UUID]string
	summaries []models.SessionSummary
	upsertErr error
	upserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]*models.ChatSession),
		modes:    make(map[string]uuid.UUID),
		prompts:  make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) addMode(name, prompt string) {
	id := uuid.New()
	s.modes[name] = id
	if prompt != "" {
		s.prompts[id] = prompt
	}
}

func (s *fakeStore) UpsertSession(ctx context.Context, session *models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	stored := *session
	stored.Messages = append([]models.Message(nil), session.Messages...)
	s.sessions[session.ID] = &stored
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, id uuid.UUID) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	return session, nil
}

func (s *fakeStore) ListSessions(ctx context.Context, userID uuid.UUID) ([]models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SessionSummary(nil), s.summaries...), nil
}

func (s *fakeStore) ResolveMode(ctx context.Context, name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.modes[name]
	if !ok {
		return uuid.Nil, fmt.Errorf("mode %q: %w", name, ErrNotFound)
	}
	return id, nil
}

func (s *fakeStore) ResolvePrompt(ctx context.Context, modeID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt, ok := s.prompts[modeID]
	if !ok {
		return "", fmt.Errorf("prompt for mode %s: %w", modeID, ErrNotFound)
	}
	return prompt, nil
}

func newTestController(gateway CompletionGateway, store *fakeStore, opts ...Option) *Controller {
	opts = append([]Option{WithTypingDelay(0)}, opts...)
	return NewController(uuid.New(), gateway, store, opts...)
}

func TestSubmitEmptyInputIsNoOp(t *testing.T) {
	gateway := &fakeGateway{}
	store := newFakeStore()
	c := newTestController(gateway, store)

	if err := c.Submit(context.Background(), "   ", nil); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if got := len(c.Messages()); got != 0 {
		t.Errorf("Expected empty transcript, got %d messages", got)
	}
	if gateway.callCount() != 0 {
		t.Errorf("Expected no gateway calls, got %d", gateway.callCount())
	}
	if store.upserts != 0 {
		t.Errorf("Expected no store writes, got %d", store.upserts)
	}
}

func TestSubmitAppendsOneAssistantMessagePerSegment(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{
		models.TextContent("A"),
		models.TextContent("B"),
	}}
	store := newFakeStore()
	c := newTestController(gateway, store)

	if err := c.Submit(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages (1 user + 2 assistant), got %d", len(msgs))
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content.Text != "A" {
		t.Errorf("Expected first assistant message 'A', got %q", msgs[1].Content.Text)
	}
	if msgs[2].Role != models.RoleAssistant || msgs[2].Content.Text != "B" {
		t.Errorf("Expected second assistant message 'B', got %q", msgs[2].Content.Text)
	}
}

func TestSubmitTraderModeScenario(t *testing.T) {
	const prompt = "You are a trading analyst..."
	gateway := &fakeGateway{output: []models.MessageContent{
		models.TextContent("BTC shows bullish divergence."),
	}}
	store := newFakeStore()
	store.addMode("trader", prompt)

	c := newTestController(gateway, store)
	c.NewSession("trader")

	if err := c.Submit(context.Background(), "Analyse BTC", nil); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	// Gateway received [prompt, user text] in order.
	if len(gateway.calls) != 1 {
		t.Fatalf("Expected 1 gateway call, got %d", len(gateway.calls))
	}
	contents := gateway.calls[0]
	if len(contents) != 2 {
		t.Fatalf("Expected 2 content segments, got %d", len(contents))
	}
	if contents[0].Text != prompt {
		t.Errorf("Expected system prompt first, got %q", contents[0].Text)
	}
	if contents[1].Text != "Analyse BTC" {
		t.Errorf("Expected user text second, got %q", contents[1].Text)
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content.Text != "Analyse BTC" {
		t.Errorf("Unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content.Text != "BTC shows bullish divergence." {
		t.Errorf("Unexpected assistant message: %+v", msgs[1])
	}

	summaries := c.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("Expected 1 session summary, got %d", len(summaries))
	}
	if summaries[0].Context != "trader : Analyse BTC" {
		t.Errorf("Expected summary 'trader : Analyse BTC', got %q", summaries[0].Context)
	}
	if summaries[0].ID != c.SessionID() {
		t.Errorf("Summary ID does not match session ID")
	}
}

func TestSubmitMissingPromptAbortsBeforeAICall(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{models.TextContent("never")}}
	store := newFakeStore()
	store.addMode("spot", "") // mode exists, prompt row missing

	c := newTestController(gateway, store)
	c.NewSession("spot")

	err := c.Submit(context.Background(), "analyse", nil)
	if err == nil {
		t.Fatal("Expected error for missing prompt")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if gateway.callCount() != 0 {
		t.Errorf("Expected no AI call, got %d", gateway.callCount())
	}
}

func TestSubmitUnknownModeAbortsBeforeAICall(t *testing.T) {
	gateway := &fakeGateway{}
	store := newFakeStore()

	c := newTestController(gateway, store)
	c.NewSession("future")

	if err := c.Submit(context.Background(), "leverage?", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if gateway.callCount() != 0 {
		t.Errorf("Expected no AI call, got %d", gateway.callCount())
	}
}

func TestSubmitGatewayFailureAppendsPlaceholder(t *testing.T) {
	gateway := &fakeGateway{err: errors.New("upstream down")}
	store := newFakeStore()
	c := newTestController(gateway, store)

	err := c.Submit(context.Background(), "hello", nil)
	if err == nil {
		t.Fatal("Expected error from failed completion")
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected user message + error placeholder, got %d messages", len(msgs))
	}
	if msgs[0].Role != models.RoleUser {
		t.Errorf("Expected user message preserved, got role %q", msgs[0].Role)
	}
	if msgs[1].Role != models.RoleAssistant {
		t.Errorf("Expected assistant placeholder, got role %q", msgs[1].Role)
	}
	if store.upserts != 0 {
		t.Errorf("Expected nothing persisted on failure, got %d upserts", store.upserts)
	}
	if c.Pending() {
		t.Error("Expected pending flag cleared after failure")
	}
}

func TestSubmitImageFirstThenText(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{models.TextContent("looks bullish")}}
	store := newFakeStore()
	c := newTestController(gateway, store)

	image := models.ImageContent("image/png", "aGVsbG8=")
	if err := c.Submit(context.Background(), "what about this chart?", &image); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content.Kind != models.ContentImage {
		t.Errorf("Expected image message first, got kind %d", msgs[0].Content.Kind)
	}
	if msgs[1].Content.Kind != models.ContentText {
		t.Errorf("Expected text message second, got kind %d", msgs[1].Content.Kind)
	}

	// Gateway content order: user text before inline image.
	contents := gateway.calls[0]
	if len(contents) != 2 {
		t.Fatalf("Expected 2 segments sent, got %d", len(contents))
	}
	if contents[0].Kind != models.ContentText || contents[1].Kind != models.ContentImage {
		t.Errorf("Expected [text, image] order, got [%d, %d]", contents[0].Kind, contents[1].Kind)
	}
}

func TestSubmitImageOnlySummaryPlaceholder(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{models.TextContent("chart analysis")}}
	store := newFakeStore()
	c := newTestController(gateway, store)

	image := models.ImageContent("image/png", "aGVsbG8=")
	if err := c.Submit(context.Background(), "", &image); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	summaries := c.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("Expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].Context != "[Image sent]" {
		t.Errorf("Expected placeholder label, got %q", summaries[0].Context)
	}
}

func TestTranscriptOrderSurvivesSaveLoadRoundTrip(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{
		models.TextContent("first"),
		models.TextContent("second"),
	}}
	store := newFakeStore()
	c := newTestController(gateway, store)
	id := c.SessionID()

	if err := c.Submit(context.Background(), "go", nil); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	want := c.Messages()

	// Fresh controller loads the stored transcript.
	c2 := newTestController(&fakeGateway{}, store)
	if err := c2.SelectSession(context.Background(), id); err != nil {
		t.Fatalf("SelectSession returned error: %v", err)
	}
	got := c2.Messages()

	if len(got) != len(want) {
		t.Fatalf("Expected %d messages after round trip, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("Message %d: expected ID %s, got %s", i, want[i].ID, got[i].ID)
		}
	}
}

func TestUpsertIsFullReplace(t *testing.T) {
	store := newFakeStore()
	userID := uuid.New()
	id := uuid.New()

	first := &models.ChatSession{ID: id, UserID: userID, Mode: models.ModeDefault,
		Messages: []models.Message{models.NewMessage(models.RoleUser, models.TextContent("one"))}}
	second := &models.ChatSession{ID: id, UserID: userID, Mode: models.ModeDefault,
		Messages: []models.Message{
			models.NewMessage(models.RoleUser, models.TextContent("two")),
			models.NewMessage(models.RoleAssistant, models.TextContent("three")),
		}}

	if err := store.UpsertSession(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertSession(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content.Text != "two" {
		t.Errorf("Expected second transcript to win, got %+v", got.Messages)
	}
}

func TestSelectSessionNotFoundLeavesStateUntouched(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{models.TextContent("hi")}}
	store := newFakeStore()
	c := newTestController(gateway, store)

	if err := c.Submit(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}
	before := c.Messages()
	beforeID := c.SessionID()

	if err := c.SelectSession(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if c.SessionID() != beforeID {
		t.Error("Session ID changed after failed select")
	}
	if len(c.Messages()) != len(before) {
		t.Error("Transcript changed after failed select")
	}
}

func TestNewSessionInvalidatesInFlightSubmit(t *testing.T) {
	release := make(chan struct{})
	gateway := &blockingGateway{
		started: make(chan struct{}),
		release: release,
		output:  []models.MessageContent{models.TextContent("stale")},
	}
	store := newFakeStore()
	c := newTestController(gateway, store)

	done := make(chan error, 1)
	go func() { done <- c.Submit(context.Background(), "slow question", nil) }()
	<-gateway.started

	c.NewSession("")
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Superseded submit should be discarded silently, got %v", err)
	}
	if got := len(c.Messages()); got != 0 {
		t.Errorf("Expected stale response discarded, transcript has %d messages", got)
	}
	if store.upserts != 0 {
		t.Errorf("Expected no persistence of stale response, got %d upserts", store.upserts)
	}
}

type blockingGateway struct {
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}
	output    []models.MessageContent
}

func (g *blockingGateway) Complete(ctx context.Context, contents []models.MessageContent) ([]models.MessageContent, error) {
	g.startOnce.Do(func() { close(g.started) })
	<-g.release
	return g.output, nil
}

func TestSavePolicyBackgroundSwallowsStoreError(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{models.TextContent("ok")}}
	store := newFakeStore()
	store.upsertErr = errors.New("store down")

	c := newTestController(gateway, store, WithSavePolicy(SaveBackground))
	if err := c.Submit(context.Background(), "hello", nil); err != nil {
		t.Errorf("Background policy should swallow save errors, got %v", err)
	}
	if got := len(c.Messages()); got != 2 {
		t.Errorf("Expected assistant message kept despite save failure, got %d messages", got)
	}
}

func TestSavePolicySyncSurfacesStoreError(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{models.TextContent("ok")}}
	store := newFakeStore()
	store.upsertErr = errors.New("store down")

	c := newTestController(gateway, store, WithSavePolicy(SaveSync))
	if err := c.Submit(context.Background(), "hello", nil); err == nil {
		t.Error("Sync policy should surface save errors")
	}
	if got := len(c.Messages()); got != 2 {
		t.Errorf("Assistant message should stay displayed, got %d messages", got)
	}
}

func TestSubscribeNotifiesAndUnsubscribes(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{models.TextContent("ok")}}
	store := newFakeStore()
	c := newTestController(gateway, store)

	var mu sync.Mutex
	calls := 0
	unsubscribe := c.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if err := c.Submit(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	after := calls
	mu.Unlock()
	if after == 0 {
		t.Error("Expected listener to be notified during submit")
	}

	unsubscribe()
	c.NewSession("")
	mu.Lock()
	final := calls
	mu.Unlock()
	if final != after {
		t.Errorf("Expected no notifications after unsubscribe, got %d more", final-after)
	}
}

func TestSecondSessionSummaryNotDuplicated(t *testing.T) {
	gateway := &fakeGateway{output: []models.MessageContent{models.TextContent("ok")}}
	store := newFakeStore()
	c := newTestController(gateway, store)

	if err := c.Submit(context.Background(), "first", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(context.Background(), "second", nil); err != nil {
		t.Fatal(err)
	}

	if got := len(c.Summaries()); got != 1 {
		t.Errorf("Expected a single summary for the session, got %d", got)
	}
}
