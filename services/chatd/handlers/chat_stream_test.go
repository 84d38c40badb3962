// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
	"github.com/auklet-ai/auklet/services/chatd/middleware"
	"github.com/auklet-ai/auklet/services/chatd/observability"
	"github.com/auklet-ai/auklet/services/chatd/session"
	"github.com/auklet-ai/auklet/services/chatd/store"
	"github.com/auklet-ai/auklet/services/llm"
)

const (
	testUser = "user-1"
	testConv = "6f1aa381-9a3f-46a5-8b09-2d1a7b3c4d5e"
)

// Prometheus collectors register globally; initialize once for the package.
var (
	metricsOnce sync.Once
	testMetrics *observability.StreamingMetrics
)

func initTestMetrics() *observability.StreamingMetrics {
	metricsOnce.Do(func() {
		testMetrics = observability.InitMetrics()
	})
	return testMetrics
}

// =============================================================================
// Mock LLM Client
// =============================================================================

// streamingMockClient scripts a generation: it emits tokens, then either
// finishes cleanly or fails. Generate serves title requests.
type streamingMockClient struct {
	mu          sync.Mutex
	tokens      []string
	streamErr   error
	title       string
	titleErr    error
	gotMessages [][]datatypes.Message
	gotPrompts  []string
}

var _ llm.LLMClient = (*streamingMockClient)(nil)

func (m *streamingMockClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	m.mu.Lock()
	m.gotPrompts = append(m.gotPrompts, prompt)
	m.mu.Unlock()
	if m.titleErr != nil {
		return "", m.titleErr
	}
	return m.title, nil
}

func (m *streamingMockClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {

	m.mu.Lock()
	m.gotMessages = append(m.gotMessages, append([]datatypes.Message(nil), messages...))
	m.mu.Unlock()

	for _, tok := range m.tokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	return m.streamErr
}

func (m *streamingMockClient) streamCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gotMessages)
}

func (m *streamingMockClient) titleCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gotPrompts)
}

// blockingMockClient emits its tokens, signals started, then holds the
// stream open until the context is cancelled.
type blockingMockClient struct {
	tokens  []string
	started chan struct{}
}

var _ llm.LLMClient = (*blockingMockClient)(nil)

func (m *blockingMockClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return "", fmt.Errorf("not used")
}

func (m *blockingMockClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {

	for _, tok := range m.tokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	close(m.started)
	<-ctx.Done()
	return ctx.Err()
}

// =============================================================================
// Fixtures
// =============================================================================

type chatTestEnv struct {
	handler  StreamingChatHandler
	registry *session.Registry
	store    store.TurnStore
	router   *gin.Engine
}

// failingAppendStore wraps a working store and fails every Append.
type failingAppendStore struct {
	store.TurnStore
}

func (failingAppendStore) Append(ctx context.Context, owner, conversationID string,
	turn datatypes.Turn) (datatypes.Turn, error) {
	return datatypes.Turn{}, fmt.Errorf("disk full")
}

func newChatTestEnv(t *testing.T, client llm.LLMClient, systemPrompt string) *chatTestEnv {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return newChatTestEnvWithStore(t, client, systemPrompt, st)
}

func newChatTestEnvWithStore(t *testing.T, client llm.LLMClient, systemPrompt string,
	st store.TurnStore) *chatTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := session.NewRegistry(st, session.DefaultMaxPairs)
	handler := NewStreamingChatHandler(Config{
		LLMClient:    client,
		Registry:     registry,
		Metrics:      initTestMetrics(),
		SystemPrompt: systemPrompt,
		ModelLabel:   "mock",
	})

	router := gin.New()
	router.Use(middleware.Identity())
	router.POST("/v1/chat/stream", handler.HandleChatStream)

	return &chatTestEnv{handler: handler, registry: registry, store: st, router: router}
}

func (e *chatTestEnv) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.UserIDHeader, testUser)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func chatBody(message, conversationID string) string {
	b, _ := json.Marshal(datatypes.ChatStreamRequest{Message: message, ConversationID: conversationID})
	return string(b)
}

// decodeFrames parses the SSE body into frames, skipping comment lines.
func decodeFrames(t *testing.T, body string) []datatypes.StreamFrame {
	t.Helper()
	var frames []datatypes.StreamFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected SSE block: %q", block)
		var frame datatypes.StreamFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(block, "data: ")), &frame))
		frames = append(frames, frame)
	}
	return frames
}

// requireSingleTerminal asserts the last frame is terminal and no earlier
// frame is.
func requireSingleTerminal(t *testing.T, frames []datatypes.StreamFrame) datatypes.StreamFrame {
	t.Helper()
	require.NotEmpty(t, frames)
	for i, f := range frames[:len(frames)-1] {
		require.False(t, f.IsTerminal(), "frame %d is terminal before the end", i)
	}
	last := frames[len(frames)-1]
	require.True(t, last.IsTerminal(), "stream did not end with a terminal frame")
	return last
}

// =============================================================================
// Scenario Tests
// =============================================================================

func TestChatStream_StreamsTokensThenTitleThenDone(t *testing.T) {
	client := &streamingMockClient{
		tokens: []string{"The", " answer", " is", " 4."},
		title:  "Simple Arithmetic",
	}
	env := newChatTestEnv(t, client, "You are a helpful assistant.")

	rec := env.post(t, chatBody("What is 2+2?", testConv))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := decodeFrames(t, rec.Body.String())
	last := requireSingleTerminal(t, frames)
	assert.Empty(t, last.Error)

	// Token frames in generation order, then the title, then done.
	var tokens []string
	var titles []string
	for _, f := range frames {
		if f.Token != "" {
			tokens = append(tokens, f.Token)
		}
		if f.Title != "" {
			titles = append(titles, f.Title)
		}
	}
	assert.Equal(t, []string{"The", " answer", " is", " 4."}, tokens)
	assert.Equal(t, []string{"Simple Arithmetic"}, titles)

	// Both turns are durable.
	turns, err := env.store.ReadAll(context.Background(), testUser, testConv)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, datatypes.RoleUser, turns[0].Role)
	assert.Equal(t, "What is 2+2?", turns[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, turns[1].Role)
	assert.Equal(t, "The answer is 4.", turns[1].Content)

	title, err := env.store.GetTitle(context.Background(), testUser, testConv)
	require.NoError(t, err)
	assert.Equal(t, "Simple Arithmetic", title)
}

func TestChatStream_EngineFailureEndsWithErrorFrame(t *testing.T) {
	client := &streamingMockClient{
		tokens:    []string{"partial"},
		streamErr: fmt.Errorf("model exploded"),
	}
	env := newChatTestEnv(t, client, "")

	rec := env.post(t, chatBody("hello", testConv))
	frames := decodeFrames(t, rec.Body.String())
	last := requireSingleTerminal(t, frames)

	require.NotEmpty(t, last.Error)
	// Internal details never reach the client.
	assert.NotContains(t, last.Error, "model exploded")

	// The user turn stays durable; the partial reply is not committed.
	turns, err := env.store.ReadAll(context.Background(), testUser, testConv)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, datatypes.RoleUser, turns[0].Role)

	// No title on a failed exchange.
	assert.Equal(t, 0, client.titleCalls())
}

func TestChatStream_EmptyMessageRejectedAsFrame(t *testing.T) {
	client := &streamingMockClient{}
	env := newChatTestEnv(t, client, "")

	rec := env.post(t, chatBody("   \n\t ", testConv))
	require.Equal(t, http.StatusOK, rec.Code) // rejection travels in-band

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.True(t, frames[0].IsTerminal())
	assert.NotEmpty(t, frames[0].Error)

	// Nothing was persisted and no generation started.
	assert.Equal(t, 0, client.streamCalls())
	turns, err := env.store.ReadAll(context.Background(), testUser, testConv)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestChatStream_MalformedBodyIsHTTP400(t *testing.T) {
	env := newChatTestEnv(t, &streamingMockClient{}, "")

	rec := env.post(t, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStream_InvalidConversationIDIsHTTP400(t *testing.T) {
	env := newChatTestEnv(t, &streamingMockClient{}, "")

	rec := env.post(t, chatBody("hello", "not-a-uuid"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStream_SecondExchangeCarriesHistory(t *testing.T) {
	client := &streamingMockClient{
		tokens: []string{"Paris."},
		title:  "Capital Cities",
	}
	env := newChatTestEnv(t, client, "Be brief.")

	rec := env.post(t, chatBody("Capital of France?", testConv))
	requireSingleTerminal(t, decodeFrames(t, rec.Body.String()))

	rec = env.post(t, chatBody("And of Spain?", testConv))
	frames := decodeFrames(t, rec.Body.String())
	requireSingleTerminal(t, frames)

	require.Equal(t, 2, client.streamCalls())
	second := client.gotMessages[1]
	require.Len(t, second, 4) // system + q1 + a1 + q2
	assert.Equal(t, datatypes.RoleSystem, second[0].Role)
	assert.Equal(t, "Be brief.", second[0].Content)
	assert.Equal(t, datatypes.Message{Role: datatypes.RoleUser, Content: "Capital of France?"}, second[1])
	assert.Equal(t, datatypes.Message{Role: datatypes.RoleAssistant, Content: "Paris."}, second[2])
	assert.Equal(t, datatypes.Message{Role: datatypes.RoleUser, Content: "And of Spain?"}, second[3])

	// The title was generated once, on the first exchange only.
	assert.Equal(t, 1, client.titleCalls())
	for _, f := range frames {
		assert.Empty(t, f.Title, "second exchange must not carry a title frame")
	}
}

func TestChatStream_BusyConversationRejected(t *testing.T) {
	client := &streamingMockClient{tokens: []string{"x"}, title: "T"}
	env := newChatTestEnv(t, client, "")

	sess := env.registry.GetOrCreate(context.Background(), testUser, testConv)
	require.NoError(t, sess.BeginExchange())
	defer sess.EndExchange()

	rec := env.post(t, chatBody("hello", testConv))
	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.True(t, frames[0].IsTerminal())
	assert.Contains(t, frames[0].Error, "already streaming")
	assert.Equal(t, 0, client.streamCalls())
}

func TestChatStream_UserPersistFailureStopsBeforeGeneration(t *testing.T) {
	client := &streamingMockClient{tokens: []string{"x"}}

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	env := newChatTestEnvWithStore(t, client, "", failingAppendStore{st})

	rec := env.post(t, chatBody("hello", testConv))
	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.True(t, frames[0].IsTerminal())
	assert.NotEmpty(t, frames[0].Error)
	assert.Equal(t, 0, client.streamCalls())
}

func TestChatStream_TitleFallsBackToQuestion(t *testing.T) {
	client := &streamingMockClient{
		tokens:   []string{"ok"},
		titleErr: fmt.Errorf("title model down"),
	}
	env := newChatTestEnv(t, client, "")

	rec := env.post(t, chatBody("Plan my trip to Lisbon", testConv))
	frames := decodeFrames(t, rec.Body.String())
	requireSingleTerminal(t, frames)

	var title string
	for _, f := range frames {
		if f.Title != "" {
			title = f.Title
		}
	}
	assert.Equal(t, "Chat: Plan my trip to Lisbon", title)
}

func TestChatStream_GeneratedConversationIDWhenOmitted(t *testing.T) {
	client := &streamingMockClient{tokens: []string{"hi"}, title: "Greeting"}
	env := newChatTestEnv(t, client, "")

	rec := env.post(t, chatBody("hello", ""))
	requireSingleTerminal(t, decodeFrames(t, rec.Body.String()))

	// Exactly one conversation exists and it holds the exchange.
	infos, err := env.store.Conversations(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	turns, err := env.store.ReadAll(context.Background(), testUser, infos[0].ID)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestChatStream_ClientDisconnectMidStream(t *testing.T) {
	client := &blockingMockClient{tokens: []string{"par", "tial"}, started: make(chan struct{})}
	env := newChatTestEnv(t, client, "")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream",
		bytes.NewBufferString(chatBody("hello", testConv))).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.UserIDHeader, testUser)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		env.router.ServeHTTP(rec, req)
		close(done)
	}()

	<-client.started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}

	// Nobody is listening anymore, so no terminal frame goes out.
	for i, f := range decodeFrames(t, rec.Body.String()) {
		assert.False(t, f.IsTerminal(), "frame %d is terminal after disconnect", i)
	}

	// The user turn stays durable; the partial reply is discarded.
	turns, err := env.store.ReadAll(context.Background(), testUser, testConv)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, datatypes.RoleUser, turns[0].Role)

	// The exchange guard was released; a retry can start immediately.
	sess := env.registry.GetOrCreate(context.Background(), testUser, testConv)
	require.NoError(t, sess.BeginExchange())
	sess.EndExchange()
}

func TestTruncate_CutsOnRuneBoundary(t *testing.T) {
	s := "crème brûlée für alle, s'il vous plaît"
	for n := 1; n <= len(s); n++ {
		out := truncate(s, n)
		assert.True(t, utf8.ValidString(out), "truncate(%q, %d) = %q is not valid UTF-8", s, n, out)
	}
	// Untouched when it already fits; suffixed when cut.
	assert.Equal(t, s, truncate(s, len(s)))
	assert.Equal(t, "crème"+"...", truncate(s, 6))
}
