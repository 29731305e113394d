package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhealth/medrag/pkg/cache"
	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/embedder"
	"github.com/tandemhealth/medrag/pkg/llm"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
	"github.com/tandemhealth/medrag/pkg/tools"
)

// fakeStore keeps sessions and messages in memory with the same
// tenant binding rules as the real store.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*chunkstore.Session
	messages map[string][]chunkstore.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*chunkstore.Session),
		messages: make(map[string][]chunkstore.Message),
	}
}

func (f *fakeStore) GetSession(_ context.Context, tenantID tenant.ID, sessionID string) (*chunkstore.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, medrag.ErrNotFound)
	}
	return sess, nil
}

func (f *fakeStore) CreateSession(_ context.Context, tenantID tenant.ID, userID, title string, metadata map[string]any) (*chunkstore.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &chunkstore.Session{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		UserID:   userID,
		Title:    title,
		Metadata: metadata,
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeStore) AddMessage(_ context.Context, tenantID tenant.ID, sessionID, role, content string, metadata map[string]any) (*chunkstore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, medrag.ErrNotFound)
	}
	msg := chunkstore.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	f.messages[sessionID] = append(f.messages[sessionID], msg)
	return &msg, nil
}

func (f *fakeStore) GetSessionMessages(_ context.Context, tenantID tenant.ID, sessionID string, limit int) ([]chunkstore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, nil
	}
	msgs := f.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// fakeProvider scripts one streaming run per call.
type fakeProvider struct {
	text  string
	calls []llm.ToolCall
	// rounds counts GenerateStreaming invocations; tool calls are
	// only emitted on the first round.
	rounds int
}

func (f *fakeProvider) Generate(_ context.Context, _ []llm.Message, _ []tools.ToolInfo) (string, []llm.ToolCall, error) {
	f.rounds++
	if f.rounds == 1 && len(f.calls) > 0 {
		return "", f.calls, nil
	}
	return f.text, nil, nil
}

func (f *fakeProvider) GenerateStreaming(_ context.Context, _ []llm.Message, _ []tools.ToolInfo) (<-chan llm.StreamChunk, error) {
	f.rounds++
	ch := make(chan llm.StreamChunk, 8)
	go func() {
		defer close(ch)
		if f.rounds == 1 && len(f.calls) > 0 {
			for i := range f.calls {
				ch <- llm.StreamChunk{Type: llm.ChunkToolCall, ToolCall: &f.calls[i]}
			}
			ch <- llm.StreamChunk{Type: llm.ChunkDone}
			return
		}
		for _, word := range []string{f.text[:len(f.text)/2], f.text[len(f.text)/2:]} {
			ch <- llm.StreamChunk{Type: llm.ChunkText, Text: word}
		}
		ch <- llm.StreamChunk{Type: llm.ChunkDone}
	}()
	return ch, nil
}

func (f *fakeProvider) ModelName() string { return "fake" }
func (f *fakeProvider) Close() error      { return nil }

func testAgent(t *testing.T, store SessionStore, provider llm.Provider) *Agent {
	t.Helper()

	emb, err := embedder.New(&config.EmbeddingConfig{Model: "m", Dimension: 8, Offline: true})
	require.NoError(t, err)

	tk := tools.New(chunkstore.NewFromDB(nil, 8, time.Second, nil), nil, emb, cache.Disabled(nil), nil, nil)
	registry, err := tools.NewRegistry(tk, nil)
	require.NoError(t, err)

	cfg := config.AgentConfig{HistoryMessages: 10, PromptTokenBudget: 2000}
	return New(cfg, store, registry, provider, nil, nil)
}

func testTenant(t *testing.T) tenant.ID {
	t.Helper()
	id, err := tenant.Parse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	require.NoError(t, err)
	return id
}

func TestChatCreatesSessionAndPersists(t *testing.T) {
	store := newFakeStore()
	a := testAgent(t, store, &fakeProvider{text: "Start with quad sets."})
	tid := testTenant(t)

	resp, err := a.Chat(context.Background(), Request{Message: "Where do I start?", TenantID: tid})
	require.NoError(t, err)

	assert.Equal(t, "Start with quad sets.", resp.Message)
	assert.NotEmpty(t, resp.SessionID)
	assert.Empty(t, resp.ToolsUsed)

	msgs := store.messages[resp.SessionID]
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, false, msgs[1].Metadata["streamed"])
}

func TestChatRequiresTenantAndMessage(t *testing.T) {
	a := testAgent(t, newFakeStore(), &fakeProvider{text: "x"})

	_, err := a.Chat(context.Background(), Request{Message: "hi"})
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)

	_, err = a.Chat(context.Background(), Request{TenantID: testTenant(t)})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}

func TestUnknownSessionIDGetsFreshSession(t *testing.T) {
	store := newFakeStore()
	a := testAgent(t, store, &fakeProvider{text: "ok"})
	tid := testTenant(t)

	foreign := uuid.NewString()
	resp, err := a.Chat(context.Background(), Request{Message: "hi", SessionID: foreign, TenantID: tid})
	require.NoError(t, err)
	assert.NotEqual(t, foreign, resp.SessionID, "unknown ids never attach to the caller")
}

func TestSessionTenantBinding(t *testing.T) {
	store := newFakeStore()
	a := testAgent(t, store, &fakeProvider{text: "ok"})
	t1 := testTenant(t)
	t2, err := tenant.Parse("11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)

	first, err := a.Chat(context.Background(), Request{Message: "hi", TenantID: t1})
	require.NoError(t, err)

	second, err := a.Chat(context.Background(), Request{Message: "hi", SessionID: first.SessionID, TenantID: t2})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID, "cross-tenant session ids must not resolve")

	assert.Equal(t, t1, store.sessions[first.SessionID].TenantID)
}

func TestSessionBusy(t *testing.T) {
	a := testAgent(t, newFakeStore(), &fakeProvider{text: "ok"})

	release, err := a.acquireSession("s1")
	require.NoError(t, err)

	_, err = a.acquireSession("s1")
	assert.ErrorIs(t, err, medrag.ErrSessionBusy)

	release2, err := a.acquireSession("s2")
	require.NoError(t, err, "other sessions are unaffected")

	// Release evicts the entry: the session can run again and the
	// active set does not accumulate finished sessions.
	release()
	release2()

	release, err = a.acquireSession("s1")
	require.NoError(t, err)
	release()

	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	assert.Empty(t, a.active)
}

func TestTrimToBudget(t *testing.T) {
	a := testAgent(t, newFakeStore(), &fakeProvider{})
	a.cfg.PromptTokenBudget = 10
	a.encoding = nil // force the length estimate: 1 token per 4 chars

	history := []chunkstore.Message{
		{Content: "aaaaaaaaaaaaaaaaaaaa"}, // 5 tokens
		{Content: "bbbbbbbbbbbbbbbbbbbb"}, // 5 tokens
		{Content: "cccccccccccccccccccc"}, // 5 tokens
	}

	kept := a.trimToBudget(history)
	require.Len(t, kept, 2)
	assert.Equal(t, "bbbbbbbbbbbbbbbbbbbb", kept[0].Content, "oldest messages are dropped first")
}

func TestStreamEventOrder(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{
		text: "Do quad sets daily.",
		calls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      "graph_search",
			Arguments: map[string]any{"query": "quad sets"},
		}},
	}
	a := testAgent(t, store, provider)
	tid := testTenant(t)

	events, err := a.ChatStream(context.Background(), Request{Message: "Where do I start?", TenantID: tid})
	require.NoError(t, err)

	var collected []Event
	for ev := range events {
		collected = append(collected, ev)
	}

	require.GreaterOrEqual(t, len(collected), 4)
	assert.Equal(t, EventSession, collected[0].Type)
	assert.NotEmpty(t, collected[0].SessionID)

	last := collected[len(collected)-1]
	assert.Equal(t, EventEnd, last.Type)

	toolsIdx := -1
	var text string
	for i, ev := range collected {
		switch ev.Type {
		case EventText:
			assert.Less(t, i, len(collected)-1, "no text after end")
			text += ev.Content
		case EventTools:
			toolsIdx = i
			require.Len(t, ev.Tools, 1)
			assert.Equal(t, "graph_search", ev.Tools[0].ToolName)
		case EventError:
			t.Fatalf("unexpected error event: %s", ev.Content)
		}
	}
	require.NotEqual(t, -1, toolsIdx, "tools event must be emitted")
	assert.Equal(t, len(collected)-2, toolsIdx, "tools arrives after text, before end")
	assert.Equal(t, "Do quad sets daily.", text)

	// Assistant row carries the streamed flag and tool count.
	sessionID := collected[0].SessionID
	msgs := store.messages[sessionID]
	require.Len(t, msgs, 2)
	assert.Equal(t, true, msgs[1].Metadata["streamed"])
	assert.Equal(t, 1, msgs[1].Metadata["tool_calls"])
}

func TestStreamDisabledPersistence(t *testing.T) {
	store := newFakeStore()
	a := testAgent(t, store, &fakeProvider{text: "short answer"})
	a.cfg.DisablePersistence = true
	tid := testTenant(t)

	events, err := a.ChatStream(context.Background(), Request{Message: "hi", TenantID: tid})
	require.NoError(t, err)

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, EventSession, types[0])
	assert.Equal(t, EventEnd, types[len(types)-1])

	for _, msgs := range store.messages {
		assert.Empty(t, msgs, "no messages written when persistence is disabled")
	}
}

func TestResolveSessionRejectsMalformedID(t *testing.T) {
	a := testAgent(t, newFakeStore(), &fakeProvider{text: "x"})

	_, err := a.resolveSession(context.Background(), testTenant(t), "not-a-uuid", "")
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}

func TestPreferencesForSearchType(t *testing.T) {
	for searchType, want := range map[string]SearchPreferences{
		"":       {UseVector: true, UseGraph: true, DefaultLimit: 10},
		"vector": {UseVector: true, UseGraph: false, DefaultLimit: 10},
		"hybrid": {UseVector: true, UseGraph: false, DefaultLimit: 10},
		"graph":  {UseVector: false, UseGraph: true, DefaultLimit: 10},
		"other":  {UseVector: true, UseGraph: true, DefaultLimit: 10},
	} {
		assert.Equal(t, want, preferencesFor(searchType, 10), searchType)
	}
}

func TestApplyPreferences(t *testing.T) {
	prefs := SearchPreferences{UseVector: false, UseGraph: true, DefaultLimit: 7}

	merged := applyPreferences("comprehensive_search", map[string]any{"query": "q"}, prefs)
	assert.Equal(t, false, merged["use_vector"])
	assert.Equal(t, true, merged["use_graph"])
	assert.Equal(t, 7, merged["limit"])

	// Explicit arguments from the model are never overridden.
	merged = applyPreferences("comprehensive_search", map[string]any{
		"query":      "q",
		"use_vector": true,
		"limit":      3,
	}, prefs)
	assert.Equal(t, true, merged["use_vector"])
	assert.Equal(t, 3, merged["limit"])

	// Other tools pass through untouched.
	args := map[string]any{"query": "q"}
	assert.Equal(t, args, applyPreferences("vector_search", args, prefs))
}

func TestChatSearchTypeDrivesComprehensiveSearch(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{
		text: "Nothing on file.",
		calls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      "comprehensive_search",
			Arguments: map[string]any{"query": "acl rehab"},
		}},
	}
	a := testAgent(t, store, provider)

	resp, err := a.Chat(context.Background(), Request{
		Message:    "What do we know about ACL rehab?",
		SearchType: "graph",
		TenantID:   testTenant(t),
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolsUsed, 1)
	used := resp.ToolsUsed[0]
	assert.Equal(t, "comprehensive_search", used.ToolName)
	assert.Equal(t, false, used.Args["use_vector"], "graph search type turns the vector branch off")
	assert.Equal(t, true, used.Args["use_graph"])
	assert.Equal(t, 10, used.Args["limit"])
}

func TestIsNotFoundViaErrors(t *testing.T) {
	err := fmt.Errorf("session x: %w", medrag.ErrNotFound)
	assert.True(t, errors.Is(err, medrag.ErrNotFound))
}
