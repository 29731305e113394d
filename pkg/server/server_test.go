package server

import (
	"bufio"
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

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhealth/medrag/pkg/agent"
	"github.com/tandemhealth/medrag/pkg/cache"
	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/embedder"
	"github.com/tandemhealth/medrag/pkg/llm"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
	"github.com/tandemhealth/medrag/pkg/tools"
)

const testTenantID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

// memorySessions is an in-memory agent.SessionStore for handler tests.
type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]*chunkstore.Session
	messages map[string][]chunkstore.Message
}

func newMemorySessions() *memorySessions {
	return &memorySessions{
		sessions: make(map[string]*chunkstore.Session),
		messages: make(map[string][]chunkstore.Message),
	}
}

func (m *memorySessions) GetSession(_ context.Context, tenantID tenant.ID, sessionID string) (*chunkstore.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, medrag.ErrNotFound)
	}
	return sess, nil
}

func (m *memorySessions) CreateSession(_ context.Context, tenantID tenant.ID, userID, title string, metadata map[string]any) (*chunkstore.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := &chunkstore.Session{ID: uuid.NewString(), TenantID: tenantID, UserID: userID, Title: title, Metadata: metadata}
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *memorySessions) AddMessage(_ context.Context, tenantID tenant.ID, sessionID, role, content string, metadata map[string]any) (*chunkstore.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, medrag.ErrNotFound)
	}
	msg := chunkstore.Message{ID: uuid.NewString(), SessionID: sessionID, Role: role, Content: content, Metadata: metadata}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return &msg, nil
}

func (m *memorySessions) GetSessionMessages(_ context.Context, tenantID tenant.ID, sessionID string, limit int) ([]chunkstore.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, nil
	}
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// scriptedProvider streams a fixed text answer.
type scriptedProvider struct{ text string }

func (p *scriptedProvider) Generate(context.Context, []llm.Message, []tools.ToolInfo) (string, []llm.ToolCall, error) {
	return p.text, nil, nil
}

func (p *scriptedProvider) GenerateStreaming(context.Context, []llm.Message, []tools.ToolInfo) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 4)
	go func() {
		defer close(ch)
		ch <- llm.StreamChunk{Type: llm.ChunkText, Text: p.text}
		ch <- llm.StreamChunk{Type: llm.ChunkDone}
	}()
	return ch, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

func newTestServer(t *testing.T, production bool) *Server {
	t.Helper()

	emb, err := embedder.New(&config.EmbeddingConfig{Model: "m", Dimension: 8, Offline: true})
	require.NoError(t, err)

	chunks := chunkstore.NewFromDB(nil, 8, time.Second, nil)
	tk := tools.New(chunks, nil, emb, cache.Disabled(nil), nil, nil)
	registry, err := tools.NewRegistry(tk, nil)
	require.NoError(t, err)

	ag := agent.New(
		config.AgentConfig{HistoryMessages: 10, PromptTokenBudget: 2000},
		newMemorySessions(), registry, &scriptedProvider{text: "Quad sets twice daily."}, nil, nil)

	srv, err := New(Options{
		App:      config.AppConfig{Env: config.EnvProduction, Host: "127.0.0.1", Port: 0},
		Agent:    ag,
		Toolkit:  tk,
		Chunks:   chunks,
		Resolver: tenant.NewResolver(production, tenant.ID{}, nil),
		Logger:   nil,
	})
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{medrag.ErrInvalidTenant, http.StatusUnprocessableEntity, "invalid_tenant"},
		{medrag.ErrTenantRequired, http.StatusUnprocessableEntity, "tenant_required"},
		{fmt.Errorf("wrap: %w", medrag.ErrInvalidArgument), http.StatusUnprocessableEntity, "invalid_argument"},
		{fmt.Errorf("doc: %w", medrag.ErrNotFound), http.StatusNotFound, "not_found"},
		{medrag.ErrSessionBusy, http.StatusConflict, "session_busy"},
		{medrag.ErrResourceExhausted, http.StatusTooManyRequests, "resource_exhausted"},
		{&medrag.LLMError{Provider: "openai", Err: fmt.Errorf("boom")}, http.StatusInternalServerError, "llm_error"},
		{medrag.NewBackendError("graph", fmt.Errorf("down")), http.StatusInternalServerError, "backend_unavailable"},
		{fmt.Errorf("surprise"), http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		status, kind := classify(c.err)
		assert.Equal(t, c.status, status, c.kind)
		assert.Equal(t, c.kind, kind)
	}
}

func TestChatWithoutTenantIsRejected(t *testing.T) {
	h := newTestServer(t, true).routes()

	rec := doJSON(t, h, http.MethodPost, "/chat", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "tenant_required", body.ErrorType)
}

func TestChatMalformedBody(t *testing.T) {
	h := newTestServer(t, true).routes()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHybridSearchRejectsBadTextWeight(t *testing.T) {
	h := newTestServer(t, true).routes()

	weight := 1.5
	rec := doJSON(t, h, http.MethodPost, "/search/hybrid", map[string]any{
		"query":       "knee",
		"tenant_id":   testTenantID,
		"text_weight": weight,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_argument", body.ErrorType)
}

func TestGraphSearchWithoutGraphBackend(t *testing.T) {
	h := newTestServer(t, true).routes()

	rec := doJSON(t, h, http.MethodPost, "/search/graph", map[string]any{
		"query":     "acl tear",
		"tenant_id": testTenantID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.TotalResults)
	assert.Equal(t, "graph", body.SearchType)
}

func TestTenantHeaderFallback(t *testing.T) {
	h := newTestServer(t, true).routes()

	req := httptest.NewRequest(http.MethodPost, "/search/graph",
		strings.NewReader(`{"query":"acl"}`))
	req.Header.Set(tenantHeader, testTenantID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatRoundTrip(t *testing.T) {
	h := newTestServer(t, true).routes()

	rec := doJSON(t, h, http.MethodPost, "/chat", map[string]any{
		"message":   "Where do I start after surgery?",
		"tenant_id": testTenantID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp agent.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Quad sets twice daily.", resp.Message)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotNil(t, resp.ToolsUsed)
}

func TestChatStreamEmitsOrderedFrames(t *testing.T) {
	h := newTestServer(t, true).routes()

	rec := doJSON(t, h, http.MethodPost, "/chat/stream", map[string]any{
		"message":   "hi",
		"tenant_id": testTenantID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var events []agent.Event
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev agent.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, agent.EventSession, events[0].Type)
	assert.Equal(t, agent.EventText, events[1].Type)
	assert.Equal(t, agent.EventEnd, events[len(events)-1].Type)
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/documents?limit=5&offset=junk", nil)
	assert.Equal(t, 5, queryInt(req, "limit", 20))
	assert.Equal(t, 0, queryInt(req, "offset", 0))
	assert.Equal(t, 7, queryInt(req, "missing", 7))
}
