package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/tools"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewOpenAIProvider(&config.LLMConfig{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "test-model",
		BaseURL:  srv.URL,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return p
}

func TestGenerateReturnsTextAndToolCalls(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "vector_search", req.Tools[0].Function.Name)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"Searching now.","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"vector_search","arguments":"{\"query\":\"knee\",\"limit\":5}"}}
		]},"finish_reason":"tool_calls"}]}`))
	})

	toolDefs := []tools.ToolInfo{{
		Name:        "vector_search",
		Description: "search",
		Parameters: []tools.ToolParameter{
			{Name: "query", Type: "string", Required: true},
		},
	}}

	text, calls, err := p.Generate(context.Background(),
		[]Message{{Role: RoleUser, Content: "find knee exercises"}}, toolDefs)
	require.NoError(t, err)

	assert.Equal(t, "Searching now.", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "vector_search", calls[0].Name)
	assert.Equal(t, "knee", calls[0].Arguments["query"])
	assert.Equal(t, float64(5), calls[0].Arguments["limit"])
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	})

	_, _, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestGenerateStreamingOrdersChunks(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Knee "}}]}`,
			`{"choices":[{"delta":{"content":"extension."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"hybrid_search","arguments":"{\"query\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"knee\"}"}}]},"finish_reason":"tool_calls"}]}`,
		}
		for _, f := range frames {
			w.Write([]byte("data: " + f + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	})

	ch, err := p.GenerateStreaming(context.Background(),
		[]Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	require.Len(t, chunks, 4)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "Knee ", chunks[0].Text)
	assert.Equal(t, ChunkText, chunks[1].Type)

	assert.Equal(t, ChunkToolCall, chunks[2].Type)
	require.NotNil(t, chunks[2].ToolCall)
	assert.Equal(t, "hybrid_search", chunks[2].ToolCall.Name)
	assert.Equal(t, "knee", chunks[2].ToolCall.Arguments["query"])

	assert.Equal(t, ChunkDone, chunks[3].Type)
}

func TestConvertToolsBuildsSchema(t *testing.T) {
	out := convertTools([]tools.ToolInfo{{
		Name:        "hybrid_search",
		Description: "combined search",
		Parameters: []tools.ToolParameter{
			{Name: "query", Type: "string", Required: true},
			{Name: "text_weight", Type: "number", Default: 0.3},
		},
	}})

	require.Len(t, out, 1)
	assert.Equal(t, "function", out[0].Type)

	params := out[0].Function.Parameters
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"query"}, params["required"])

	props := params["properties"].(map[string]any)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "text_weight")
}
