package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tools"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion API.
type OpenAIProvider struct {
	cfg        *config.LLMConfig
	httpClient *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Index    *int   `json:"index,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAIProvider builds the client from configuration.
func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid LLM configuration: %w", err)
	}
	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }

func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// convertTools renders tool descriptions as OpenAI function schemas.
func convertTools(toolDefs []tools.ToolInfo) []openAITool {
	out := make([]openAITool, 0, len(toolDefs))
	for _, def := range toolDefs {
		properties := make(map[string]any, len(def.Parameters))
		var required []string
		for _, param := range def.Parameters {
			prop := map[string]any{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Default != nil {
				prop["default"] = param.Default
			}
			properties[param.Name] = prop
			if param.Required {
				required = append(required, param.Name)
			}
		}

		out = append(out, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   required,
				},
			},
		})
	}
	return out
}

func convertMessages(messages []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		msg := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		out = append(out, msg)
	}
	return out
}

func parseToolCall(raw openAIToolCall) ToolCall {
	call := ToolCall{ID: raw.ID, Name: raw.Function.Name, Arguments: map[string]any{}}
	if raw.Function.Arguments != "" {
		_ = json.Unmarshal([]byte(raw.Function.Arguments), &call.Arguments)
	}
	return call
}

func (p *OpenAIProvider) buildRequest(messages []Message, toolDefs []tools.ToolInfo, stream bool) openAIRequest {
	return openAIRequest{
		Model:       p.cfg.Model,
		Messages:    convertMessages(messages),
		Tools:       convertTools(toolDefs),
		Stream:      stream,
		Temperature: 0.1,
	}
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return req, nil
}

func (p *OpenAIProvider) wrapErr(err error) error {
	return &medrag.LLMError{Provider: p.cfg.Provider, Err: err}
}

// Generate runs one non-streaming completion.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, toolDefs []tools.ToolInfo) (string, []ToolCall, error) {
	body, err := json.Marshal(p.buildRequest(messages, toolDefs, false))
	if err != nil {
		return "", nil, p.wrapErr(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := p.newRequest(ctx, body)
	if err != nil {
		return "", nil, p.wrapErr(err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", nil, p.wrapErr(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, p.wrapErr(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, p.wrapErr(statusError(resp.StatusCode, raw))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", nil, p.wrapErr(fmt.Errorf("failed to decode response: %w", err))
	}
	if parsed.Error != nil {
		return "", nil, p.wrapErr(fmt.Errorf("API error: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", nil, p.wrapErr(fmt.Errorf("response contained no choices"))
	}

	choice := parsed.Choices[0]
	calls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, parseToolCall(tc))
	}

	return choice.Message.Content, calls, nil
}

// GenerateStreaming runs a streaming completion, emitting text chunks
// as they arrive and accumulated tool calls when they complete.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, toolDefs []tools.ToolInfo) (<-chan StreamChunk, error) {
	body, err := json.Marshal(p.buildRequest(messages, toolDefs, true))
	if err != nil {
		return nil, p.wrapErr(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, p.wrapErr(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, p.wrapErr(fmt.Errorf("request failed: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.wrapErr(statusError(resp.StatusCode, raw))
	}

	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		if err := p.consumeStream(ctx, resp.Body, ch); err != nil && ctx.Err() == nil {
			// Terminal error after some chunks; the agent treats a
			// close without ChunkDone as a stream failure.
			return
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) consumeStream(ctx context.Context, body io.Reader, ch chan<- StreamChunk) error {
	reader := bufio.NewReader(body)

	// Streaming tool calls arrive fragmented across deltas, keyed by
	// index; arguments concatenate until the stream ends.
	type partial struct {
		id   string
		name string
		args strings.Builder
	}
	partials := make(map[int]*partial)

	emit := func(chunk StreamChunk) error {
		select {
		case ch <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	flushToolCalls := func() error {
		for i := 0; i < len(partials); i++ {
			pt, ok := partials[i]
			if !ok {
				continue
			}
			call := ToolCall{ID: pt.id, Name: pt.name, Arguments: map[string]any{}}
			if pt.args.Len() > 0 {
				_ = json.Unmarshal([]byte(pt.args.String()), &call.Arguments)
			}
			if err := emit(StreamChunk{Type: ChunkToolCall, ToolCall: &call}); err != nil {
				return err
			}
		}
		partials = make(map[int]*partial)
		return nil
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if err := emit(StreamChunk{Type: ChunkText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pt, ok := partials[idx]
			if !ok {
				pt = &partial{}
				partials[idx] = pt
			}
			if tc.ID != "" {
				pt.id = tc.ID
			}
			if tc.Function.Name != "" {
				pt.name = tc.Function.Name
			}
			pt.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason == "tool_calls" {
			if err := flushToolCalls(); err != nil {
				return err
			}
		}
	}

	if err := flushToolCalls(); err != nil {
		return err
	}
	return emit(StreamChunk{Type: ChunkDone})
}

func statusError(status int, body []byte) error {
	var wrapper struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(body, &wrapper) == nil && wrapper.Error != nil {
		return fmt.Errorf("API request failed with status %d: %s", status, wrapper.Error.Message)
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: API rate limited: %s", medrag.ErrResourceExhausted, msg)
	}
	return fmt.Errorf("API request failed with status %d: %s", status, msg)
}

var _ Provider = (*OpenAIProvider)(nil)
