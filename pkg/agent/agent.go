// Package agent runs the retrieval-augmented conversation loop: it
// resolves the session, builds a token-budgeted history prefix, lets
// the model call retrieval tools, and returns or streams the answer.
// The tenant id travels in request-scoped dependencies; there is no
// ambient tenant anywhere in the loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/llm"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/tenant"
	"github.com/tandemhealth/medrag/pkg/tools"
)

const (
	// maxToolRounds bounds the generate/execute loop per turn.
	maxToolRounds = 5

	systemPrompt = `You are a clinical knowledge assistant for rehabilitation professionals.
Answer questions using the retrieval tools available to you; prefer citing
retrieved document content over general knowledge. When the tools return
nothing relevant, say so plainly.`
)

// SearchPreferences selects which retrieval branches a request uses.
type SearchPreferences struct {
	UseVector    bool `json:"use_vector"`
	UseGraph     bool `json:"use_graph"`
	DefaultLimit int  `json:"default_limit"`
}

// Dependencies is the request-scoped state handed to every tool call.
type Dependencies struct {
	SessionID   string
	TenantID    tenant.ID
	UserID      string
	Preferences SearchPreferences
}

// Request is one chat turn. SearchType narrows which retrieval
// branches comprehensive searches use: "vector", "graph", "hybrid",
// or empty for both.
type Request struct {
	Message    string         `json:"message"`
	SessionID  string         `json:"session_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	SearchType string         `json:"search_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TenantID   tenant.ID      `json:"-"`
}

// preferencesFor maps a requested search type onto branch toggles.
// Unrecognized types keep both branches on.
func preferencesFor(searchType string, limit int) SearchPreferences {
	prefs := SearchPreferences{UseVector: true, UseGraph: true, DefaultLimit: limit}
	switch searchType {
	case "vector", "hybrid":
		prefs.UseGraph = false
	case "graph":
		prefs.UseVector = false
	}
	return prefs
}

// ToolUse records one executed tool call for the response envelope.
type ToolUse struct {
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
	ToolCallID string         `json:"tool_call_id"`
}

// Response is the non-streaming chat result.
type Response struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	ToolsUsed []ToolUse      `json:"tools_used"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionStore is the slice of the chunk store the agent needs:
// session resolution and message history.
type SessionStore interface {
	GetSession(ctx context.Context, tenantID tenant.ID, sessionID string) (*chunkstore.Session, error)
	CreateSession(ctx context.Context, tenantID tenant.ID, userID, title string, metadata map[string]any) (*chunkstore.Session, error)
	AddMessage(ctx context.Context, tenantID tenant.ID, sessionID, role, content string, metadata map[string]any) (*chunkstore.Message, error)
	GetSessionMessages(ctx context.Context, tenantID tenant.ID, sessionID string, limit int) ([]chunkstore.Message, error)
}

// Agent coordinates sessions, history, the model, and the tools.
type Agent struct {
	cfg      config.AgentConfig
	store    SessionStore
	registry *tools.Registry
	provider llm.Provider
	metrics  *observability.Metrics
	logger   *slog.Logger

	// Sessions with an active run; a second concurrent request for
	// the same session is rejected with SessionBusy. Entries are
	// removed on release so the set stays bounded by concurrency.
	activeMu sync.Mutex
	active   map[string]struct{}

	encoding *tiktoken.Tiktoken
}

// New builds the agent. The token encoding is best-effort; when it
// cannot be loaded the prompt budget falls back to a length estimate.
func New(cfg config.AgentConfig, store SessionStore, registry *tools.Registry, provider llm.Provider, metrics *observability.Metrics, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}

	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("token encoding unavailable, using length estimate",
			slog.String("error", err.Error()))
		encoding = nil
	}

	return &Agent{
		cfg:      cfg,
		store:    store,
		registry: registry,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		active:   make(map[string]struct{}),
		encoding: encoding,
	}
}

// countTokens estimates prompt cost for the history budget.
func (a *Agent) countTokens(text string) int {
	if a.encoding != nil {
		return len(a.encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// acquireSession marks the session as running or reports busy. The
// returned release removes the mark.
func (a *Agent) acquireSession(sessionID string) (func(), error) {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	if _, busy := a.active[sessionID]; busy {
		return nil, fmt.Errorf("session %s: %w", sessionID, medrag.ErrSessionBusy)
	}
	a.active[sessionID] = struct{}{}
	return func() {
		a.activeMu.Lock()
		delete(a.active, sessionID)
		a.activeMu.Unlock()
	}, nil
}

// resolveSession finds or creates the session for this tenant. A
// session id that does not exist for the caller's tenant yields a
// fresh session, indistinguishable from an unknown id. When no id is
// supplied, a configured development session id stands in.
func (a *Agent) resolveSession(ctx context.Context, tenantID tenant.ID, sessionID, userID string) (*chunkstore.Session, error) {
	if sessionID == "" {
		sessionID = a.cfg.DevSessionUUID
	}
	if sessionID != "" {
		if _, err := uuid.Parse(sessionID); err != nil {
			return nil, fmt.Errorf("%w: malformed session id", medrag.ErrInvalidArgument)
		}
		sess, err := a.store.GetSession(ctx, tenantID, sessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, medrag.ErrNotFound) {
			return nil, err
		}
	}

	return a.store.CreateSession(ctx, tenantID, userID, "", nil)
}

// trimToBudget drops the oldest history messages until the remainder
// fits the prompt token budget.
func (a *Agent) trimToBudget(history []chunkstore.Message) []chunkstore.Message {
	budget := a.cfg.PromptTokenBudget
	kept := history
	for len(kept) > 0 {
		total := 0
		for _, m := range kept {
			total += a.countTokens(m.Content)
		}
		if total <= budget {
			break
		}
		kept = kept[1:]
	}
	return kept
}

// buildMessages assembles system prompt, budgeted history prefix, and
// the new user message.
func (a *Agent) buildMessages(ctx context.Context, tenantID tenant.ID, sessionID, userMessage string) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}

	history, err := a.store.GetSessionMessages(ctx, tenantID, sessionID, a.cfg.HistoryMessages)
	if err != nil {
		// History is an enhancement; a read failure must not kill
		// the turn.
		a.logger.Warn("failed to load session history",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		history = nil
	}

	for _, m := range a.trimToBudget(history) {
		role := llm.RoleUser
		if m.Role == "assistant" {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}

	return append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
}

// executeToolCalls dispatches the model's tool calls through the
// registry with the request-scoped tenant and returns the tool-role
// result messages plus the usage records.
func (a *Agent) executeToolCalls(ctx context.Context, deps Dependencies, calls []llm.ToolCall) ([]llm.Message, []ToolUse) {
	var (
		results []llm.Message
		used    []ToolUse
	)
	for _, call := range calls {
		args := applyPreferences(call.Name, call.Arguments, deps.Preferences)
		output, err := a.registry.Execute(ctx, call.Name, deps.TenantID, args)

		var content string
		if err != nil {
			content = fmt.Sprintf("tool error: %v", err)
			a.logger.Warn("tool call failed",
				slog.String("tool", call.Name),
				slog.String("error", err.Error()))
		} else {
			content = marshalToolOutput(output)
		}

		results = append(results, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
		used = append(used, ToolUse{ToolName: call.Name, Args: args, ToolCallID: call.ID})
	}
	return results, used
}

// applyPreferences fills the branch toggles and limit of a
// comprehensive search from the request preferences. Arguments the
// model set explicitly win; other tools pass through untouched.
func applyPreferences(name string, args map[string]any, prefs SearchPreferences) map[string]any {
	if name != "comprehensive_search" {
		return args
	}
	merged := make(map[string]any, len(args)+3)
	for k, v := range args {
		merged[k] = v
	}
	if _, ok := merged["use_vector"]; !ok {
		merged["use_vector"] = prefs.UseVector
	}
	if _, ok := merged["use_graph"]; !ok {
		merged["use_graph"] = prefs.UseGraph
	}
	if _, ok := merged["limit"]; !ok && prefs.DefaultLimit > 0 {
		merged["limit"] = prefs.DefaultLimit
	}
	return merged
}

func marshalToolOutput(output any) string {
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(raw)
}

func (a *Agent) persistUserMessage(ctx context.Context, tenantID tenant.ID, sessionID, content string) {
	if a.cfg.DisablePersistence {
		return
	}
	if _, err := a.store.AddMessage(ctx, tenantID, sessionID, "user", content, nil); err != nil {
		a.logger.Error("failed to persist user message",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	a.metrics.RecordSessionMessage(ctx, "user")
}

func (a *Agent) persistAssistantMessage(ctx context.Context, tenantID tenant.ID, sessionID, content string, meta map[string]any) {
	if a.cfg.DisablePersistence {
		return
	}
	if _, err := a.store.AddMessage(ctx, tenantID, sessionID, "assistant", content, meta); err != nil {
		a.logger.Error("failed to persist assistant message",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	a.metrics.RecordSessionMessage(ctx, "assistant")
}
