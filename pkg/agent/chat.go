package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tandemhealth/medrag/pkg/llm"
	"github.com/tandemhealth/medrag/pkg/medrag"
)

// Chat runs one non-streaming turn: resolve the session, run the tool
// loop to completion, persist both messages, and return the answer.
func (a *Agent) Chat(ctx context.Context, req Request) (*Response, error) {
	if req.TenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if req.Message == "" {
		return nil, fmt.Errorf("%w: message is required", medrag.ErrInvalidArgument)
	}

	sess, err := a.resolveSession(ctx, req.TenantID, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}

	release, err := a.acquireSession(sess.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	deps := Dependencies{
		SessionID:   sess.ID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Preferences: preferencesFor(req.SearchType, 10),
	}

	messages := a.buildMessages(ctx, req.TenantID, sess.ID, req.Message)

	var (
		finalText string
		toolsUsed []ToolUse
	)
	for round := 0; round < maxToolRounds; round++ {
		start := time.Now()
		text, calls, err := a.provider.Generate(ctx, messages, a.registry.List())
		a.metrics.RecordLLMRequest(ctx, time.Since(start), err)
		if err != nil {
			return nil, err
		}

		finalText = text
		if len(calls) == 0 {
			break
		}

		// Echo the assistant turn with its tool calls, then feed the
		// results back for the next round.
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		results, used := a.executeToolCalls(ctx, deps, calls)
		messages = append(messages, results...)
		toolsUsed = append(toolsUsed, used...)
	}

	a.persistUserMessage(ctx, req.TenantID, sess.ID, req.Message)
	a.persistAssistantMessage(ctx, req.TenantID, sess.ID, finalText, map[string]any{
		"streamed":   false,
		"tool_calls": len(toolsUsed),
	})

	a.logger.Info("chat turn complete",
		slog.String("session_id", sess.ID),
		slog.Int("tools_used", len(toolsUsed)))

	if toolsUsed == nil {
		toolsUsed = []ToolUse{}
	}
	return &Response{
		Message:   finalText,
		SessionID: sess.ID,
		ToolsUsed: toolsUsed,
		Metadata:  req.Metadata,
	}, nil
}
