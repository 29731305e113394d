package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tandemhealth/medrag/pkg/llm"
	"github.com/tandemhealth/medrag/pkg/medrag"
)

// Event types, in stream order: session, text*, tools?, end. An
// error event may appear once and terminates the stream.
const (
	EventSession = "session"
	EventText    = "text"
	EventTools   = "tools"
	EventEnd     = "end"
	EventError   = "error"
)

// Event is one SSE frame payload.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Tools     []ToolUse `json:"tools,omitempty"`
}

// eventBuffer bounds the producer; a slow client applies backpressure
// to token generation instead of growing memory.
const eventBuffer = 64

// ChatStream runs one streaming turn. Events arrive on the returned
// channel in the documented order; the channel closes after the
// terminal event. SessionBusy and validation errors return
// immediately instead of producing a stream.
func (a *Agent) ChatStream(ctx context.Context, req Request) (<-chan Event, error) {
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

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		defer release()
		a.runStream(ctx, req, sess.ID, events)
	}()

	return events, nil
}

func (a *Agent) runStream(ctx context.Context, req Request, sessionID string, events chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventSession, SessionID: sessionID}) {
		return
	}

	// The user message lands before any token is generated so an
	// aborted run still shows the question.
	a.persistUserMessage(ctx, req.TenantID, sessionID, req.Message)

	deps := Dependencies{
		SessionID:   sessionID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Preferences: preferencesFor(req.SearchType, 10),
	}

	messages := a.buildMessages(ctx, req.TenantID, sessionID, req.Message)

	var (
		accumulated strings.Builder
		toolsUsed   []ToolUse
	)

	finish := func(aborted bool, errText string) {
		meta := map[string]any{
			"streamed":   true,
			"tool_calls": len(toolsUsed),
		}
		if aborted {
			meta["aborted"] = true
		}
		// Persist whatever assistant content accumulated, even on
		// abort or stream failure. A canceled request context can no
		// longer carry the write.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		a.persistAssistantMessage(persistCtx, req.TenantID, sessionID, accumulated.String(), meta)

		if errText != "" {
			emit(Event{Type: EventError, Content: errText})
			return
		}
		if !aborted {
			if len(toolsUsed) > 0 {
				if !emit(Event{Type: EventTools, Tools: toolsUsed}) {
					return
				}
			}
			emit(Event{Type: EventEnd})
		}
	}

	for round := 0; round < maxToolRounds; round++ {
		start := time.Now()
		stream, err := a.provider.GenerateStreaming(ctx, messages, a.registry.List())
		if err != nil {
			a.metrics.RecordLLMRequest(ctx, time.Since(start), err)
			finish(false, err.Error())
			return
		}

		var (
			calls []llm.ToolCall
			done  bool
		)
		for chunk := range stream {
			switch chunk.Type {
			case llm.ChunkText:
				accumulated.WriteString(chunk.Text)
				if !emit(Event{Type: EventText, Content: chunk.Text}) {
					finish(true, "")
					return
				}
			case llm.ChunkToolCall:
				calls = append(calls, *chunk.ToolCall)
			case llm.ChunkDone:
				done = true
			}
		}
		a.metrics.RecordLLMRequest(ctx, time.Since(start), nil)

		if ctx.Err() != nil {
			finish(true, "")
			return
		}
		if !done {
			// Stream closed without a terminal chunk: provider-side
			// failure mid-generation.
			finish(false, "model stream terminated unexpectedly")
			return
		}
		if len(calls) == 0 {
			finish(false, "")
			return
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   "",
			ToolCalls: calls,
		})
		results, used := a.executeToolCalls(ctx, deps, calls)
		messages = append(messages, results...)
		toolsUsed = append(toolsUsed, used...)
	}

	a.logger.Warn("tool round limit reached",
		slog.String("session_id", sessionID))
	finish(false, "")
}
