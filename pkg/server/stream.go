package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleChatStream runs a streaming chat turn as Server-Sent Events.
// Each agent event becomes one `data:` frame; the stream ends after
// the terminal event. Validation failures are plain JSON errors
// before any SSE byte is written.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.agentRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	events, err := s.opts.Agent.ChatStream(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		frame, err := json.Marshal(ev)
		if err != nil {
			// Events are plain structs; a marshal failure here means a
			// bug, not bad input. Drop the frame and keep the stream.
			s.log.Error("failed to marshal stream event")
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			// Client went away. The agent notices via the request
			// context; just stop writing.
			return
		}
		flusher.Flush()
	}
}
