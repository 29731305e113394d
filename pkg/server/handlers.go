package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tandemhealth/medrag/pkg/agent"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// tenantHeader carries the tenant when the body has none (GET
// endpoints, gateway-injected auth context).
const tenantHeader = "X-Tenant-ID"

// resolveTenant prefers the body value, falls back to the header, and
// lets the resolver apply the development default outside production.
func (s *Server) resolveTenant(r *http.Request, bodyValue string) (tenant.ID, error) {
	value := bodyValue
	if value == "" {
		value = r.Header.Get(tenantHeader)
	}
	return s.opts.Resolver.Effective(value)
}

func decodeJSON(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", medrag.ErrInvalidArgument, err)
	}
	return nil
}

type chatRequest struct {
	Message    string         `json:"message"`
	SessionID  string         `json:"session_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SearchType string         `json:"search_type,omitempty"`
}

func (s *Server) agentRequest(r *http.Request) (agent.Request, error) {
	var body chatRequest
	if err := decodeJSON(r, &body); err != nil {
		return agent.Request{}, err
	}
	tenantID, err := s.resolveTenant(r, body.TenantID)
	if err != nil {
		return agent.Request{}, err
	}
	return agent.Request{
		Message:    body.Message,
		SessionID:  body.SessionID,
		UserID:     body.UserID,
		SearchType: body.SearchType,
		Metadata:   body.Metadata,
		TenantID:   tenantID,
	}, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.agentRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.opts.Agent.Chat(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query      string   `json:"query"`
	TenantID   string   `json:"tenant_id,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	TextWeight *float64 `json:"text_weight,omitempty"`
}

type searchResponse struct {
	Results      any    `json:"results,omitempty"`
	GraphResults any    `json:"graph_results,omitempty"`
	TotalResults int    `json:"total_results"`
	SearchType   string `json:"search_type"`
	QueryTimeMs  int64  `json:"query_time_ms"`
}

func (s *Server) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenantID, err := s.resolveTenant(r, body.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	start := time.Now()
	results, err := s.opts.Toolkit.VectorSearch(r.Context(), tenantID, body.Query, body.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Results:      results,
		TotalResults: len(results),
		SearchType:   "vector",
		QueryTimeMs:  time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenantID, err := s.resolveTenant(r, body.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	textWeight := 0.3
	if body.TextWeight != nil {
		textWeight = *body.TextWeight
	}

	start := time.Now()
	results, err := s.opts.Toolkit.HybridSearch(r.Context(), tenantID, body.Query, body.Limit, textWeight)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Results:      results,
		TotalResults: len(results),
		SearchType:   "hybrid",
		QueryTimeMs:  time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleGraphSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenantID, err := s.resolveTenant(r, body.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	start := time.Now()
	results, err := s.opts.Toolkit.GraphSearch(r.Context(), tenantID, body.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		GraphResults: results,
		TotalResults: len(results),
		SearchType:   "graph",
		QueryTimeMs:  time.Since(start).Milliseconds(),
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenant(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := min(queryInt(r, "limit", 20), maxDocumentPageSize)
	offset := queryInt(r, "offset", 0)

	docs, err := s.opts.Toolkit.ListDocuments(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenant(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	doc, err := s.opts.Toolkit.GetDocument(r.Context(), tenantID, chi.URLParam(r, "document_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if doc == nil {
		s.writeError(w, r, fmt.Errorf("document: %w", medrag.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenant(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.opts.Chunks.GetSession(r.Context(), tenantID, chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
