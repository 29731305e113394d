package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tandemhealth/medrag/pkg/medrag"
)

// errorBody is the envelope for every non-2xx JSON response.
type errorBody struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	RequestID string `json:"request_id,omitempty"`
}

// classify maps the error taxonomy onto HTTP status and a stable
// error_type string. Unknown errors are internal.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, medrag.ErrInvalidTenant):
		return http.StatusUnprocessableEntity, "invalid_tenant"
	case errors.Is(err, medrag.ErrTenantRequired):
		return http.StatusUnprocessableEntity, "tenant_required"
	case errors.Is(err, medrag.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, "invalid_argument"
	case errors.Is(err, medrag.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, medrag.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, medrag.ErrResourceExhausted):
		return http.StatusTooManyRequests, "resource_exhausted"
	}

	var llmErr *medrag.LLMError
	if errors.As(err, &llmErr) {
		return http.StatusInternalServerError, "llm_error"
	}
	var backendErr *medrag.BackendError
	if errors.As(err, &backendErr) {
		return http.StatusInternalServerError, "backend_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	requestID := middleware.GetReqID(r.Context())

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		// Internal details stay in the log.
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, ErrorType: kind, RequestID: requestID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
