package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tandemhealth/medrag/pkg/observability"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)

	r.Post("/search/vector", s.handleVectorSearch)
	r.Post("/search/hybrid", s.handleHybridSearch)
	r.Post("/search/graph", s.handleGraphSearch)

	r.Get("/documents", s.handleListDocuments)
	r.Get("/documents/{document_id}", s.handleGetDocument)
	r.Get("/sessions/{session_id}", s.handleGetSession)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Get("/status/database", s.handleDatabaseStatus)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
