// Package server exposes the HTTP surface: chat (plain and SSE),
// search, document and session reads, health, and metrics. Handlers
// hold explicit backend handles; nothing ambient, tenant always
// resolved per request.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tandemhealth/medrag/pkg/agent"
	"github.com/tandemhealth/medrag/pkg/cache"
	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/graphstore"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/tenant"
	"github.com/tandemhealth/medrag/pkg/tools"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second

	// maxDocumentPageSize caps the documents listing page.
	maxDocumentPageSize = 100
)

// Options carries everything the server needs. Graph and metrics may
// be nil; cache may be disabled.
type Options struct {
	App      config.AppConfig
	Agent    *agent.Agent
	Toolkit  *tools.Toolkit
	Chunks   *chunkstore.Store
	Graph    *graphstore.Store
	Cache    *cache.Cache
	Resolver *tenant.Resolver
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	opts Options
	log  *slog.Logger
	http *http.Server
}

// New validates the wiring and builds the server with its routes.
func New(opts Options) (*Server, error) {
	if opts.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if opts.Toolkit == nil {
		return nil, fmt.Errorf("toolkit is required")
	}
	if opts.Chunks == nil {
		return nil, fmt.Errorf("chunk store is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("tenant resolver is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{opts: opts, log: opts.Logger}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.App.Host, opts.App.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Addr returns the configured bind address.
func (s *Server) Addr() string { return s.http.Addr }

// Run serves until ctx is canceled, then drains in-flight requests
// within the shutdown deadline. A bind failure returns immediately.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
