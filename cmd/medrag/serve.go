package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/tandemhealth/medrag/pkg/agent"
	"github.com/tandemhealth/medrag/pkg/cache"
	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/embedder"
	"github.com/tandemhealth/medrag/pkg/graphstore"
	"github.com/tandemhealth/medrag/pkg/llm"
	"github.com/tandemhealth/medrag/pkg/logger"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/server"
	"github.com/tandemhealth/medrag/pkg/tenant"
	"github.com/tandemhealth/medrag/pkg/tools"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host string `help:"Bind host (overrides APP_HOST)."`
	Port int    `help:"Bind port (overrides APP_PORT)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if c.Host != "" {
		cfg.App.Host = c.Host
	}
	if c.Port != 0 {
		cfg.App.Port = c.Port
	}
	if err := cfg.App.Validate(); err != nil {
		return err
	}
	if err := cfg.Embedding.Validate(); err != nil {
		return err
	}
	if err := cfg.LLM.Validate(); err != nil {
		return err
	}

	log := logger.GetLogger()

	metrics, err := observability.InitMetrics(ctx, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	chunks, err := chunkstore.New(&cfg.Database, cfg.Embedding.Dimension, log)
	if err != nil {
		return fmt.Errorf("chunk store: %w", err)
	}
	defer chunks.Close()
	chunks.WithMetrics(metrics)

	// The graph store is optional at serve time; graph tools degrade
	// to empty results when it is absent.
	var graph *graphstore.Store
	if cfg.Graph.URI != "" {
		graph, err = graphstore.New(ctx, &cfg.Graph, log)
		if err != nil {
			log.Warn("graph store unavailable, graph tools disabled",
				slog.String("error", err.Error()))
			graph = nil
		} else {
			defer graph.Close(context.Background())
		}
	}

	resultCache := cache.New(ctx, &cfg.Cache, metrics, log)
	defer resultCache.Close()

	embed, err := embedder.New(&cfg.Embedding)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	defer embed.Close()

	provider, err := llm.New(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	defer provider.Close()

	toolkit := tools.New(chunks, graph, embed, resultCache, metrics, log)
	registry, err := tools.NewRegistry(toolkit, metrics)
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}

	var devTenant tenant.ID
	if cfg.Agent.DevTenantUUID != "" {
		devTenant, err = tenant.Parse(cfg.Agent.DevTenantUUID)
		if err != nil {
			return fmt.Errorf("DEV_TENANT_UUID: %w", err)
		}
	}
	resolver := tenant.NewResolver(cfg.App.IsProduction(), devTenant, log)

	ag := agent.New(cfg.Agent, chunks, registry, provider, metrics, log)

	srv, err := server.New(server.Options{
		App:      cfg.App,
		Agent:    ag,
		Toolkit:  toolkit,
		Chunks:   chunks,
		Graph:    graph,
		Cache:    resultCache,
		Resolver: resolver,
		Metrics:  metrics,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.App.Port {
		go serveMetrics(ctx, cfg.Metrics.Port, log)
	}

	log.Info("starting medrag",
		slog.String("env", cfg.App.Env),
		slog.String("addr", srv.Addr()),
		slog.Bool("graph", graph != nil),
		slog.Bool("cache", resultCache.Enabled()))

	return srv.Run(ctx)
}

// serveMetrics exposes /metrics on its own port when configured apart
// from the application port.
func serveMetrics(ctx context.Context, port int, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Info("metrics listening", slog.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", slog.String("error", err.Error()))
	}
}
