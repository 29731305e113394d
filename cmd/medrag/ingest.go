package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/tandemhealth/medrag/pkg/chunking"
	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/embedder"
	"github.com/tandemhealth/medrag/pkg/extraction"
	"github.com/tandemhealth/medrag/pkg/graphstore"
	"github.com/tandemhealth/medrag/pkg/ingest"
	"github.com/tandemhealth/medrag/pkg/logger"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/tracker"
)

// IngestCmd runs the document ingestion pipeline for one tenant.
type IngestCmd struct {
	Root        string `help:"Root folder containing documents." type:"path" required:""`
	Tenant      string `help:"Tenant slug to ingest under." required:""`
	Clean       bool   `help:"Delete previously ingested data for each file before re-ingesting."`
	SkipGraph   bool   `name:"skip-graph" help:"Skip knowledge graph building."`
	Concurrency int    `help:"Number of files processed in parallel."`
	Report      bool   `help:"Print ingestion and section recovery reports after the run." default:"true" negatable:""`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Embedding.Validate(); err != nil {
		return err
	}
	if c.Concurrency > 0 {
		cfg.Ingest.Concurrency = c.Concurrency
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

	// A nil *graphstore.Store must not become a non-nil GraphWriter;
	// the pipeline checks the interface against nil.
	var graphWriter ingest.GraphWriter
	if !c.SkipGraph {
		if err := cfg.Graph.Validate(); err != nil {
			return fmt.Errorf("graph store (use --skip-graph to ingest without it): %w", err)
		}
		graph, err := graphstore.New(ctx, &cfg.Graph, log)
		if err != nil {
			return fmt.Errorf("graph store: %w", err)
		}
		defer graph.Close(context.Background())
		graphWriter = graph
	}

	embed, err := embedder.New(&cfg.Embedding)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	defer embed.Close()

	chunker, err := chunking.NewChunker(chunking.DefaultChunkerConfig())
	if err != nil {
		return fmt.Errorf("chunker: %w", err)
	}

	extractor, err := extraction.NewExtractor()
	if err != nil {
		return fmt.Errorf("extractor: %w", err)
	}

	track := tracker.New(chunks, cfg.Ingest.StaleProcessingAfter, log)
	pipeline := ingest.New(cfg.Ingest, chunks, graphWriter, embed, track, chunker, extractor, metrics, log)

	summary, err := pipeline.Run(ctx, ingest.Options{
		Root:              c.Root,
		TenantSlug:        c.Tenant,
		CleanBeforeIngest: c.Clean,
		SkipGraphBuilding: c.SkipGraph,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Ingestion complete for tenant %q\n", c.Tenant)
	fmt.Printf("  files scanned:    %d\n", summary.FilesScanned)
	fmt.Printf("  files skipped:    %d\n", summary.FilesSkipped)
	fmt.Printf("  files completed:  %d\n", summary.FilesCompleted)
	fmt.Printf("  files partial:    %d\n", summary.FilesPartial)
	fmt.Printf("  files failed:     %d\n", summary.FilesFailed)
	fmt.Printf("  chunks created:   %d\n", summary.ChunksCreated)
	fmt.Printf("  entities stored:  %d\n", summary.EntitiesStored)
	fmt.Printf("  episodes created: %d\n", summary.EpisodesCreated)

	if !c.Report {
		return nil
	}

	tenantID, err := chunks.ResolveTenantSlug(ctx, c.Tenant)
	if err != nil {
		log.Warn("could not resolve tenant for reports", slog.String("error", err.Error()))
		return nil
	}

	if rows, err := track.IngestionReport(ctx, tenantID); err == nil && len(rows) > 0 {
		fmt.Println("\nIngestion report (category / state / count):")
		for _, row := range rows {
			fmt.Printf("  %-30s %-12s %d\n", row.Key, row.State, row.Count)
		}
	}

	if rows, err := track.SectionRecoveryReport(ctx, tenantID); err == nil && len(rows) > 0 {
		fmt.Println("\nSection recovery report (file / state / count):")
		for _, row := range rows {
			fmt.Printf("  %-50s %-12s %d\n", row.Key, row.State, row.Count)
		}
	}

	return nil
}
