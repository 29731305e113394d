// Package ingest turns a folder of rehabilitation documents into
// tenant-tagged chunks, embeddings, and graph episodes. The pipeline
// is incremental: unchanged files are skipped, changed or failed
// files are cleaned up and re-ingested, and partially failed files
// are resumed at section granularity.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tandemhealth/medrag/pkg/chunking"
	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/embedder"
	"github.com/tandemhealth/medrag/pkg/extraction"
	"github.com/tandemhealth/medrag/pkg/graphstore"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/tenant"
	"github.com/tandemhealth/medrag/pkg/tracker"
)

// Options controls one pipeline run.
type Options struct {
	Root              string
	TenantSlug        string
	CleanBeforeIngest bool
	SkipGraphBuilding bool
}

// Summary aggregates the outcome of one run.
type Summary struct {
	FilesScanned    int `json:"files_scanned"`
	FilesSkipped    int `json:"files_skipped"`
	FilesCompleted  int `json:"files_completed"`
	FilesPartial    int `json:"files_partial"`
	FilesFailed     int `json:"files_failed"`
	ChunksCreated   int `json:"chunks_created"`
	EntitiesStored  int `json:"entities_stored"`
	EpisodesCreated int `json:"episodes_created"`
}

// DocumentStore is the slice of the chunk store the pipeline writes
// through.
type DocumentStore interface {
	EnsureTenant(ctx context.Context, slug string) (tenant.ID, error)
	InsertDocument(ctx context.Context, tenantID tenant.ID, doc *chunkstore.Document, chunks []chunkstore.Chunk) error
	DeleteSectionDocuments(ctx context.Context, tenantID tenant.ID, source string, position int) (int64, error)
}

// StatusTracker records scan decisions and per-file and per-section
// progress.
type StatusTracker interface {
	Scan(ctx context.Context, root string, tenantID tenant.ID) ([]tracker.ScanResult, error)
	GetStatus(ctx context.Context, tenantID tenant.ID, filePath string) (*tracker.IngestionStatus, error)
	CreateOrUpdateStatus(ctx context.Context, tenantID tenant.ID, scan tracker.ScanResult, state string) (string, error)
	UpdateStatus(ctx context.Context, id string, fields map[string]any) error
	CleanupIncomplete(ctx context.Context, tenantID tenant.ID, filePath string) (int64, error)
	TrackSection(ctx context.Context, statusID string, position int, sectionType string) (string, error)
	UpdateSectionStatus(ctx context.Context, sectionID, state string, chunksCreated, entitiesExtracted int, errorMessage string) error
	GetFailedSections(ctx context.Context, statusID string) ([]tracker.SectionStatus, error)
	CleanupFailedSections(ctx context.Context, statusID string) (int64, error)
}

// GraphWriter mirrors stored chunks into the knowledge graph.
type GraphWriter interface {
	AddEpisode(ctx context.Context, tenantID tenant.ID, episodeID, content, source string, referenceTime time.Time, metadata map[string]any) error
	StoreEntities(ctx context.Context, tenantID tenant.ID, entities []extraction.Entity, documentTitle string) (graphstore.StoreEntitiesResult, error)
	CreateMentionedIn(ctx context.Context, tenantID tenant.ID, entities []extraction.Entity, episodeID string) error
	CreateCooccurrence(ctx context.Context, tenantID tenant.ID, entities []extraction.Entity) error
	DeleteSectionEpisodes(ctx context.Context, tenantID tenant.ID, source, documentTitle string) error
}

// Pipeline wires the ingestion components together.
type Pipeline struct {
	cfg       config.IngestConfig
	chunks    DocumentStore
	graph     GraphWriter
	embed     embedder.Provider
	track     StatusTracker
	chunker   chunking.Chunker
	extractor *extraction.Extractor
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New builds the pipeline. graph may be nil; graph building is then
// skipped regardless of options.
func New(cfg config.IngestConfig, chunks DocumentStore, graph GraphWriter, embed embedder.Provider, track StatusTracker, chunker chunking.Chunker, extractor *extraction.Extractor, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		chunks:    chunks,
		graph:     graph,
		embed:     embed,
		track:     track,
		chunker:   chunker,
		extractor: extractor,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run scans the root and processes every file that needs work. Files
// run in parallel up to the configured bound; sections within a file
// run sequentially.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Summary, error) {
	tenantID, err := p.chunks.EnsureTenant(ctx, opts.TenantSlug)
	if err != nil {
		return nil, err
	}

	scans, err := p.track.Scan(ctx, opts.Root, tenantID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{FilesScanned: len(scans)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, scan := range scans {
		g.Go(func() error {
			outcome := p.processFile(gctx, tenantID, scan, opts)

			mu.Lock()
			defer mu.Unlock()
			summary.ChunksCreated += outcome.chunks
			summary.EntitiesStored += outcome.entities
			summary.EpisodesCreated += outcome.episodes
			switch outcome.state {
			case "skipped":
				summary.FilesSkipped++
			case tracker.StateCompleted:
				summary.FilesCompleted++
			case tracker.StatePartial:
				summary.FilesPartial++
			default:
				summary.FilesFailed++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	p.logger.Info("ingestion run finished",
		slog.String("tenant_slug", opts.TenantSlug),
		slog.Int("scanned", summary.FilesScanned),
		slog.Int("completed", summary.FilesCompleted),
		slog.Int("partial", summary.FilesPartial),
		slog.Int("failed", summary.FilesFailed),
		slog.Int("skipped", summary.FilesSkipped))

	return summary, nil
}

type fileOutcome struct {
	state    string
	chunks   int
	entities int
	episodes int
}

func (p *Pipeline) processFile(ctx context.Context, tenantID tenant.ID, scan tracker.ScanResult, opts Options) fileOutcome {
	log := p.logger.With(slog.String("file", scan.FilePath))

	if scan.Action == tracker.ActionSkip && !opts.CleanBeforeIngest {
		p.metrics.RecordIngestFile(ctx, "skipped")
		return fileOutcome{state: "skipped"}
	}

	prior, err := p.track.GetStatus(ctx, tenantID, scan.FilePath)
	if err != nil {
		log.Error("failed to load prior status", slog.String("error", err.Error()))
		return fileOutcome{state: tracker.StateFailed}
	}

	// A partial file resumes its failed sections; everything else
	// that needs re-ingest gets a full cleanup first.
	resume := !opts.CleanBeforeIngest &&
		prior != nil && prior.State == tracker.StatePartial &&
		prior.ContentHash == scan.ContentHash && prior.FileSize == scan.Size

	statusID, err := p.track.CreateOrUpdateStatus(ctx, tenantID, scan, tracker.StateProcessing)
	if err != nil {
		log.Error("failed to update status", slog.String("error", err.Error()))
		return fileOutcome{state: tracker.StateFailed}
	}

	needsCleanup := opts.CleanBeforeIngest || (scan.Action == tracker.ActionReingest && !resume)
	if needsCleanup {
		if _, err := p.track.CleanupIncomplete(ctx, tenantID, scan.FilePath); err != nil {
			p.failFile(ctx, statusID, log, fmt.Errorf("cleanup failed: %w", err))
			return fileOutcome{state: tracker.StateFailed}
		}
	}

	var outcome fileOutcome
	if scan.Size > p.cfg.StreamingThresholdBytes {
		outcome = p.processStreaming(ctx, tenantID, scan, statusID, opts, resume, log)
	} else {
		outcome = p.processWhole(ctx, tenantID, scan, statusID, opts, log)
	}

	p.metrics.RecordIngestFile(ctx, outcome.state)
	return outcome
}

func (p *Pipeline) failFile(ctx context.Context, statusID string, log *slog.Logger, err error) {
	log.Error("file ingestion failed", slog.String("error", err.Error()))
	_ = p.track.UpdateStatus(ctx, statusID, map[string]any{
		"state":         tracker.StateFailed,
		"error_message": err.Error(),
	})
}

// processWhole is the standard path: one document, all chunks in one
// atomic insert, then graph build.
func (p *Pipeline) processWhole(ctx context.Context, tenantID tenant.ID, scan tracker.ScanResult, statusID string, opts Options, log *slog.Logger) fileOutcome {
	title, content, err := ReadDocument(scan.FilePath)
	if err != nil {
		p.failFile(ctx, statusID, log, err)
		return fileOutcome{state: tracker.StateFailed}
	}

	baseMeta := map[string]any{
		"source":            scan.FilePath,
		"category":          scan.Category,
		"category_order":    scan.Order,
		"citation_priority": tracker.CalculateCitationPriority(scan.Category, scan.Order),
	}
	chunks, err := p.chunker.Chunk(content, baseMeta)
	if err != nil {
		p.failFile(ctx, statusID, log, fmt.Errorf("chunking failed: %w", err))
		return fileOutcome{state: tracker.StateFailed}
	}

	_ = p.track.UpdateStatus(ctx, statusID, map[string]any{"chunks_expected": len(chunks)})

	doc := &chunkstore.Document{
		Title:    title,
		Source:   scan.FilePath,
		Content:  content,
		Metadata: baseMeta,
	}
	stored, err := p.embedAndStore(ctx, tenantID, doc, chunks)
	if err != nil {
		p.failFile(ctx, statusID, log, err)
		return fileOutcome{state: tracker.StateFailed}
	}

	outcome := fileOutcome{state: tracker.StateCompleted, chunks: len(stored)}
	if p.graph != nil && !opts.SkipGraphBuilding {
		entities, episodes, graphErr := p.buildGraph(ctx, tenantID, doc, stored)
		outcome.entities = entities
		outcome.episodes = episodes
		if graphErr != nil {
			p.failFile(ctx, statusID, log, fmt.Errorf("graph build failed: %w", graphErr))
			outcome.state = tracker.StateFailed
			return outcome
		}
	}

	now := time.Now().UTC()
	_ = p.track.UpdateStatus(ctx, statusID, map[string]any{
		"state":                  tracker.StateCompleted,
		"chunks_created":         outcome.chunks,
		"entities_extracted":     outcome.entities,
		"episodes_created":       outcome.episodes,
		"ingestion_completed_at": now,
	})

	log.Info("file ingested",
		slog.Int("chunks", outcome.chunks),
		slog.Int("entities", outcome.entities))
	return outcome
}

// processStreaming handles files over the streaming threshold: each
// section is tracked, processed, and persisted independently, so one
// bad section leaves the file partial instead of failed.
func (p *Pipeline) processStreaming(ctx context.Context, tenantID tenant.ID, scan tracker.ScanResult, statusID string, opts Options, resume bool, log *slog.Logger) fileOutcome {
	title, content, err := ReadDocument(scan.FilePath)
	if err != nil {
		p.failFile(ctx, statusID, log, err)
		return fileOutcome{state: tracker.StateFailed}
	}

	sections := SplitSections(content, p.cfg.MaxSectionSize)

	// On resume only the previously failed positions are retried.
	retry := map[int]bool{}
	if resume {
		failed, err := p.track.GetFailedSections(ctx, statusID)
		if err != nil {
			p.failFile(ctx, statusID, log, err)
			return fileOutcome{state: tracker.StateFailed}
		}
		for _, s := range failed {
			retry[s.Position] = true
		}
		if _, err := p.track.CleanupFailedSections(ctx, statusID); err != nil {
			p.failFile(ctx, statusID, log, err)
			return fileOutcome{state: tracker.StateFailed}
		}
	}

	outcome := fileOutcome{}
	failedSections := 0

	for _, section := range sections {
		if ctx.Err() != nil {
			p.failFile(ctx, statusID, log, ctx.Err())
			outcome.state = tracker.StateFailed
			return outcome
		}
		if resume && !retry[section.Position] {
			continue
		}

		sectionStart := time.Now()
		sectionID, err := p.track.TrackSection(ctx, statusID, section.Position, section.Type)
		if err != nil {
			p.failFile(ctx, statusID, log, err)
			outcome.state = tracker.StateFailed
			return outcome
		}
		_ = p.track.UpdateSectionStatus(ctx, sectionID, tracker.StateProcessing, 0, 0, "")

		var chunks, entities int
		// A failed attempt may have committed its section document
		// before the graph build broke; retrying without removing it
		// would duplicate the section.
		if resume {
			err = p.cleanupSection(ctx, tenantID, scan, title, section.Position)
		}
		if err == nil {
			chunks, entities, err = p.processSection(ctx, tenantID, scan, title, section, opts)
		}
		if d := time.Since(sectionStart); d > p.cfg.SectionSoftTimeout {
			log.Warn("section exceeded soft timeout",
				slog.Int("position", section.Position),
				slog.Duration("took", d))
		}

		if err != nil {
			failedSections++
			p.metrics.RecordIngestSection(ctx, tracker.StateFailed)
			_ = p.track.UpdateSectionStatus(ctx, sectionID, tracker.StateFailed, 0, 0, err.Error())
			log.Error("section failed",
				slog.Int("position", section.Position),
				slog.String("error", err.Error()))
			continue
		}

		p.metrics.RecordIngestSection(ctx, tracker.StateCompleted)
		_ = p.track.UpdateSectionStatus(ctx, sectionID, tracker.StateCompleted, chunks, entities, "")
		outcome.chunks += chunks
		outcome.entities += entities
		outcome.episodes += chunks
	}

	state := tracker.StateCompleted
	if failedSections > 0 {
		state = tracker.StatePartial
	}
	outcome.state = state

	now := time.Now().UTC()
	_ = p.track.UpdateStatus(ctx, statusID, map[string]any{
		"state":                  state,
		"chunks_created":         outcome.chunks,
		"entities_extracted":     outcome.entities,
		"episodes_created":       outcome.episodes,
		"ingestion_completed_at": now,
	})

	log.Info("file streamed",
		slog.Int("sections", len(sections)),
		slog.Int("failed_sections", failedSections),
		slog.String("state", state))
	return outcome
}

// sectionTitle names the per-section document of a streamed file.
func sectionTitle(title string, position int) string {
	return fmt.Sprintf("%s (section %d)", title, position)
}

// cleanupSection deletes whatever a previous attempt at this section
// persisted: the section document with its chunks, and the episodes
// built from it.
func (p *Pipeline) cleanupSection(ctx context.Context, tenantID tenant.ID, scan tracker.ScanResult, title string, position int) error {
	if _, err := p.chunks.DeleteSectionDocuments(ctx, tenantID, scan.FilePath, position); err != nil {
		return fmt.Errorf("section cleanup failed: %w", err)
	}
	if p.graph != nil {
		if err := p.graph.DeleteSectionEpisodes(ctx, tenantID, scan.FilePath, sectionTitle(title, position)); err != nil {
			return fmt.Errorf("section cleanup failed: %w", err)
		}
	}
	return nil
}

// processSection runs one section through chunker, embedding, store,
// and graph. Each section is persisted as its own document so section
// failures stay independent.
func (p *Pipeline) processSection(ctx context.Context, tenantID tenant.ID, scan tracker.ScanResult, title string, section Section, opts Options) (int, int, error) {
	baseMeta := map[string]any{
		"source":            scan.FilePath,
		"category":          scan.Category,
		"category_order":    scan.Order,
		"citation_priority": tracker.CalculateCitationPriority(scan.Category, scan.Order),
		"section_position":  section.Position,
		"section_type":      section.Type,
	}

	chunks, err := p.chunker.Chunk(section.Content, baseMeta)
	if err != nil {
		return 0, 0, fmt.Errorf("chunking failed: %w", err)
	}
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	doc := &chunkstore.Document{
		Title:    sectionTitle(title, section.Position),
		Source:   scan.FilePath,
		Content:  section.Content,
		Metadata: baseMeta,
	}
	stored, err := p.embedAndStore(ctx, tenantID, doc, chunks)
	if err != nil {
		return 0, 0, err
	}

	entityCount := 0
	if p.graph != nil && !opts.SkipGraphBuilding {
		entityCount, _, err = p.buildGraph(ctx, tenantID, doc, stored)
		if err != nil {
			return len(stored), entityCount, fmt.Errorf("graph build failed: %w", err)
		}
	}

	return len(stored), entityCount, nil
}

// embedAndStore embeds every chunk and persists the document
// atomically.
func (p *Pipeline) embedAndStore(ctx context.Context, tenantID tenant.ID, doc *chunkstore.Document, chunks []chunking.Chunk) ([]chunkstore.Chunk, error) {
	stored := make([]chunkstore.Chunk, len(chunks))
	for i, c := range chunks {
		start := time.Now()
		vec, err := p.embed.Embed(ctx, c.Content)
		p.metrics.RecordEmbedding(ctx, time.Since(start), err)
		if err != nil {
			return nil, fmt.Errorf("embedding chunk %d failed: %w", i, err)
		}

		stored[i] = chunkstore.Chunk{
			Index:      c.Index,
			Content:    c.Content,
			Embedding:  vec,
			Metadata:   c.Metadata,
			TokenCount: c.TokenCount,
		}
	}

	if err := p.chunks.InsertDocument(ctx, tenantID, doc, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// buildGraph mirrors each chunk as an episode, stores extracted
// entities, and links them. A delay between episode writes respects
// downstream rate limits.
func (p *Pipeline) buildGraph(ctx context.Context, tenantID tenant.ID, doc *chunkstore.Document, chunks []chunkstore.Chunk) (int, int, error) {
	entityTotal := 0
	episodes := 0

	for i, chunk := range chunks {
		if i > 0 && p.cfg.GraphWriteDelay > 0 {
			select {
			case <-ctx.Done():
				return entityTotal, episodes, ctx.Err()
			case <-time.After(p.cfg.GraphWriteDelay):
			}
		}

		episodeID := chunk.ID
		if episodeID == "" {
			episodeID = uuid.NewString()
		}

		err := p.graph.AddEpisode(ctx, tenantID, episodeID, chunk.Content, doc.Source, time.Now().UTC(), map[string]any{
			"document_title": doc.Title,
			"chunk_index":    chunk.Index,
		})
		if err != nil {
			return entityTotal, episodes, err
		}
		episodes++

		entities := p.extractor.Extract(chunk.Content, chunk.ID)
		if len(entities) == 0 {
			continue
		}

		result, err := p.graph.StoreEntities(ctx, tenantID, entities, doc.Title)
		if err != nil {
			return entityTotal, episodes, err
		}
		entityTotal += result.Created + result.Merged

		if err := p.graph.CreateMentionedIn(ctx, tenantID, entities, episodeID); err != nil {
			return entityTotal, episodes, err
		}
		if err := p.graph.CreateCooccurrence(ctx, tenantID, entities); err != nil {
			return entityTotal, episodes, err
		}
	}

	return entityTotal, episodes, nil
}

// Validate checks the run options before any work starts.
func (o *Options) Validate() error {
	if o.Root == "" {
		return errors.New("ingestion root folder is required")
	}
	info, err := os.Stat(o.Root)
	if err != nil {
		return fmt.Errorf("ingestion root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ingestion root %s is not a directory", o.Root)
	}
	if o.TenantSlug == "" {
		return errors.New("tenant slug is required")
	}
	return nil
}
