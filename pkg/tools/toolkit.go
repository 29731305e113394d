// Package tools exposes the retrieval operations the agent can call:
// vector, hybrid, and graph search, document reads, and entity
// neighborhood and timeline queries. Every tool validates the tenant,
// caches through the result cache, and degrades backend failures to
// empty results so one unavailable store never kills a conversation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tandemhealth/medrag/pkg/cache"
	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/embedder"
	"github.com/tandemhealth/medrag/pkg/graphstore"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

const (
	defaultSearchLimit = 10
	defaultTextWeight  = 0.3
)

// Toolkit holds the backend handles shared by every tool.
type Toolkit struct {
	chunks  *chunkstore.Store
	graph   *graphstore.Store
	embed   embedder.Provider
	cache   *cache.Cache
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds the toolkit. graph may be nil when the graph store is
// not configured; graph tools then return empty results.
func New(chunks *chunkstore.Store, graph *graphstore.Store, embed embedder.Provider, c *cache.Cache, metrics *observability.Metrics, logger *slog.Logger) *Toolkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{chunks: chunks, graph: graph, embed: embed, cache: c, metrics: metrics, logger: logger}
}

// DocumentResult is a document with its ordered chunks.
type DocumentResult struct {
	Document *chunkstore.Document `json:"document"`
	Chunks   []chunkstore.Chunk   `json:"chunks"`
}

// RelationshipResult is the neighborhood around a central entity.
type RelationshipResult struct {
	CentralEntity string                     `json:"central_entity"`
	Related       []graphstore.RelatedEntity `json:"related_entities"`
	Depth         int                        `json:"depth"`
}

// ComprehensiveResult merges vector and graph hits for one query.
type ComprehensiveResult struct {
	VectorResults []chunkstore.SearchResult `json:"vector_results"`
	GraphResults  []graphstore.FactResult   `json:"graph_results"`
	TotalResults  int                       `json:"total_results"`
}

// embedQuery returns the dense vector for text, cache-through with
// the embedding family keyed by (tenant, text).
func (t *Toolkit) embedQuery(ctx context.Context, tenantID tenant.ID, text string) ([]float32, error) {
	key, err := cache.Key(cache.Embeddings, tenantID, text)
	if err == nil {
		var cached []float32
		if t.cache.Get(ctx, cache.Embeddings, key, &cached) && len(cached) == t.embed.Dimension() {
			return cached, nil
		}
	}

	start := time.Now()
	vec, embedErr := t.embed.Embed(ctx, text)
	t.metrics.RecordEmbedding(ctx, time.Since(start), embedErr)
	if embedErr != nil {
		return nil, embedErr
	}

	if err == nil {
		t.cache.Set(ctx, cache.Embeddings, key, vec)
	}
	return vec, nil
}

// degrade decides whether a tool error propagates or collapses into
// an empty result. Bad input always propagates; backend trouble is
// logged and swallowed so the agent can keep answering.
func (t *Toolkit) degrade(ctx context.Context, tool string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, medrag.ErrInvalidTenant) || errors.Is(err, medrag.ErrInvalidArgument) {
		return err
	}
	t.logger.Error("tool backend failure, returning empty result",
		slog.String("tool", tool),
		slog.String("error", err.Error()))
	return nil
}

// VectorSearch embeds the query and returns nearest chunks.
func (t *Toolkit) VectorSearch(ctx context.Context, tenantID tenant.ID, query string, limit int) ([]chunkstore.SearchResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	start := time.Now()
	defer func() { t.metrics.RecordSearch(ctx, "vector", time.Since(start)) }()

	payload := map[string]any{"query": query, "limit": limit}
	key, keyErr := cache.Key(cache.VectorResults, tenantID, payload)
	if keyErr == nil {
		var cached []chunkstore.SearchResult
		if t.cache.Get(ctx, cache.VectorResults, key, &cached) {
			return cached, nil
		}
	}

	vec, err := t.embedQuery(ctx, tenantID, query)
	if err != nil {
		return []chunkstore.SearchResult{}, t.degrade(ctx, "vector_search", err)
	}

	results, err := t.chunks.VectorSearch(ctx, tenantID, vec, limit)
	if err != nil {
		return []chunkstore.SearchResult{}, t.degrade(ctx, "vector_search", err)
	}
	if results == nil {
		results = []chunkstore.SearchResult{}
	}

	if keyErr == nil {
		t.cache.Set(ctx, cache.VectorResults, key, results)
	}
	return results, nil
}

// HybridSearch combines vector similarity with lexical rank.
func (t *Toolkit) HybridSearch(ctx context.Context, tenantID tenant.ID, query string, limit int, textWeight float64) ([]chunkstore.SearchResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if textWeight < 0 || textWeight > 1 {
		return nil, fmt.Errorf("%w: text_weight %.3f outside [0, 1]", medrag.ErrInvalidArgument, textWeight)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	start := time.Now()
	defer func() { t.metrics.RecordSearch(ctx, "hybrid", time.Since(start)) }()

	payload := map[string]any{"query": query, "limit": limit, "text_weight": textWeight}
	key, keyErr := cache.Key(cache.HybridResults, tenantID, payload)
	if keyErr == nil {
		var cached []chunkstore.SearchResult
		if t.cache.Get(ctx, cache.HybridResults, key, &cached) {
			return cached, nil
		}
	}

	vec, err := t.embedQuery(ctx, tenantID, query)
	if err != nil {
		return []chunkstore.SearchResult{}, t.degrade(ctx, "hybrid_search", err)
	}

	results, err := t.chunks.HybridSearch(ctx, tenantID, vec, query, limit, textWeight)
	if err != nil {
		return []chunkstore.SearchResult{}, t.degrade(ctx, "hybrid_search", err)
	}
	if results == nil {
		results = []chunkstore.SearchResult{}
	}

	if keyErr == nil {
		t.cache.Set(ctx, cache.HybridResults, key, results)
	}
	return results, nil
}

// GraphSearch matches the query against episode bodies.
func (t *Toolkit) GraphSearch(ctx context.Context, tenantID tenant.ID, query string) ([]graphstore.FactResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if t.graph == nil {
		return []graphstore.FactResult{}, nil
	}

	start := time.Now()
	defer func() { t.metrics.RecordSearch(ctx, "graph", time.Since(start)) }()

	key, keyErr := cache.Key(cache.GraphResults, tenantID, query)
	if keyErr == nil {
		var cached []graphstore.FactResult
		if t.cache.Get(ctx, cache.GraphResults, key, &cached) {
			return cached, nil
		}
	}

	facts, err := t.graph.Search(ctx, tenantID, query)
	if err != nil {
		return []graphstore.FactResult{}, t.degrade(ctx, "graph_search", err)
	}
	if facts == nil {
		facts = []graphstore.FactResult{}
	}

	if keyErr == nil {
		t.cache.Set(ctx, cache.GraphResults, key, facts)
	}
	return facts, nil
}

// GetDocument returns the document with its chunks, or nil when it
// does not exist for this tenant.
func (t *Toolkit) GetDocument(ctx context.Context, tenantID tenant.ID, documentID string) (*DocumentResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if documentID == "" {
		return nil, fmt.Errorf("%w: document_id is required", medrag.ErrInvalidArgument)
	}

	key, keyErr := cache.Key(cache.Documents, tenantID, documentID)
	if keyErr == nil {
		var cached DocumentResult
		if t.cache.Get(ctx, cache.Documents, key, &cached) {
			return &cached, nil
		}
	}

	doc, err := t.chunks.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, t.degrade(ctx, "get_document", err)
	}
	if doc == nil {
		return nil, nil
	}

	chunks, err := t.chunks.GetDocumentChunks(ctx, tenantID, documentID)
	if err != nil {
		return nil, t.degrade(ctx, "get_document", err)
	}

	result := &DocumentResult{Document: doc, Chunks: chunks}
	if keyErr == nil {
		t.cache.Set(ctx, cache.Documents, key, result)
	}
	return result, nil
}

// ListDocuments returns document summaries for the tenant.
func (t *Toolkit) ListDocuments(ctx context.Context, tenantID tenant.ID, limit, offset int) ([]chunkstore.Document, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	docs, err := t.chunks.ListDocuments(ctx, tenantID, limit, offset)
	if err != nil {
		return []chunkstore.Document{}, t.degrade(ctx, "list_documents", err)
	}
	if docs == nil {
		docs = []chunkstore.Document{}
	}
	return docs, nil
}

// EntityRelationships returns the CO_OCCURS neighborhood around the
// named entity, depth clamped to [1, 3].
func (t *Toolkit) EntityRelationships(ctx context.Context, tenantID tenant.ID, entityName string, depth int) (*RelationshipResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if entityName == "" {
		return nil, fmt.Errorf("%w: entity_name is required", medrag.ErrInvalidArgument)
	}
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}

	result := &RelationshipResult{CentralEntity: entityName, Depth: depth, Related: []graphstore.RelatedEntity{}}
	if t.graph == nil {
		return result, nil
	}

	related, err := t.graph.RelatedEntities(ctx, tenantID, entityName, depth)
	if err != nil {
		return result, t.degrade(ctx, "get_entity_relationships", err)
	}
	if related != nil {
		result.Related = related
	}
	return result, nil
}

// EntityTimeline returns episodes mentioning the entity, newest
// first, optionally bounded by dates.
func (t *Toolkit) EntityTimeline(ctx context.Context, tenantID tenant.ID, entityName string, start, end *time.Time) ([]graphstore.TimelineEntry, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if entityName == "" {
		return nil, fmt.Errorf("%w: entity_name is required", medrag.ErrInvalidArgument)
	}
	if t.graph == nil {
		return []graphstore.TimelineEntry{}, nil
	}

	entries, err := t.graph.Timeline(ctx, tenantID, entityName, start, end)
	if err != nil {
		return []graphstore.TimelineEntry{}, t.degrade(ctx, "get_entity_timeline", err)
	}
	if entries == nil {
		entries = []graphstore.TimelineEntry{}
	}
	return entries, nil
}

// ComprehensiveSearch fans out the enabled searches concurrently and
// merges the results. A failing branch contributes an empty slice;
// the other branch still returns.
func (t *Toolkit) ComprehensiveSearch(ctx context.Context, tenantID tenant.ID, query string, useVector, useGraph bool, limit int) (*ComprehensiveResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	result := &ComprehensiveResult{
		VectorResults: []chunkstore.SearchResult{},
		GraphResults:  []graphstore.FactResult{},
	}

	g, gctx := errgroup.WithContext(ctx)
	if useVector {
		g.Go(func() error {
			hits, err := t.VectorSearch(gctx, tenantID, query, limit)
			if err != nil {
				return err
			}
			result.VectorResults = hits
			return nil
		})
	}
	if useGraph {
		g.Go(func() error {
			facts, err := t.GraphSearch(gctx, tenantID, query)
			if err != nil {
				return err
			}
			result.GraphResults = facts
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Only InvalidTenant/InvalidArgument survive the branch
		// degrade above, and those abort the whole search.
		return nil, err
	}

	result.TotalResults = len(result.VectorResults) + len(result.GraphResults)
	return result, nil
}
