package graphstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// truncateBody cuts content at the last sentence boundary below
// maxEpisodeBody and appends a marker. Returns the body and the
// original length when truncation happened, or (content, 0).
func truncateBody(content string) (string, int) {
	if len(content) <= maxEpisodeBody {
		return content, 0
	}

	cut := maxEpisodeBody
	if idx := strings.LastIndexAny(content[:maxEpisodeBody], ".!?"); idx > 0 {
		cut = idx + 1
	}
	return content[:cut] + " [TRUNCATED]", len(content)
}

// AddEpisode upserts the episode node keyed by episode_id within the
// tenant. Bodies over the limit are truncated at a sentence boundary
// with the original length recorded in metadata.
func (s *Store) AddEpisode(ctx context.Context, tenantID tenant.ID, episodeID, content, source string, referenceTime time.Time, metadata map[string]any) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if episodeID == "" {
		return fmt.Errorf("%w: episode id is required", medrag.ErrInvalidArgument)
	}

	body, originalLen := truncateBody(content)
	meta := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	if originalLen > 0 {
		meta["truncated"] = true
		meta["original_length"] = originalLen
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.run(ctx, `
MERGE (e:Episode {episode_id: $episode_id, tenant_id: $tenant_id})
SET e.content = $content,
    e.source = $source,
    e.reference_time = $reference_time
SET e += $metadata
`, map[string]any{
		"episode_id":     episodeID,
		"tenant_id":      tenantID.String(),
		"content":        body,
		"source":         source,
		"reference_time": referenceTime.UTC(),
		"metadata":       flattenMeta(meta),
	})
	if err != nil {
		return medrag.NewBackendError("graphstore", fmt.Errorf("failed to add episode %s: %w", episodeID, err))
	}

	return nil
}

// DeleteSectionEpisodes removes the episodes one section document
// produced, identified by the source file and the per-section document
// title carried in episode metadata. Section retries call this before
// rebuilding the graph for the section.
func (s *Store) DeleteSectionEpisodes(ctx context.Context, tenantID tenant.ID, source, documentTitle string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.run(ctx, `
MATCH (e:Episode {tenant_id: $tenant_id, source: $source})
WHERE e.document_title = $document_title
DETACH DELETE e
`, map[string]any{
		"tenant_id":      tenantID.String(),
		"source":         source,
		"document_title": documentTitle,
	})
	if err != nil {
		return medrag.NewBackendError("graphstore", fmt.Errorf("failed to delete section episodes: %w", err))
	}

	return nil
}

// Search does a case-insensitive substring match over episode bodies
// within the tenant, newest first, capped at the search limit.
func (s *Store) Search(ctx context.Context, tenantID tenant.ID, query string) ([]FactResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return []FactResult{}, nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := s.run(ctx, `
MATCH (e:Episode {tenant_id: $tenant_id})
WHERE toLower(e.content) CONTAINS toLower($query)
RETURN e.content AS fact, e.episode_id AS uuid, e.reference_time AS valid_at
ORDER BY e.reference_time DESC
LIMIT $limit
`, map[string]any{
		"tenant_id": tenantID.String(),
		"query":     query,
		"limit":     searchLimit,
	})
	if err != nil {
		return nil, medrag.NewBackendError("graphstore", fmt.Errorf("graph search failed: %w", err))
	}

	facts := make([]FactResult, 0, len(result.Records))
	for _, record := range result.Records {
		m := record.AsMap()
		fact := FactResult{
			Fact: asString(m["fact"]),
			UUID: asString(m["uuid"]),
		}
		if t, ok := asTime(m["valid_at"]); ok {
			fact.ValidAt = &t
		}
		facts = append(facts, fact)
	}

	return facts, nil
}

// Timeline returns episodes mentioning the entity, newest first,
// capped at the timeline limit. Date bounds are optional.
func (s *Store) Timeline(ctx context.Context, tenantID tenant.ID, entityName string, start, end *time.Time) ([]TimelineEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	params := map[string]any{
		"tenant_id": tenantID.String(),
		"name":      strings.ToLower(strings.TrimSpace(entityName)),
		"limit":     timelineLimit,
	}

	var bounds strings.Builder
	if start != nil {
		bounds.WriteString(" AND e.reference_time >= $start")
		params["start"] = start.UTC()
	}
	if end != nil {
		bounds.WriteString(" AND e.reference_time <= $end")
		params["end"] = end.UTC()
	}

	result, err := s.run(ctx, fmt.Sprintf(`
MATCH (n:Entity {tenant_id: $tenant_id, name: $name})-[:MENTIONED_IN {tenant_id: $tenant_id}]->(e:Episode {tenant_id: $tenant_id})
WHERE true%s
RETURN e.episode_id AS episode_id, e.content AS content, e.source AS source, e.reference_time AS reference_time
ORDER BY e.reference_time DESC
LIMIT $limit
`, bounds.String()), params)
	if err != nil {
		return nil, medrag.NewBackendError("graphstore", fmt.Errorf("timeline query failed: %w", err))
	}

	entries := make([]TimelineEntry, 0, len(result.Records))
	for _, record := range result.Records {
		m := record.AsMap()
		entry := TimelineEntry{
			EpisodeID: asString(m["episode_id"]),
			Content:   asString(m["content"]),
			Source:    asString(m["source"]),
		}
		if t, ok := asTime(m["reference_time"]); ok {
			entry.ReferenceTime = t
		}
		entries = append(entries, entry)
	}

	s.logger.Debug("timeline query",
		slog.String("entity", entityName),
		slog.Int("results", len(entries)))

	return entries, nil
}

// flattenMeta keeps only property-safe scalar values; the graph
// backend rejects nested maps as node properties.
func flattenMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch v.(type) {
		case string, bool, int, int64, float64, time.Time:
			out[k] = v
		default:
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
