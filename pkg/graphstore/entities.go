package graphstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tandemhealth/medrag/pkg/extraction"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// StoreEntities upserts the batch keyed by (tenant_id, name, kind).
// Repeat observations merge: confidence takes the max, source chunk
// ids accumulate. Individual failures are counted, not fatal.
func (s *Store) StoreEntities(ctx context.Context, tenantID tenant.ID, entities []extraction.Entity, documentTitle string) (StoreEntitiesResult, error) {
	var result StoreEntitiesResult
	if err := requireTenant(tenantID); err != nil {
		return result, err
	}
	if len(entities) == 0 {
		return result, nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	for _, ent := range entities {
		res, err := s.run(ctx, `
MERGE (n:Entity {tenant_id: $tenant_id, name: $name, kind: $kind})
ON CREATE SET n.confidence = $confidence,
              n.source_chunks = [$chunk_id],
              n.document_title = $document_title,
              n.created = true
ON MATCH SET n.confidence = CASE WHEN $confidence > n.confidence THEN $confidence ELSE n.confidence END,
             n.source_chunks = CASE WHEN $chunk_id IN n.source_chunks THEN n.source_chunks ELSE n.source_chunks + $chunk_id END,
             n.created = false
RETURN n.created AS created
`, map[string]any{
			"tenant_id":      tenantID.String(),
			"name":           ent.Name,
			"kind":           string(ent.Kind),
			"confidence":     ent.Confidence,
			"chunk_id":       ent.SourceChunkID,
			"document_title": documentTitle,
		})
		if err != nil {
			result.Errors++
			s.logger.Warn("entity upsert failed",
				slog.String("entity", ent.Name),
				slog.String("error", err.Error()))
			continue
		}

		created := false
		if len(res.Records) > 0 {
			created, _ = res.Records[0].AsMap()["created"].(bool)
		}
		if created {
			result.Created++
		} else {
			result.Merged++
		}
	}

	if result.Errors == len(entities) {
		return result, medrag.NewBackendError("graphstore",
			fmt.Errorf("all %d entity upserts failed", len(entities)))
	}

	return result, nil
}

// CreateCooccurrence upserts a CO_OCCURS edge for every unordered
// pair of entities observed in the same chunk; weight starts at 1 and
// increments on repeat observations.
func (s *Store) CreateCooccurrence(ctx context.Context, tenantID tenant.ID, entities []extraction.Entity) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if len(entities) < 2 {
		return nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			// Order the pair so the same two entities always share
			// one edge regardless of observation order.
			if a.Name > b.Name || (a.Name == b.Name && a.Kind > b.Kind) {
				a, b = b, a
			}

			_, err := s.run(ctx, `
MATCH (a:Entity {tenant_id: $tenant_id, name: $name_a, kind: $kind_a})
MATCH (b:Entity {tenant_id: $tenant_id, name: $name_b, kind: $kind_b})
MERGE (a)-[r:CO_OCCURS {tenant_id: $tenant_id}]->(b)
ON CREATE SET r.weight = 1
ON MATCH SET r.weight = r.weight + 1
`, map[string]any{
				"tenant_id": tenantID.String(),
				"name_a":    a.Name,
				"kind_a":    string(a.Kind),
				"name_b":    b.Name,
				"kind_b":    string(b.Kind),
			})
			if err != nil {
				return medrag.NewBackendError("graphstore",
					fmt.Errorf("failed to upsert co-occurrence %s/%s: %w", a.Name, b.Name, err))
			}
		}
	}

	return nil
}

// CreateMentionedIn upserts a MENTIONED_IN edge from each entity to
// the episode representing its source chunk.
func (s *Store) CreateMentionedIn(ctx context.Context, tenantID tenant.ID, entities []extraction.Entity, episodeID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if episodeID == "" {
		return fmt.Errorf("%w: episode id is required", medrag.ErrInvalidArgument)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	for _, ent := range entities {
		_, err := s.run(ctx, `
MATCH (n:Entity {tenant_id: $tenant_id, name: $name, kind: $kind})
MATCH (e:Episode {tenant_id: $tenant_id, episode_id: $episode_id})
MERGE (n)-[:MENTIONED_IN {tenant_id: $tenant_id}]->(e)
`, map[string]any{
			"tenant_id":  tenantID.String(),
			"name":       ent.Name,
			"kind":       string(ent.Kind),
			"episode_id": episodeID,
		})
		if err != nil {
			return medrag.NewBackendError("graphstore",
				fmt.Errorf("failed to link %s to episode %s: %w", ent.Name, episodeID, err))
		}
	}

	return nil
}

// RelatedEntities traverses CO_OCCURS edges from the named entity up
// to depth hops. Depth outside [1, 3] is clamped.
func (s *Store) RelatedEntities(ctx context.Context, tenantID tenant.ID, name string, depth int) ([]RelatedEntity, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// Variable-length bounds cannot be parameterized; depth is a
	// clamped integer, never caller text.
	cypher := fmt.Sprintf(`
MATCH (c:Entity {tenant_id: $tenant_id, name: $name})
MATCH (c)-[r:CO_OCCURS*1..%d]-(n:Entity {tenant_id: $tenant_id})
WHERE all(rel IN r WHERE rel.tenant_id = $tenant_id) AND n <> c
RETURN DISTINCT n.name AS name, n.kind AS kind, last(r).weight AS weight
ORDER BY weight DESC
`, depth)

	result, err := s.run(ctx, cypher, map[string]any{
		"tenant_id": tenantID.String(),
		"name":      strings.ToLower(strings.TrimSpace(name)),
	})
	if err != nil {
		return nil, medrag.NewBackendError("graphstore",
			fmt.Errorf("related entities query failed: %w", err))
	}

	related := make([]RelatedEntity, 0, len(result.Records))
	for _, record := range result.Records {
		m := record.AsMap()
		related = append(related, RelatedEntity{
			Name:         asString(m["name"]),
			Kind:         asString(m["kind"]),
			Weight:       asFloat(m["weight"]),
			Relationship: "CO_OCCURS",
		})
	}

	return related, nil
}
