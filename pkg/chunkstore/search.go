package chunkstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// VectorSearch runs approximate nearest-neighbor search over the
// tenant's chunks, sorted by cosine similarity descending. It prefers
// the match_chunks stored procedure and falls back to an explicit
// query when the procedure is missing.
func (s *Store) VectorSearch(ctx context.Context, tenantID tenant.ID, queryVec []float32, limit int) ([]SearchResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if len(queryVec) != s.dimension {
		return nil, fmt.Errorf("%w: query vector dimension %d, expected %d",
			medrag.ErrInvalidArgument, len(queryVec), s.dimension)
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	vecLiteral := formatVector(queryVec)

	results, err := s.queryResults(ctx, `
SELECT chunk_id, document_id, content, document_title, document_source, metadata, similarity
FROM match_chunks($1, $2::vector, $3)
`, false, tenantID.String(), vecLiteral, limit)
	if err == nil {
		return results, nil
	}

	if !isProcedureMissing(err) {
		return nil, medrag.NewBackendError("chunkstore", err)
	}

	s.metrics.RecordProcedureMissing(ctx, "match_chunks")
	s.logger.Warn("match_chunks procedure missing, using fallback query",
		slog.String("tenant_id", tenantID.String()))

	results, err = s.queryResults(ctx, `
SELECT c.id, c.document_id, c.content, d.title, d.source, c.metadata,
       1 - (c.embedding <=> $2::vector) AS similarity
FROM chunks c
JOIN documents d ON c.document_id = d.id AND c.tenant_id = d.tenant_id
WHERE c.tenant_id = $1 AND c.embedding IS NOT NULL
ORDER BY c.embedding <=> $2::vector
LIMIT $3
`, false, tenantID.String(), vecLiteral, limit)
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", err)
	}

	return results, nil
}

// HybridSearch combines cosine similarity and normalized full-text
// rank: score = (1-w)*vector_sim + w*text_rank. textWeight outside
// [0,1] is InvalidArgument.
func (s *Store) HybridSearch(ctx context.Context, tenantID tenant.ID, queryVec []float32, queryText string, limit int, textWeight float64) ([]SearchResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if textWeight < 0 || textWeight > 1 {
		return nil, fmt.Errorf("%w: text_weight %.3f outside [0, 1]", medrag.ErrInvalidArgument, textWeight)
	}
	if len(queryVec) != s.dimension {
		return nil, fmt.Errorf("%w: query vector dimension %d, expected %d",
			medrag.ErrInvalidArgument, len(queryVec), s.dimension)
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	vecLiteral := formatVector(queryVec)

	results, err := s.queryResults(ctx, `
SELECT chunk_id, document_id, content, document_title, document_source, metadata, similarity, rank
FROM hybrid_search($1, $2::vector, $3, $4, $5)
`, true, tenantID.String(), vecLiteral, queryText, limit, textWeight)
	if err == nil {
		return results, nil
	}

	if !isProcedureMissing(err) {
		return nil, medrag.NewBackendError("chunkstore", err)
	}

	s.metrics.RecordProcedureMissing(ctx, "hybrid_search")
	s.logger.Warn("hybrid_search procedure missing, using fallback query",
		slog.String("tenant_id", tenantID.String()))

	// ts_rank_cd normalization flag 32 maps rank into [0, 1).
	results, err = s.queryResults(ctx, `
SELECT c.id, c.document_id, c.content, d.title, d.source, c.metadata,
       (1 - $5::float8) * (1 - (c.embedding <=> $2::vector))
         + $5::float8 * ts_rank_cd(to_tsvector('english', c.content), plainto_tsquery('english', $3), 32) AS similarity,
       ts_rank_cd(to_tsvector('english', c.content), plainto_tsquery('english', $3), 32) AS rank
FROM chunks c
JOIN documents d ON c.document_id = d.id AND c.tenant_id = d.tenant_id
WHERE c.tenant_id = $1 AND c.embedding IS NOT NULL
ORDER BY similarity DESC
LIMIT $4
`, true, tenantID.String(), vecLiteral, queryText, limit, textWeight)
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", err)
	}

	return results, nil
}

func (s *Store) queryResults(ctx context.Context, query string, withRank bool, args ...any) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r       SearchResult
			rawMeta []byte
		)
		dest := []any{&r.ChunkID, &r.DocumentID, &r.Content, &r.Title, &r.Source, &rawMeta, &r.Similarity}
		if withRank {
			dest = append(dest, &r.Rank)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		r.Metadata = unmarshalMeta(rawMeta)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
