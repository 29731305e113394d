package chunkstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// pgUndefinedFunction is raised when a declared stored procedure is
// not installed; reads fall back to explicit join-filtered queries.
const pgUndefinedFunction = "42883"

func isProcedureMissing(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUndefinedFunction
}

func marshalMeta(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	meta := make(map[string]any)
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}

// InsertDocument writes the document row and all its chunks in one
// transaction; either everything lands or nothing does. Chunks must
// arrive in chunk_index order with embeddings of the configured
// dimension.
func (s *Store) InsertDocument(ctx context.Context, tenantID tenant.ID, doc *Document, chunks []Chunk) error {
	if tenantID.IsZero() {
		return medrag.ErrInvalidTenant
	}
	if doc == nil {
		return fmt.Errorf("%w: document is required", medrag.ErrInvalidArgument)
	}

	for i := range chunks {
		if chunks[i].Index != i {
			return fmt.Errorf("%w: chunk indices must be dense starting at 0, got %d at position %d",
				medrag.ErrInvalidArgument, chunks[i].Index, i)
		}
		if len(chunks[i].Embedding) != s.dimension {
			return fmt.Errorf("%w: chunk %d embedding dimension %d, expected %d",
				medrag.ErrInvalidArgument, i, len(chunks[i].Embedding), s.dimension)
		}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return medrag.NewBackendError("chunkstore", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.TenantID = tenantID

	docMeta, err := marshalMeta(doc.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (id, tenant_id, title, source, content, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
`, doc.ID, tenantID.String(), doc.Title, doc.Source, doc.Content, docMeta, now)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	for i := range chunks {
		chunk := &chunks[i]
		if chunk.ID == "" {
			chunk.ID = uuid.NewString()
		}
		chunk.DocumentID = doc.ID
		chunk.TenantID = tenantID

		chunkMeta, metaErr := marshalMeta(chunk.Metadata)
		if metaErr != nil {
			err = metaErr
			return err
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO chunks (id, tenant_id, document_id, chunk_index, content, embedding, metadata, token_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9)
`, chunk.ID, tenantID.String(), doc.ID, chunk.Index, chunk.Content,
			formatVector(chunk.Embedding), chunkMeta, chunk.TokenCount, now)
		if err != nil {
			err = fmt.Errorf("failed to insert chunk %d: %w", i, err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document insert: %w", err)
	}

	return nil
}

// DeleteDocument removes the document and cascades to its chunks.
func (s *Store) DeleteDocument(ctx context.Context, tenantID tenant.ID, documentID string) error {
	if tenantID.IsZero() {
		return medrag.ErrInvalidTenant
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = $1 AND id = $2`,
		tenantID.String(), documentID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// DeleteDocumentsBySource removes every document of the tenant whose
// source equals source or ends with its basename. Used by ingestion
// cleanup before re-ingest.
func (s *Store) DeleteDocumentsBySource(ctx context.Context, tenantID tenant.ID, source, basename string) (int64, error) {
	if tenantID.IsZero() {
		return 0, medrag.ErrInvalidTenant
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM documents
WHERE tenant_id = $1 AND (source = $2 OR source LIKE '%' || $3)
`, tenantID.String(), source, basename)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents by source: %w", err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteSectionDocuments removes the per-section documents a streamed
// file previously persisted at one section position, chunks cascading
// with them. Section retries call this first so a retried section
// never leaves a duplicate document behind.
func (s *Store) DeleteSectionDocuments(ctx context.Context, tenantID tenant.ID, source string, position int) (int64, error) {
	if tenantID.IsZero() {
		return 0, medrag.ErrInvalidTenant
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM documents
WHERE tenant_id = $1 AND source = $2 AND (metadata->>'section_position')::int = $3
`, tenantID.String(), source, position)
	if err != nil {
		return 0, fmt.Errorf("failed to delete section documents: %w", err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// GetDocument returns the document, or nil when it does not exist for
// this tenant.
func (s *Store) GetDocument(ctx context.Context, tenantID tenant.ID, documentID string) (*Document, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		doc     Document
		tid     string
		rawMeta []byte
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, tenant_id, title, source, content, metadata, created_at, updated_at
FROM documents
WHERE tenant_id = $1 AND id = $2
`, tenantID.String(), documentID).Scan(
		&doc.ID, &tid, &doc.Title, &doc.Source, &doc.Content, &rawMeta, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}

	doc.TenantID = tenantID
	doc.Metadata = unmarshalMeta(rawMeta)
	return &doc, nil
}

// ListDocuments returns document summaries ordered by created_at
// descending, tenant-filtered.
func (s *Store) ListDocuments(ctx context.Context, tenantID tenant.ID, limit, offset int) ([]Document, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, source, metadata, created_at, updated_at
FROM documents
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, tenantID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc     Document
			rawMeta []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Source, &rawMeta, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.TenantID = tenantID
		doc.Metadata = unmarshalMeta(rawMeta)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

// GetDocumentChunks returns the document's chunks in chunk_index
// order. It prefers the tenant-aware get_document_chunks stored
// procedure; when the procedure is missing it falls back to an
// explicit join-filtered query. Any other backend error yields an
// empty list and a warning, never another tenant's chunks.
func (s *Store) GetDocumentChunks(ctx context.Context, tenantID tenant.ID, documentID string) ([]Chunk, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	chunks, err := s.queryChunks(ctx, `SELECT chunk_id, chunk_index, content, metadata, token_count FROM get_document_chunks($1, $2)`,
		tenantID, documentID)
	if err == nil {
		return chunks, nil
	}

	if isProcedureMissing(err) {
		s.metrics.RecordProcedureMissing(ctx, "get_document_chunks")
		s.logger.Warn("get_document_chunks procedure missing, using fallback query",
			slog.String("tenant_id", tenantID.String()))
		chunks, err = s.queryChunks(ctx, `
SELECT c.id, c.chunk_index, c.content, c.metadata, c.token_count
FROM chunks c
JOIN documents d ON c.document_id = d.id AND c.tenant_id = d.tenant_id
WHERE c.tenant_id = $1 AND c.document_id = $2
ORDER BY c.chunk_index
`, tenantID, documentID)
		if err == nil {
			return chunks, nil
		}
	}

	s.logger.Warn("failed to load document chunks, returning empty result",
		slog.String("tenant_id", tenantID.String()),
		slog.String("error", err.Error()))
	return []Chunk{}, nil
}

func (s *Store) queryChunks(ctx context.Context, query string, tenantID tenant.ID, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, tenantID.String(), documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			chunk   Chunk
			rawMeta []byte
		)
		if err := rows.Scan(&chunk.ID, &chunk.Index, &chunk.Content, &rawMeta, &chunk.TokenCount); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunk.TenantID = tenantID
		chunk.DocumentID = documentID
		chunk.Metadata = unmarshalMeta(rawMeta)
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return chunks, nil
}
