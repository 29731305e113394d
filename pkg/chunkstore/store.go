// Package chunkstore persists documents, ordered chunks with pgvector
// embeddings, sessions, and messages in Postgres. Every operation
// takes a validated tenant id as its first argument and filters on it;
// no read ever returns a row belonging to another tenant.
package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// Document is a stored source document.
type Document struct {
	ID        string         `json:"id"`
	TenantID  tenant.ID      `json:"tenant_id"`
	Title     string         `json:"title"`
	Source    string         `json:"source"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Chunk is one ordered span of a document with its embedding.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	TenantID   tenant.ID      `json:"tenant_id"`
	Index      int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokenCount int            `json:"token_count"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SearchResult is one chunk hit from vector or hybrid search.
type SearchResult struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	Content    string         `json:"content"`
	Title      string         `json:"document_title"`
	Source     string         `json:"document_source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Similarity float64        `json:"similarity"`
	Rank       float64        `json:"rank,omitempty"`
}

// Session is a conversation bound to one tenant for its lifetime.
type Session struct {
	ID        string         `json:"id"`
	TenantID  tenant.ID      `json:"tenant_id"`
	UserID    string         `json:"user_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is one turn in a session, append-only.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store wraps the Postgres connection pool.
type Store struct {
	db           *sql.DB
	dimension    int
	queryTimeout time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
}

const createSchemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS tenants (
    id UUID PRIMARY KEY,
    slug VARCHAR(255) UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    title TEXT NOT NULL,
    source TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_documents_tenant_source ON documents(tenant_id, source);

CREATE TABLE IF NOT EXISTS chunks (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    embedding vector(%d),
    metadata JSONB NOT NULL DEFAULT '{}',
    token_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (tenant_id, document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_tenant_document ON chunks(tenant_id, document_id, chunk_index);

CREATE TABLE IF NOT EXISTS sessions (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    user_id VARCHAR(255),
    title TEXT,
    metadata JSONB NOT NULL DEFAULT '{}',
    expires_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS document_ingestion_status (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    file_path TEXT NOT NULL,
    content_hash VARCHAR(64) NOT NULL DEFAULT '',
    file_size BIGINT NOT NULL DEFAULT 0,
    file_modified_at TIMESTAMPTZ,
    category VARCHAR(255) NOT NULL DEFAULT 'uncategorized',
    category_order INTEGER NOT NULL DEFAULT 999,
    priority_weight INTEGER NOT NULL DEFAULT 0,
    state VARCHAR(20) NOT NULL DEFAULT 'pending',
    chunks_expected INTEGER NOT NULL DEFAULT 0,
    chunks_created INTEGER NOT NULL DEFAULT 0,
    entities_extracted INTEGER NOT NULL DEFAULT 0,
    episodes_created INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    ingestion_started_at TIMESTAMPTZ,
    ingestion_completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (tenant_id, file_path)
);

CREATE TABLE IF NOT EXISTS document_sections (
    id UUID PRIMARY KEY,
    ingestion_status_id UUID NOT NULL REFERENCES document_ingestion_status(id) ON DELETE CASCADE,
    section_position INTEGER NOT NULL,
    section_type VARCHAR(50) NOT NULL DEFAULT 'paragraph',
    state VARCHAR(20) NOT NULL DEFAULT 'pending',
    chunks_created INTEGER NOT NULL DEFAULT 0,
    entities_extracted INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    UNIQUE (ingestion_status_id, section_position)
);
`

// New opens the pool, verifies connectivity, and ensures the schema.
// dimension is the configured embedding dimension D; every stored
// chunk embedding must match it.
func New(cfg *config.DatabaseConfig, dimension int, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to chunk store: %w", err)
	}

	s := &Store{
		db:           db,
		dimension:    dimension,
		queryTimeout: cfg.QueryTimeout,
		logger:       logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// NewFromDB wraps an existing connection (used by tests).
func NewFromDB(db *sql.DB, dimension int, queryTimeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if queryTimeout == 0 {
		queryTimeout = 60 * time.Second
	}
	return &Store{db: db, dimension: dimension, queryTimeout: queryTimeout, logger: logger}
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(createSchemaSQL, s.dimension)); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// WithMetrics attaches the meter used for fallback counters. Reads
// are safe without it; the recorders are no-ops on a nil meter.
func (s *Store) WithMetrics(m *observability.Metrics) *Store {
	s.metrics = m
	return s
}

// DB exposes the pool for the incremental tracker and health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Dimension returns the configured embedding dimension D.
func (s *Store) Dimension() int { return s.dimension }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats reports pool statistics for the database status endpoint.
func (s *Store) Stats() sql.DBStats { return s.db.Stats() }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}
