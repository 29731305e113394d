// Package graphstore persists tenant-scoped episodes and medical
// entities in a labeled property graph. Every node carries a tenant_id
// property and every query filters on it.
package graphstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// FactResult is one graph search hit over episode bodies.
type FactResult struct {
	Fact    string     `json:"fact"`
	UUID    string     `json:"uuid"`
	ValidAt *time.Time `json:"valid_at,omitempty"`
}

// RelatedEntity is one neighbor reached over CO_OCCURS edges.
type RelatedEntity struct {
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Weight       float64 `json:"weight"`
	Relationship string  `json:"relationship"`
}

// TimelineEntry is one episode mentioning an entity.
type TimelineEntry struct {
	EpisodeID     string    `json:"episode_id"`
	Content       string    `json:"content"`
	Source        string    `json:"source"`
	ReferenceTime time.Time `json:"reference_time"`
}

// StoreEntitiesResult summarizes a batched entity upsert.
type StoreEntitiesResult struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Errors  int `json:"errors"`
}

const (
	searchLimit   = 10
	timelineLimit = 20

	// maxEpisodeBody bounds episode bodies; longer content is cut at
	// the last sentence boundary below the limit.
	maxEpisodeBody = 6000
)

// Store wraps the graph driver.
type Store struct {
	driver       neo4j.DriverWithContext
	queryTimeout time.Duration
	logger       *slog.Logger
}

// New connects to the graph backend and verifies connectivity. Index
// creation is best-effort and never fails startup.
func New(ctx context.Context, cfg *config.GraphConfig, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to graph store: %w", err)
	}

	s := &Store{driver: driver, queryTimeout: cfg.QueryTimeout, logger: logger}
	s.ensureIndexes(ctx)

	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	stmts := []string{
		`CREATE INDEX episode_tenant IF NOT EXISTS FOR (e:Episode) ON (e.tenant_id)`,
		`CREATE INDEX entity_tenant_name IF NOT EXISTS FOR (n:Entity) ON (n.tenant_id, n.name, n.kind)`,
	}
	for _, stmt := range stmts {
		if _, err := s.run(ctx, stmt, nil); err != nil {
			s.logger.Warn("graph index creation failed",
				slog.String("error", err.Error()))
		}
	}
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *Store) run(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, s.driver, cypher, params, neo4j.EagerResultTransformer)
}

func requireTenant(tenantID tenant.ID) error {
	if tenantID.IsZero() {
		return medrag.ErrInvalidTenant
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
