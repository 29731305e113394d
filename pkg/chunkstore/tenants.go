package chunkstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// ResolveTenantSlug looks up the tenant id for a slug. Used at
// ingestion entry where operators name tenants, not UUIDs.
func (s *Store) ResolveTenantSlug(ctx context.Context, slug string) (tenant.ID, error) {
	if slug == "" {
		return tenant.ID{}, fmt.Errorf("%w: tenant slug is required", medrag.ErrInvalidArgument)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM tenants WHERE slug = $1`, slug).Scan(&raw)
	if err == sql.ErrNoRows {
		return tenant.ID{}, fmt.Errorf("tenant %q: %w", slug, medrag.ErrNotFound)
	}
	if err != nil {
		return tenant.ID{}, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to resolve tenant slug: %w", err))
	}

	return tenant.Parse(raw)
}

// EnsureTenant creates the tenant row for a slug if absent and
// returns its id either way.
func (s *Store) EnsureTenant(ctx context.Context, slug string) (tenant.ID, error) {
	if slug == "" {
		return tenant.ID{}, fmt.Errorf("%w: tenant slug is required", medrag.ErrInvalidArgument)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var raw string
	err := s.db.QueryRowContext(ctx, `
INSERT INTO tenants (id, slug)
VALUES ($1, $2)
ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
RETURNING id
`, uuid.NewString(), slug).Scan(&raw)
	if err != nil {
		return tenant.ID{}, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to ensure tenant: %w", err))
	}

	return tenant.Parse(raw)
}
