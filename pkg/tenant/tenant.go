// Package tenant parses and validates the tenant identifier that every
// store, cache, tool, and agent operation takes as its first argument.
package tenant

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tandemhealth/medrag/pkg/medrag"
)

// ID is a validated 128-bit tenant identifier.
type ID struct {
	id uuid.UUID
}

// String returns the canonical string form.
func (t ID) String() string { return t.id.String() }

// Bytes returns the 16-byte binary form.
func (t ID) Bytes() []byte {
	b := t.id
	return b[:]
}

// IsZero reports whether the id is the zero value.
func (t ID) IsZero() bool { return t.id == uuid.Nil }

// LogValue lets slog render tenant ids consistently.
func (t ID) LogValue() slog.Value { return slog.StringValue(t.id.String()) }

// MarshalJSON renders the canonical string form so tenant ids survive
// response envelopes and cache round trips.
func (t ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.id.String())
}

func (t *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", medrag.ErrInvalidTenant, data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse accepts a canonical-string or 32-hex-digit tenant id.
func Parse(value string) (ID, error) {
	id, err := uuid.Parse(value)
	if err != nil || id == uuid.Nil {
		return ID{}, fmt.Errorf("%w: %q", medrag.ErrInvalidTenant, value)
	}
	return ID{id: id}, nil
}

// ParseBytes accepts the 16-byte binary form.
func ParseBytes(value []byte) (ID, error) {
	id, err := uuid.FromBytes(value)
	if err != nil || id == uuid.Nil {
		return ID{}, fmt.Errorf("%w: %d bytes", medrag.ErrInvalidTenant, len(value))
	}
	return ID{id: id}, nil
}

// Resolver produces the effective tenant for a request. In production
// a missing tenant is an error; elsewhere a configured development
// tenant may stand in (the fallback is logged every time).
type Resolver struct {
	production bool
	devTenant  ID
	logger     *slog.Logger
}

// NewResolver builds a Resolver. devTenant may be the zero ID when no
// development fallback is configured.
func NewResolver(production bool, devTenant ID, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{production: production, devTenant: devTenant, logger: logger}
}

// Validate parses value and rejects anything that is not a 128-bit id.
func (r *Resolver) Validate(value string) (ID, error) {
	return Parse(value)
}

// Effective returns the provided tenant if present, the development
// tenant in non-production mode, or ErrTenantRequired.
func (r *Resolver) Effective(value string) (ID, error) {
	if value != "" {
		return Parse(value)
	}
	if r.production || r.devTenant.IsZero() {
		return ID{}, medrag.ErrTenantRequired
	}
	r.logger.Warn("no tenant id supplied, using development tenant",
		slog.String("tenant_id", r.devTenant.String()))
	return r.devTenant, nil
}
