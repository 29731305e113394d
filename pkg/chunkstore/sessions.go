package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// CreateSession creates a new session bound to the tenant. The binding
// is permanent; messages and reads are checked against it.
func (s *Store) CreateSession(ctx context.Context, tenantID tenant.ID, userID, title string, metadata map[string]any) (*Session, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	meta, err := marshalMeta(metadata)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Title:     title,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	sess.UpdatedAt = sess.CreatedAt

	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, tenant_id, user_id, title, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
`, sess.ID, tenantID.String(), nullString(userID), nullString(title), meta, sess.CreatedAt)
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to create session: %w", err))
	}

	return sess, nil
}

// GetSession returns the session, or ErrNotFound when no session with
// this id exists for the tenant. A session belonging to another tenant
// is indistinguishable from a missing one.
func (s *Store) GetSession(ctx context.Context, tenantID tenant.ID, sessionID string) (*Session, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		sess    Session
		tid     string
		userID  sql.NullString
		title   sql.NullString
		rawMeta []byte
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, tenant_id, user_id, title, metadata, expires_at, created_at, updated_at
FROM sessions
WHERE tenant_id = $1 AND id = $2
`, tenantID.String(), sessionID).Scan(
		&sess.ID, &tid, &userID, &title, &rawMeta, &sess.ExpiresAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, medrag.ErrNotFound)
	}
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to query session: %w", err))
	}

	sess.TenantID = tenantID
	sess.UserID = userID.String
	sess.Title = title.String
	sess.Metadata = unmarshalMeta(rawMeta)
	return &sess, nil
}

// AddMessage appends one message to the session after verifying the
// session belongs to the tenant.
func (s *Store) AddMessage(ctx context.Context, tenantID tenant.ID, sessionID, role, content string, metadata map[string]any) (*Message, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}
	if role == "" {
		return nil, fmt.Errorf("%w: message role is required", medrag.ErrInvalidArgument)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	meta, err := marshalMeta(metadata)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	if err == sql.ErrNoRows {
		err = fmt.Errorf("session %s: %w", sessionID, medrag.ErrNotFound)
		return nil, err
	}
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to verify session: %w", err))
	}
	if owner != tenantID.String() {
		err = fmt.Errorf("session %s: %w", sessionID, medrag.ErrNotFound)
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO messages (id, session_id, role, content, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, msg.ID, sessionID, role, content, meta, msg.CreatedAt)
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to insert message: %w", err))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, sessionID)
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to touch session: %w", err))
	}

	if err = tx.Commit(); err != nil {
		return nil, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to commit message: %w", err))
	}

	return msg, nil
}

// GetSessionMessages returns the session's messages in created_at
// order, oldest first. limit <= 0 returns everything; otherwise the
// most recent limit messages, still ascending.
func (s *Store) GetSessionMessages(ctx context.Context, tenantID tenant.ID, sessionID string, limit int) ([]Message, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var query string
	args := []any{tenantID.String(), sessionID}
	if limit > 0 {
		query = `
SELECT id, session_id, role, content, metadata, created_at FROM (
    SELECT m.id, m.session_id, m.role, m.content, m.metadata, m.created_at
    FROM messages m
    JOIN sessions s ON m.session_id = s.id
    WHERE s.tenant_id = $1 AND m.session_id = $2
    ORDER BY m.created_at DESC
    LIMIT $3
) recent ORDER BY created_at ASC
`
		args = append(args, limit)
	} else {
		query = `
SELECT m.id, m.session_id, m.role, m.content, m.metadata, m.created_at
FROM messages m
JOIN sessions s ON m.session_id = s.id
WHERE s.tenant_id = $1 AND m.session_id = $2
ORDER BY m.created_at ASC
`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, medrag.NewBackendError("chunkstore", fmt.Errorf("failed to query messages: %w", err))
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg     Message
			rawMeta []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &rawMeta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Metadata = unmarshalMeta(rawMeta)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, medrag.NewBackendError("chunkstore", err)
	}

	return messages, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
