package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

const statusColumns = `id, tenant_id, file_path, content_hash, file_size, file_modified_at,
category, category_order, priority_weight, state, chunks_expected, chunks_created,
entities_extracted, episodes_created, error_message, ingestion_started_at, ingestion_completed_at`

func scanStatus(row interface{ Scan(...any) error }) (*IngestionStatus, error) {
	var (
		st       IngestionStatus
		tid      string
		errMsg   sql.NullString
		modified sql.NullTime
		started  sql.NullTime
		done     sql.NullTime
	)
	err := row.Scan(&st.ID, &tid, &st.FilePath, &st.ContentHash, &st.FileSize, &modified,
		&st.Category, &st.CategoryOrder, &st.PriorityWeight, &st.State, &st.ChunksExpected,
		&st.ChunksCreated, &st.EntitiesExtracted, &st.EpisodesCreated, &errMsg, &started, &done)
	if err != nil {
		return nil, err
	}

	st.TenantID, err = tenant.Parse(tid)
	if err != nil {
		return nil, err
	}
	st.ErrorMessage = errMsg.String
	if modified.Valid {
		st.FileModifiedAt = &modified.Time
	}
	if started.Valid {
		st.StartedAt = &started.Time
	}
	if done.Valid {
		st.CompletedAt = &done.Time
	}
	return &st, nil
}

func (t *Tracker) statusesByPath(ctx context.Context, tenantID tenant.ID) (map[string]*IngestionStatus, error) {
	rows, err := t.store.DB().QueryContext(ctx, fmt.Sprintf(`
SELECT %s FROM document_ingestion_status WHERE tenant_id = $1
`, statusColumns), tenantID.String())
	if err != nil {
		return nil, medrag.NewBackendError("tracker", fmt.Errorf("failed to load statuses: %w", err))
	}
	defer rows.Close()

	statuses := make(map[string]*IngestionStatus)
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		statuses[st.FilePath] = st
	}
	return statuses, rows.Err()
}

// GetStatus returns the status row for a file, or nil when the file
// was never tracked.
func (t *Tracker) GetStatus(ctx context.Context, tenantID tenant.ID, filePath string) (*IngestionStatus, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	row := t.store.DB().QueryRowContext(ctx, fmt.Sprintf(`
SELECT %s FROM document_ingestion_status WHERE tenant_id = $1 AND file_path = $2
`, statusColumns), tenantID.String(), filePath)

	st, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, medrag.NewBackendError("tracker", fmt.Errorf("failed to load status: %w", err))
	}
	return st, nil
}

// CreateOrUpdateStatus upserts the status row for the file and moves
// it into state, returning the row id.
func (t *Tracker) CreateOrUpdateStatus(ctx context.Context, tenantID tenant.ID, scan ScanResult, state string) (string, error) {
	if tenantID.IsZero() {
		return "", medrag.ErrInvalidTenant
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	weight := CalculateCitationPriority(scan.Category, scan.Order)

	var started any
	if state == StateProcessing {
		started = now
	}

	err := t.store.DB().QueryRowContext(ctx, `
INSERT INTO document_ingestion_status
    (id, tenant_id, file_path, content_hash, file_size, file_modified_at,
     category, category_order, priority_weight, state, ingestion_started_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
ON CONFLICT (tenant_id, file_path) DO UPDATE SET
    content_hash = EXCLUDED.content_hash,
    file_size = EXCLUDED.file_size,
    file_modified_at = EXCLUDED.file_modified_at,
    category = EXCLUDED.category,
    category_order = EXCLUDED.category_order,
    priority_weight = EXCLUDED.priority_weight,
    state = EXCLUDED.state,
    ingestion_started_at = COALESCE(EXCLUDED.ingestion_started_at, document_ingestion_status.ingestion_started_at),
    updated_at = EXCLUDED.updated_at
RETURNING id
`, id, tenantID.String(), scan.FilePath, scan.ContentHash, scan.Size, scan.Modified,
		scan.Category, scan.Order, weight, state, started, now).Scan(&id)
	if err != nil {
		return "", medrag.NewBackendError("tracker", fmt.Errorf("failed to upsert status: %w", err))
	}

	return id, nil
}

// statusPatchColumns whitelists what UpdateStatus may touch.
var statusPatchColumns = map[string]bool{
	"state":                  true,
	"chunks_expected":        true,
	"chunks_created":         true,
	"entities_extracted":     true,
	"episodes_created":       true,
	"error_message":          true,
	"ingestion_started_at":   true,
	"ingestion_completed_at": true,
}

// UpdateStatus patches counters and timestamps on the status row.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !statusPatchColumns[k] {
			return fmt.Errorf("%w: unknown status field %q", medrag.ErrInvalidArgument, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sets []string
	args := []any{id}
	for _, k := range keys {
		args = append(args, fields[k])
		sets = append(sets, fmt.Sprintf("%s = $%d", k, len(args)))
	}
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	query := fmt.Sprintf(`UPDATE document_ingestion_status SET %s WHERE id = $1`, strings.Join(sets, ", "))
	if _, err := t.store.DB().ExecContext(ctx, query, args...); err != nil {
		return medrag.NewBackendError("tracker", fmt.Errorf("failed to update status: %w", err))
	}
	return nil
}

// CleanupIncomplete deletes the file's documents and chunks and
// resets the status counters so a re-ingest starts clean. Returns the
// number of documents removed.
func (t *Tracker) CleanupIncomplete(ctx context.Context, tenantID tenant.ID, filePath string) (int64, error) {
	if tenantID.IsZero() {
		return 0, medrag.ErrInvalidTenant
	}

	removed, err := t.store.DeleteDocumentsBySource(ctx, tenantID, filePath, filepath.Base(filePath))
	if err != nil {
		return 0, err
	}

	_, err = t.store.DB().ExecContext(ctx, `
UPDATE document_ingestion_status
SET state = $3, chunks_expected = 0, chunks_created = 0, entities_extracted = 0,
    episodes_created = 0, error_message = NULL, ingestion_started_at = NULL,
    ingestion_completed_at = NULL, updated_at = $4
WHERE tenant_id = $1 AND file_path = $2
`, tenantID.String(), filePath, StatePending, time.Now().UTC())
	if err != nil {
		return removed, medrag.NewBackendError("tracker", fmt.Errorf("failed to reset status: %w", err))
	}

	t.logger.Info("cleaned up incomplete ingestion",
		"file_path", filePath,
		"documents_removed", removed)
	return removed, nil
}

// TrackSection upserts a section row in state pending and returns its id.
func (t *Tracker) TrackSection(ctx context.Context, statusID string, position int, sectionType string) (string, error) {
	id := uuid.NewString()
	err := t.store.DB().QueryRowContext(ctx, `
INSERT INTO document_sections (id, ingestion_status_id, section_position, section_type, state)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ingestion_status_id, section_position) DO UPDATE SET
    section_type = EXCLUDED.section_type,
    state = EXCLUDED.state,
    error_message = NULL
RETURNING id
`, id, statusID, position, sectionType, StatePending).Scan(&id)
	if err != nil {
		return "", medrag.NewBackendError("tracker", fmt.Errorf("failed to track section: %w", err))
	}
	return id, nil
}

// UpdateSectionStatus moves a section through its lifecycle.
func (t *Tracker) UpdateSectionStatus(ctx context.Context, sectionID, state string, chunksCreated, entitiesExtracted int, errorMessage string) error {
	now := time.Now().UTC()

	var started, completed any
	switch state {
	case StateProcessing:
		started = now
	case StateCompleted, StateFailed:
		completed = now
	}

	_, err := t.store.DB().ExecContext(ctx, `
UPDATE document_sections
SET state = $2, chunks_created = $3, entities_extracted = $4,
    error_message = NULLIF($5, ''),
    started_at = COALESCE($6, started_at),
    completed_at = COALESCE($7, completed_at)
WHERE id = $1
`, sectionID, state, chunksCreated, entitiesExtracted, errorMessage, started, completed)
	if err != nil {
		return medrag.NewBackendError("tracker", fmt.Errorf("failed to update section: %w", err))
	}
	return nil
}

// GetFailedSections returns the failed section positions for a file,
// ordered; a re-run processes only these.
func (t *Tracker) GetFailedSections(ctx context.Context, statusID string) ([]SectionStatus, error) {
	rows, err := t.store.DB().QueryContext(ctx, `
SELECT id, ingestion_status_id, section_position, section_type, state,
       chunks_created, entities_extracted, COALESCE(error_message, '')
FROM document_sections
WHERE ingestion_status_id = $1 AND state = $2
ORDER BY section_position
`, statusID, StateFailed)
	if err != nil {
		return nil, medrag.NewBackendError("tracker", fmt.Errorf("failed to load failed sections: %w", err))
	}
	defer rows.Close()

	var sections []SectionStatus
	for rows.Next() {
		var s SectionStatus
		if err := rows.Scan(&s.ID, &s.IngestionStatusID, &s.Position, &s.SectionType,
			&s.State, &s.ChunksCreated, &s.EntitiesExtracted, &s.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

// CleanupFailedSections resets failed sections to pending so they are
// picked up again.
func (t *Tracker) CleanupFailedSections(ctx context.Context, statusID string) (int64, error) {
	res, err := t.store.DB().ExecContext(ctx, `
UPDATE document_sections
SET state = $2, error_message = NULL, started_at = NULL, completed_at = NULL
WHERE ingestion_status_id = $1 AND state = $3
`, statusID, StatePending, StateFailed)
	if err != nil {
		return 0, medrag.NewBackendError("tracker", fmt.Errorf("failed to reset sections: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReportRow is one aggregate bucket in an ingestion report.
type ReportRow struct {
	Key   string `json:"key"`
	State string `json:"state"`
	Count int    `json:"count"`
}

// IngestionReport aggregates file counts by category and state.
func (t *Tracker) IngestionReport(ctx context.Context, tenantID tenant.ID) ([]ReportRow, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	rows, err := t.store.DB().QueryContext(ctx, `
SELECT category, state, COUNT(*)
FROM document_ingestion_status
WHERE tenant_id = $1
GROUP BY category, state
ORDER BY category, state
`, tenantID.String())
	if err != nil {
		return nil, medrag.NewBackendError("tracker", fmt.Errorf("failed to build ingestion report: %w", err))
	}
	defer rows.Close()

	return scanReport(rows)
}

// SectionRecoveryReport aggregates section counts by state per file.
func (t *Tracker) SectionRecoveryReport(ctx context.Context, tenantID tenant.ID) ([]ReportRow, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	rows, err := t.store.DB().QueryContext(ctx, `
SELECT dis.file_path, ds.state, COUNT(*)
FROM document_sections ds
JOIN document_ingestion_status dis ON ds.ingestion_status_id = dis.id
WHERE dis.tenant_id = $1
GROUP BY dis.file_path, ds.state
ORDER BY dis.file_path, ds.state
`, tenantID.String())
	if err != nil {
		return nil, medrag.NewBackendError("tracker", fmt.Errorf("failed to build section report: %w", err))
	}
	defer rows.Close()

	return scanReport(rows)
}

func scanReport(rows *sql.Rows) ([]ReportRow, error) {
	var report []ReportRow
	for rows.Next() {
		var r ReportRow
		if err := rows.Scan(&r.Key, &r.State, &r.Count); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		report = append(report, r)
	}
	return report, rows.Err()
}
