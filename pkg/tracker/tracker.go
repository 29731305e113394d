// Package tracker decides, per source file, whether ingestion should
// skip it, ingest it fresh, or clean up and re-ingest, based on the
// content hash and the prior ingestion status. It also tracks
// per-section progress so a partially failed file can be resumed at
// section granularity.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// Action is the ingestion decision for one scanned file.
type Action string

const (
	ActionSkip     Action = "skip"
	ActionIngest   Action = "ingest"
	ActionReingest Action = "cleanup_and_reingest"
)

// File states.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StatePartial    = "partial"
	StateFailed     = "failed"
)

// ScanResult is one file with its ingestion decision.
type ScanResult struct {
	FilePath    string    `json:"file_path"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	Category    string    `json:"category"`
	Order       int       `json:"order"`
	Action      Action    `json:"action"`
}

// IngestionStatus mirrors one document_ingestion_status row.
type IngestionStatus struct {
	ID                string     `json:"id"`
	TenantID          tenant.ID  `json:"tenant_id"`
	FilePath          string     `json:"file_path"`
	ContentHash       string     `json:"content_hash"`
	FileSize          int64      `json:"file_size"`
	FileModifiedAt    *time.Time `json:"file_modified_at,omitempty"`
	Category          string     `json:"category"`
	CategoryOrder     int        `json:"category_order"`
	PriorityWeight    int        `json:"priority_weight"`
	State             string     `json:"state"`
	ChunksExpected    int        `json:"chunks_expected"`
	ChunksCreated     int        `json:"chunks_created"`
	EntitiesExtracted int        `json:"entities_extracted"`
	EpisodesCreated   int        `json:"episodes_created"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	StartedAt         *time.Time `json:"ingestion_started_at,omitempty"`
	CompletedAt       *time.Time `json:"ingestion_completed_at,omitempty"`
}

// SectionStatus mirrors one document_sections row.
type SectionStatus struct {
	ID                string `json:"id"`
	IngestionStatusID string `json:"ingestion_status_id"`
	Position          int    `json:"section_position"`
	SectionType       string `json:"section_type"`
	State             string `json:"state"`
	ChunksCreated     int    `json:"chunks_created"`
	EntitiesExtracted int    `json:"entities_extracted"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

var supportedExtensions = map[string]bool{
	".docx":     true,
	".pdf":      true,
	".txt":      true,
	".md":       true,
	".markdown": true,
}

// categoryRanks orders document categories for citation priority;
// lower rank means the category is cited first.
var categoryRanks = map[string]int{
	"protocols":  1,
	"guidelines": 2,
	"anatomy":    3,
	"conditions": 4,
	"exercises":  5,
	"equipment":  6,
}

const (
	defaultCategory      = "uncategorized"
	defaultOrder         = 999
	defaultCategoryRank  = 9
	staleProcessingAfter = 2 * time.Hour
)

// orderedFileRe matches NN_name.ext basenames inside a category
// folder, e.g. master/protocols/03_acl_rehab.md.
var orderedFileRe = regexp.MustCompile(`^(\d+)_`)

// Tracker owns the ingestion bookkeeping tables.
type Tracker struct {
	store  *chunkstore.Store
	stale  time.Duration
	logger *slog.Logger
}

// New wraps the chunk store's pool; the tracker shares its tables.
func New(store *chunkstore.Store, staleAfter time.Duration, logger *slog.Logger) *Tracker {
	if staleAfter <= 0 {
		staleAfter = staleProcessingAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, stale: staleAfter, logger: logger}
}

// CalculateCitationPriority maps (category, order) to a deterministic
// weight; lower sorts first in downstream citations.
func CalculateCitationPriority(category string, order int) int {
	rank, ok := categoryRanks[strings.ToLower(category)]
	if !ok {
		rank = defaultCategoryRank
	}
	return rank*10 + order
}

// parseCategory infers (category, order) from the path template
// .../master/<category>/NN_name.ext; anything else gets the defaults.
func parseCategory(path string) (string, int) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i := 0; i < len(parts)-2; i++ {
		if parts[i] != "master" {
			continue
		}
		category := strings.ToLower(parts[i+1])
		order := defaultOrder
		if m := orderedFileRe.FindStringSubmatch(parts[len(parts)-1]); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				order = n
			}
		}
		return category, order
	}
	return defaultCategory, defaultOrder
}

// isTemporary filters editor and office lock files out of the walk.
func isTemporary(name string) bool {
	return strings.HasPrefix(name, "~$") ||
		strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".swp")
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// decide produces the ingestion action from the current file facts
// and the prior status row (nil when the file was never seen).
func (t *Tracker) decide(hash string, size int64, prior *IngestionStatus, now time.Time) Action {
	if prior == nil {
		return ActionIngest
	}

	changed := prior.ContentHash != hash || prior.FileSize != size

	switch prior.State {
	case StateCompleted:
		if changed {
			return ActionReingest
		}
		return ActionSkip
	case StateFailed, StatePartial:
		return ActionReingest
	case StateProcessing:
		if prior.StartedAt != nil && now.Sub(*prior.StartedAt) > t.stale {
			return ActionReingest
		}
		// Another worker owns it and the watchdog has not fired.
		return ActionSkip
	default: // pending
		if changed {
			return ActionReingest
		}
		return ActionIngest
	}
}

// Scan walks root, filters to supported document types, hashes each
// file, and joins against the tenant's status rows to produce an
// action per file.
func (t *Tracker) Scan(ctx context.Context, root string, tenantID tenant.ID) ([]ScanResult, error) {
	if tenantID.IsZero() {
		return nil, medrag.ErrInvalidTenant
	}

	statuses, err := t.statusesByPath(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var results []ScanResult

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if isTemporary(d.Name()) && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if isTemporary(d.Name()) || !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", path, err)
		}

		category, order := parseCategory(path)
		prior := statuses[path]

		results = append(results, ScanResult{
			FilePath:    path,
			ContentHash: hash,
			Size:        info.Size(),
			Modified:    info.ModTime().UTC(),
			Category:    category,
			Order:       order,
			Action:      t.decide(hash, info.Size(), prior, now),
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan failed: %w", walkErr)
	}

	return results, nil
}
