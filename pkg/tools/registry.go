package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/observability"
	"github.com/tandemhealth/medrag/pkg/registry"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

// ToolInfo describes a tool to the model provider.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// ToolParameter is one named input of a tool.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Tool is one callable retrieval operation.
type Tool interface {
	GetInfo() ToolInfo
	Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error)
}

// Registry maps tool names to tools and instruments every call.
type Registry struct {
	tools   *registry.BaseRegistry[Tool]
	metrics *observability.Metrics
}

// NewRegistry registers the full toolkit.
func NewRegistry(tk *Toolkit, metrics *observability.Metrics) (*Registry, error) {
	r := &Registry{tools: registry.NewBaseRegistry[Tool](), metrics: metrics}

	for _, tool := range []Tool{
		&vectorSearchTool{tk},
		&graphSearchTool{tk},
		&hybridSearchTool{tk},
		&comprehensiveSearchTool{tk},
		&getDocumentTool{tk},
		&listDocumentsTool{tk},
		&entityRelationshipsTool{tk},
		&entityTimelineTool{tk},
	} {
		if err := r.tools.Register(tool.GetInfo().Name, tool); err != nil {
			return nil, fmt.Errorf("failed to register tool: %w", err)
		}
	}

	return r, nil
}

// List returns the tool descriptions in name order.
func (r *Registry) List() []ToolInfo {
	names := r.tools.Names()
	infos := make([]ToolInfo, 0, len(names))
	for _, name := range names {
		if tool, ok := r.tools.Get(name); ok {
			infos = append(infos, tool.GetInfo())
		}
	}
	return infos
}

// Execute runs the named tool with timing and error counters.
func (r *Registry) Execute(ctx context.Context, name string, tenantID tenant.ID, args map[string]any) (any, error) {
	tool, ok := r.tools.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	start := time.Now()
	result, err := tool.Execute(ctx, tenantID, args)
	r.metrics.RecordToolCall(ctx, name, time.Since(start), err)
	return result, err
}

// decodeArgs re-encodes the model's argument map and decodes it into
// the tool's tagged input struct. Unknown fields and mistyped values
// are rejected so a malformed call fails instead of silently running
// with defaults.
func decodeArgs(args map[string]any, dest any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: tool arguments are not serializable: %v", medrag.ErrInvalidArgument, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: malformed tool arguments: %v", medrag.ErrInvalidArgument, err)
	}
	return nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", medrag.ErrInvalidArgument, name)
	}
	return nil
}

// parseDate parses an optional RFC 3339 or date-only bound.
func parseDate(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD, got %q", medrag.ErrInvalidArgument, name, value)
}

type vectorSearchTool struct{ tk *Toolkit }

type vectorSearchInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *vectorSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "vector_search",
		Description: "Semantic similarity search over document chunks. Use for conceptual questions about treatments, protocols, and conditions.",
		Parameters: []ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum results", Default: defaultSearchLimit},
		},
	}
}

func (t *vectorSearchTool) Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error) {
	var in vectorSearchInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireField("query", in.Query); err != nil {
		return nil, err
	}
	return t.tk.VectorSearch(ctx, tenantID, in.Query, in.Limit)
}

type graphSearchTool struct{ tk *Toolkit }

type graphSearchInput struct {
	Query string `json:"query"`
}

func (t *graphSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "graph_search",
		Description: "Keyword search over the knowledge graph episodes. Use for facts about specific named entities.",
		Parameters: []ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
		},
	}
}

func (t *graphSearchTool) Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error) {
	var in graphSearchInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireField("query", in.Query); err != nil {
		return nil, err
	}
	return t.tk.GraphSearch(ctx, tenantID, in.Query)
}

type hybridSearchTool struct{ tk *Toolkit }

type hybridSearchInput struct {
	Query      string   `json:"query"`
	Limit      int      `json:"limit"`
	TextWeight *float64 `json:"text_weight"`
}

func (t *hybridSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "hybrid_search",
		Description: "Combined semantic and keyword search over document chunks. Use when exact terminology matters.",
		Parameters: []ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum results", Default: defaultSearchLimit},
			{Name: "text_weight", Type: "number", Description: "Weight of the keyword score, 0 to 1", Default: defaultTextWeight},
		},
	}
}

func (t *hybridSearchTool) Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error) {
	var in hybridSearchInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireField("query", in.Query); err != nil {
		return nil, err
	}
	textWeight := defaultTextWeight
	if in.TextWeight != nil {
		textWeight = *in.TextWeight
	}
	return t.tk.HybridSearch(ctx, tenantID, in.Query, in.Limit, textWeight)
}

type comprehensiveSearchTool struct{ tk *Toolkit }

type comprehensiveSearchInput struct {
	Query     string `json:"query"`
	UseVector *bool  `json:"use_vector"`
	UseGraph  *bool  `json:"use_graph"`
	Limit     int    `json:"limit"`
}

func (t *comprehensiveSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "comprehensive_search",
		Description: "Run semantic and knowledge-graph search in parallel and merge the results. Use for broad clinical questions.",
		Parameters: []ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "use_vector", Type: "boolean", Description: "Include semantic chunk search", Default: true},
			{Name: "use_graph", Type: "boolean", Description: "Include knowledge graph search", Default: true},
			{Name: "limit", Type: "integer", Description: "Maximum results per branch", Default: defaultSearchLimit},
		},
	}
}

func (t *comprehensiveSearchTool) Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error) {
	var in comprehensiveSearchInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireField("query", in.Query); err != nil {
		return nil, err
	}
	useVector, useGraph := true, true
	if in.UseVector != nil {
		useVector = *in.UseVector
	}
	if in.UseGraph != nil {
		useGraph = *in.UseGraph
	}
	return t.tk.ComprehensiveSearch(ctx, tenantID, in.Query, useVector, useGraph, in.Limit)
}

type getDocumentTool struct{ tk *Toolkit }

type getDocumentInput struct {
	DocumentID string `json:"document_id"`
}

func (t *getDocumentTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "get_document",
		Description: "Retrieve a complete document with all its chunks by id.",
		Parameters: []ToolParameter{
			{Name: "document_id", Type: "string", Description: "Document id", Required: true},
		},
	}
}

func (t *getDocumentTool) Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error) {
	var in getDocumentInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireField("document_id", in.DocumentID); err != nil {
		return nil, err
	}
	return t.tk.GetDocument(ctx, tenantID, in.DocumentID)
}

type listDocumentsTool struct{ tk *Toolkit }

type listDocumentsInput struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (t *listDocumentsTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "list_documents",
		Description: "List available documents with titles and sources.",
		Parameters: []ToolParameter{
			{Name: "limit", Type: "integer", Description: "Maximum results", Default: 20},
			{Name: "offset", Type: "integer", Description: "Pagination offset", Default: 0},
		},
	}
}

func (t *listDocumentsTool) Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error) {
	var in listDocumentsInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Limit == 0 {
		in.Limit = 20
	}
	return t.tk.ListDocuments(ctx, tenantID, in.Limit, in.Offset)
}

type entityRelationshipsTool struct{ tk *Toolkit }

type entityRelationshipsInput struct {
	EntityName string `json:"entity_name"`
	Depth      int    `json:"depth"`
}

func (t *entityRelationshipsTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "get_entity_relationships",
		Description: "Explore which entities co-occur with a named entity, up to 3 hops away.",
		Parameters: []ToolParameter{
			{Name: "entity_name", Type: "string", Description: "Entity name", Required: true},
			{Name: "depth", Type: "integer", Description: "Traversal depth, 1 to 3", Default: 2},
		},
	}
}

func (t *entityRelationshipsTool) Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error) {
	var in entityRelationshipsInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireField("entity_name", in.EntityName); err != nil {
		return nil, err
	}
	if in.Depth == 0 {
		in.Depth = 2
	}
	return t.tk.EntityRelationships(ctx, tenantID, in.EntityName, in.Depth)
}

type entityTimelineTool struct{ tk *Toolkit }

type entityTimelineInput struct {
	EntityName string `json:"entity_name"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

func (t *entityTimelineTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "get_entity_timeline",
		Description: "Episodes mentioning an entity, newest first, optionally bounded by dates.",
		Parameters: []ToolParameter{
			{Name: "entity_name", Type: "string", Description: "Entity name", Required: true},
			{Name: "start_date", Type: "string", Description: "Earliest date, RFC 3339 or YYYY-MM-DD"},
			{Name: "end_date", Type: "string", Description: "Latest date, RFC 3339 or YYYY-MM-DD"},
		},
	}
}

func (t *entityTimelineTool) Execute(ctx context.Context, tenantID tenant.ID, args map[string]any) (any, error) {
	var in entityTimelineInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireField("entity_name", in.EntityName); err != nil {
		return nil, err
	}
	start, err := parseDate("start_date", in.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := parseDate("end_date", in.EndDate)
	if err != nil {
		return nil, err
	}
	return t.tk.EntityTimeline(ctx, tenantID, in.EntityName, start, end)
}
