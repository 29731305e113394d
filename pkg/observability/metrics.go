// Package observability wires OpenTelemetry metrics to a Prometheus
// exporter. All instruments are no-ops when metrics are disabled.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tandemhealth/medrag/pkg/config"
)

// Metrics holds the service's instruments. The zero value is a no-op.
type Metrics struct {
	toolDuration    metric.Float64Histogram
	toolCalls       metric.Int64Counter
	toolErrors      metric.Int64Counter
	cacheOps        metric.Int64Counter
	searchDuration  metric.Float64Histogram
	ingestFiles     metric.Int64Counter
	ingestSections  metric.Int64Counter
	procMissing     metric.Int64Counter
	llmDuration     metric.Float64Histogram
	llmErrors       metric.Int64Counter
	embedDuration   metric.Float64Histogram
	embedErrors     metric.Int64Counter
	sessionMessages metric.Int64Counter
}

// InitMetrics creates the meter provider and instruments. Returns a
// no-op Metrics when disabled.
func InitMetrics(ctx context.Context, cfg config.MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("medrag")

	m := &Metrics{}

	if m.toolDuration, err = meter.Float64Histogram(
		"medrag_tool_duration_seconds",
		metric.WithDescription("Retrieval tool call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	if m.toolCalls, err = meter.Int64Counter(
		"medrag_tool_calls_total",
		metric.WithDescription("Total retrieval tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	if m.toolErrors, err = meter.Int64Counter(
		"medrag_tool_errors_total",
		metric.WithDescription("Total retrieval tool errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.cacheOps, err = meter.Int64Counter(
		"medrag_cache_ops_total",
		metric.WithDescription("Cache operations by outcome (hit, miss, error)"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache ops counter: %w", err)
	}

	if m.searchDuration, err = meter.Float64Histogram(
		"medrag_search_duration_seconds",
		metric.WithDescription("Backend search duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search duration histogram: %w", err)
	}

	if m.ingestFiles, err = meter.Int64Counter(
		"medrag_ingest_files_total",
		metric.WithDescription("Ingested files by final state"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ingest files counter: %w", err)
	}

	if m.ingestSections, err = meter.Int64Counter(
		"medrag_ingest_sections_total",
		metric.WithDescription("Ingested sections by final state"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ingest sections counter: %w", err)
	}

	if m.procMissing, err = meter.Int64Counter(
		"medrag_procedure_missing_total",
		metric.WithDescription("Stored-procedure-missing fallbacks by procedure"),
	); err != nil {
		return nil, fmt.Errorf("failed to create procedure missing counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"medrag_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	if m.llmErrors, err = meter.Int64Counter(
		"medrag_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.embedDuration, err = meter.Float64Histogram(
		"medrag_embedding_duration_seconds",
		metric.WithDescription("Embedding request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create embedding duration histogram: %w", err)
	}

	if m.embedErrors, err = meter.Int64Counter(
		"medrag_embedding_errors_total",
		metric.WithDescription("Total embedding errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create embedding errors counter: %w", err)
	}

	if m.sessionMessages, err = meter.Int64Counter(
		"medrag_session_messages_total",
		metric.WithDescription("Persisted session messages by role"),
	); err != nil {
		return nil, fmt.Errorf("failed to create session messages counter: %w", err)
	}

	return m, nil
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, d time.Duration, err error) {
	if m == nil || m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordCacheOp(ctx context.Context, family, outcome string) {
	if m == nil || m.cacheOps == nil {
		return
	}
	m.cacheOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordSearch(ctx context.Context, kind string, d time.Duration) {
	if m == nil || m.searchDuration == nil {
		return
	}
	m.searchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordIngestFile(ctx context.Context, state string) {
	if m == nil || m.ingestFiles == nil {
		return
	}
	m.ingestFiles.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordIngestSection(ctx context.Context, state string) {
	if m == nil || m.ingestSections == nil {
		return
	}
	m.ingestSections.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordProcedureMissing(ctx context.Context, procedure string) {
	if m == nil || m.procMissing == nil {
		return
	}
	m.procMissing.Add(ctx, 1, metric.WithAttributes(attribute.String("procedure", procedure)))
}

func (m *Metrics) RecordLLMRequest(ctx context.Context, d time.Duration, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	m.llmDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.llmErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordEmbedding(ctx context.Context, d time.Duration, err error) {
	if m == nil || m.embedDuration == nil {
		return
	}
	m.embedDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.embedErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordSessionMessage(ctx context.Context, role string) {
	if m == nil || m.sessionMessages == nil {
		return
	}
	m.sessionMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
