package server

import (
	"net/http"
	"time"
)

type healthCheck struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Chunks.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// handleHealthDetailed probes every backend and reports per-check
// latency. Optional backends report as disabled rather than failing
// the aggregate.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks := map[string]healthCheck{}
	healthy := true

	start := time.Now()
	if err := s.opts.Chunks.Ping(r.Context()); err != nil {
		checks["chunk_store"] = healthCheck{
			Status:    "unhealthy",
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     err.Error(),
		}
		healthy = false
	} else {
		checks["chunk_store"] = healthCheck{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
	}

	if s.opts.Graph != nil {
		start = time.Now()
		if err := s.opts.Graph.Ping(r.Context()); err != nil {
			checks["graph_store"] = healthCheck{
				Status:    "unhealthy",
				LatencyMs: time.Since(start).Milliseconds(),
				Error:     err.Error(),
			}
			healthy = false
		} else {
			checks["graph_store"] = healthCheck{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
		}
	} else {
		checks["graph_store"] = healthCheck{Status: "disabled"}
	}

	if s.opts.Cache != nil && s.opts.Cache.Enabled() {
		start = time.Now()
		if s.opts.Cache.Health(r.Context()) {
			checks["cache"] = healthCheck{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
		} else {
			// Cache failures degrade to misses, not outages.
			checks["cache"] = healthCheck{
				Status:    "degraded",
				LatencyMs: time.Since(start).Milliseconds(),
			}
		}
	} else {
		checks["cache"] = healthCheck{Status: "disabled"}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleDatabaseStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.opts.Chunks.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"open_connections":    stats.OpenConnections,
		"in_use":              stats.InUse,
		"idle":                stats.Idle,
		"max_open":            stats.MaxOpenConnections,
		"wait_count":          stats.WaitCount,
		"wait_duration_ms":    stats.WaitDuration.Milliseconds(),
		"max_idle_closed":     stats.MaxIdleClosed,
		"max_lifetime_closed": stats.MaxLifetimeClosed,
	})
}
