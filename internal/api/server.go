// Package api exposes the memory engine over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
	"github.com/katra-memory/katra/internal/storage"
	"github.com/katra-memory/katra/internal/synthesis"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Store is the persistence the API writes through.
type Store interface {
	SaveMemory(ctx context.Context, rec memory.Record) (memory.Record, error)
	GetMemory(ctx context.Context, id string) (memory.Record, error)
	EnqueueJob(job storage.Job) error
	JobCounts() (map[string]int, error)
}

// AttentionTracker records that a memory was just touched and fades
// attention over time.
type AttentionTracker interface {
	Touch(rec memory.Record, attention float64) error
	Decay(ciID string, rate float64)
}

// Recaller runs the synthesized recalls that start from something other
// than a free-text query.
type Recaller interface {
	RecallRelated(ctx context.Context, ciID, recordID string, opts *synthesis.Options) (*synthesis.ResultSet, error)
	WhatDoIKnow(ctx context.Context, ciID, concept string, opts *synthesis.Options) (*synthesis.ResultSet, error)
}

// IndexCounter reports how many memories of a CI are vector indexed.
type IndexCounter interface {
	Count(ciID string) int
}

// Deps holds the collaborators shared by the HTTP and MCP surfaces.
type Deps struct {
	Store Store
	Pool  *async.Pool
	// Promises tracks promises handed out to HTTP clients. When nil a
	// registry of DefaultMaxPromises is created.
	Promises *Registry
	Working  AttentionTracker // optional
	// Recaller serves related and knowledge recall, which are rejected
	// without it.
	Recaller Recaller
	Index    IndexCounter // optional
	// Preset is used by synthesized recalls that name no preset.
	Preset synthesis.Options
	Token  string
	Logger *slog.Logger
}

func (d *Deps) setDefaults() {
	if d.Promises == nil {
		d.Promises = NewRegistry(DefaultMaxPromises)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Preset == (synthesis.Options{}) {
		d.Preset = synthesis.Comprehensive()
	}
}

// NewHandler returns the HTTP API. /health and /metrics are always open;
// /v1 requires a bearer token when deps.Token is set.
func NewHandler(deps Deps) http.Handler {
	deps.setDefaults()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(deps.Logger))
	r.Use(metricsMiddleware)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/memories", handleRemember(deps))
		r.Get("/memories/{id}", handleGetMemory(deps))
		r.Post("/memories/{id}/related", handleRecallRelated(deps))

		r.Post("/recall", handleRecall(deps))
		r.Post("/recall/synthesized", handleRecallSynthesized(deps))
		r.Post("/query", handleQuery(deps))
		r.Post("/know", handleWhatDoIKnow(deps))

		r.Get("/promises/{id}", handleGetPromise(deps))
		r.Delete("/promises/{id}", handleCancelPromise(deps))

		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Pool     PoolStats      `json:"pool"`
	Promises int            `json:"promises"`
	Jobs     map[string]int `json:"jobs"`
}

// PoolStats mirrors async.Stats with JSON names and millisecond durations.
type PoolStats struct {
	Workers            int    `json:"workers"`
	Active             int    `json:"active"`
	Idle               int    `json:"idle"`
	Queued             int    `json:"queued"`
	MinWorkers         int    `json:"min_workers"`
	MaxWorkers         int    `json:"max_workers"`
	QueueCapacity      int    `json:"queue_capacity"`
	Completed          uint64 `json:"completed"`
	Failed             uint64 `json:"failed"`
	Cancelled          uint64 `json:"cancelled"`
	TotalExecutionMS   int64  `json:"total_execution_ms"`
	AverageExecutionMS int64  `json:"average_execution_ms"`
}

func toPoolStats(s async.Stats) PoolStats {
	return PoolStats{
		Workers:            s.Workers,
		Active:             s.Active,
		Idle:               s.Idle,
		Queued:             s.Queued,
		MinWorkers:         s.MinWorkers,
		MaxWorkers:         s.MaxWorkers,
		QueueCapacity:      s.QueueCapacity,
		Completed:          s.Completed,
		Failed:             s.Failed,
		Cancelled:          s.Cancelled,
		TotalExecutionMS:   s.TotalExecution.Milliseconds(),
		AverageExecutionMS: s.AverageExecution.Milliseconds(),
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := collectStats(deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// loggingMiddleware logs each request using the structured logger.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeError maps an engine error onto an HTTP status and writes it along
// with the engine's numeric error code.
func writeError(w http.ResponseWriter, err error) {
	status, errType := statusFor(err)
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    errType,
			"code":    kerr.Code(err),
		},
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, kerr.ErrInputNull), errors.Is(err, kerr.ErrInputRange):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, kerr.ErrQueueFull):
		return http.StatusServiceUnavailable, "overloaded_error"
	case errors.Is(err, kerr.ErrCancelled):
		return http.StatusGone, "cancelled"
	case errors.Is(err, kerr.ErrInvalidState):
		return http.StatusConflict, "invalid_state_error"
	case errors.Is(err, kerr.ErrBackend):
		return http.StatusBadGateway, "backend_error"
	}
	return http.StatusInternalServerError, "api_error"
}
