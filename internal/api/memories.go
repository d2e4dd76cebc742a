package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/ingest"
	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
	"github.com/katra-memory/katra/internal/storage"
	"github.com/katra-memory/katra/internal/synthesis"
)

const defaultImportance = 0.5

// RememberRequest is the body of POST /v1/memories.
type RememberRequest struct {
	CIID              string   `json:"ci_id"`
	SessionID         string   `json:"session_id"`
	Type              string   `json:"type"`
	Importance        *float64 `json:"importance"`
	Content           string   `json:"content"`
	Response          string   `json:"response"`
	Context           string   `json:"context"`
	Component         string   `json:"component"`
	EmotionIntensity  float64  `json:"emotion_intensity"`
	EmotionType       string   `json:"emotion_type"`
	MarkedImportant   bool     `json:"marked_important"`
	MarkedForgettable bool     `json:"marked_forgettable"`
}

func (req RememberRequest) record() (memory.Record, error) {
	rec := memory.Record{
		CIID:              req.CIID,
		SessionID:         req.SessionID,
		Importance:        defaultImportance,
		Content:           req.Content,
		Response:          req.Response,
		Context:           req.Context,
		Component:         req.Component,
		EmotionIntensity:  req.EmotionIntensity,
		EmotionType:       req.EmotionType,
		MarkedImportant:   req.MarkedImportant,
		MarkedForgettable: req.MarkedForgettable,
	}
	if req.Importance != nil {
		rec.Importance = *req.Importance
	}
	if req.Type != "" {
		t, err := memory.ParseType(req.Type)
		if err != nil {
			return memory.Record{}, err
		}
		rec.Type = t
	}
	return rec, nil
}

// Record is the JSON form of a stored memory.
type Record struct {
	ID                string    `json:"id"`
	CIID              string    `json:"ci_id"`
	SessionID         string    `json:"session_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Type              string    `json:"type"`
	Importance        float64   `json:"importance"`
	Content           string    `json:"content"`
	Response          string    `json:"response,omitempty"`
	Context           string    `json:"context,omitempty"`
	Component         string    `json:"component,omitempty"`
	Tier              int       `json:"tier"`
	EmotionIntensity  float64   `json:"emotion_intensity,omitempty"`
	EmotionType       string    `json:"emotion_type,omitempty"`
	MarkedImportant   bool      `json:"marked_important,omitempty"`
	MarkedForgettable bool      `json:"marked_forgettable,omitempty"`
}

func toRecord(r memory.Record) Record {
	return Record{
		ID:                r.ID,
		CIID:              r.CIID,
		SessionID:         r.SessionID,
		Timestamp:         r.Timestamp,
		Type:              r.Type.String(),
		Importance:        r.Importance,
		Content:           r.Content,
		Response:          r.Response,
		Context:           r.Context,
		Component:         r.Component,
		Tier:              int(r.Tier),
		EmotionIntensity:  r.EmotionIntensity,
		EmotionType:       r.EmotionType,
		MarkedImportant:   r.MarkedImportant,
		MarkedForgettable: r.MarkedForgettable,
	}
}

func toRecords(recs []memory.Record) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = toRecord(r)
	}
	return out
}

// remember stores rec, puts it in working memory and queues it for vector
// indexing and graph linking.
func remember(ctx context.Context, deps Deps, rec memory.Record) (memory.Record, error) {
	saved, err := deps.Store.SaveMemory(ctx, rec)
	if err != nil {
		return memory.Record{}, err
	}
	if deps.Working != nil {
		if err := deps.Working.Touch(saved, 1); err != nil {
			deps.Logger.Warn("working memory touch failed", "record_id", saved.ID, "error", err)
		}
	}
	if err := deps.Store.EnqueueJob(ingest.NewIndexJob(saved.ID)); err != nil {
		return saved, fmt.Errorf("saved memory %s but failed to queue indexing: %w", saved.ID, err)
	}
	return saved, nil
}

func handleRemember(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RememberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		rec, err := req.record()
		if err != nil {
			writeError(w, err)
			return
		}

		saved, err := remember(r.Context(), deps, rec)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"id":     saved.ID,
			"status": "queued",
		})
	}
}

func handleGetMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetMemory(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "memory not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get memory: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toRecord(rec))
	}
}

// submitRelated runs a related recall for recordID on the pool as a custom
// operation.
func submitRelated(deps Deps, recordID string, opts synthesis.Options, prio async.Priority) (*async.Promise, error) {
	if deps.Recaller == nil {
		return nil, fmt.Errorf("related recall not configured: %w", kerr.ErrInvalidState)
	}
	return deps.Pool.Submit("recall_related", func(ctx context.Context) (any, error) {
		rec, err := deps.Store.GetMemory(ctx, recordID)
		if err != nil {
			return nil, fmt.Errorf("loading memory %s: %w", recordID, err)
		}
		return deps.Recaller.RecallRelated(ctx, rec.CIID, rec.ID, &opts)
	}, async.WithPriority(prio))
}

// RelatedRequest is the body of POST /v1/memories/{id}/related.
type RelatedRequest struct {
	Preset   string `json:"preset"`
	WaitMS   *int   `json:"wait_ms"`
	Priority string `json:"priority"`
}

func handleRecallRelated(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RelatedRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		wait, prio, err := submitParams(req.WaitMS, req.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
		opts, err := resolveOptions(deps, req.Preset, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		pr, err := submitRelated(deps, chi.URLParam(r, "id"), opts, prio)
		if err != nil {
			writeError(w, err)
			return
		}
		respondPromise(w, r, deps, pr, wait)
	}
}
