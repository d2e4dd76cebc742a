// Package ingest links newly remembered records into the rest of memory:
// each record is added to the vector index and given graph edges to its
// semantic neighbours and to the record that preceded it.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/katra-memory/katra/internal/memory"
	"github.com/katra-memory/katra/internal/storage"
)

// Defaults for zero Config fields.
const (
	DefaultSimilarityThreshold = 0.5
	DefaultMaxSimilarEdges     = 5
	DefaultBatchSize           = 16
)

const (
	labelSimilar    = "semantic similarity"
	labelSequential = "temporal sequence"
)

// JobStore abstracts the job queue and the record and edge operations the
// worker needs.
type JobStore interface {
	ClaimJobs(types []string, limit int) ([]*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetMemory(ctx context.Context, id string) (memory.Record, error)
	PreviousMemoryID(ctx context.Context, rec memory.Record) (string, error)
	AddEdge(ctx context.Context, e memory.Edge) error
}

// VectorIndexer adds records to the vector index and finds their neighbours.
type VectorIndexer interface {
	AddBatch(ctx context.Context, recs []memory.Record) error
	Neighbors(ctx context.Context, rec memory.Record, k int) ([]memory.VectorMatch, error)
}

// Config tunes automatic edge creation.
type Config struct {
	// SimilarityThreshold is the minimum similarity for a Similar edge.
	SimilarityThreshold float64
	// MaxSimilarEdges caps how many neighbours a record is linked to.
	MaxSimilarEdges int
	// BatchSize caps how many jobs one RunOnce claims and indexes together.
	BatchSize int
}

// Worker processes memory_index jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	vectors VectorIndexer
	cfg     Config
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms. Zero Config fields take
// their defaults.
func NewWorker(store JobStore, vectors VectorIndexer, cfg Config, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.MaxSimilarEdges <= 0 {
		cfg.MaxSimilarEdges = DefaultMaxSimilarEdges
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Worker{
		store:   store,
		vectors: vectors,
		cfg:     cfg,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims up to BatchSize memory_index jobs, adds their records to
// the vector index in one batch and then links each record. It returns how
// many jobs it claimed, whether they succeeded or failed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimJobs([]string{storage.JobIndexMemory}, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	recs := make([]memory.Record, 0, len(jobs))
	loaded := make([]*storage.Job, 0, len(jobs))
	for _, job := range jobs {
		rec, err := w.loadRecord(ctx, job)
		if err != nil {
			w.fail(job, err)
			continue
		}
		recs = append(recs, rec)
		loaded = append(loaded, job)
	}
	if len(recs) == 0 {
		return len(jobs), nil
	}

	if err := w.vectors.AddBatch(ctx, recs); err != nil {
		err = fmt.Errorf("indexing vectors: %w", err)
		for _, job := range loaded {
			w.fail(job, err)
		}
		return len(jobs), nil
	}

	var errs []error
	for i, job := range loaded {
		if err := w.link(ctx, recs[i]); err != nil {
			w.fail(job, err)
			continue
		}
		if err := w.store.CompleteJob(job.ID); err != nil {
			errs = append(errs, fmt.Errorf("completing job %s: %w", job.ID, err))
		}
	}
	return len(jobs), errors.Join(errs...)
}

func (w *Worker) fail(job *storage.Job, err error) {
	w.logger.Warn("job failed", "job_id", job.ID, "error", err)
	if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
	}
}

type indexPayload struct {
	RecordID string `json:"record_id"`
}

// NewIndexJob builds the job that links recordID into memory.
func NewIndexJob(recordID string) storage.Job {
	payload, _ := json.Marshal(indexPayload{RecordID: recordID})
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobIndexMemory,
		PayloadJSON: string(payload),
	}
}

func (w *Worker) loadRecord(ctx context.Context, job *storage.Job) (memory.Record, error) {
	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return memory.Record{}, fmt.Errorf("parsing payload: %w", err)
	}
	rec, err := w.store.GetMemory(ctx, payload.RecordID)
	if err != nil {
		return memory.Record{}, fmt.Errorf("loading memory %s: %w", payload.RecordID, err)
	}
	return rec, nil
}

// link gives an indexed record its Similar and Sequential edges.
func (w *Worker) link(ctx context.Context, rec memory.Record) error {
	similar, err := w.linkSimilar(ctx, rec)
	if err != nil {
		return err
	}
	sequential, err := w.linkPrevious(ctx, rec)
	if err != nil {
		return err
	}

	w.logger.Debug("memory linked", "record_id", rec.ID, "ci_id", rec.CIID,
		"similar_edges", similar, "sequential_edges", sequential)
	return nil
}

// linkSimilar adds bidirectional Similar edges between rec and its closest
// neighbours above the threshold.
func (w *Worker) linkSimilar(ctx context.Context, rec memory.Record) (int, error) {
	matches, err := w.vectors.Neighbors(ctx, rec, w.cfg.MaxSimilarEdges)
	if err != nil {
		return 0, fmt.Errorf("finding neighbours: %w", err)
	}

	created := 0
	for _, m := range matches {
		if m.RecordID == rec.ID || m.Similarity < w.cfg.SimilarityThreshold {
			continue
		}
		for _, e := range []memory.Edge{
			{From: rec.ID, To: m.RecordID},
			{From: m.RecordID, To: rec.ID},
		} {
			e.Relation = memory.RelSimilar
			e.Label = labelSimilar
			e.Strength = m.Similarity
			if err := w.store.AddEdge(ctx, e); err != nil {
				return created, fmt.Errorf("adding similar edge %s -> %s: %w", e.From, e.To, err)
			}
			created++
		}
	}
	return created, nil
}

// linkPrevious adds a full-strength Sequential edge from the CI's previous
// memory to rec.
func (w *Worker) linkPrevious(ctx context.Context, rec memory.Record) (int, error) {
	prev, err := w.store.PreviousMemoryID(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("finding previous memory: %w", err)
	}
	if prev == "" || prev == rec.ID {
		return 0, nil
	}
	err = w.store.AddEdge(ctx, memory.Edge{
		From:     prev,
		To:       rec.ID,
		Relation: memory.RelSequential,
		Label:    labelSequential,
		Strength: 1.0,
	})
	if err != nil {
		return 0, fmt.Errorf("adding sequential edge %s -> %s: %w", prev, rec.ID, err)
	}
	return 1, nil
}
