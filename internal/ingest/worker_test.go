package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katra-memory/katra/internal/memory"
	"github.com/katra-memory/katra/internal/retrieval"
	"github.com/katra-memory/katra/internal/storage"
)

type mockIndexer struct {
	mu          sync.Mutex
	added       []memory.Record
	batches     []int
	addFn       func(ctx context.Context, recs []memory.Record) error
	neighborsFn func(ctx context.Context, rec memory.Record, k int) ([]memory.VectorMatch, error)
}

func (m *mockIndexer) AddBatch(ctx context.Context, recs []memory.Record) error {
	if m.addFn != nil {
		if err := m.addFn(ctx, recs); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, recs...)
	m.batches = append(m.batches, len(recs))
	return nil
}

func (m *mockIndexer) Neighbors(ctx context.Context, rec memory.Record, k int) ([]memory.VectorMatch, error) {
	if m.neighborsFn != nil {
		return m.neighborsFn(ctx, rec, k)
	}
	return nil, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// rememberTestMemory saves a record and enqueues its index job with a
// predictable job ID.
func rememberTestMemory(t *testing.T, store *storage.Store, rec memory.Record) memory.Record {
	t.Helper()
	saved, err := store.SaveMemory(context.Background(), rec)
	if err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}
	job := NewIndexJob(saved.ID)
	job.ID = "job-" + saved.ID
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return saved
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func runAll(t *testing.T, w *Worker) int {
	t.Helper()
	total := 0
	for {
		n, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

func TestNewIndexJob(t *testing.T) {
	job := NewIndexJob("m-1")
	if job.Type != storage.JobIndexMemory {
		t.Errorf("Type = %q, want %q", job.Type, storage.JobIndexMemory)
	}
	if job.ID == "" {
		t.Error("ID is empty")
	}
	var p map[string]string
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p["record_id"] != "m-1" {
		t.Errorf("record_id = %q, want m-1", p["record_id"])
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	rec := rememberTestMemory(t, store, memory.Record{ID: "m-1", CIID: "ci1", Content: "Hello world"})

	indexer := &mockIndexer{}
	w := NewWorker(store, indexer, Config{}, 0)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce claimed %d jobs, want 1", n)
	}

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.added) != 1 {
		t.Fatalf("indexed %d records, want 1", len(indexer.added))
	}
	if indexer.added[0].ID != rec.ID || indexer.added[0].Content != "Hello world" {
		t.Errorf("indexed %+v, want record m-1", indexer.added[0])
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-m-1'`).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_CreatesEdges(t *testing.T) {
	store := openTestStore(t)
	index := retrieval.NewVectorIndex(retrieval.NewHashEmbedder(retrieval.DefaultDimension))
	w := NewWorker(store, index, Config{}, 0)
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	rememberTestMemory(t, store, memory.Record{ID: "a", CIID: "ci1", Content: "pasta carbonara recipe", Timestamp: base})
	rememberTestMemory(t, store, memory.Record{ID: "b", CIID: "ci1", Content: "kubernetes cluster upgrade", Timestamp: base.Add(time.Minute)})
	rememberTestMemory(t, store, memory.Record{ID: "c", CIID: "ci1", Content: "pasta carbonara tonight", Timestamp: base.Add(2 * time.Minute)})

	if n := runAll(t, w); n != 3 {
		t.Fatalf("processed %d jobs, want 3", n)
	}

	ctx := context.Background()
	similar, err := store.Related(ctx, "c", memory.RelSimilar)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(similar) != 1 || similar[0].To != "a" {
		t.Fatalf("similar edges of c = %+v, want one edge to a", similar)
	}
	if similar[0].Label != "semantic similarity" || similar[0].Strength < 0.5 {
		t.Errorf("similar edge = %+v", similar[0])
	}

	back, err := store.Related(ctx, "a", memory.RelSimilar)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(back) != 1 || back[0].To != "c" {
		t.Errorf("reverse edges of a = %+v, want one edge to c", back)
	}

	seq, err := store.Related(ctx, "b", memory.RelSequential)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(seq) != 1 || seq[0].To != "c" || seq[0].Strength != 1.0 {
		t.Errorf("sequential edges of b = %+v, want b -> c at 1.0", seq)
	}

	first, err := store.Related(ctx, "a", memory.RelSequential)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(first) != 1 || first[0].To != "b" {
		t.Errorf("sequential edges of a = %+v, want a -> b", first)
	}
}

func TestWorker_SimilarEdgeLimits(t *testing.T) {
	store := openTestStore(t)
	rememberTestMemory(t, store, memory.Record{ID: "new", CIID: "ci1", Content: "x"})

	var gotK int
	indexer := &mockIndexer{
		neighborsFn: func(_ context.Context, _ memory.Record, k int) ([]memory.VectorMatch, error) {
			gotK = k
			return []memory.VectorMatch{
				{RecordID: "new", Similarity: 1.0},
				{RecordID: "close", Similarity: 0.9},
				{RecordID: "edge", Similarity: 0.6},
				{RecordID: "far", Similarity: 0.59},
			}, nil
		},
	}
	w := NewWorker(store, indexer, Config{SimilarityThreshold: 0.6, MaxSimilarEdges: 3}, 0)
	runAll(t, w)

	if gotK != 3 {
		t.Errorf("Neighbors k = %d, want 3", gotK)
	}
	edges, err := store.Related(context.Background(), "new", memory.RelSimilar)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("edges = %+v, want close and edge", edges)
	}
	for _, e := range edges {
		if e.To == "new" || e.To == "far" {
			t.Errorf("unexpected edge to %s", e.To)
		}
	}
}

func TestWorker_MissingMemoryFails(t *testing.T) {
	store := openTestStore(t)
	job := NewIndexJob("ghost")
	job.ID = "job-ghost"
	job.MaxAttempts = 1
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := NewWorker(store, &mockIndexer{}, Config{}, 0)
	runAll(t, w)

	var status, lastError string
	if err := store.DB().QueryRow(`SELECT status, last_error FROM jobs WHERE id = 'job-ghost'`).Scan(&status, &lastError); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "failed" || lastError == "" {
		t.Errorf("status=%q last_error=%q, want failed with an error", status, lastError)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	rememberTestMemory(t, store, memory.Record{ID: "r", CIID: "ci1", Content: "retry content"})

	var calls atomic.Int32
	indexer := &mockIndexer{
		addFn: func(_ context.Context, _ []memory.Record) error {
			n := calls.Add(1)
			if n <= 2 {
				return fmt.Errorf("transient error %d", n)
			}
			return nil
		},
	}
	w := NewWorker(store, indexer, Config{}, 0)

	ctx := context.Background()

	// 1st attempt: fails
	n, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce 1 claimed %d jobs, want 1", n)
	}

	var status1 string
	var attempts1 int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'job-r'`).Scan(&status1, &attempts1); err != nil {
		t.Fatalf("query after 1st fail: %v", err)
	}
	if status1 != "pending" || attempts1 != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status1, attempts1)
	}

	resetRunAfter(t, store, "job-r")

	// 2nd attempt: fails
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}

	var attempts2 int
	if err := store.DB().QueryRow(`SELECT attempts FROM jobs WHERE id = 'job-r'`).Scan(&attempts2); err != nil {
		t.Fatalf("query after 2nd fail: %v", err)
	}
	if attempts2 != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts2)
	}

	resetRunAfter(t, store, "job-r")

	// 3rd attempt: succeeds
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}

	var status3 string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-r'`).Scan(&status3); err != nil {
		t.Fatalf("query after 3rd attempt: %v", err)
	}
	if status3 != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status3)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	rememberTestMemory(t, store, memory.Record{ID: "m", CIID: "ci1", Content: "max retry content"})

	w := NewWorker(store, &mockIndexer{
		addFn: func(context.Context, []memory.Record) error { return fmt.Errorf("permanent error") },
	}, Config{}, 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		n, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if n != 1 {
			t.Fatalf("RunOnce %d claimed %d jobs, want 1", i, n)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-m")
		}
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-m'`).Scan(&status); err != nil {
		t.Fatalf("query final status: %v", err)
	}
	if status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				saved, err := store.SaveMemory(context.Background(), memory.Record{
					ID:      fmt.Sprintf("m-%d-%d", g, j),
					CIID:    "ci1",
					Content: fmt.Sprintf("content %d-%d", g, j),
				})
				if err != nil {
					t.Errorf("SaveMemory: %v", err)
					return
				}
				if err := store.EnqueueJob(NewIndexJob(saved.ID)); err != nil {
					t.Errorf("EnqueueJob %s: %v", saved.ID, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	indexer := &mockIndexer{}
	w := NewWorker(store, indexer, Config{}, 0)

	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		n, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		processed += n
	}

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.added) != total {
		t.Errorf("indexed %d records, want %d", len(indexer.added), total)
	}
	for _, size := range indexer.batches {
		if size > DefaultBatchSize {
			t.Errorf("batch of %d exceeds %d", size, DefaultBatchSize)
		}
	}
}

func TestWorker_IndexesClaimedJobsAsOneBatch(t *testing.T) {
	store := openTestStore(t)
	for _, id := range []string{"b1", "b2", "b3"} {
		rememberTestMemory(t, store, memory.Record{ID: id, CIID: "ci1", Content: "batch " + id})
	}

	indexer := &mockIndexer{}
	w := NewWorker(store, indexer, Config{BatchSize: 2}, 0)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("first RunOnce claimed %d jobs, want 2", n)
	}
	if n := runAll(t, w); n != 1 {
		t.Fatalf("remaining jobs = %d, want 1", n)
	}

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.batches) != 2 || indexer.batches[0] != 2 || indexer.batches[1] != 1 {
		t.Errorf("batches = %v, want [2 1]", indexer.batches)
	}
}

func TestWorker_BadJobDoesNotSinkBatch(t *testing.T) {
	store := openTestStore(t)
	ghost := NewIndexJob("ghost")
	ghost.ID = "job-ghost"
	ghost.MaxAttempts = 1
	if err := store.EnqueueJob(ghost); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	rememberTestMemory(t, store, memory.Record{ID: "real", CIID: "ci1", Content: "still indexed"})

	indexer := &mockIndexer{}
	w := NewWorker(store, indexer, Config{}, 0)
	if n := runAll(t, w); n != 2 {
		t.Fatalf("processed %d jobs, want 2", n)
	}

	statuses := map[string]string{}
	rows, err := store.DB().Query(`SELECT id, status FROM jobs`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			t.Fatalf("scan: %v", err)
		}
		statuses[id] = status
	}
	if statuses["job-ghost"] != "failed" || statuses["job-real"] != "completed" {
		t.Errorf("statuses = %v", statuses)
	}

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.added) != 1 || indexer.added[0].ID != "real" {
		t.Errorf("indexed %+v, want only real", indexer.added)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockIndexer{}, Config{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	rememberTestMemory(t, store, memory.Record{ID: "live", CIID: "ci1", Content: "picked up by Run"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		var status string
		if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-live'`).Scan(&status); err != nil {
			t.Fatalf("query: %v", err)
		}
		if status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not processed by Run, status %q", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
