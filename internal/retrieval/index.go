package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// addConcurrency bounds how many documents chromem writes at once.
const addConcurrency = 4

// VectorIndex is the semantic backend. Each CI gets its own chromem-go
// collection holding the embedding of every indexed memory.
type VectorIndex struct {
	db       *chromem.DB
	embedder Embedder

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewVectorIndex creates an in-memory index.
func NewVectorIndex(embedder Embedder) *VectorIndex {
	return &VectorIndex{
		db:          chromem.NewDB(),
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}
}

// OpenVectorIndex opens (or creates) an index persisted under dir.
func OpenVectorIndex(dir string, embedder Embedder) (*VectorIndex, error) {
	db, err := chromem.NewPersistentDB(dir, true)
	if err != nil {
		return nil, fmt.Errorf("opening vector index at %s: %w", dir, err)
	}
	return &VectorIndex{
		db:          db,
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func collectionName(ciID string) string {
	return "ci_" + ciID
}

// collection returns the collection for ciID, creating it when create is
// set. It returns nil when the collection does not exist and create is false.
func (v *VectorIndex) collection(ciID string, create bool) (*chromem.Collection, error) {
	v.mu.RLock()
	col, ok := v.collections[ciID]
	v.mu.RUnlock()
	if ok {
		return col, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if col, ok := v.collections[ciID]; ok {
		return col, nil
	}

	if !create {
		col = v.db.GetCollection(collectionName(ciID), v.embedder.Embed)
		if col != nil {
			v.collections[ciID] = col
		}
		return col, nil
	}

	col, err := v.db.GetOrCreateCollection(collectionName(ciID), nil, v.embedder.Embed)
	if err != nil {
		return nil, fmt.Errorf("creating collection for %s: %w", ciID, err)
	}
	v.collections[ciID] = col
	return col, nil
}

// Add indexes rec under its CI. Re-adding a record replaces its vector.
func (v *VectorIndex) Add(ctx context.Context, rec memory.Record) error {
	return v.AddBatch(ctx, []memory.Record{rec})
}

// AddBatch indexes recs, embedding their contents in one batch. Records may
// belong to different CIs. Re-adding a record replaces its vector.
func (v *VectorIndex) AddBatch(ctx context.Context, recs []memory.Record) error {
	if len(recs) == 0 {
		return nil
	}
	texts := make([]string, len(recs))
	for i, rec := range recs {
		if rec.ID == "" || rec.CIID == "" {
			return fmt.Errorf("indexing record: %w", kerr.ErrInputNull)
		}
		texts[i] = rec.Content
	}
	vecs, err := v.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d records: %w", len(recs), err)
	}

	byCI := make(map[string][]chromem.Document)
	for i, rec := range recs {
		byCI[rec.CIID] = append(byCI[rec.CIID], chromem.Document{
			ID:        rec.ID,
			Content:   rec.Content,
			Embedding: vecs[i],
			Metadata: map[string]string{
				"ci_id":     rec.CIID,
				"type":      rec.Type.String(),
				"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	for ciID, docs := range byCI {
		col, err := v.collection(ciID, true)
		if err != nil {
			return err
		}
		if err := col.AddDocuments(ctx, docs, addConcurrency); err != nil {
			return fmt.Errorf("adding %d records to vector index for %s: %w", len(docs), ciID, err)
		}
	}
	return nil
}

// Search returns up to k records of ciID most similar to query, best first.
// Similarities are clamped to [0,1].
func (v *VectorIndex) Search(ctx context.Context, ciID, query string, k int) ([]memory.VectorMatch, error) {
	if ciID == "" || query == "" {
		return nil, fmt.Errorf("vector search: %w", kerr.ErrInputNull)
	}
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return v.search(ctx, ciID, vec, k)
}

// Neighbors returns up to k records of rec's CI most similar to rec,
// excluding rec itself.
func (v *VectorIndex) Neighbors(ctx context.Context, rec memory.Record, k int) ([]memory.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := v.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return nil, fmt.Errorf("embedding record %s: %w", rec.ID, err)
	}
	matches, err := v.search(ctx, rec.CIID, vec, k+1)
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if m.RecordID != rec.ID {
			out = append(out, m)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (v *VectorIndex) search(ctx context.Context, ciID string, vec []float32, k int) ([]memory.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	col, err := v.collection(ciID, false)
	if err != nil || col == nil {
		return nil, err
	}
	// chromem rejects a result count larger than the collection.
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying vector index for %s: %w", ciID, err)
	}
	matches := make([]memory.VectorMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, memory.VectorMatch{
			RecordID:   r.ID,
			Similarity: clamp01(float64(r.Similarity)),
		})
	}
	return matches, nil
}

// Count returns how many records are indexed for ciID.
func (v *VectorIndex) Count(ciID string) int {
	col, err := v.collection(ciID, false)
	if err != nil || col == nil {
		return 0
	}
	return col.Count()
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
