package synthesis

import (
	"slices"
	"sort"
	"time"
)

const initialCapacity = 32

// Result is one merged candidate. Per-backend scores are kept alongside the
// combined Score so callers can see where a memory came from.
type Result struct {
	RecordID   string    `json:"record_id"`
	Content    string    `json:"content"`
	Score      float64   `json:"score"`
	Timestamp  time.Time `json:"timestamp"`
	Importance float64   `json:"importance"`

	VectorScore  float64 `json:"vector_score"`
	GraphScore   float64 `json:"graph_score"`
	SQLScore     float64 `json:"sql_score"`
	WorkingScore float64 `json:"working_score"`

	FromVector  bool `json:"from_vector"`
	FromGraph   bool `json:"from_graph"`
	FromSQL     bool `json:"from_sql"`
	FromWorking bool `json:"from_working"`
}

func (r Result) backendSum() float64 {
	return r.VectorScore + r.GraphScore + r.SQLScore + r.WorkingScore
}

// ResultSet is a deduplicated collection of results. A record id appears at
// most once; a second candidate for the same id is merged into the first.
type ResultSet struct {
	Results []Result `json:"results"`

	VectorMatches  int `json:"vector_matches"`
	GraphMatches   int `json:"graph_matches"`
	SQLMatches     int `json:"sql_matches"`
	WorkingMatches int `json:"working_matches"`

	index map[string]int
}

// NewResultSet returns an empty set.
func NewResultSet() *ResultSet {
	return &ResultSet{
		Results: make([]Result, 0, initialCapacity),
		index:   make(map[string]int, initialCapacity),
	}
}

// Len returns the number of distinct records in the set.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Results)
}

// Get looks up a result by record id.
func (rs *ResultSet) Get(id string) (Result, bool) {
	i, ok := rs.index[id]
	if !ok {
		return Result{}, false
	}
	return rs.Results[i], true
}

// Add inserts r, or merges it into the existing entry with the same id.
// Merging keeps the maximum of each per-backend score, ORs the source flags
// and sets Score to the sum of per-backend scores. It reports whether r was
// merged.
func (rs *ResultSet) Add(r Result) bool {
	if rs.index == nil {
		rs.reindex()
	}
	i, ok := rs.index[r.RecordID]
	if !ok {
		rs.index[r.RecordID] = len(rs.Results)
		rs.Results = append(rs.Results, r)
		return false
	}

	cur := &rs.Results[i]
	cur.VectorScore = max(cur.VectorScore, r.VectorScore)
	cur.GraphScore = max(cur.GraphScore, r.GraphScore)
	cur.SQLScore = max(cur.SQLScore, r.SQLScore)
	cur.WorkingScore = max(cur.WorkingScore, r.WorkingScore)
	cur.FromVector = cur.FromVector || r.FromVector
	cur.FromGraph = cur.FromGraph || r.FromGraph
	cur.FromSQL = cur.FromSQL || r.FromSQL
	cur.FromWorking = cur.FromWorking || r.FromWorking
	cur.Score = cur.backendSum()

	if cur.Content == "" {
		cur.Content = r.Content
	}
	if cur.Timestamp.IsZero() {
		cur.Timestamp = r.Timestamp
	}
	cur.Importance = max(cur.Importance, r.Importance)
	return true
}

// apply runs the combination algorithm and truncates to the option's limit.
func (rs *ResultSet) apply(opts Options) {
	switch opts.Algorithm {
	case Intersection:
		kept := rs.Results[:0]
		for _, r := range rs.Results {
			if coversEnabled(r, opts) {
				kept = append(kept, r)
			}
		}
		rs.Results = kept
	case Weighted, Hierarchical:
		for i := range rs.Results {
			rs.Results[i].Score = rs.Results[i].backendSum()
		}
	}

	// Order among equal scores is unspecified.
	sort.Slice(rs.Results, func(i, j int) bool {
		return rs.Results[i].Score > rs.Results[j].Score
	})

	if limit := opts.maxResults(); len(rs.Results) > limit {
		rs.Results = rs.Results[:limit]
	}
	rs.reindex()
}

// drop removes the results with the given ids.
func (rs *ResultSet) drop(ids []string) {
	if len(ids) == 0 {
		return
	}
	kept := rs.Results[:0]
	for _, r := range rs.Results {
		if !slices.Contains(ids, r.RecordID) {
			kept = append(kept, r)
		}
	}
	rs.Results = kept
	rs.reindex()
}

func (rs *ResultSet) reindex() {
	rs.index = make(map[string]int, len(rs.Results))
	for i, r := range rs.Results {
		rs.index[r.RecordID] = i
	}
}

func coversEnabled(r Result, opts Options) bool {
	if opts.UseVector && !r.FromVector {
		return false
	}
	if opts.UseGraph && !r.FromGraph {
		return false
	}
	if opts.UseSQL && !r.FromSQL {
		return false
	}
	if opts.UseWorking && !r.FromWorking {
		return false
	}
	return true
}
