package synthesis

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katra-memory/katra/internal/kerr"
)

func TestAddMergesByID(t *testing.T) {
	rs := NewResultSet()

	merged := rs.Add(Result{RecordID: "X", VectorScore: 0.2, GraphScore: 0.6, FromVector: true})
	assert.False(t, merged)
	merged = rs.Add(Result{RecordID: "X", VectorScore: 0.5, GraphScore: 0.1, FromGraph: true})
	assert.True(t, merged)

	require.Equal(t, 1, rs.Len())
	x, _ := rs.Get("X")
	assert.InDelta(t, 0.5, x.VectorScore, 1e-9)
	assert.InDelta(t, 0.6, x.GraphScore, 1e-9)
	assert.InDelta(t, 1.1, x.Score, 1e-9)
	assert.True(t, x.FromVector)
	assert.True(t, x.FromGraph)
}

func TestAddKeepsFirstContent(t *testing.T) {
	rs := NewResultSet()
	rs.Add(Result{RecordID: "X"})
	rs.Add(Result{RecordID: "X", Content: "late content"})
	rs.Add(Result{RecordID: "X", Content: "ignored"})

	x, _ := rs.Get("X")
	assert.Equal(t, "late content", x.Content)
}

func TestResultSetGrowsPastInitialCapacity(t *testing.T) {
	rs := NewResultSet()
	for i := 0; i < initialCapacity*3; i++ {
		rs.Add(Result{RecordID: string(rune('a'+i%26)) + string(rune('0'+i/26))})
	}
	assert.Equal(t, initialCapacity*3, rs.Len())
}

func TestIntersectionRequiresEveryEnabledBackend(t *testing.T) {
	rs := NewResultSet()
	rs.Add(Result{RecordID: "both", VectorScore: 0.1, FromVector: true})
	rs.Add(Result{RecordID: "both", GraphScore: 0.1, FromGraph: true})
	rs.Add(Result{RecordID: "vector-only", VectorScore: 0.9, FromVector: true})

	rs.apply(Options{UseVector: true, UseGraph: true, Algorithm: Intersection})
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "both", rs.Results[0].RecordID)
}

func TestNonPositiveMaxResultsUsesDefaultCap(t *testing.T) {
	for _, limit := range []int{0, -5} {
		rs := NewResultSet()
		for i := range DefaultMaxResults + 5 {
			rs.Add(Result{RecordID: string(rune('a' + i)), VectorScore: float64(i), Score: float64(i), FromVector: true})
		}
		rs.apply(Options{UseVector: true, Algorithm: Union, MaxResults: limit})
		require.Equal(t, DefaultMaxResults, rs.Len(), "limit %d", limit)
		assert.InDelta(t, float64(DefaultMaxResults+4), rs.Results[0].Score, 1e-9)
	}
}

func TestPresets(t *testing.T) {
	c, err := Preset("comprehensive")
	require.NoError(t, err)
	assert.Equal(t, Comprehensive(), c)
	assert.Equal(t, Weighted, c.Algorithm)
	assert.True(t, c.UseVector && c.UseGraph && c.UseSQL && c.UseWorking)

	f, err := Preset("FAST")
	require.NoError(t, err)
	assert.Equal(t, 10, f.MaxResults)
	assert.False(t, f.UseVector)

	_, err = Preset("psychic")
	assert.True(t, errors.Is(err, kerr.ErrInputRange))
}

func TestAlgorithmText(t *testing.T) {
	var opts Options
	require.NoError(t, json.Unmarshal([]byte(`{"algorithm":"intersection","max_results":3}`), &opts))
	assert.Equal(t, Intersection, opts.Algorithm)
	assert.Equal(t, 3, opts.MaxResults)

	out, err := json.Marshal(Relationships())
	require.NoError(t, err)
	assert.Contains(t, string(out), `"algorithm":"hierarchical"`)

	assert.Error(t, json.Unmarshal([]byte(`{"algorithm":"magic"}`), &opts))
}
