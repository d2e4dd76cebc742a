package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katra-memory/katra/internal/kerr"
)

func TestRecordValidate(t *testing.T) {
	ok := Record{CIID: "ci1", Content: "made pasta", Importance: 0.5}
	require.NoError(t, ok.Validate())

	noCI := ok
	noCI.CIID = ""
	assert.True(t, errors.Is(noCI.Validate(), kerr.ErrInputNull))

	blank := ok
	blank.Content = "   "
	assert.True(t, errors.Is(blank.Validate(), kerr.ErrInputNull))

	heavy := ok
	heavy.Importance = 1.5
	assert.True(t, errors.Is(heavy.Validate(), kerr.ErrInputRange))
}

func TestParseType(t *testing.T) {
	got, err := ParseType("Reflection")
	require.NoError(t, err)
	assert.Equal(t, TypeReflection, got)

	got, err = ParseType("")
	require.NoError(t, err)
	assert.Equal(t, Type(0), got)

	_, err = ParseType("dream")
	assert.True(t, errors.Is(err, kerr.ErrInputRange))
}

func TestRelationRoundTrip(t *testing.T) {
	for r := RelSequential; r <= RelCustom; r++ {
		parsed, err := ParseRelation(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	assert.Equal(t, "unknown", Relation(42).String())
}

func TestQueryEffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultQueryLimit, Query{}.EffectiveLimit())
	assert.Equal(t, 7, Query{Limit: 7}.EffectiveLimit())
}
