package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/katra-memory/katra/internal/kerr"
)

// Relation is the kind of edge between two records.
type Relation int

const (
	RelSequential Relation = iota + 1
	RelCausal
	RelSimilar
	RelContrasts
	RelElaborates
	RelReferences
	RelResolves
	RelCustom
)

var relationNames = [...]string{
	RelSequential: "sequential",
	RelCausal:     "causal",
	RelSimilar:    "similar",
	RelContrasts:  "contrasts",
	RelElaborates: "elaborates",
	RelReferences: "references",
	RelResolves:   "resolves",
	RelCustom:     "custom",
}

func (r Relation) String() string {
	if r < RelSequential || r > RelCustom {
		return "unknown"
	}
	return relationNames[r]
}

// ParseRelation is the inverse of Relation.String.
func ParseRelation(s string) (Relation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r := RelSequential; r <= RelCustom; r++ {
		if relationNames[r] == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown relation %q: %w", s, kerr.ErrInputRange)
}

// Edge is a directed, weighted relationship between two records.
type Edge struct {
	From     string
	To       string
	Relation Relation
	Label    string
	// Strength is in [0,1].
	Strength  float64
	CreatedAt time.Time
}

// VectorMatch is one semantic-similarity hit.
type VectorMatch struct {
	RecordID   string
	Similarity float64
}
