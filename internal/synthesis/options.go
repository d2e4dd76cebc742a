package synthesis

import (
	"fmt"
	"strings"

	"github.com/katra-memory/katra/internal/kerr"
)

// DefaultMaxResults caps a result set when Options.MaxResults is not positive.
const DefaultMaxResults = 20

// Algorithm selects how merged candidates are combined into the final ranking.
type Algorithm int

const (
	Union Algorithm = iota
	Intersection
	Weighted
	Hierarchical
)

var algorithmNames = [...]string{
	Union:        "union",
	Intersection: "intersection",
	Weighted:     "weighted",
	Hierarchical: "hierarchical",
}

func (a Algorithm) String() string {
	if a < Union || a > Hierarchical {
		return "unknown"
	}
	return algorithmNames[a]
}

// ParseAlgorithm accepts the lower-case names returned by Algorithm.String.
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a := Union; a <= Hierarchical; a++ {
		if algorithmNames[a] == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown synthesis algorithm %q: %w", s, kerr.ErrInputRange)
}

// Options controls which backends a synthesized recall consults and how their
// scores are weighted.
type Options struct {
	UseVector  bool `json:"use_vector" yaml:"use_vector"`
	UseGraph   bool `json:"use_graph" yaml:"use_graph"`
	UseSQL     bool `json:"use_sql" yaml:"use_sql"`
	UseWorking bool `json:"use_working" yaml:"use_working"`

	WeightVector  float64 `json:"weight_vector" yaml:"weight_vector"`
	WeightGraph   float64 `json:"weight_graph" yaml:"weight_graph"`
	WeightSQL     float64 `json:"weight_sql" yaml:"weight_sql"`
	WeightWorking float64 `json:"weight_working" yaml:"weight_working"`

	SimilarityThreshold float64   `json:"similarity_threshold" yaml:"similarity_threshold"`
	MaxResults          int       `json:"max_results" yaml:"max_results"`
	Algorithm           Algorithm `json:"algorithm" yaml:"algorithm"`
}

func (o Options) maxResults() int {
	if o.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return o.MaxResults
}

// Comprehensive queries every backend and ranks by the weighted sum.
func Comprehensive() Options {
	return Options{
		UseVector: true, UseGraph: true, UseSQL: true, UseWorking: true,
		WeightVector: 0.3, WeightGraph: 0.3, WeightSQL: 0.3, WeightWorking: 0.1,
		SimilarityThreshold: 0.3,
		MaxResults:          20,
		Algorithm:           Weighted,
	}
}

// Semantic favours meaning over keywords.
func Semantic() Options {
	return Options{
		UseVector: true, UseWorking: true,
		WeightVector: 0.8, WeightWorking: 0.2,
		SimilarityThreshold: 0.3,
		MaxResults:          20,
		Algorithm:           Union,
	}
}

// Relationships follows graph connections, backed by keyword recall.
func Relationships() Options {
	return Options{
		UseGraph: true, UseSQL: true,
		WeightGraph: 0.7, WeightSQL: 0.3,
		SimilarityThreshold: 0.3,
		MaxResults:          20,
		Algorithm:           Hierarchical,
	}
}

// Fast skips the vector and graph backends.
func Fast() Options {
	return Options{
		UseSQL: true, UseWorking: true,
		WeightSQL: 0.5, WeightWorking: 0.5,
		SimilarityThreshold: 0.3,
		MaxResults:          10,
		Algorithm:           Union,
	}
}

// Preset returns the named option preset.
func Preset(name string) (Options, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "comprehensive":
		return Comprehensive(), nil
	case "semantic":
		return Semantic(), nil
	case "relationships":
		return Relationships(), nil
	case "fast":
		return Fast(), nil
	}
	return Options{}, fmt.Errorf("unknown synthesis preset %q: %w", name, kerr.ErrInputRange)
}

func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
