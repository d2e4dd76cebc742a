// Package memory holds the record, query and relationship types shared by the
// storage tiers, the synthesis orchestrator and the async runtime.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/katra-memory/katra/internal/kerr"
)

// DefaultQueryLimit is used when a Query carries no positive Limit.
const DefaultQueryLimit = 20

// Type classifies what kind of thought a record holds.
type Type int

const (
	TypeExperience Type = iota + 1
	TypeKnowledge
	TypeReflection
	TypePattern
	TypeGoal
	TypeDecision
)

var typeNames = map[Type]string{
	TypeExperience: "experience",
	TypeKnowledge:  "knowledge",
	TypeReflection: "reflection",
	TypePattern:    "pattern",
	TypeGoal:       "goal",
	TypeDecision:   "decision",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "any"
}

// ParseType converts a type name into a Type. The empty string and "any" map
// to the zero Type, which matches every record in a Query.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "any" {
		return 0, nil
	}
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q: %w", s, kerr.ErrInputRange)
}

// Tier is the storage tier a record lives in. Only Tier1 is written here.
type Tier int

const (
	Tier1 Tier = iota + 1
	Tier2
	Tier3
)

// Record is a single stored memory.
type Record struct {
	ID        string
	CIID      string
	SessionID string
	Timestamp time.Time
	Type      Type
	// Importance is in [0,1].
	Importance float64
	Content    string
	Response   string
	Context    string
	Component  string
	Tier       Tier
	Archived   bool

	LastAccessed time.Time
	AccessCount  int

	EmotionIntensity float64
	EmotionType      string

	MarkedImportant   bool
	MarkedForgettable bool
}

// Validate reports whether r can be persisted.
func (r Record) Validate() error {
	if r.CIID == "" {
		return fmt.Errorf("record ci_id: %w", kerr.ErrInputNull)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("record content: %w", kerr.ErrInputNull)
	}
	if r.Importance < 0 || r.Importance > 1 {
		return fmt.Errorf("record importance %.2f outside [0,1]: %w", r.Importance, kerr.ErrInputRange)
	}
	return nil
}

// Query is the structured tier-1 query. Zero values mean "unbounded".
type Query struct {
	CIID          string
	Start         time.Time
	End           time.Time
	Type          Type
	MinImportance float64
	Tier          Tier
	Limit         int
}

// EffectiveLimit returns Limit, or DefaultQueryLimit when Limit is not positive.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}
