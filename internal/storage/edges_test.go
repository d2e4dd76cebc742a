package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
)

func TestAddEdgeAndRelated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	edges := []memory.Edge{
		{From: "a", To: "b", Relation: memory.RelSimilar, Label: "semantic similarity", Strength: 0.6},
		{From: "a", To: "c", Relation: memory.RelSimilar, Label: "semantic similarity", Strength: 0.9},
		{From: "a", To: "d", Relation: memory.RelSequential, Strength: 1.0},
		{From: "b", To: "a", Relation: memory.RelSimilar, Strength: 0.6},
	}
	for _, e := range edges {
		if err := s.AddEdge(ctx, e); err != nil {
			t.Fatalf("AddEdge(%s->%s): %v", e.From, e.To, err)
		}
	}

	got, err := s.Related(ctx, "a", memory.RelSimilar)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].To != "c" || got[1].To != "b" {
		t.Errorf("order = [%s %s], want [c b]", got[0].To, got[1].To)
	}
	if got[0].Label != "semantic similarity" || got[0].CreatedAt.IsZero() {
		t.Errorf("edge fields not stored: %+v", got[0])
	}

	all, err := s.Related(ctx, "a", 0)
	if err != nil {
		t.Fatalf("Related(any): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("any relation: len = %d, want 3", len(all))
	}
	if all[0].Relation != memory.RelSequential {
		t.Errorf("strongest edge relation = %v, want sequential", all[0].Relation)
	}
}

func TestAddEdge_Upsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddEdge(ctx, memory.Edge{From: "a", To: "b", Relation: memory.RelSimilar, Strength: 0.5}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := s.AddEdge(ctx, memory.Edge{From: "a", To: "b", Relation: memory.RelSimilar, Label: "updated", Strength: 0.7}); err != nil {
		t.Fatalf("AddEdge again: %v", err)
	}

	got, err := s.Related(ctx, "a", memory.RelSimilar)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Strength != 0.7 || got[0].Label != "updated" {
		t.Errorf("edge = %+v, want strength 0.7 label updated", got[0])
	}
}

func TestAddEdge_Invalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.AddEdge(ctx, memory.Edge{From: "a", Relation: memory.RelSimilar, Strength: 0.5})
	if !errors.Is(err, kerr.ErrInputNull) {
		t.Errorf("missing endpoint: err = %v, want ErrInputNull", err)
	}
	err = s.AddEdge(ctx, memory.Edge{From: "a", To: "b", Relation: memory.RelSimilar, Strength: 1.2})
	if !errors.Is(err, kerr.ErrInputRange) {
		t.Errorf("strength 1.2: err = %v, want ErrInputRange", err)
	}
}

func TestRelated_NoEdges(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Related(context.Background(), "lonely", 0)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}
