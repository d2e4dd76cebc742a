// Package synthesis fans a recall out to the vector, graph, keyword and
// working-memory backends and merges their scored candidates into one
// ranked, deduplicated result set.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
)

// Each source node contributes at most this many graph neighbours.
const maxGraphExpansions = 5

// Backend names, as reported to observers and in logs.
const (
	BackendVector  = "vector"
	BackendGraph   = "graph"
	BackendSQL     = "sql"
	BackendWorking = "working"
)

// VectorBackend finds records semantically similar to a query.
type VectorBackend interface {
	Search(ctx context.Context, ciID, query string, k int) ([]memory.VectorMatch, error)
}

// GraphBackend returns the outgoing edges of a record.
type GraphBackend interface {
	Related(ctx context.Context, recordID string, rel memory.Relation) ([]memory.Edge, error)
}

// KeywordBackend returns the content of records mentioning a topic.
type KeywordBackend interface {
	RecallAbout(ctx context.Context, ciID, topic string) ([]string, error)
}

// WorkingMatch is a record currently held in working memory.
type WorkingMatch struct {
	RecordID  string
	Content   string
	Attention float64
	Timestamp time.Time
}

// WorkingBackend exposes the working-memory attention cache.
type WorkingBackend interface {
	Attention(ctx context.Context, ciID, query string) ([]WorkingMatch, error)
}

// RecordLookup loads full records so id-only hits can be given content.
type RecordLookup interface {
	GetMemories(ctx context.Context, ids []string) ([]memory.Record, error)
}

// Backends groups the collaborators. Any of them may be nil; a nil backend is
// skipped even when enabled in Options.
type Backends struct {
	Vector  VectorBackend
	Graph   GraphBackend
	Keyword KeywordBackend
	Working WorkingBackend
	Records RecordLookup
}

// Orchestrator runs synthesized recalls against a fixed set of backends.
type Orchestrator struct {
	backends Backends
	observe  func(backend string, matches int)
	now      func() time.Time
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator over b.
func NewOrchestrator(b Backends) *Orchestrator {
	return &Orchestrator{
		backends: b,
		observe:  func(string, int) {},
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// SetObserver registers fn to be told how many candidates each backend pass
// produced.
func (o *Orchestrator) SetObserver(fn func(backend string, matches int)) {
	if fn == nil {
		fn = func(string, int) {}
	}
	o.observe = fn
}

// Recall synthesizes memories about query for ciID. A nil opts uses
// Comprehensive. Backend failures are logged and skipped; the only errors
// returned are missing inputs and cancellation of ctx.
func (o *Orchestrator) Recall(ctx context.Context, ciID, query string, opts *Options) (*ResultSet, error) {
	return o.recall(ctx, ciID, query, opts, nil)
}

// RecallRelated synthesizes memories connected to recordID. The id doubles
// as the query text and the graph pass also expands from recordID itself.
// The anchor is never part of its own result set.
func (o *Orchestrator) RecallRelated(ctx context.Context, ciID, recordID string, opts *Options) (*ResultSet, error) {
	return o.recall(ctx, ciID, recordID, opts, []string{recordID})
}

// WhatDoIKnow returns everything the backends know about concept.
func (o *Orchestrator) WhatDoIKnow(ctx context.Context, ciID, concept string, opts *Options) (*ResultSet, error) {
	return o.recall(ctx, ciID, concept, opts, nil)
}

func (o *Orchestrator) recall(ctx context.Context, ciID, query string, opts *Options, anchors []string) (*ResultSet, error) {
	if ciID == "" {
		return nil, fmt.Errorf("synthesis ci_id: %w", kerr.ErrInputNull)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("synthesis query: %w", kerr.ErrInputNull)
	}
	cfg := Comprehensive()
	if opts != nil {
		cfg = *opts
	}

	rs := NewResultSet()
	passes := []struct {
		name    string
		enabled bool
		run     func(context.Context, *ResultSet, string, string, Options) (int, error)
	}{
		{BackendVector, cfg.UseVector && o.backends.Vector != nil, o.vectorPass},
		{BackendGraph, cfg.UseGraph && o.backends.Graph != nil, func(ctx context.Context, rs *ResultSet, _, _ string, opts Options) (int, error) {
			return o.graphPass(ctx, rs, anchors, opts)
		}},
		{BackendSQL, cfg.UseSQL && o.backends.Keyword != nil, o.sqlPass},
		{BackendWorking, cfg.UseWorking && o.backends.Working != nil, o.workingPass},
	}

	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("synthesis for %s: %w (%v)", ciID, kerr.ErrCancelled, err)
		}
		if !p.enabled {
			o.logger.Debug("synthesis backend skipped", "backend", p.name, "ci_id", ciID)
			continue
		}
		n, err := p.run(ctx, rs, ciID, query, cfg)
		if err != nil {
			o.logger.Warn("synthesis backend failed", "backend", p.name, "ci_id", ciID, "error", err)
			continue
		}
		o.observe(p.name, n)
	}

	rs.drop(anchors)
	rs.apply(cfg)
	o.hydrate(ctx, rs)

	o.logger.Debug("synthesis complete",
		"ci_id", ciID,
		"results", rs.Len(),
		"vector", rs.VectorMatches,
		"graph", rs.GraphMatches,
		"sql", rs.SQLMatches,
		"working", rs.WorkingMatches,
	)
	return rs, nil
}

func (o *Orchestrator) vectorPass(ctx context.Context, rs *ResultSet, ciID, query string, opts Options) (int, error) {
	matches, err := o.backends.Vector.Search(ctx, ciID, query, opts.maxResults())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range matches {
		if m.Similarity < opts.SimilarityThreshold {
			continue
		}
		score := m.Similarity * opts.WeightVector
		rs.Add(Result{
			RecordID:    m.RecordID,
			Score:       score,
			VectorScore: score,
			FromVector:  true,
		})
		n++
	}
	rs.VectorMatches += n
	return n, nil
}

// graphPass expands from the candidates gathered so far and from anchors,
// not from the query. Anchors are never added as results.
func (o *Orchestrator) graphPass(ctx context.Context, rs *ResultSet, anchors []string, opts Options) (int, error) {
	sources := make([]string, 0, rs.Len()+len(anchors))
	for _, r := range rs.Results {
		sources = append(sources, r.RecordID)
	}
	for _, id := range anchors {
		if _, ok := rs.Get(id); !ok {
			sources = append(sources, id)
		}
	}

	n := 0
	for _, from := range sources {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		edges, err := o.backends.Graph.Related(ctx, from, memory.RelSimilar)
		if err != nil {
			o.logger.Debug("graph expansion failed", "record_id", from, "error", err)
			continue
		}
		if len(edges) > maxGraphExpansions {
			edges = edges[:maxGraphExpansions]
		}
		for _, e := range edges {
			if slices.Contains(anchors, e.To) {
				continue
			}
			score := e.Strength * opts.WeightGraph
			rs.Add(Result{
				RecordID:   e.To,
				Score:      score,
				GraphScore: score,
				FromGraph:  true,
			})
			n++
		}
	}
	rs.GraphMatches += n
	return n, nil
}

// sqlPass wraps keyword recall. Keyword hits carry no record id, so each gets
// a synthesized one and never merges with hits from other backends.
func (o *Orchestrator) sqlPass(ctx context.Context, rs *ResultSet, ciID, query string, opts Options) (int, error) {
	contents, err := o.backends.Keyword.RecallAbout(ctx, ciID, query)
	if err != nil {
		return 0, err
	}
	if limit := opts.maxResults(); len(contents) > limit {
		contents = contents[:limit]
	}
	now := o.now()
	for i, c := range contents {
		rs.Add(Result{
			RecordID:  fmt.Sprintf("sql_%d_%d", i, now.Unix()),
			Content:   c,
			Score:     opts.WeightSQL,
			SQLScore:  opts.WeightSQL,
			FromSQL:   true,
			Timestamp: now,
		})
	}
	rs.SQLMatches += len(contents)
	return len(contents), nil
}

func (o *Orchestrator) workingPass(ctx context.Context, rs *ResultSet, ciID, query string, opts Options) (int, error) {
	matches, err := o.backends.Working.Attention(ctx, ciID, query)
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		score := m.Attention * opts.WeightWorking
		rs.Add(Result{
			RecordID:     m.RecordID,
			Content:      m.Content,
			Score:        score,
			WorkingScore: score,
			FromWorking:  true,
			Timestamp:    m.Timestamp,
		})
	}
	rs.WorkingMatches += len(matches)
	return len(matches), nil
}

// hydrate fills content, timestamp and importance for id-only hits.
func (o *Orchestrator) hydrate(ctx context.Context, rs *ResultSet) {
	if o.backends.Records == nil {
		return
	}
	var ids []string
	for _, r := range rs.Results {
		if r.Content == "" {
			ids = append(ids, r.RecordID)
		}
	}
	if len(ids) == 0 {
		return
	}
	recs, err := o.backends.Records.GetMemories(ctx, ids)
	if err != nil {
		o.logger.Warn("loading synthesized records failed", "count", len(ids), "error", err)
		return
	}
	for _, rec := range recs {
		i, ok := rs.index[rec.ID]
		if !ok {
			continue
		}
		r := &rs.Results[i]
		r.Content = rec.Content
		r.Timestamp = rec.Timestamp
		r.Importance = rec.Importance
	}
}
