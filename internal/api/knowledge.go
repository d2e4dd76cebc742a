package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/synthesis"
)

// KnowRequest is the body of POST /v1/know.
type KnowRequest struct {
	CIID     string `json:"ci_id"`
	Concept  string `json:"concept"`
	Preset   string `json:"preset"`
	WaitMS   *int   `json:"wait_ms"`
	Priority string `json:"priority"`
}

// Knowledge answers what a CI knows about a concept.
type Knowledge struct {
	CIID    string `json:"ci_id"`
	Concept string `json:"concept"`
	// Indexed is how many of the CI's memories are vector indexed, or -1
	// when no index is configured.
	Indexed   int                  `json:"indexed"`
	Synthesis *synthesis.ResultSet `json:"synthesis"`
}

// submitKnowledge runs a what-do-I-know recall on the pool as a custom
// operation.
func submitKnowledge(deps Deps, ciID, concept string, opts synthesis.Options, prio async.Priority) (*async.Promise, error) {
	if deps.Recaller == nil {
		return nil, fmt.Errorf("knowledge recall not configured: %w", kerr.ErrInvalidState)
	}
	if ciID == "" {
		return nil, fmt.Errorf("ci_id: %w", kerr.ErrInputNull)
	}
	if strings.TrimSpace(concept) == "" {
		return nil, fmt.Errorf("concept: %w", kerr.ErrInputNull)
	}
	return deps.Pool.Submit("what_do_i_know", func(ctx context.Context) (any, error) {
		rs, err := deps.Recaller.WhatDoIKnow(ctx, ciID, concept, &opts)
		if err != nil {
			return nil, err
		}
		k := &Knowledge{CIID: ciID, Concept: concept, Indexed: -1, Synthesis: rs}
		if deps.Index != nil {
			k.Indexed = deps.Index.Count(ciID)
		}
		return k, nil
	}, async.WithPriority(prio))
}

func handleWhatDoIKnow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KnowRequest
		if !decodeBody(w, r, &req) {
			return
		}
		wait, prio, err := submitParams(req.WaitMS, req.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
		opts, err := resolveOptions(deps, req.Preset, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		pr, err := submitKnowledge(deps, req.CIID, req.Concept, opts, prio)
		if err != nil {
			writeError(w, err)
			return
		}
		respondPromise(w, r, deps, pr, wait)
	}
}
