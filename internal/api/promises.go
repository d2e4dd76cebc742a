package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
	"github.com/katra-memory/katra/internal/synthesis"
)

const (
	defaultWait = 5 * time.Second
	maxWait     = 60 * time.Second
)

// PromiseResponse reports a promise's state and, once it is fulfilled and
// collected, its result.
type PromiseResponse struct {
	PromiseID string               `json:"promise_id"`
	Op        string               `json:"op"`
	State     string               `json:"state"`
	Priority  string               `json:"priority"`
	Records   []Record             `json:"records,omitempty"`
	Synthesis *synthesis.ResultSet `json:"synthesis,omitempty"`
	Result    any                  `json:"result,omitempty"`
}

// RecallRequest is the body of POST /v1/recall.
type RecallRequest struct {
	CIID     string `json:"ci_id"`
	Topic    string `json:"topic"`
	Limit    int    `json:"limit"`
	WaitMS   *int   `json:"wait_ms"`
	Priority string `json:"priority"`
}

// SynthesizedRequest is the body of POST /v1/recall/synthesized. Options,
// when present, take precedence over Preset.
type SynthesizedRequest struct {
	CIID     string             `json:"ci_id"`
	Query    string             `json:"query"`
	Preset   string             `json:"preset"`
	Options  *synthesis.Options `json:"options"`
	WaitMS   *int               `json:"wait_ms"`
	Priority string             `json:"priority"`
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	CIID          string    `json:"ci_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Type          string    `json:"type"`
	MinImportance float64   `json:"min_importance"`
	Tier          int       `json:"tier"`
	Limit         int       `json:"limit"`
	WaitMS        *int      `json:"wait_ms"`
	Priority      string    `json:"priority"`
}

func (req QueryRequest) query() (memory.Query, error) {
	if req.Tier < 0 || req.Tier > int(memory.Tier3) {
		return memory.Query{}, fmt.Errorf("tier %d: %w", req.Tier, kerr.ErrInputRange)
	}
	if req.MinImportance < 0 || req.MinImportance > 1 {
		return memory.Query{}, fmt.Errorf("min_importance %.2f outside [0,1]: %w", req.MinImportance, kerr.ErrInputRange)
	}
	q := memory.Query{
		CIID:          req.CIID,
		Start:         req.Start,
		End:           req.End,
		MinImportance: req.MinImportance,
		Tier:          memory.Tier(req.Tier),
		Limit:         req.Limit,
	}
	if req.Type != "" {
		t, err := memory.ParseType(req.Type)
		if err != nil {
			return memory.Query{}, err
		}
		q.Type = t
	}
	return q, nil
}

func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RecallRequest
		if !decodeBody(w, r, &req) {
			return
		}
		wait, prio, err := submitParams(req.WaitMS, req.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
		pr, err := deps.Pool.RecallAsync(req.CIID, req.Topic, req.Limit, async.WithPriority(prio))
		if err != nil {
			writeError(w, err)
			return
		}
		respondPromise(w, r, deps, pr, wait)
	}
}

func handleRecallSynthesized(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SynthesizedRequest
		if !decodeBody(w, r, &req) {
			return
		}
		wait, prio, err := submitParams(req.WaitMS, req.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
		opts, err := resolveOptions(deps, req.Preset, req.Options)
		if err != nil {
			writeError(w, err)
			return
		}
		pr, err := deps.Pool.RecallSynthesizedAsync(req.CIID, req.Query, &opts, async.WithPriority(prio))
		if err != nil {
			writeError(w, err)
			return
		}
		respondPromise(w, r, deps, pr, wait)
	}
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		wait, prio, err := submitParams(req.WaitMS, req.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
		q, err := req.query()
		if err != nil {
			writeError(w, err)
			return
		}
		pr, err := deps.Pool.QueryAsync(q, async.WithPriority(prio))
		if err != nil {
			writeError(w, err)
			return
		}
		respondPromise(w, r, deps, pr, wait)
	}
}

func handleGetPromise(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pr, ok := deps.Promises.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "promise not found")
			return
		}
		var wait time.Duration
		if s := r.URL.Query().Get("wait_ms"); s != "" {
			ms, err := strconv.Atoi(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid wait_ms %q", s)
				return
			}
			if wait, err = waitDuration(&ms); err != nil {
				writeError(w, err)
				return
			}
		}
		awaitAndRespond(w, r, deps, pr, wait)
	}
}

func handleCancelPromise(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pr, ok := deps.Promises.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "promise not found")
			return
		}
		if err := pr.Cancel(); err != nil {
			writeError(w, err)
			return
		}
		// A running promise stays tracked until the worker observes the
		// cancellation, so its final state can still be fetched.
		if pr.State().Terminal() {
			deps.Promises.Remove(pr.ID())
		}
		writeJSON(w, http.StatusAccepted, promiseStatus(pr))
	}
}

// respondPromise registers pr and waits up to wait for it before answering.
func respondPromise(w http.ResponseWriter, r *http.Request, deps Deps, pr *async.Promise, wait time.Duration) {
	if err := deps.Promises.Add(pr); err != nil {
		pr.Release()
		writeError(w, err)
		return
	}
	awaitAndRespond(w, r, deps, pr, wait)
}

func awaitAndRespond(w http.ResponseWriter, r *http.Request, deps Deps, pr *async.Promise, wait time.Duration) {
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		_ = pr.AwaitContext(ctx)
		cancel()
	}
	if !pr.State().Terminal() {
		writeJSON(w, http.StatusAccepted, promiseStatus(pr))
		return
	}
	defer deps.Promises.Remove(pr.ID())

	if pr.State() != async.StateFulfilled {
		writeError(w, pr.Err())
		return
	}
	resp := promiseStatus(pr)
	if err := takeResult(pr, &resp); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func takeResult(pr *async.Promise, resp *PromiseResponse) error {
	switch pr.Op() {
	case async.OpRecall:
		recs, err := pr.TakeRecall()
		if err != nil {
			return err
		}
		resp.Records = toRecords(recs)
	case async.OpQuery:
		recs, err := pr.TakeQuery()
		if err != nil {
			return err
		}
		resp.Records = toRecords(recs)
	case async.OpRecallSynthesized:
		rs, err := pr.TakeSynthesis()
		if err != nil {
			return err
		}
		resp.Synthesis = rs
	default:
		v, err := pr.TakeCustom()
		if err != nil {
			return err
		}
		if rs, ok := v.(*synthesis.ResultSet); ok {
			resp.Synthesis = rs
		} else {
			resp.Result = v
		}
	}
	return nil
}

func promiseStatus(pr *async.Promise) PromiseResponse {
	return PromiseResponse{
		PromiseID: pr.ID(),
		Op:        pr.Op().String(),
		State:     pr.State().String(),
		Priority:  pr.Priority().String(),
	}
}

func resolveOptions(deps Deps, preset string, explicit *synthesis.Options) (synthesis.Options, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if preset == "" {
		return deps.Preset, nil
	}
	return synthesis.Preset(preset)
}

func submitParams(waitMS *int, priority string) (time.Duration, async.Priority, error) {
	wait, err := waitDuration(waitMS)
	if err != nil {
		return 0, 0, err
	}
	prio, err := parsePriority(priority)
	if err != nil {
		return 0, 0, err
	}
	return wait, prio, nil
}

// waitDuration converts a wait_ms field. Absent means defaultWait; the value
// is capped at maxWait.
func waitDuration(ms *int) (time.Duration, error) {
	if ms == nil {
		return defaultWait, nil
	}
	if *ms < 0 {
		return 0, fmt.Errorf("wait_ms %d: %w", *ms, kerr.ErrInputRange)
	}
	d := time.Duration(*ms) * time.Millisecond
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}

func parsePriority(s string) (async.Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return async.PriorityNormal, nil
	case "low":
		return async.PriorityLow, nil
	case "high":
		return async.PriorityHigh, nil
	case "urgent":
		return async.PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q: %w", s, kerr.ErrInputRange)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// decodeOptional is decodeBody for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}
