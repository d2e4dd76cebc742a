package async

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
)

type executor struct {
	memories MemoryQuerier
	synth    Synthesizer
	logger   *slog.Logger
}

// run executes one dequeued promise and returns its terminal state.
func (e *executor) run(p *Promise) State {
	if !p.begin() {
		if p.onComplete != nil {
			p.onComplete(p)
		}
		return StateCancelled
	}
	p.progress(0)

	result, err := e.dispatch(p)
	if err != nil {
		e.logger.Debug("operation failed", "promise_id", p.id, "op", p.op, "error", err)
	}
	st := p.complete(result, err)

	p.progress(100)
	if p.onComplete != nil {
		p.onComplete(p)
	}
	return st
}

func (e *executor) dispatch(p *Promise) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("operation panicked", "promise_id", p.id, "op", p.op, "panic", r)
			result, err = nil, fmt.Errorf("panic: %v: %w", r, kerr.ErrBackend)
		}
	}()

	ctx := p.ctx
	switch p.op {
	case OpRecall:
		if e.memories == nil {
			return nil, fmt.Errorf("no memory store: %w", kerr.ErrInvalidState)
		}
		recs, err := e.memories.QueryMemories(ctx, memory.Query{
			CIID:  p.params.ciID,
			Tier:  memory.Tier1,
			Limit: p.params.limit,
		})
		if err != nil {
			return nil, fmt.Errorf("querying memories: %w", err)
		}
		return filterByTopic(recs, p.params.text), nil

	case OpRecallSynthesized:
		if e.synth == nil {
			return nil, fmt.Errorf("no synthesizer: %w", kerr.ErrInvalidState)
		}
		rs, err := e.synth.Recall(ctx, p.params.ciID, p.params.text, p.params.opts)
		if err != nil {
			return nil, err
		}
		return rs, nil

	case OpQuery:
		if e.memories == nil {
			return nil, fmt.Errorf("no memory store: %w", kerr.ErrInvalidState)
		}
		recs, err := e.memories.QueryMemories(ctx, p.params.query)
		if err != nil {
			return nil, fmt.Errorf("querying memories: %w", err)
		}
		return recs, nil

	case OpCustom:
		return p.params.fn(ctx)
	}
	return nil, fmt.Errorf("unknown operation %d: %w", p.op, kerr.ErrInvalidState)
}

// filterByTopic keeps records whose content contains topic, ignoring case.
func filterByTopic(recs []memory.Record, topic string) []memory.Record {
	if topic == "" {
		return recs
	}
	needle := strings.ToLower(topic)
	kept := make([]memory.Record, 0, len(recs))
	for _, r := range recs {
		if strings.Contains(strings.ToLower(r.Content), needle) {
			kept = append(kept, r)
		}
	}
	return kept
}
