// Package async runs memory operations on a bounded worker pool and hands
// callers a Promise for each one.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
	"github.com/katra-memory/katra/internal/synthesis"
)

// releaseGrace bounds how long Release waits for an in-flight promise.
const releaseGrace = time.Second

// Op identifies the operation a promise carries.
type Op int

const (
	OpRecall Op = iota + 1
	OpRecallSynthesized
	OpQuery
	OpCustom
)

func (o Op) String() string {
	switch o {
	case OpRecall:
		return "recall"
	case OpRecallSynthesized:
		return "recall_synthesized"
	case OpQuery:
		return "query"
	case OpCustom:
		return "custom"
	}
	return "unknown"
}

// State is the lifecycle position of a promise. Once terminal it never changes.
type State int

const (
	StatePending State = iota
	StateRunning
	StateFulfilled
	StateRejected
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether s is Fulfilled, Rejected or Cancelled.
func (s State) Terminal() bool {
	return s >= StateFulfilled
}

// Priority selects the queue lane. Higher lanes are always served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent

	numPriorities = int(PriorityUrgent) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// CustomFunc is the body of a Custom operation. It should return promptly
// once ctx is cancelled.
type CustomFunc func(ctx context.Context) (any, error)

// Option configures a promise at creation.
type Option func(*Promise)

// WithCallback registers fn to run on the worker goroutine once the promise
// is terminal. A slow callback holds up that worker.
func WithCallback(fn func(*Promise)) Option {
	return func(p *Promise) { p.onComplete = fn }
}

// WithProgress registers fn to receive 0 when execution starts and 100 when
// it ends.
func WithProgress(fn func(p *Promise, percent int)) Option {
	return func(p *Promise) { p.onProgress = fn }
}

// WithPriority places the promise in the given queue lane.
func WithPriority(pr Priority) Option {
	return func(p *Promise) {
		if pr < PriorityLow || pr > PriorityUrgent {
			pr = PriorityNormal
		}
		p.priority = pr
	}
}

type params struct {
	ciID string
	// text is the topic filter for Recall and the query for RecallSynthesized.
	text  string
	limit int
	opts  *synthesis.Options
	query memory.Query
	name  string
	fn    CustomFunc
}

var promiseSeq atomic.Uint64

// Promise is the handle for one asynchronous operation.
type Promise struct {
	id       string
	op       Op
	priority Priority
	params   params
	owner    *Pool

	onComplete func(*Promise)
	onProgress func(*Promise, int)

	// ctx is handed to backends; cancel fires when Cancel is called.
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	cancelRequested bool
	createdAt       time.Time
	startedAt       time.Time
	completedAt     time.Time
	result          any
	taken           bool
	err             error
	done            chan struct{}

	// next links promises within a queue lane.
	next *Promise
}

func newPromise(owner *Pool, op Op, pr params, opts []Option) *Promise {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	p := &Promise{
		id:        fmt.Sprintf("promise_%d_%d", promiseSeq.Add(1), now.Unix()),
		op:        op,
		priority:  PriorityNormal,
		params:    pr,
		owner:     owner,
		ctx:       ctx,
		cancel:    cancel,
		state:     StatePending,
		createdAt: now,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Promise) ID() string         { return p.id }
func (p *Promise) Op() Op             { return p.op }
func (p *Promise) Priority() Priority { return p.priority }

// Done is closed when the promise reaches a terminal state.
func (p *Promise) Done() <-chan struct{} { return p.done }

// State returns the current state.
func (p *Promise) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Times returns the created, started and completed timestamps. Zero values
// mean the promise has not reached that point.
func (p *Promise) Times() (created, started, completed time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createdAt, p.startedAt, p.completedAt
}

// Await blocks until the promise is terminal or timeout elapses. A zero
// timeout waits indefinitely. It returns nil when fulfilled, the rejection
// error, an ErrCancelled error, or an ErrTimeout error. Timing out leaves the
// operation running.
func (p *Promise) Await(timeout time.Duration) error {
	select {
	case <-p.done:
		return p.outcome()
	default:
	}
	if timeout <= 0 {
		<-p.done
		return p.outcome()
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return p.outcome()
	case <-t.C:
		return fmt.Errorf("awaiting %s: %w", p.id, kerr.ErrTimeout)
	}
}

// AwaitContext is Await bounded by ctx instead of a timeout.
func (p *Promise) AwaitContext(ctx context.Context) error {
	select {
	case <-p.done:
		return p.outcome()
	case <-ctx.Done():
		return fmt.Errorf("awaiting %s: %w (%v)", p.id, kerr.ErrTimeout, ctx.Err())
	}
}

// Err returns the terminal outcome without blocking. It is nil while the
// promise is still pending or running.
func (p *Promise) Err() error {
	if !p.State().Terminal() {
		return nil
	}
	return p.outcome()
}

func (p *Promise) outcome() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateCancelled:
		return fmt.Errorf("promise %s: %w", p.id, kerr.ErrCancelled)
	case StateRejected:
		return p.err
	}
	return nil
}

// Cancel requests cancellation. A pending promise becomes Cancelled at once.
// A running one is cancelled cooperatively: its context is cancelled and the
// Cancelled state is applied when the operation returns. Cancelling a
// terminal promise returns ErrInvalidState.
func (p *Promise) Cancel() error {
	p.mu.Lock()
	if p.state.Terminal() {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("cancel %s in state %s: %w", p.id, st, kerr.ErrInvalidState)
	}
	p.cancelRequested = true
	p.cancel()
	finished := false
	if p.state == StatePending {
		p.finishLocked(StateCancelled, nil, nil)
		finished = true
	}
	p.mu.Unlock()

	if finished {
		p.notifyOwner()
	}
	return nil
}

// TakeRecall moves the records out of a fulfilled Recall promise.
func (p *Promise) TakeRecall() ([]memory.Record, error) {
	v, err := p.take(OpRecall)
	if err != nil {
		return nil, err
	}
	recs, _ := v.([]memory.Record)
	return recs, nil
}

// TakeQuery moves the records out of a fulfilled Query promise.
func (p *Promise) TakeQuery() ([]memory.Record, error) {
	v, err := p.take(OpQuery)
	if err != nil {
		return nil, err
	}
	recs, _ := v.([]memory.Record)
	return recs, nil
}

// TakeSynthesis moves the result set out of a fulfilled RecallSynthesized
// promise.
func (p *Promise) TakeSynthesis() (*synthesis.ResultSet, error) {
	v, err := p.take(OpRecallSynthesized)
	if err != nil {
		return nil, err
	}
	rs, _ := v.(*synthesis.ResultSet)
	return rs, nil
}

// TakeCustom moves the value out of a fulfilled Custom promise.
func (p *Promise) TakeCustom() (any, error) {
	return p.take(OpCustom)
}

func (p *Promise) take(op Op) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.op != op {
		return nil, fmt.Errorf("%s result requested from %s promise %s: %w", op, p.op, p.id, kerr.ErrInvalidState)
	}
	if p.state != StateFulfilled {
		return nil, fmt.Errorf("promise %s is %s: %w", p.id, p.state, kerr.ErrInvalidState)
	}
	if p.taken {
		return nil, fmt.Errorf("promise %s result already taken: %w", p.id, kerr.ErrInvalidState)
	}
	v := p.result
	p.result = nil
	p.taken = true
	return v, nil
}

// Release discards the promise. An in-flight promise is cancelled and given
// a short grace period to stop; any untaken result is dropped.
func (p *Promise) Release() {
	if !p.State().Terminal() {
		_ = p.Cancel()
		_ = p.Await(releaseGrace)
	}
	p.mu.Lock()
	p.result = nil
	p.taken = true
	p.mu.Unlock()
	p.cancel()
}

// begin moves a dequeued promise to Running. It reports false when the
// promise was cancelled before it could start.
func (p *Promise) begin() bool {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return false
	}
	if p.cancelRequested {
		p.finishLocked(StateCancelled, nil, nil)
		p.mu.Unlock()
		p.notifyOwner()
		return false
	}
	p.state = StateRunning
	p.startedAt = time.Now()
	p.mu.Unlock()
	return true
}

// complete records the outcome of a running promise. A cancellation
// requested while running overrides the result.
func (p *Promise) complete(result any, err error) State {
	p.mu.Lock()
	var st State
	switch {
	case p.cancelRequested:
		st = StateCancelled
		result, err = nil, nil
	case err != nil:
		st = StateRejected
		err = &kerr.OperationError{Op: p.opName(), Err: err}
	default:
		st = StateFulfilled
	}
	p.finishLocked(st, result, err)
	p.mu.Unlock()

	p.notifyOwner()
	return st
}

func (p *Promise) finishLocked(st State, result any, err error) {
	p.state = st
	p.result = result
	p.err = err
	p.completedAt = time.Now()
	close(p.done)
}

func (p *Promise) notifyOwner() {
	if p.owner != nil {
		p.owner.completions.fire()
	}
}

func (p *Promise) progress(percent int) {
	if p.onProgress != nil {
		p.onProgress(p, percent)
	}
}

func (p *Promise) opName() string {
	if p.op == OpCustom && p.params.name != "" {
		return p.params.name
	}
	return p.op.String()
}
