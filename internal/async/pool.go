package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
	"github.com/katra-memory/katra/internal/synthesis"
)

// shutdownGrace bounds how long Close waits for running operations.
const shutdownGrace = 5 * time.Second

// Config sizes a Pool.
type Config struct {
	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int
	IdleTimeout   time.Duration
}

// DefaultConfig returns 2 to 8 workers, a queue of 100 and a 30s idle timeout.
func DefaultConfig() Config {
	return Config{
		MinWorkers:    2,
		MaxWorkers:    8,
		QueueCapacity: 100,
		IdleTimeout:   30 * time.Second,
	}
}

// MemoryQuerier runs structured tier-1 queries.
type MemoryQuerier interface {
	QueryMemories(ctx context.Context, q memory.Query) ([]memory.Record, error)
}

// Synthesizer runs multi-backend recalls.
type Synthesizer interface {
	Recall(ctx context.Context, ciID, query string, opts *synthesis.Options) (*synthesis.ResultSet, error)
}

// Deps are the collaborators the executor calls into. Either may be nil, in
// which case the operations that need it are rejected.
type Deps struct {
	Memories    MemoryQuerier
	Synthesizer Synthesizer
}

// Stats is a point-in-time snapshot of a Pool.
type Stats struct {
	Workers       int
	Active        int
	Idle          int
	Queued        int
	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int

	Completed uint64
	Failed    uint64
	Cancelled uint64

	TotalExecution time.Duration
	// AverageExecution is TotalExecution over Completed+Failed.
	AverageExecution time.Duration
}

// Pool executes promises on a bounded, self-scaling set of worker goroutines.
type Pool struct {
	exec        *executor
	completions *broadcaster
	logger      *slog.Logger

	mu            sync.Mutex
	workAvailable *sync.Cond
	workerDone    *sync.Cond
	cfg           Config
	queue         workQueue
	workers       int
	active        int
	idle          int
	shutdown      bool
	grace         time.Duration
	wg            sync.WaitGroup

	completed uint64
	failed    uint64
	cancelled uint64
	totalExec time.Duration
}

// New starts a pool with cfg.MinWorkers idle workers. Non-positive
// MaxWorkers, QueueCapacity and IdleTimeout fall back to DefaultConfig.
// MinWorkers greater than MaxWorkers returns ErrInputRange.
func New(cfg Config, deps Deps) (*Pool, error) {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MinWorkers < 0 || cfg.MinWorkers > cfg.MaxWorkers {
		return nil, fmt.Errorf("pool workers min %d max %d: %w", cfg.MinWorkers, cfg.MaxWorkers, kerr.ErrInputRange)
	}

	p := &Pool{
		cfg:         cfg,
		grace:       shutdownGrace,
		completions: newBroadcaster(),
		logger:      slog.Default(),
	}
	p.exec = &executor{memories: deps.Memories, synth: deps.Synthesizer, logger: p.logger}
	p.workAvailable = sync.NewCond(&p.mu)
	p.workerDone = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.logger.Info("promise pool started",
		"min_workers", cfg.MinWorkers,
		"max_workers", cfg.MaxWorkers,
		"queue_capacity", cfg.QueueCapacity,
		"idle_timeout", cfg.IdleTimeout,
	)
	return p, nil
}

func (p *Pool) spawnLocked() {
	p.workers++
	p.idle++
	p.wg.Add(1)
	go p.worker()
}

// RecallAsync recalls up to limit recent memories for ciID whose content
// contains topic, ignoring case. An empty topic keeps every record.
func (p *Pool) RecallAsync(ciID, topic string, limit int, opts ...Option) (*Promise, error) {
	if ciID == "" {
		return nil, fmt.Errorf("recall ci_id: %w", kerr.ErrInputNull)
	}
	if limit <= 0 {
		limit = memory.DefaultQueryLimit
	}
	return p.submit(OpRecall, params{ciID: ciID, text: topic, limit: limit}, opts)
}

// RecallSynthesizedAsync runs a multi-backend recall. A nil so uses the
// synthesizer's default options.
func (p *Pool) RecallSynthesizedAsync(ciID, query string, so *synthesis.Options, opts ...Option) (*Promise, error) {
	if ciID == "" {
		return nil, fmt.Errorf("recall_synthesized ci_id: %w", kerr.ErrInputNull)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("recall_synthesized query: %w", kerr.ErrInputNull)
	}
	pr := params{ciID: ciID, text: query}
	if so != nil {
		c := *so
		pr.opts = &c
	}
	return p.submit(OpRecallSynthesized, pr, opts)
}

// QueryAsync passes q to the memory store unchanged.
func (p *Pool) QueryAsync(q memory.Query, opts ...Option) (*Promise, error) {
	if q.CIID == "" {
		return nil, fmt.Errorf("query ci_id: %w", kerr.ErrInputNull)
	}
	return p.submit(OpQuery, params{ciID: q.CIID, query: q}, opts)
}

// Submit runs fn as a Custom operation. name labels rejection errors.
func (p *Pool) Submit(name string, fn CustomFunc, opts ...Option) (*Promise, error) {
	if fn == nil {
		return nil, fmt.Errorf("custom operation %q: %w", name, kerr.ErrInputNull)
	}
	return p.submit(OpCustom, params{name: name, fn: fn}, opts)
}

func (p *Pool) submit(op Op, pr params, opts []Option) (*Promise, error) {
	promise := newPromise(p, op, pr, opts)
	if err := p.enqueue(promise); err != nil {
		promise.cancel()
		return nil, err
	}
	return promise, nil
}

// enqueue appends pr to its lane. It never blocks: a full queue returns
// ErrQueueFull and leaves the queue unchanged.
func (p *Pool) enqueue(pr *Promise) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return fmt.Errorf("enqueue %s: pool closed: %w", pr.id, kerr.ErrInvalidState)
	}
	if p.queue.len() >= p.cfg.QueueCapacity {
		return fmt.Errorf("enqueue %s: %d queued: %w", pr.id, p.queue.len(), kerr.ErrQueueFull)
	}

	p.queue.push(pr)
	if p.idle == 0 && p.workers < p.cfg.MaxWorkers {
		p.spawnLocked()
		p.logger.Debug("pool scaled up", "workers", p.workers)
	}
	p.workAvailable.Signal()
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		idleDeadline := time.Now().Add(p.cfg.IdleTimeout)
		for !p.shutdown && p.queue.len() == 0 {
			remaining := time.Until(idleDeadline)
			if remaining > 0 {
				waitTimeout(p.workAvailable, remaining)
				continue
			}
			if p.workers > p.cfg.MinWorkers {
				p.exitLocked()
				p.logger.Debug("idle worker exited", "workers", p.workers)
				p.mu.Unlock()
				return
			}
			idleDeadline = time.Now().Add(p.cfg.IdleTimeout)
		}
		if p.shutdown {
			p.exitLocked()
			p.mu.Unlock()
			return
		}

		pr := p.queue.pop()
		p.idle--
		p.active++
		p.mu.Unlock()

		start := time.Now()
		st := p.exec.run(pr)
		elapsed := time.Since(start)

		p.mu.Lock()
		p.active--
		p.idle++
		switch st {
		case StateFulfilled:
			p.completed++
			p.totalExec += elapsed
		case StateRejected:
			p.failed++
			p.totalExec += elapsed
		case StateCancelled:
			p.cancelled++
		}
		p.workerDone.Broadcast()
	}
}

func (p *Pool) exitLocked() {
	p.workers--
	p.idle--
	p.workerDone.Broadcast()
}

// Close stops the pool. It waits up to five seconds for running operations,
// then cancels everything still queued. Operations still running after the
// grace period are abandoned and Close returns ErrTimeout. Close is
// idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.workAvailable.Broadcast()

	deadline := time.Now().Add(p.grace)
	for p.active > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		waitTimeout(p.workerDone, remaining)
	}
	stuck := p.active
	queued := p.queue.drain()
	p.cancelled += uint64(len(queued))
	p.workerDone.Broadcast()
	p.mu.Unlock()

	for _, pr := range queued {
		_ = pr.Cancel()
		if pr.onComplete != nil {
			pr.onComplete(pr)
		}
	}

	if stuck > 0 {
		p.logger.Warn("pool closed with operations still running", "active", stuck)
		return fmt.Errorf("close: %d operations still running: %w", stuck, kerr.ErrTimeout)
	}
	p.wg.Wait()
	p.logger.Info("promise pool stopped", "cancelled_queued", len(queued))
	return nil
}

// Resize changes the worker bounds. Surplus workers leave through their idle
// timeout; nothing is stopped immediately.
func (p *Pool) Resize(minWorkers, maxWorkers int) error {
	if minWorkers < 0 || maxWorkers <= 0 || minWorkers > maxWorkers {
		return fmt.Errorf("resize min %d max %d: %w", minWorkers, maxWorkers, kerr.ErrInputRange)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return fmt.Errorf("resize: pool closed: %w", kerr.ErrInvalidState)
	}
	p.cfg.MinWorkers = minWorkers
	p.cfg.MaxWorkers = maxWorkers
	return nil
}

// Drain waits until nothing is queued or running. A zero timeout waits
// indefinitely.
func (p *Pool) Drain(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for p.queue.len() > 0 || p.active > 0 {
		if timeout <= 0 {
			p.workerDone.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("drain: %d queued, %d active: %w", p.queue.len(), p.active, kerr.ErrTimeout)
		}
		waitTimeout(p.workerDone, remaining)
	}
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Workers:        p.workers,
		Active:         p.active,
		Idle:           p.idle,
		Queued:         p.queue.len(),
		MinWorkers:     p.cfg.MinWorkers,
		MaxWorkers:     p.cfg.MaxWorkers,
		QueueCapacity:  p.cfg.QueueCapacity,
		Completed:      p.completed,
		Failed:         p.failed,
		Cancelled:      p.cancelled,
		TotalExecution: p.totalExec,
	}
	if n := p.completed + p.failed; n > 0 {
		s.AverageExecution = p.totalExec / time.Duration(n)
	}
	return s
}

// AwaitAny waits until one of promises is terminal and returns its index.
// All promises must belong to p. A zero timeout waits indefinitely.
func (p *Pool) AwaitAny(promises []*Promise, timeout time.Duration) (int, error) {
	if err := p.checkOwned(promises); err != nil {
		return -1, err
	}
	expired := deadlineChan(timeout)
	for {
		wake := p.completions.wait()
		for i, pr := range promises {
			if pr.State().Terminal() {
				return i, nil
			}
		}
		select {
		case <-wake:
		case <-expired:
			return -1, fmt.Errorf("await any of %d: %w", len(promises), kerr.ErrTimeout)
		}
	}
}

// AwaitAll waits until every promise is terminal. It returns the first
// rejection among them; cancelled promises are not treated as failures.
func (p *Pool) AwaitAll(promises []*Promise, timeout time.Duration) error {
	if err := p.checkOwned(promises); err != nil {
		return err
	}
	expired := deadlineChan(timeout)
	for {
		wake := p.completions.wait()
		pending := 0
		for _, pr := range promises {
			if !pr.State().Terminal() {
				pending++
			}
		}
		if pending == 0 {
			break
		}
		select {
		case <-wake:
		case <-expired:
			return fmt.Errorf("await all: %d of %d pending: %w", pending, len(promises), kerr.ErrTimeout)
		}
	}

	for _, pr := range promises {
		if err := pr.outcome(); err != nil && !errors.Is(err, kerr.ErrCancelled) {
			return err
		}
	}
	return nil
}

func (p *Pool) checkOwned(promises []*Promise) error {
	if len(promises) == 0 {
		return fmt.Errorf("no promises to await: %w", kerr.ErrInputNull)
	}
	for _, pr := range promises {
		if pr == nil {
			return fmt.Errorf("nil promise: %w", kerr.ErrInputNull)
		}
		if pr.owner != p {
			return fmt.Errorf("promise %s belongs to another pool: %w", pr.id, kerr.ErrInvalidState)
		}
	}
	return nil
}

// deadlineChan returns a channel that fires after d, or nil for d <= 0.
func deadlineChan(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}
