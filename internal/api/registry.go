package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/katra-memory/katra/internal/async"
	"github.com/katra-memory/katra/internal/kerr"
)

const (
	DefaultMaxPromises = 1024
	// promiseRetention is how long a finished promise nobody collected
	// stays fetchable.
	promiseRetention = 5 * time.Minute
)

// Registry holds the promises handed out to HTTP clients until they collect
// the result.
type Registry struct {
	mu       sync.Mutex
	max      int
	promises map[string]*async.Promise
	now      func() time.Time
}

func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxPromises
	}
	return &Registry{
		max:      max,
		promises: make(map[string]*async.Promise),
		now:      time.Now,
	}
}

// Add tracks p. When the registry is full, finished promises older than the
// retention window are released first; if it is still full Add fails with
// kerr.ErrQueueFull.
func (r *Registry) Add(p *async.Promise) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.promises) >= r.max {
		r.sweepLocked()
	}
	if len(r.promises) >= r.max {
		return fmt.Errorf("%d promises outstanding: %w", len(r.promises), kerr.ErrQueueFull)
	}
	r.promises[p.ID()] = p
	return nil
}

func (r *Registry) sweepLocked() {
	cutoff := r.now().Add(-promiseRetention)
	for id, p := range r.promises {
		if !p.State().Terminal() {
			continue
		}
		if _, _, completed := p.Times(); completed.Before(cutoff) {
			delete(r.promises, id)
			p.Release()
		}
	}
}

func (r *Registry) Get(id string) (*async.Promise, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.promises[id]
	return p, ok
}

// Remove stops tracking id and releases the promise.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	p, ok := r.promises[id]
	delete(r.promises, id)
	r.mu.Unlock()
	if ok {
		p.Release()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.promises)
}

// ReleaseAll releases every tracked promise, cancelling any still in flight.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	all := r.promises
	r.promises = make(map[string]*async.Promise)
	r.mu.Unlock()
	for _, p := range all {
		p.Release()
	}
}
