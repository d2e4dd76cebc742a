package async

import (
	"sync"
	"time"
)

// lane is a singly linked FIFO of promises.
type lane struct {
	head, tail *Promise
}

// workQueue holds one lane per priority. pop serves the highest non-empty
// lane; order within a lane is FIFO.
type workQueue struct {
	lanes [numPriorities]lane
	size  int
}

func (q *workQueue) len() int { return q.size }

func (q *workQueue) push(p *Promise) {
	l := &q.lanes[p.priority]
	p.next = nil
	if l.tail == nil {
		l.head = p
	} else {
		l.tail.next = p
	}
	l.tail = p
	q.size++
}

func (q *workQueue) pop() *Promise {
	for i := numPriorities - 1; i >= 0; i-- {
		l := &q.lanes[i]
		if l.head == nil {
			continue
		}
		p := l.head
		l.head = p.next
		if l.head == nil {
			l.tail = nil
		}
		p.next = nil
		q.size--
		return p
	}
	return nil
}

// drain empties the queue, returning its promises in service order.
func (q *workQueue) drain() []*Promise {
	out := make([]*Promise, 0, q.size)
	for p := q.pop(); p != nil; p = q.pop() {
		out = append(out, p)
	}
	return out
}

// waitTimeout waits on c for at most d and reports whether d has elapsed.
// c.L must be held by the caller.
func waitTimeout(c *sync.Cond, d time.Duration) bool {
	deadline := time.Now().Add(d)
	t := time.AfterFunc(d, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	c.Wait()
	t.Stop()
	return !time.Now().Before(deadline)
}

// broadcaster wakes every waiter each time a promise becomes terminal. Each
// generation is a channel that is closed and replaced on fire.
type broadcaster struct {
	mu  sync.Mutex
	gen uint64
	ch  chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

// wait returns the channel for the current generation. Callers must fetch it
// before checking their condition so that no completion is missed.
func (b *broadcaster) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcaster) fire() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.gen++
	b.mu.Unlock()
}
