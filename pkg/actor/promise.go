package actor

import (
	"context"
	"sync"
)

// opQueue serializes asynchronous operations so at most one is in flight and
// later operations observe the effects of earlier ones. Both persistence
// batches and driver alarm writes run through their own opQueue.
type opQueue struct {
	mu   sync.Mutex
	tail chan struct{} // closed when the most recently enqueued op finishes
}

// Do runs fn after every previously enqueued operation has finished. It
// blocks until fn returns or ctx is cancelled while still waiting its turn.
func (q *opQueue) Do(ctx context.Context, fn func() error) error {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn()
}

// savePromise is a completion shared by every caller awaiting the same
// pending save. The first scheduler of a save creates it; the write that
// flushes the dirty set settles it.
type savePromise struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newSavePromise() *savePromise {
	return &savePromise{done: make(chan struct{})}
}

// settle resolves the promise exactly once.
func (p *savePromise) settle(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// wait blocks until the promise settles or ctx is cancelled.
func (p *savePromise) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
