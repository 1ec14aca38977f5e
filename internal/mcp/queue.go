package mcp

import (
	"context"
	"sync"

	"github.com/agentdesk/agentdesk/internal/common/errs"
)

// opQueue serializes a source's operations: at most one detect, install, or
// remove runs at a time, in submission order. A failed operation does not
// affect the ones behind it.
type opQueue struct {
	ops    chan func()
	mu     sync.Mutex
	closed bool
}

func newOpQueue() *opQueue {
	q := &opQueue{ops: make(chan func(), 32)}
	go q.loop()
	return q
}

func (q *opQueue) loop() {
	for fn := range q.ops {
		fn()
	}
}

// Do enqueues fn and blocks until it ran. The context only bounds the wait:
// an operation that already started runs to completion. After Close, Do
// rejects new work. The enqueue holds the mutex so Close cannot close the
// channel under a send in flight.
func (q *opQueue) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errs.Transportf("operation queue is closed")
	}
	select {
	case q.ops <- func() { done <- fn() }:
		q.mu.Unlock()
	case <-ctx.Done():
		q.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *opQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ops)
}
