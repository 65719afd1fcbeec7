// Package process runs external agent CLIs: a global single-flight command
// queue, a one-shot process runner with signal escalation, and a reusable RPC
// child for the pi agent.
//
// Agent CLIs are memory-heavy and share on-disk session state, so at most
// one child runs at a time; everything else waits in FIFO order.
package process

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// queueEntry is one waiting invocation.
type queueEntry struct {
	run        func(ctx context.Context) (any, error)
	ctx        context.Context
	enqueuedAt time.Time
	ahead      int
	onWait     func(waitMs, ahead int)

	cancelled bool

	resultCh chan any
	errCh    chan error
}

// Queue serialises command executions globally: at most one run is active at
// any instant and callers are served in arrival order.
type Queue struct {
	mu      sync.Mutex
	entries []*queueEntry
	active  bool
	pumping bool
}

// NewQueue creates an empty command queue.
func NewQueue() *Queue {
	return &Queue{}
}

// EnqueueOptions configures one enqueued run.
type EnqueueOptions struct {
	// OnWait is invoked exactly once, just before the run starts, when
	// at least one invocation was ahead of this one at enqueue time.
	OnWait func(waitMs, ahead int)
}

// Enqueue queues run and blocks until it completes, is cancelled, or ctx
// expires while still waiting. A queued-but-not-started run is abandoned on
// ctx expiry; once started, only the run's own ctx handling stops it.
func Enqueue[T any](q *Queue, ctx context.Context, run func(ctx context.Context) (T, error), opts *EnqueueOptions) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var onWait func(int, int)
	if opts != nil {
		onWait = opts.OnWait
	}

	entry := &queueEntry{
		run: func(runCtx context.Context) (any, error) {
			return run(runCtx)
		},
		ctx:        ctx,
		enqueuedAt: time.Now(),
		onWait:     onWait,
		resultCh:   make(chan any, 1),
		errCh:      make(chan error, 1),
	}

	q.mu.Lock()
	entry.ahead = len(q.entries)
	if q.active {
		entry.ahead++
	}
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	q.pump()

	var zero T
	select {
	case result := <-entry.resultCh:
		if result == nil {
			return zero, nil
		}
		typed, ok := result.(T)
		if !ok {
			return zero, fmt.Errorf("unexpected queue result type %T", result)
		}
		return typed, nil
	case err := <-entry.errCh:
		return zero, err
	case <-ctx.Done():
		q.mu.Lock()
		entry.cancelled = true
		q.mu.Unlock()
		return zero, ctx.Err()
	}
}

// pump starts the next runnable entry unless one is already active.
func (q *Queue) pump() {
	q.mu.Lock()
	if q.pumping || q.active {
		q.mu.Unlock()
		return
	}
	q.pumping = true

	var next *queueEntry
	for len(q.entries) > 0 {
		candidate := q.entries[0]
		q.entries = q.entries[1:]
		if candidate.cancelled || candidate.ctx.Err() != nil {
			continue
		}
		next = candidate
		break
	}
	if next == nil {
		q.pumping = false
		q.mu.Unlock()
		return
	}
	q.active = true
	q.pumping = false
	q.mu.Unlock()

	if next.ahead > 0 && next.onWait != nil {
		waitMs := int(time.Since(next.enqueuedAt).Milliseconds())
		next.onWait(waitMs, next.ahead)
	}

	go func(e *queueEntry) {
		result, err := e.run(e.ctx)

		q.mu.Lock()
		q.active = false
		q.mu.Unlock()

		if err != nil {
			e.errCh <- err
		} else {
			e.resultCh <- result
		}

		q.pump()
	}(next)
}

// Busy reports whether a run is active or queued. The heartbeat scheduler
// uses this as backpressure and skips a session's probe when true.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active || len(q.entries) > 0
}

// Depth returns the number of active plus queued runs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := len(q.entries)
	if q.active {
		depth++
	}
	return depth
}
