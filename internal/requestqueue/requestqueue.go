// Package requestqueue serializes outbound brokerage calls on a single
// consumer with a minimum inter-call gap, per spec.md §4.2. Two instances
// are expected in practice: a 250ms-gap TR-query queue and a 300ms-gap
// order queue.
package requestqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiwoom-envelope/engine/internal/circuitbreaker"
	"github.com/kiwoom-envelope/engine/internal/logger"
)

// Operation is a brokerage call to dispatch; it may block for an
// unbounded duration (some queries take many seconds per spec.md §5).
type Operation func(ctx context.Context) (any, error)

// Callback receives the operation's result or the error sentinel.
// Callbacks MUST NOT block and MUST NOT enqueue synchronously — they may
// enqueue, and the next tick picks it up, per spec.md §4.2.
type Callback func(result any, err error)

type call struct {
	op       Operation
	callback Callback
}

// Queue is a FIFO of (operation, callback) pairs drained by a single
// consumer goroutine, grounded on the teacher's order.Manager Start/Stop
// done-channel-recreation pattern and its monitor() ticker loop.
type Queue struct {
	name    string
	minGap  time.Duration
	breaker *circuitbreaker.CircuitBreaker
	log     *logger.Logger

	mu      sync.Mutex
	pending []call
	running bool
	done    chan struct{}

	busy atomic.Bool // mirrors the source's trBusy re-entry guard
}

// New creates a queue with the given name (used for logging/metrics) and
// minimum gap between dispatches.
func New(name string, minGap time.Duration) *Queue {
	return &Queue{
		name:    name,
		minGap:  minGap,
		breaker: circuitbreaker.New(name, nil),
		log:     logger.Component("requestqueue").WithField("queue", name),
		done:    make(chan struct{}),
	}
}

// Enqueue appends an operation/callback pair to the tail of the queue.
func (q *Queue) Enqueue(op Operation, cb Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, call{op: op, callback: cb})
}

// Len reports the number of pending calls, for tests and status reporting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start begins the consumer loop on its own goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	select {
	case <-q.done:
		q.done = make(chan struct{})
	default:
	}
	doneCh := q.done
	q.running = true
	q.mu.Unlock()

	go q.run(ctx, doneCh)
}

// Stop halts the consumer loop; pending calls are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.running = false
}

func (q *Queue) run(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(q.minGap)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			q.fireOne(ctx)
		}
	}
}

// fireOne pops and dispatches at most one call. If a call is already in
// flight (busy), this tick is a no-op — the queue yields and re-checks on
// its next tick, per spec.md §4.2's trBusy description.
func (q *Queue) fireOne(ctx context.Context) {
	if q.busy.Load() {
		return
	}

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()

	q.busy.Store(true)
	go q.dispatch(ctx, next)
}

// dispatch runs one call's operation through the circuit breaker and
// invokes its callback with the result or the error sentinel. A panicking
// callback or operation never escapes the consumer, matching the
// teacher's safeInvoke recover pattern.
func (q *Queue) dispatch(ctx context.Context, c call) {
	defer q.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("recovered panic during dispatch", "panic", r)
		}
	}()

	var result any
	err := q.breaker.Execute(ctx, func() error {
		var opErr error
		result, opErr = c.op(ctx)
		return opErr
	})

	if c.callback == nil {
		return
	}
	safeInvoke(q.log, func() { c.callback(result, err) })
}

func safeInvoke(log *logger.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in callback", "panic", r)
		}
	}()
	fn()
}
