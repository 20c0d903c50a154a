package conveyor

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// DefaultQueueCapacity is used by the execution engine for inter-stage
// queues that are not given an explicit capacity.
const DefaultQueueCapacity = 16

// Metric keys for Queue observability.
const (
	QueuePushTotal    = metricz.Key("queue.push.total")
	QueuePopTotal     = metricz.Key("queue.pop.total")
	QueuePushBlocked  = metricz.Key("queue.push.blocked.total")
	QueuePopBlocked   = metricz.Key("queue.pop.blocked.total")
	QueueDepth        = metricz.Key("queue.depth")
	QueueWaitingProds = metricz.Key("queue.waiting_producers")
	QueueWaitingCons  = metricz.Key("queue.waiting_consumers")
)

// Span names for Queue observability.
const (
	QueueWaitPushSpan = tracez.Key("queue.wait_push")
	QueueWaitPopSpan  = tracez.Key("queue.wait_pop")
)

// Span tags for Queue observability.
const (
	QueueTagName   = tracez.Tag("queue.name")
	QueueTagStatus = tracez.Tag("queue.status")
)

// Hook event keys for Queue observability.
const (
	QueueEventPushed = hookz.Key("queue.pushed")
	QueueEventPopped = hookz.Key("queue.popped")
	QueueEventClosed = hookz.Key("queue.closed")
)

// QueueEvent is emitted via hookz whenever a value is pushed, popped, or
// the queue transitions to closed.
type QueueEvent struct {
	Name      string
	Status    Status
	Depth     int
	Timestamp time.Time
}

// Queue is a fixed-capacity, multi-producer/multi-consumer FIFO with a
// closed state. It is the sole inter-stage transport used by the
// execution engine, and is also usable standalone as a source or sink.
//
// Internally it allocates capacity+1 slots so that a simple index
// comparison distinguishes empty from full without a separate counter.
type Queue[V any] struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	notFull    *sync.Cond
	buf        []V
	head       int
	tail       int
	numSlots   int
	closed     bool
	waitingPro int
	waitingCon int

	name    string
	clock   Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[QueueEvent]
}

// QueueOption configures a Queue at construction time.
type QueueOption func(*queueConfig)

type queueConfig struct {
	name  string
	clock Clock
}

// WithQueueName attaches a diagnostic name, surfaced in metrics, trace
// tags, and hook events. Mirrors the optional name accepted by the
// original buffer_queue constructor.
func WithQueueName(name string) QueueOption {
	return func(c *queueConfig) { c.name = name }
}

// WithQueueClock overrides the clock used for event timestamps. Intended
// for deterministic tests.
func WithQueueClock(clock Clock) QueueOption {
	return func(c *queueConfig) { c.clock = clock }
}

// NewQueue creates an empty Queue with the given capacity. Capacity must
// be at least 1.
func NewQueue[V any](capacity int, opts ...QueueOption) (*Queue[V], error) {
	return NewQueueFrom[V](capacity, nil, opts...)
}

// NewQueueFrom creates a Queue with the given capacity, pre-loaded with
// initial values (which must not exceed capacity in length). This mirrors
// the iterator-range constructor offered by the original buffer_queue.
func NewQueueFrom[V any](capacity int, initial []V, opts ...QueueOption) (*Queue[V], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	if len(initial) > capacity {
		return nil, ErrInvalidCapacity
	}

	cfg := queueConfig{clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&cfg)
	}

	metrics := metricz.New()
	metrics.Counter(QueuePushTotal)
	metrics.Counter(QueuePopTotal)
	metrics.Counter(QueuePushBlocked)
	metrics.Counter(QueuePopBlocked)
	metrics.Gauge(QueueDepth)
	metrics.Gauge(QueueWaitingProds)
	metrics.Gauge(QueueWaitingCons)

	q := &Queue[V]{
		buf:      make([]V, capacity+1),
		numSlots: capacity + 1,
		name:     cfg.name,
		clock:    cfg.clock,
		metrics:  metrics,
		tracer:   tracez.New(),
		hooks:    hookz.New[QueueEvent](),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)

	for i, v := range initial {
		q.buf[i] = v
	}
	q.tail = len(initial)

	return q, nil
}

func (q *Queue[V]) next(idx int) int {
	idx++
	if idx == q.numSlots {
		return 0
	}
	return idx
}

func (q *Queue[V]) depthLocked() int {
	if q.tail >= q.head {
		return q.tail - q.head
	}
	return q.numSlots - q.head + q.tail
}

func (q *Queue[V]) emit(status Status) {
	depth := q.depthLocked()
	var key hookz.Key
	switch status {
	case StatusClosed:
		key = QueueEventClosed
	default:
		return
	}
	_ = q.hooks.Emit(context.Background(), key, QueueEvent{ //nolint:errcheck
		Name:      q.name,
		Status:    status,
		Depth:     depth,
		Timestamp: q.clock.Now(),
	})
}

// popFromLocked transfers the value at index pdx to out, advances head,
// and wakes one waiting producer if any. Caller holds the mutex.
func (q *Queue[V]) popFromLocked(pdx int) V {
	v := q.buf[pdx]
	var zero V
	q.buf[pdx] = zero
	q.head = q.next(pdx)
	if q.waitingPro > 0 {
		q.waitingPro--
		q.notFull.Signal()
	}
	return v
}

// pushAtLocked writes elem at index hdx, advances tail to nxt, and wakes
// one waiting consumer if any. Caller holds the mutex.
func (q *Queue[V]) pushAtLocked(elem V, hdx, nxt int) {
	q.buf[hdx] = elem
	q.tail = nxt
	if q.waitingCon > 0 {
		q.waitingCon--
		q.notEmpty.Signal()
	}
}

func (q *Queue[V]) tryPopLocked(out *V) Status {
	pdx := q.head
	if pdx == q.tail {
		if q.closed {
			return StatusClosed
		}
		return StatusEmpty
	}
	*out = q.popFromLocked(pdx)
	return StatusSuccess
}

func (q *Queue[V]) tryPushLocked(elem V) Status {
	if q.closed {
		return StatusClosed
	}
	hdx := q.tail
	nxt := q.next(hdx)
	if nxt == q.head {
		return StatusFull
	}
	q.pushAtLocked(elem, hdx, nxt)
	return StatusSuccess
}

// TryPop acquires the mutex (waiting if necessary) and attempts a single
// pop without blocking on the not-empty condition.
func (q *Queue[V]) TryPop(out *V) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	status := q.tryPopLocked(out)
	q.recordPop(status)
	return status
}

// NonblockingPop behaves like TryPop but returns StatusBusy instead of
// blocking if the mutex is currently held by another goroutine.
func (q *Queue[V]) NonblockingPop(out *V) Status {
	if !q.mu.TryLock() {
		q.metrics.Counter(QueuePopBlocked).Inc()
		return StatusBusy
	}
	defer q.mu.Unlock()
	status := q.tryPopLocked(out)
	q.recordPop(status)
	return status
}

// WaitPop blocks until a value is available, the queue closes, or ctx is
// done. On success it returns StatusSuccess; if the queue is closed and
// drained it returns StatusClosed; if ctx is done first it returns
// StatusClosed as well, since from the caller's perspective the wait was
// abandoned rather than satisfied.
func (q *Queue[V]) WaitPop(ctx context.Context, out *V) Status {
	ctx, span := q.tracer.StartSpan(ctx, QueueWaitPopSpan)
	span.SetTag(QueueTagName, q.name)
	defer span.Finish()

	done := q.watchContext(ctx)
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.head != q.tail {
			*out = q.popFromLocked(q.head)
			span.SetTag(QueueTagStatus, StatusSuccess.String())
			q.recordPop(StatusSuccess)
			return StatusSuccess
		}
		if q.closed {
			span.SetTag(QueueTagStatus, StatusClosed.String())
			q.recordPop(StatusClosed)
			return StatusClosed
		}
		select {
		case <-ctx.Done():
			span.SetTag(QueueTagStatus, StatusClosed.String())
			return StatusClosed
		default:
		}
		q.waitingCon++
		q.metrics.Counter(QueuePopBlocked).Inc()
		q.notEmpty.Wait()
	}
}

// ValuePop blocks as WaitPop but returns the value directly, converting a
// closed queue into ErrQueueClosed since the caller expressed an
// unconditional intent to obtain a value.
func (q *Queue[V]) ValuePop(ctx context.Context) (V, error) {
	var v V
	if status := q.WaitPop(ctx, &v); status == StatusClosed {
		var zero V
		return zero, ErrQueueClosed
	}
	return v, nil
}

// TryPush acquires the mutex (waiting if necessary) and attempts a single
// push without blocking on the not-full condition.
func (q *Queue[V]) TryPush(v V) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	status := q.tryPushLocked(v)
	q.recordPush(status)
	return status
}

// NonblockingPush behaves like TryPush but returns StatusBusy instead of
// blocking if the mutex is currently held by another goroutine.
func (q *Queue[V]) NonblockingPush(v V) Status {
	if !q.mu.TryLock() {
		q.metrics.Counter(QueuePushBlocked).Inc()
		return StatusBusy
	}
	defer q.mu.Unlock()
	status := q.tryPushLocked(v)
	q.recordPush(status)
	return status
}

// WaitPush blocks until a slot is available, the queue closes, or ctx is
// done.
func (q *Queue[V]) WaitPush(ctx context.Context, v V) Status {
	ctx, span := q.tracer.StartSpan(ctx, QueueWaitPushSpan)
	span.SetTag(QueueTagName, q.name)
	defer span.Finish()

	done := q.watchContext(ctx)
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			span.SetTag(QueueTagStatus, StatusClosed.String())
			q.recordPush(StatusClosed)
			return StatusClosed
		}
		hdx := q.tail
		nxt := q.next(hdx)
		if nxt != q.head {
			q.pushAtLocked(v, hdx, nxt)
			span.SetTag(QueueTagStatus, StatusSuccess.String())
			q.recordPush(StatusSuccess)
			return StatusSuccess
		}
		select {
		case <-ctx.Done():
			span.SetTag(QueueTagStatus, StatusClosed.String())
			return StatusClosed
		default:
		}
		q.waitingPro++
		q.metrics.Counter(QueuePushBlocked).Inc()
		q.notFull.Wait()
	}
}

// Push blocks as WaitPush, converting a closed queue into ErrQueueClosed
// since the caller expressed an unconditional intent to deliver the value.
func (q *Queue[V]) Push(ctx context.Context, v V) error {
	if status := q.WaitPush(ctx, v); status == StatusClosed {
		return ErrQueueClosed
	}
	return nil
}

// watchContext starts a goroutine that, on ctx cancellation, acquires the
// queue mutex just long enough to broadcast both conditions so that a
// blocked waiter re-evaluates its loop and observes ctx.Done(). The
// returned channel must be closed by the caller once it stops waiting, to
// let the goroutine exit.
func (q *Queue[V]) watchContext(ctx context.Context) chan struct{} {
	done := make(chan struct{})
	if ctx.Done() == nil {
		return done
	}
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.notFull.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	return done
}

// Close marks the queue closed, waking every waiter. Close is idempotent.
func (q *Queue[V]) Close() {
	q.mu.Lock()
	alreadyClosed := q.closed
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()

	if !alreadyClosed {
		q.emit(StatusClosed)
	}
}

// IsClosed reports whether Close has been called.
func (q *Queue[V]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// IsEmpty reports whether the queue currently holds no values.
func (q *Queue[V]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == q.tail
}

// Name returns the queue's diagnostic name, which may be empty.
func (q *Queue[V]) Name() string {
	return q.name
}

// Metrics returns the metrics registry backing this queue's counters and
// gauges.
func (q *Queue[V]) Metrics() *metricz.Registry {
	return q.metrics
}

// Tracer returns the tracer used for this queue's wait spans.
func (q *Queue[V]) Tracer() *tracez.Tracer {
	return q.tracer
}

// OnPushed registers a handler invoked whenever a push succeeds.
func (q *Queue[V]) OnPushed(handler func(context.Context, QueueEvent) error) error {
	_, err := q.hooks.Hook(QueueEventPushed, handler)
	return err
}

// OnPopped registers a handler invoked whenever a pop succeeds.
func (q *Queue[V]) OnPopped(handler func(context.Context, QueueEvent) error) error {
	_, err := q.hooks.Hook(QueueEventPopped, handler)
	return err
}

// OnClosed registers a handler invoked exactly once when the queue
// transitions to closed.
func (q *Queue[V]) OnClosed(handler func(context.Context, QueueEvent) error) error {
	_, err := q.hooks.Hook(QueueEventClosed, handler)
	return err
}

// CloseObservability releases the tracer and hooks held by this queue.
// It does not affect the queue's data-path state.
func (q *Queue[V]) CloseObservability() error {
	q.tracer.Close()
	q.hooks.Close()
	return nil
}

func (q *Queue[V]) recordPush(status Status) {
	switch status {
	case StatusSuccess:
		q.metrics.Counter(QueuePushTotal).Inc()
		q.metrics.Gauge(QueueDepth).Set(float64(q.depthLocked()))
		_ = q.hooks.Emit(context.Background(), QueueEventPushed, QueueEvent{ //nolint:errcheck
			Name: q.name, Status: status, Depth: q.depthLocked(), Timestamp: q.clock.Now(),
		})
	case StatusClosed:
		q.metrics.Gauge(QueueWaitingProds).Set(float64(q.waitingPro))
	}
}

func (q *Queue[V]) recordPop(status Status) {
	switch status {
	case StatusSuccess:
		q.metrics.Counter(QueuePopTotal).Inc()
		q.metrics.Gauge(QueueDepth).Set(float64(q.depthLocked()))
		_ = q.hooks.Emit(context.Background(), QueueEventPopped, QueueEvent{ //nolint:errcheck
			Name: q.name, Status: status, Depth: q.depthLocked(), Timestamp: q.clock.Now(),
		})
	case StatusClosed:
		q.metrics.Gauge(QueueWaitingCons).Set(float64(q.waitingCon))
	}
}
