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

// Metric keys for execution-engine observability.
const (
	EngineStageInvocationsTotal = metricz.Key("engine.stage.invocations.total")
	EngineStageErrorsTotal      = metricz.Key("engine.stage.errors.total")
)

// EngineStageSpan is opened once per worker-loop iteration, covering the
// queue wait and (for Filter/Consumer stages) the stage-function call.
const EngineStageSpan = tracez.Key("engine.stage.invocation")

// Span tags for execution-engine observability.
const (
	EngineTagStage     = tracez.Tag("engine.stage")
	EngineTagQueueWait = tracez.Tag("engine.queue_wait")
	EngineTagOutcome   = tracez.Tag("engine.outcome")
)

// Hook event keys shared by Pipeline and the execution engine.
const (
	PipelineEventStarted  = hookz.Key("pipeline.started")
	PipelineEventFinished = hookz.Key("pipeline.finished")
	StageEventSucceeded   = hookz.Key("stage.succeeded")
	StageEventFailed      = hookz.Key("stage.failed")
)

// PipelineEvent carries the outcome of a Run lifecycle event: the
// pipeline starting, finishing, or one stage invocation succeeding or
// failing. Stage is empty for pipeline-level events.
type PipelineEvent struct {
	Stage     string
	Err       error
	Timestamp time.Time
}

// runControl is shared by every worker goroutine in a single Run. It
// records the first error any worker encounters and cancels the run's
// context so that every other worker currently blocked on a queue wait
// wakes up and exits instead of deadlocking on a queue nobody will ever
// drain again. It also carries the Run's clock, metrics registry,
// tracer, and hooks so the worker loops and callFilter/callConsumer can
// record observability without every node closure needing its own copy.
type runControl struct {
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.Mutex
	err    error

	clock   Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[PipelineEvent]

	activeMu sync.Mutex
	active   map[string]int64
}

func (c *runControl) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.cancel()
	})
}

// Err returns the first error recorded by fail, or nil if none was.
func (c *runControl) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// adjustActive updates the active-worker count for the named stage and
// republishes it as a gauge, returning the new count.
func (c *runControl) adjustActive(name string, delta int64) int64 {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if c.active == nil {
		c.active = make(map[string]int64)
	}
	c.active[name] += delta
	v := c.active[name]
	c.metrics.Gauge(metricz.Key("engine.stage." + name + ".workers.active")).Set(float64(v))
	return v
}

// emit fires a PipelineEvent through the Run's hooks registry.
func (c *runControl) emit(ctx context.Context, key hookz.Key, stage string, err error) {
	if c.hooks == nil {
		return
	}
	_ = c.hooks.Emit(ctx, key, PipelineEvent{ //nolint:errcheck
		Stage:     stage,
		Err:       err,
		Timestamp: c.clock.Now(),
	})
}

// RunOption configures a single Run call.
type RunOption func(*runConfig)

type runConfig struct {
	queueCapacity int
	pool          Pool
	latch         Latch
	clock         Clock
}

// WithRunQueueCapacity overrides the capacity used for every inter-stage
// queue the engine allocates. The default is DefaultQueueCapacity.
func WithRunQueueCapacity(n int) RunOption {
	return func(c *runConfig) { c.queueCapacity = n }
}

// WithRunPool supplies the Pool used to dispatch worker goroutines. The
// default is a fresh GoPool.
func WithRunPool(p Pool) RunOption {
	return func(c *runConfig) { c.pool = p }
}

// WithRunLatch attaches a Latch whose CountDown fires once, when the run
// finishes, letting an external caller wait on several concurrent runs
// with a single countdown.
func WithRunLatch(l Latch) RunOption {
	return func(c *runConfig) { c.latch = l }
}

// WithRunClock overrides the clock used for event timestamps and
// stage-error duration measurement throughout the run. The default is
// clockz.RealClock; tests can substitute a fake clock to assert
// timing-dependent behavior deterministically.
func WithRunClock(clock Clock) RunOption {
	return func(c *runConfig) { c.clock = clock }
}

// RunResult reports the outcome of a Run started on its own goroutine.
type RunResult struct {
	done chan struct{}
	err  error

	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// Wait blocks until the run finishes or ctx is done, whichever comes
// first, returning the run's error (nil on success) or ctx's error.
func (r *RunResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the run's error if it has already finished, or nil if it is
// still in progress or finished successfully.
func (r *RunResult) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Metrics returns the registry the engine recorded this run's stage
// invocation/error counters and active-worker gauges into.
func (r *RunResult) Metrics() *metricz.Registry {
	return r.metrics
}

// Tracer returns the tracer the engine opened this run's per-iteration
// stage spans on.
func (r *RunResult) Tracer() *tracez.Tracer {
	return r.tracer
}

// Run starts every stage of p as one or more worker goroutines and
// returns immediately with a RunResult the caller can Wait on. p must be
// Runnable (begin with a Source, end with a Consumer) or Run returns
// ErrNotRunnable without starting anything.
//
// Requiring In == Out == Unit in Run's own signature is the compile-time
// half of the runnability check; Runnable covers the half the type
// system can't see, namely that the composed node list actually begins
// with a Source and ends with a Consumer.
func Run(ctx context.Context, p *Pipeline[Unit, Unit], opts ...RunOption) (*RunResult, error) {
	if !p.Runnable() {
		return nil, ErrNotRunnable
	}

	cfg := runConfig{queueCapacity: DefaultQueueCapacity, clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pool == nil {
		cfg.pool = NewGoPool()
	}

	runCtx, cancel := context.WithCancel(ctx)

	metrics := metricz.New()
	metrics.Counter(EngineStageInvocationsTotal)
	metrics.Counter(EngineStageErrorsTotal)

	ctl := &runControl{
		cancel:  cancel,
		clock:   cfg.clock,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   p.ensureHooks(),
	}

	queues := make([]*Queue[any], len(p.nodes)-1)
	for i := range queues {
		q, err := NewQueue[any](cfg.queueCapacity)
		if err != nil {
			cancel()
			return nil, err
		}
		queues[i] = q
	}

	result := &RunResult{done: make(chan struct{}), metrics: ctl.metrics, tracer: ctl.tracer}

	ctl.emit(runCtx, PipelineEventStarted, "", nil)

	go func() {
		defer cancel()
		defer close(result.done)

		for i, n := range p.nodes {
			var inQ, outQ *Queue[any]
			if i > 0 {
				inQ = queues[i-1]
			}
			if i < len(queues) {
				outQ = queues[i]
			}

			count := n.parallel
			if count < 1 {
				count = 1
			}

			var stageDone sync.WaitGroup
			stageDone.Add(count)
			for w := 0; w < count; w++ {
				n, inQ, outQ := n, inQ, outQ
				_ = cfg.pool.Submit(runCtx, func(taskCtx context.Context) error {
					defer stageDone.Done()
					if err := n.run(taskCtx, inQ, outQ, ctl); err != nil {
						ctl.fail(err)
						return err
					}
					return nil
				})
			}

			if outQ != nil {
				outQ := outQ
				go func() {
					stageDone.Wait()
					outQ.Close()
				}()
			}
		}

		_ = cfg.pool.Wait()
		result.err = ctl.Err()
		if cfg.latch != nil {
			cfg.latch.CountDown()
		}
		p.emitFinished(runCtx, ctl, result.err)
	}()

	return result, nil
}

func (p *Pipeline[In, Out]) emitFinished(ctx context.Context, ctl *runControl, err error) {
	ctl.emit(ctx, PipelineEventFinished, "", err)
}

// runFilterWorker repeatedly pops a value from inQ, applies fn, and
// pushes the result to outQ until inQ closes or fn fails. Each iteration
// opens a span covering both the queue wait and the stage-function call.
func runFilterWorker[In, Out any](ctx context.Context, name string, fn func(context.Context, In) (Out, error), inQ, outQ *Queue[any], ctl *runControl) error {
	for {
		spanCtx, span := ctl.tracer.StartSpan(ctx, EngineStageSpan)
		span.SetTag(EngineTagStage, name)

		boxed, err := inQ.ValuePop(spanCtx)
		if err != nil {
			span.SetTag(EngineTagQueueWait, "closed")
			span.Finish()
			return nil
		}
		span.SetTag(EngineTagQueueWait, "success")
		in, _ := boxed.(In)

		out, ferr := callFilter(spanCtx, name, fn, in, ctl)
		if ferr != nil {
			span.SetTag(EngineTagOutcome, "error")
			span.Finish()
			return ferr
		}
		span.SetTag(EngineTagOutcome, "success")
		span.Finish()

		if err := outQ.Push(ctx, any(out)); err != nil {
			return nil
		}
	}
}

// callFilter invokes fn, recording invocation/error counters, the
// per-stage active-worker gauge, and StageSucceeded/StageFailed hooks.
// Span management is the caller's responsibility.
func callFilter[In, Out any](ctx context.Context, name string, fn func(context.Context, In) (Out, error), in In, ctl *runControl) (out Out, err error) {
	defer recoverFromPanic(&out, &err, name, in)

	ctl.metrics.Counter(EngineStageInvocationsTotal).Inc()
	ctl.adjustActive(name, 1)
	defer ctl.adjustActive(name, -1)

	start := ctl.clock.Now()
	result, ferr := fn(ctx, in)
	if ferr != nil {
		ctl.metrics.Counter(EngineStageErrorsTotal).Inc()
		stageErr := newStageError(name, in, ferr, start, ctl.clock)
		ctl.emit(ctx, StageEventFailed, name, stageErr)
		return out, stageErr
	}
	ctl.emit(ctx, StageEventSucceeded, name, nil)
	return result, nil
}

// runSourceWorker repeatedly pops a value from the externally owned
// source queue and pushes it to outQ until src closes or ctx is done.
func runSourceWorker[Out any](ctx context.Context, name string, src *Queue[Out], outQ *Queue[any], ctl *runControl) error {
	for {
		spanCtx, span := ctl.tracer.StartSpan(ctx, EngineStageSpan)
		span.SetTag(EngineTagStage, name)

		v, err := src.ValuePop(spanCtx)
		if err != nil {
			span.SetTag(EngineTagQueueWait, "closed")
			span.Finish()
			return nil
		}
		span.SetTag(EngineTagQueueWait, "success")

		ctl.metrics.Counter(EngineStageInvocationsTotal).Inc()
		ctl.emit(spanCtx, StageEventSucceeded, name, nil)

		if err := outQ.Push(ctx, any(v)); err != nil {
			span.Finish()
			return nil
		}
		span.SetTag(EngineTagOutcome, "success")
		span.Finish()
	}
}

// runConsumerWorker repeatedly pops a value from inQ and hands it to fn
// until inQ closes or fn fails.
func runConsumerWorker[In any](ctx context.Context, name string, fn func(context.Context, In) error, inQ *Queue[any], ctl *runControl) error {
	for {
		spanCtx, span := ctl.tracer.StartSpan(ctx, EngineStageSpan)
		span.SetTag(EngineTagStage, name)

		boxed, err := inQ.ValuePop(spanCtx)
		if err != nil {
			span.SetTag(EngineTagQueueWait, "closed")
			span.Finish()
			return nil
		}
		span.SetTag(EngineTagQueueWait, "success")
		in, _ := boxed.(In)

		if ferr := callConsumer(spanCtx, name, fn, in, ctl); ferr != nil {
			span.SetTag(EngineTagOutcome, "error")
			span.Finish()
			return ferr
		}
		span.SetTag(EngineTagOutcome, "success")
		span.Finish()
	}
}

// callConsumer invokes fn, recording the same counters/gauge/hooks as
// callFilter.
func callConsumer[In any](ctx context.Context, name string, fn func(context.Context, In) error, in In, ctl *runControl) (err error) {
	var dummy In
	defer recoverFromPanic(&dummy, &err, name, in)

	ctl.metrics.Counter(EngineStageInvocationsTotal).Inc()
	ctl.adjustActive(name, 1)
	defer ctl.adjustActive(name, -1)

	start := ctl.clock.Now()
	if ferr := fn(ctx, in); ferr != nil {
		ctl.metrics.Counter(EngineStageErrorsTotal).Inc()
		stageErr := newStageError(name, in, ferr, start, ctl.clock)
		ctl.emit(ctx, StageEventFailed, name, stageErr)
		return stageErr
	}
	ctl.emit(ctx, StageEventSucceeded, name, nil)
	return nil
}
