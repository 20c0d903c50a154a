package conveyor

import (
	"context"
	"time"

	"github.com/zoobzio/hookz"
)

// Unit is the terminal/unit type. A Pipeline whose In is Unit has no
// upstream of its own (it is fed by a Source); a Pipeline whose Out is
// Unit has no downstream of its own (it ends in a Consumer).
type Unit struct{}

// stageKind tags which of the three stage variants a node carries.
type stageKind int

const (
	kindFilter stageKind = iota
	kindSource
	kindConsumer
)

func (k stageKind) String() string {
	switch k {
	case kindFilter:
		return "filter"
	case kindSource:
		return "source"
	case kindConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// node is the type-erased representation of one stage. Pipeline holds a
// slice of nodes; every node's run closure is built at construction time
// against its own concrete In/Out types, so the type assertions needed to
// box values as `any` for the erased in/out queues are always safe by
// construction — the engine never assembles a node whose closures
// disagree with its declared kind.
type node struct {
	name     string
	kind     stageKind
	parallel int
	timeout  time.Duration

	// run is invoked once per worker goroutine by the execution engine.
	// inQ and outQ are *Queue[any] (nil for a Source's inQ or a
	// Consumer's outQ). ctl reports the first error encountered and lets
	// the worker observe cancellation.
	run func(ctx context.Context, inQ, outQ *Queue[any], ctl *runControl) error

	// applyOne is set only for Filter nodes and lets Pipeline.Apply walk
	// the chain without any queueing machinery.
	applyOne func(ctx context.Context, in any) (any, error)

	describe func() Node
}

// Pipeline is an ordered, non-empty chain of stages whose adjacent
// in/out types match by construction. In and Out name the endpoint
// types; Unit marks "no input" or "no output" respectively.
//
// A Pipeline is immutable once built: composition (Then) always returns a
// new Pipeline rather than mutating either operand.
type Pipeline[In, Out any] struct {
	nodes []node
	hooks *hookz.Hooks[PipelineEvent]
}

// ensureHooks lazily creates the hooks registry backing OnEnd. Pipelines
// built via Then before any OnEnd call carry a nil hooks field until one
// is needed; the engine tolerates a nil hooks field by simply not
// emitting.
func (p *Pipeline[In, Out]) ensureHooks() *hookz.Hooks[PipelineEvent] {
	if p.hooks == nil {
		p.hooks = hookz.New[PipelineEvent]()
	}
	return p.hooks
}

// OnEnd attaches a handler fired exactly once when a Run of this pipeline
// completes, successfully or not. The event carries the first error
// encountered, if any.
func (p *Pipeline[In, Out]) OnEnd(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.ensureHooks().Hook(PipelineEventFinished, handler)
	return err
}

// OnStart attaches a handler fired exactly once when a Run of this
// pipeline begins, before any worker is submitted to the pool.
func (p *Pipeline[In, Out]) OnStart(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.ensureHooks().Hook(PipelineEventStarted, handler)
	return err
}

// OnStageSucceeded attaches a handler fired once per successful
// invocation of any stage in this pipeline during a Run. The event's
// Stage field names the stage.
func (p *Pipeline[In, Out]) OnStageSucceeded(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.ensureHooks().Hook(StageEventSucceeded, handler)
	return err
}

// OnStageFailed attaches a handler fired once per failed invocation of
// any stage in this pipeline during a Run. The event's Err field carries
// the stage's error.
func (p *Pipeline[In, Out]) OnStageFailed(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.ensureHooks().Hook(StageEventFailed, handler)
	return err
}

// NewFilter builds an Open (or, if In/Out happen to be Unit, differently
// classified) one-stage Pipeline around a fallible transformation. Use
// NewFilter when the function can fail; use NewPureFilter when it cannot.
func NewFilter[In, Out any](name string, fn func(context.Context, In) (Out, error), opts ...StageOption) *Pipeline[In, Out] {
	cfg := stageConfig{parallel: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	wrapped := fn
	if cfg.timeout > 0 {
		timeout := cfg.timeout
		wrapped = func(ctx context.Context, in In) (out Out, err error) {
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return fn(tctx, in)
		}
	}

	n := node{
		name:     name,
		kind:     kindFilter,
		parallel: cfg.parallel,
		timeout:  cfg.timeout,
		applyOne: func(ctx context.Context, in any) (any, error) {
			return wrapped(ctx, in.(In))
		},
		describe: func() Node {
			return Node{Name: name, Kind: kindFilter.String()}
		},
	}
	n.run = func(ctx context.Context, inQ, outQ *Queue[any], ctl *runControl) error {
		return runFilterWorker[In, Out](ctx, name, wrapped, inQ, outQ, ctl)
	}

	return &Pipeline[In, Out]{nodes: []node{n}}
}

// NewPureFilter builds a one-stage Pipeline around a transformation that
// never fails, avoiding the error-handling path for callers who don't
// need it.
func NewPureFilter[In, Out any](name string, fn func(context.Context, In) Out, opts ...StageOption) *Pipeline[In, Out] {
	return NewFilter[In, Out](name, func(ctx context.Context, in In) (Out, error) {
		return fn(ctx, in), nil
	}, opts...)
}

// NewSource builds a Sourced one-stage Pipeline that forwards values from
// an externally owned queue until that queue is closed and drained.
func NewSource[Out any](name string, q *Queue[Out]) *Pipeline[Unit, Out] {
	n := node{
		name: name,
		kind: kindSource,
		describe: func() Node {
			return Node{Name: name, Kind: kindSource.String()}
		},
	}
	n.run = func(ctx context.Context, _ /* no in-queue */, outQ *Queue[any], ctl *runControl) error {
		return runSourceWorker[Out](ctx, name, q, outQ, ctl)
	}
	return &Pipeline[Unit, Out]{nodes: []node{n}}
}

// NewConsumer builds a Sinked one-stage Pipeline around a sink function.
func NewConsumer[In any](name string, fn func(context.Context, In) error, opts ...StageOption) *Pipeline[In, Unit] {
	cfg := stageConfig{parallel: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	n := node{
		name:     name,
		kind:     kindConsumer,
		parallel: cfg.parallel,
		describe: func() Node {
			return Node{Name: name, Kind: kindConsumer.String()}
		},
	}
	n.run = func(ctx context.Context, inQ, _ /* no out-queue */ *Queue[any], ctl *runControl) error {
		return runConsumerWorker[In](ctx, name, fn, inQ, ctl)
	}
	return &Pipeline[In, Unit]{nodes: []node{n}}
}

// StageOption configures a single stage at construction time.
type StageOption func(*stageConfig)

type stageConfig struct {
	parallel int
	timeout  time.Duration
}

// WithParallel sets the number of workers the engine dispatches for this
// stage. k must be at least 1; values below 1 are clamped to 1.
func WithParallel(k int) StageOption {
	return func(c *stageConfig) {
		if k < 1 {
			k = 1
		}
		c.parallel = k
	}
}

// WithStageTimeout bounds each invocation of a Filter's function with a
// context timeout. Only meaningful on NewFilter/NewPureFilter.
func WithStageTimeout(d time.Duration) StageOption {
	return func(c *stageConfig) { c.timeout = d }
}

// Parallel returns a copy of p with its last-composed stage configured to
// run with k workers. It is only meaningful before Run; it has no effect
// on Apply.
func (p *Pipeline[In, Out]) Parallel(k int) *Pipeline[In, Out] {
	if k < 1 {
		k = 1
	}
	nodes := make([]node, len(p.nodes))
	copy(nodes, p.nodes)
	nodes[len(nodes)-1].parallel = k
	return &Pipeline[In, Out]{nodes: nodes, hooks: p.hooks}
}
