package conveyor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work submitted to a Pool. It receives the context the
// pool run was started with.
type Task func(ctx context.Context) error

// Pool abstracts over how Run dispatches the worker goroutines backing
// each stage. Anything satisfying Pool can stand in for the default
// GoPool, including an application's own bounded worker pool.
type Pool interface {
	// Submit schedules fn to run, returning once it has been scheduled
	// (not necessarily completed). Submit itself should not block on fn's
	// result; callers collect errors separately.
	Submit(ctx context.Context, fn Task) error

	// Wait blocks until every submitted Task has returned, and returns the
	// first non-nil error among them, if any.
	Wait() error
}

// GoPool is the simplest Pool: every Submit starts a bare goroutine. It
// imposes no concurrency limit of its own — the engine already bounds
// concurrency per stage via each stage's configured parallel count.
type GoPool struct {
	group *errgroup.Group
}

// NewGoPool returns a ready-to-use GoPool.
func NewGoPool() *GoPool {
	return &GoPool{group: &errgroup.Group{}}
}

// Submit implements Pool.
func (g *GoPool) Submit(ctx context.Context, fn Task) error {
	g.group.Go(func() error {
		return fn(ctx)
	})
	return nil
}

// Wait implements Pool.
func (g *GoPool) Wait() error {
	return g.group.Wait()
}

// ErrGroupPool is a Pool backed directly by an *errgroup.Group with a
// concurrency limit, for callers who want Run's workers to share a cap
// with other work submitted to the same group.
type ErrGroupPool struct {
	group *errgroup.Group
}

// NewErrGroupPool returns an ErrGroupPool whose underlying group allows at
// most limit goroutines running concurrently. A non-positive limit means
// unlimited, matching errgroup.SetLimit's own convention.
func NewErrGroupPool(limit int) *ErrGroupPool {
	group := &errgroup.Group{}
	if limit > 0 {
		group.SetLimit(limit)
	}
	return &ErrGroupPool{group: group}
}

// Submit implements Pool.
func (e *ErrGroupPool) Submit(ctx context.Context, fn Task) error {
	e.group.Go(func() error {
		return fn(ctx)
	})
	return nil
}

// Wait implements Pool.
func (e *ErrGroupPool) Wait() error {
	return e.group.Wait()
}
