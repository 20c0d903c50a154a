package conveyor

import "context"

// Apply threads x synchronously through every stage's function without
// spawning workers or allocating queues. It is the single-shot shortcut
// used for testing and for pipelines that are never meant to run on a
// pool at all.
//
// Apply panics with ErrNotApplicable if any stage in the pipeline is not
// a Filter — a Source has no function to apply a value through, and a
// Consumer has no Out value to hand back, so calling Apply on either is a
// call-site contract violation rather than a data condition.
func (p *Pipeline[In, Out]) Apply(ctx context.Context, x In) (Out, error) {
	var current any = x
	for _, n := range p.nodes {
		if n.kind != kindFilter {
			panic(ErrNotApplicable)
		}
		next, err := func() (next any, err error) {
			defer recoverFromPanic(&next, &err, n.name, x)
			next, err = n.applyOne(ctx, current)
			if err != nil {
				err = prependPath(n.name, x, err, RealClock)
			}
			return next, err
		}()
		if err != nil {
			var zero Out
			return zero, err
		}
		current = next
	}
	return current.(Out), nil
}
