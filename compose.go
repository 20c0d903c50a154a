package conveyor

// Then composes two pipelines end-to-end: the left pipeline's output feeds
// the right pipeline's input. Because a method cannot introduce a type
// parameter that isn't already bound on its receiver, composition is a
// free function rather than a method — this is also what makes
// composition a compile-time check: Then simply does not type-check for
// left/right whose types disagree.
//
// The classification of the result falls out structurally from In and Out:
// if left.In is Unit and right.Out is anything, the result is still fed
// from the same source; if right.Out is Unit, the result is still sunk by
// the same consumer. No explicit classification tag is stored — callers
// that need it call Pipeline.Apply (requires every stage to be a Filter)
// or Run (requires In == Out == Unit, enforced by the function signature).
//
// hooks are independent of In/Out (hookz.Hooks[PipelineEvent] is the same
// concrete type no matter how A, B, and C are instantiated), so a hooks
// registry already attached to either operand — via OnEnd, OnStart,
// OnStageSucceeded, or OnStageFailed — survives composition rather than
// being silently dropped. If both operands carry their own registry,
// left's is kept; registering on both sides of a Then and composing is
// an edge case this does not merge, since hookz offers no way to fold
// one registry's handlers into another.
func Then[A, B, C any](left *Pipeline[A, B], right *Pipeline[B, C]) *Pipeline[A, C] {
	nodes := make([]node, 0, len(left.nodes)+len(right.nodes))
	nodes = append(nodes, left.nodes...)
	nodes = append(nodes, right.nodes...)

	hooks := left.hooks
	if hooks == nil {
		hooks = right.hooks
	}
	return &Pipeline[A, C]{nodes: nodes, hooks: hooks}
}
