package conveyor

import "encoding/json"

// Node is a build-time description of one stage in a Pipeline, returned by
// Describe. It carries no behavior — it exists so a pipeline's shape can be
// logged, compared, or rendered without running it.
type Node struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	type alias Node
	return json.Marshal(alias(n))
}

// Describe returns the ordered list of Nodes making up p, one per
// composed stage, in the order they were composed by NewFilter/NewSource/
// NewConsumer and Then.
func (p *Pipeline[In, Out]) Describe() []Node {
	nodes := make([]Node, len(p.nodes))
	for i, n := range p.nodes {
		nodes[i] = n.describe()
	}
	return nodes
}

// Runnable reports whether p begins with a Source and ends with a
// Consumer — the precondition Run checks before starting any workers.
func (p *Pipeline[In, Out]) Runnable() bool {
	if len(p.nodes) == 0 {
		return false
	}
	return p.nodes[0].kind == kindSource && p.nodes[len(p.nodes)-1].kind == kindConsumer
}

// FindByName returns the Node with the given name, or false if none of p's
// stages carry it.
func (p *Pipeline[In, Out]) FindByName(name string) (Node, bool) {
	for _, n := range p.nodes {
		if n.name == name {
			return n.describe(), true
		}
	}
	return Node{}, false
}
