package graph

import (
	"github.com/bits-and-blooms/bitset"
)

// InitialCapacity is the number of node slots a new graph reserves.
const InitialCapacity = 256

// Graph is an arena of nodes with a parallel validity bit-set.
type Graph struct {
	nodes  []Node
	valid  *bitset.BitSet
	sealed bool
}

// New returns a graph holding its Begin (identity 0) and End (identity 1)
// anchors.
func New() *Graph {
	g := &Graph{
		nodes: make([]Node, 0, InitialCapacity),
		valid: bitset.New(InitialCapacity),
	}
	Add(g, &BeginNode{})
	Add(g, &EndNode{})
	return g
}

// Add stores n, assigns its identity and marks it valid. A node must not be
// added more than once.
func Add[T Node](g *Graph, n T) T {
	if len(g.nodes) == cap(g.nodes) {
		g.grow()
	}
	b := n.base()
	b.id = NodeID(len(g.nodes))
	b.graph = g
	g.nodes = append(g.nodes, n)
	g.valid.Set(uint(b.id))
	return n
}

// AddUnique adds n unless a valid node that compares equal already exists,
// in which case the existing node is returned and n is discarded.
func AddUnique[T Node](g *Graph, n T) T {
	for i, ok := g.valid.NextSet(0); ok; i, ok = g.valid.NextSet(i + 1) {
		if existing, same := g.nodes[i].(T); same && Compare(existing, n) == 0 {
			return existing
		}
	}
	return Add(g, n)
}

// grow doubles the arena's capacity.
func (g *Graph) grow() {
	capacity := cap(g.nodes) * 2
	if capacity == 0 {
		capacity = InitialCapacity
	}
	nodes := make([]Node, len(g.nodes), capacity)
	copy(nodes, g.nodes)
	g.nodes = nodes
}

// Delete invalidates n. Deleting a node that is not valid in g is a no-op.
// The node keeps its slot, and its identity becomes -(id+1).
func (g *Graph) Delete(n Node) {
	if !g.owns(n) {
		return
	}
	b := n.base()
	g.valid.Clear(uint(b.id))
	b.id = -(b.id + 1)
}

// owns reports whether n is a valid node stored in g.
func (g *Graph) owns(n Node) bool {
	if n == nil {
		return false
	}
	b := n.base()
	if b.graph != g || b.id < 0 || int(b.id) >= len(g.nodes) {
		return false
	}
	return g.valid.Test(uint(b.id)) && g.nodes[b.id] == n
}

// Node returns the node stored at slot id, valid or not, or nil when the slot
// was never used. Negative identities of deleted nodes are accepted.
func (g *Graph) Node(id NodeID) Node {
	id = OriginalID(id)
	if int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Valid reports whether the slot id holds a valid node.
func (g *Graph) Valid(id NodeID) bool {
	return id >= 0 && int(id) < len(g.nodes) && g.valid.Test(uint(id))
}

// Len returns the number of valid nodes.
func (g *Graph) Len() int { return int(g.valid.Count()) }

// Slots returns the number of slots in use, deleted nodes included.
func (g *Graph) Slots() int { return len(g.nodes) }

// Capacity returns the number of slots available before the next resize.
func (g *Graph) Capacity() int { return cap(g.nodes) }

// Begin returns the valid Begin node with the lowest identity, or nil.
func (g *Graph) Begin() *BeginNode {
	n, _ := g.anchor(KindBegin).(*BeginNode)
	return n
}

// End returns the valid End node with the lowest identity, or nil.
func (g *Graph) End() *EndNode {
	n, _ := g.anchor(KindEnd).(*EndNode)
	return n
}

func (g *Graph) anchor(k Kind) Node {
	if i, ok := g.FilterKind(k).NextSet(0); ok {
		return g.nodes[i]
	}
	return nil
}

// Seal freezes task device assignments. The assembler seals every graph it
// compiles.
func (g *Graph) Seal() { g.sealed = true }

// Sealed reports whether Seal was called.
func (g *Graph) Sealed() bool { return g.sealed }

// Filter returns the identities of the valid nodes that satisfy pred.
func (g *Graph) Filter(pred func(Node) bool) *bitset.BitSet {
	set := bitset.New(uint(len(g.nodes)))
	g.Apply(func(n Node) {
		if pred(n) {
			set.Set(uint(n.ID()))
		}
	})
	return set
}

// FilterKind returns the identities of the valid nodes of kind k.
func (g *Graph) FilterKind(k Kind) *bitset.BitSet {
	return g.Filter(func(n Node) bool { return n.Kind() == k })
}

// Apply calls fn on every valid node in storage order.
func (g *Graph) Apply(fn func(Node)) {
	g.ApplyTo(g.valid, fn)
}

// ApplyTo calls fn on every node of set that is still valid, in ascending
// identity order.
func (g *Graph) ApplyTo(set *bitset.BitSet, fn func(Node)) {
	for i, ok := set.NextSet(0); ok && int(i) < len(g.nodes); i, ok = set.NextSet(i + 1) {
		if g.valid.Test(i) {
			fn(g.nodes[i])
		}
	}
}

// Nodes returns the valid nodes of kind T in storage order.
func Nodes[T Node](g *Graph) []T {
	var out []T
	g.Apply(func(n Node) {
		if t, ok := n.(T); ok {
			out = append(out, t)
		}
	})
	return out
}
