package graph

import (
	"github.com/bits-and-blooms/bitset"
)

// Validate checks every invariant the assembler relies on and returns the
// first violation found, scanning in storage order.
func (g *Graph) Validate() error {
	if err := g.checkAnchors(); err != nil {
		return err
	}
	var first error
	g.Apply(func(n Node) {
		if first == nil {
			first = g.checkNode(n)
		}
	})
	return first
}

func (g *Graph) checkAnchors() error {
	for _, k := range []Kind{KindBegin, KindEnd} {
		set := g.FilterKind(k)
		switch set.Count() {
		case 1:
		case 0:
			return structureErrorf(-1, "graph has no %s node", k)
		default:
			first, _ := set.NextSet(0)
			second, _ := set.NextSet(first + 1)
			return structureErrorf(NodeID(second), "duplicate %s node, first is %d", k, first)
		}
	}
	return nil
}

func (g *Graph) checkNode(n Node) error {
	id := n.ID()
	inputs := n.Inputs()
	if n.HasInputs() != (len(inputs) > 0) {
		return structureErrorf(id, "declares inputs=%t but has %d inputs", n.HasInputs(), len(inputs))
	}
	for i, in := range inputs {
		if err := g.checkInput(id, i, in); err != nil {
			return err
		}
	}

	switch x := n.(type) {
	case *TaskNode:
		if x.device < 0 {
			return structureErrorf(id, "task %q has no device assignment", x.Name)
		}
		for i, a := range x.Args {
			switch a.Value.(type) {
			case *ParameterNode, *ConstantNode:
			default:
				return structureErrorf(id, "argument %d is a %s node", i, a.Value.Kind())
			}
		}
	case *CopyInNode:
		return checkOp(id, x, x.Value)
	case *AllocateNode:
		return checkOp(id, x, x.Value)
	case *PrefetchNode:
		if x.Task == nil {
			return structureErrorf(id, "prefetch is not ordered against a task")
		}
		return checkOp(id, x, x.Value)
	case *WriteHostNode:
		if x.Task == nil {
			return structureErrorf(id, "write-host is not ordered against a task")
		}
		return checkOp(id, x, x.Value)
	case *BarrierNode:
		if x.device < 0 {
			return structureErrorf(id, "barrier has no device assignment")
		}
		for _, w := range x.Waits {
			if _, ok := w.(DeviceOp); !ok {
				if _, task := w.(*TaskNode); !task {
					return structureErrorf(id, "barrier waits on %s node %d", w.Kind(), w.ID())
				}
			}
		}
	}
	return nil
}

func checkOp(id NodeID, op DeviceOp, value *ParameterNode) error {
	if value == nil {
		return structureErrorf(id, "%s moves no parameter", op.Kind())
	}
	if op.Device() < 0 {
		return structureErrorf(id, "%s has no device assignment", op.Kind())
	}
	return nil
}

func (g *Graph) checkInput(id NodeID, pos int, in Node) error {
	if in == nil {
		return structureErrorf(id, "input %d is nil", pos)
	}
	b := in.base()
	switch {
	case b.graph != g:
		return structureErrorf(id, "input %d belongs to another graph", pos)
	case b.id < 0:
		return structureErrorf(id, "input %d refers to deleted node %d", pos, OriginalID(b.id))
	case int(b.id) >= len(g.nodes) || g.nodes[b.id] != in:
		return structureErrorf(id, "input %d refers to unknown node %d", pos, b.id)
	case !g.valid.Test(uint(b.id)):
		return structureErrorf(id, "input %d refers to invalid node %d", pos, b.id)
	case in.Kind() == KindEnd:
		return structureErrorf(id, "end node %d cannot have successors", b.id)
	}
	return nil
}

// TopologicalOrder validates the graph and returns its valid nodes so that
// every node follows all of its inputs. Begin is first and End is last.
// Among nodes whose inputs are all satisfied the lowest identity goes first.
func (g *Graph) TopologicalOrder() ([]Node, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	slots := uint(len(g.nodes))
	indegree := make([]int, slots)
	successors := make([][]NodeID, slots)
	ready := bitset.New(slots)
	pending := 0

	g.Apply(func(n Node) {
		if n.Kind() == KindBegin || n.Kind() == KindEnd {
			return
		}
		pending++
		for _, in := range n.Inputs() {
			if in.Kind() == KindBegin {
				continue
			}
			indegree[n.ID()]++
			successors[in.ID()] = append(successors[in.ID()], n.ID())
		}
		if indegree[n.ID()] == 0 {
			ready.Set(uint(n.ID()))
		}
	})

	done := bitset.New(slots)
	order := make([]Node, 0, pending+2)
	order = append(order, g.Begin())
	for {
		next, ok := ready.NextSet(0)
		if !ok {
			break
		}
		ready.Clear(next)
		done.Set(next)
		order = append(order, g.nodes[next])
		for _, s := range successors[next] {
			indegree[s]--
			if indegree[s] == 0 {
				ready.Set(uint(s))
			}
		}
	}

	if len(order)-1 < pending {
		return nil, structureErrorf(g.cycleNode(done), "node is part of a dependency cycle")
	}
	return append(order, g.End()), nil
}

// cycleNode returns the lowest identity on a dependency cycle among the nodes
// that were not ordered. Every such node has an unordered input, so following
// those inputs from any of them ends in a cycle.
func (g *Graph) cycleNode(done *bitset.BitSet) NodeID {
	blocked := func(n Node) bool {
		return n.Kind() != KindBegin && !done.Test(uint(n.ID()))
	}
	var start Node
	g.Apply(func(n Node) {
		if start == nil && n.Kind() != KindEnd && blocked(n) {
			start = n
		}
	})

	step := make(map[NodeID]int)
	var path []Node
	for n := start; n != nil; {
		if at, seen := step[n.ID()]; seen {
			lowest := n.ID()
			for _, c := range path[at:] {
				lowest = min(lowest, c.ID())
			}
			return lowest
		}
		step[n.ID()] = len(path)
		path = append(path, n)

		var next Node
		for _, in := range n.Inputs() {
			if blocked(in) {
				next = in
				break
			}
		}
		n = next
	}
	return start.ID()
}
