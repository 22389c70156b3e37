package graph

import "fmt"

// Visitor receives each node of a walk through the method for its variant.
// Returning an error stops the walk.
type Visitor interface {
	VisitBegin(*BeginNode) error
	VisitEnd(*EndNode) error
	VisitParameter(*ParameterNode) error
	VisitConstant(*ConstantNode) error
	VisitTask(*TaskNode) error
	VisitCopyIn(*CopyInNode) error
	VisitPrefetch(*PrefetchNode) error
	VisitWriteHost(*WriteHostNode) error
	VisitBarrier(*BarrierNode) error
	VisitAllocate(*AllocateNode) error
}

// BaseVisitor implements every Visitor method as a no-op. Embed it to handle
// only the variants of interest.
type BaseVisitor struct{}

func (BaseVisitor) VisitBegin(*BeginNode) error         { return nil }
func (BaseVisitor) VisitEnd(*EndNode) error             { return nil }
func (BaseVisitor) VisitParameter(*ParameterNode) error { return nil }
func (BaseVisitor) VisitConstant(*ConstantNode) error   { return nil }
func (BaseVisitor) VisitTask(*TaskNode) error           { return nil }
func (BaseVisitor) VisitCopyIn(*CopyInNode) error       { return nil }
func (BaseVisitor) VisitPrefetch(*PrefetchNode) error   { return nil }
func (BaseVisitor) VisitWriteHost(*WriteHostNode) error { return nil }
func (BaseVisitor) VisitBarrier(*BarrierNode) error     { return nil }
func (BaseVisitor) VisitAllocate(*AllocateNode) error   { return nil }

// Walk visits the graph in topological order.
func Walk(g *Graph, v Visitor) error {
	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}
	for _, n := range order {
		if err := Dispatch(n, v); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch calls the Visitor method matching n's variant.
func Dispatch(n Node, v Visitor) error {
	switch x := n.(type) {
	case *BeginNode:
		return v.VisitBegin(x)
	case *EndNode:
		return v.VisitEnd(x)
	case *ParameterNode:
		return v.VisitParameter(x)
	case *ConstantNode:
		return v.VisitConstant(x)
	case *TaskNode:
		return v.VisitTask(x)
	case *CopyInNode:
		return v.VisitCopyIn(x)
	case *PrefetchNode:
		return v.VisitPrefetch(x)
	case *WriteHostNode:
		return v.VisitWriteHost(x)
	case *BarrierNode:
		return v.VisitBarrier(x)
	case *AllocateNode:
		return v.VisitAllocate(x)
	}
	return fmt.Errorf("unknown node variant %T", n)
}
