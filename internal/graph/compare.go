package graph

import "cmp"

// Compare orders nodes by kind and then by the fields that give each variant
// its meaning. It returns 0 exactly when a and b are structurally equal.
//
// Begin and End nodes of the same kind always compare equal. Tasks compare
// by schedule index and name. Device operations compare by device, the
// parameter they move, the task they are ordered against and their mode
// flags. Barriers compare by the identities of the nodes they wait on.
func Compare(a, b Node) int {
	if c := cmp.Compare(a.Kind(), b.Kind()); c != 0 {
		return c
	}
	switch x := a.(type) {
	case *BeginNode, *EndNode:
		return 0
	case *ParameterNode:
		return cmp.Compare(x.Index, b.(*ParameterNode).Index)
	case *ConstantNode:
		return cmp.Compare(x.Index, b.(*ConstantNode).Index)
	case *TaskNode:
		y := b.(*TaskNode)
		if c := cmp.Compare(x.Index, y.Index); c != 0 {
			return c
		}
		return cmp.Compare(x.Name, y.Name)
	case *CopyInNode:
		y := b.(*CopyInNode)
		return compareOps(&x.deviceOp, &y.deviceOp, x.Value, y.Value, nil, nil)
	case *AllocateNode:
		y := b.(*AllocateNode)
		return compareOps(&x.deviceOp, &y.deviceOp, x.Value, y.Value, nil, nil)
	case *PrefetchNode:
		y := b.(*PrefetchNode)
		return compareOps(&x.deviceOp, &y.deviceOp, x.Value, y.Value, x.Task, y.Task)
	case *WriteHostNode:
		y := b.(*WriteHostNode)
		return compareOps(&x.deviceOp, &y.deviceOp, x.Value, y.Value, x.Task, y.Task)
	case *BarrierNode:
		y := b.(*BarrierNode)
		if c := compareOps(&x.deviceOp, &y.deviceOp, nil, nil, nil, nil); c != 0 {
			return c
		}
		return compareWaits(x.Waits, y.Waits)
	}
	return 0
}

func compareOps(x, y *deviceOp, xv, yv *ParameterNode, xt, yt *TaskNode) int {
	if c := cmp.Compare(x.device, y.device); c != 0 {
		return c
	}
	if c := cmp.Compare(valueIndex(xv), valueIndex(yv)); c != 0 {
		return c
	}
	if c := cmp.Compare(taskID(xt), taskID(yt)); c != 0 {
		return c
	}
	if c := compareBool(x.blocking, y.blocking); c != 0 {
		return c
	}
	return compareBool(x.uncached, y.uncached)
}

func compareWaits(a, b []Node) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := cmp.Compare(a[i].ID(), b[i].ID()); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func taskID(t *TaskNode) NodeID {
	if t == nil {
		return -1
	}
	return t.ID()
}
