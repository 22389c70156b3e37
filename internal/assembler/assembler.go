// Package assembler linearizes a task graph into a bytecode.Program.
//
// Nodes are emitted in topological order. Parameter and constant nodes emit
// nothing themselves; they size the program's parameter and constant tables.
// Every asynchronous operation gets its own event slot, and whenever a node
// on one device consumes the result of an asynchronous node on another
// device a BARRIER on the consuming device is emitted first, waiting on the
// producer's slot. Within one device the in-order queue provides ordering.
package assembler

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/accelgrid/internal/bytecode"
	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/specialistvlad/accelgrid/internal/graph"
)

const stage = "assembler"

// Compile validates g and emits its instruction stream. On success the graph
// is sealed: task device assignments can no longer change. On failure no
// program is returned.
func Compile(ctx context.Context, g *graph.Graph) (*bytecode.Program, error) {
	logger := ctxlog.FromContext(ctx).With("component", stage)
	logger.Debug("Compiling graph.", "nodes", g.Len())

	a := &assembler{
		prog:    &bytecode.Program{Version: bytecode.Version},
		slots:   make(map[graph.NodeID]slot),
		waited:  make(map[waitKey]bool),
		tasks:   make(map[int]*graph.TaskNode),
		maxArgs: make(map[int]int),
	}
	if err := graph.Walk(g, a); err != nil {
		var se *graph.StructureError
		if errors.As(err, &se) {
			se.Phase = stage
		}
		logger.Debug("Graph rejected.", "error", err)
		return nil, err
	}
	if err := a.finish(); err != nil {
		logger.Debug("Graph rejected.", "error", err)
		return nil, err
	}
	if err := a.prog.Validate(); err != nil {
		return nil, fmt.Errorf("%s: emitted program is inconsistent: %w", stage, err)
	}

	g.Seal()
	logger.Debug("Compiled graph.",
		"instructions", len(a.prog.Instructions),
		"devices", len(a.prog.Devices),
		"tasks", len(a.prog.Tasks),
		"event_slots", a.prog.EventSlots)
	return a.prog, nil
}

// slot records where the completion of an asynchronous node can be awaited.
type slot struct {
	index  int
	device int
}

type waitKey struct {
	device int
	slot   int
}

type assembler struct {
	graph.BaseVisitor

	prog    *bytecode.Program
	slots   map[graph.NodeID]slot
	waited  map[waitKey]bool
	tasks   map[int]*graph.TaskNode
	maxArgs map[int]int
	devices int
}

func (a *assembler) emit(in bytecode.Instruction) {
	a.prog.Instructions = append(a.prog.Instructions, in)
	if in.Op != bytecode.OpBegin && in.Op != bytecode.OpEnd {
		a.devices = max(a.devices, in.Device+1)
	}
}

// newSlot hands out the next event slot for node n on device.
func (a *assembler) newSlot(n graph.Node, device int) int {
	s := a.prog.EventSlots
	a.prog.EventSlots++
	a.slots[n.ID()] = slot{index: s, device: device}
	return s
}

// crossDeviceBarriers emits one BARRIER on device for every input of n that
// completes asynchronously on a different device.
func (a *assembler) crossDeviceBarriers(n graph.Node, device int) {
	for _, in := range n.Inputs() {
		s, ok := a.slots[in.ID()]
		if !ok || s.device == device {
			continue
		}
		a.barrier(device, s.index, bytecode.Async)
	}
}

func (a *assembler) barrier(device, waitSlot int, mode bytecode.BlockingMode) {
	key := waitKey{device: device, slot: waitSlot}
	if a.waited[key] && mode == bytecode.Async {
		return
	}
	a.waited[key] = true
	a.emit(bytecode.Instruction{
		Op:        bytecode.OpBarrier,
		Device:    device,
		Flags:     bytecode.EncodeBlockingMode(0, mode),
		EventSlot: bytecode.NoSlot,
		WaitSlot:  waitSlot,
	})
}

func flagsOf(op graph.DeviceOp) bytecode.Flags {
	var f bytecode.Flags
	if op.IsBlocking() {
		f = bytecode.EncodeBlockingMode(f, bytecode.Blocking)
	}
	if !op.IsCacheable() {
		f = bytecode.EncodeCacheMode(f, bytecode.NonCacheable)
	}
	return f
}

// transfer emits one of the parameter-moving instructions.
func (a *assembler) transfer(op bytecode.Opcode, n graph.DeviceOp, value *graph.ParameterNode) {
	device := n.Device()
	a.crossDeviceBarriers(n, device)
	in := bytecode.Instruction{
		Op:        op,
		Device:    device,
		Operand:   value.Index,
		Flags:     flagsOf(n),
		EventSlot: bytecode.NoSlot,
		WaitSlot:  bytecode.NoSlot,
	}
	// Allocation is host-side bookkeeping and never produces a handle.
	if op != bytecode.OpAllocate && !n.IsBlocking() {
		in.EventSlot = a.newSlot(n, device)
	}
	a.emit(in)
}

func (a *assembler) VisitBegin(*graph.BeginNode) error {
	a.emit(bytecode.Instruction{Op: bytecode.OpBegin, EventSlot: bytecode.NoSlot, WaitSlot: bytecode.NoSlot})
	return nil
}

func (a *assembler) VisitEnd(*graph.EndNode) error {
	a.emit(bytecode.Instruction{Op: bytecode.OpEnd, EventSlot: bytecode.NoSlot, WaitSlot: bytecode.NoSlot})
	return nil
}

func (a *assembler) VisitParameter(n *graph.ParameterNode) error {
	a.prog.Parameters = max(a.prog.Parameters, n.Index+1)
	return nil
}

func (a *assembler) VisitConstant(n *graph.ConstantNode) error {
	a.prog.Constants = max(a.prog.Constants, n.Index+1)
	return nil
}

func (a *assembler) VisitTask(n *graph.TaskNode) error {
	if prev, dup := a.tasks[n.Index]; dup {
		return &graph.StructureError{
			NodeID: n.ID(),
			Reason: fmt.Sprintf("task index %d already used by node %d", n.Index, prev.ID()),
		}
	}
	if n.Index < 0 {
		return &graph.StructureError{NodeID: n.ID(), Reason: fmt.Sprintf("negative task index %d", n.Index)}
	}
	a.tasks[n.Index] = n

	device := n.Device()
	a.maxArgs[device] = max(a.maxArgs[device], len(n.Args))
	a.crossDeviceBarriers(n, device)
	a.emit(bytecode.Instruction{
		Op:        bytecode.OpLaunchTask,
		Device:    device,
		Operand:   n.Index,
		EventSlot: a.newSlot(n, device),
		WaitSlot:  bytecode.NoSlot,
	})
	return nil
}

func (a *assembler) VisitCopyIn(n *graph.CopyInNode) error {
	a.transfer(bytecode.OpCopyIn, n, n.Value)
	return nil
}

func (a *assembler) VisitAllocate(n *graph.AllocateNode) error {
	a.transfer(bytecode.OpAllocate, n, n.Value)
	return nil
}

func (a *assembler) VisitPrefetch(n *graph.PrefetchNode) error {
	a.transfer(bytecode.OpPrefetch, n, n.Value)
	return nil
}

func (a *assembler) VisitWriteHost(n *graph.WriteHostNode) error {
	a.transfer(bytecode.OpWriteHost, n, n.Value)
	return nil
}

// VisitBarrier emits one BARRIER per awaited node that completes
// asynchronously. Nodes that complete synchronously need no wait.
func (a *assembler) VisitBarrier(n *graph.BarrierNode) error {
	mode := bytecode.Async
	if n.IsBlocking() {
		mode = bytecode.Blocking
	}
	for _, in := range n.Inputs() {
		if s, ok := a.slots[in.ID()]; ok {
			a.barrier(n.Device(), s.index, mode)
		}
	}
	return nil
}

// finish builds the task and device tables once every node was visited.
func (a *assembler) finish() error {
	a.prog.Tasks = make([]bytecode.Task, len(a.tasks))
	for index, n := range a.tasks {
		if index >= len(a.tasks) {
			return &graph.StructureError{
				NodeID: n.ID(),
				Reason: fmt.Sprintf("task indices are not dense: %d used with %d tasks", index, len(a.tasks)),
				Phase:  stage,
			}
		}
		task := bytecode.Task{Name: n.Name, Device: n.Device()}
		for _, arg := range n.Args {
			task.Args = append(task.Args, argRef(arg))
		}
		a.prog.Tasks[index] = task
	}

	a.prog.Devices = make([]bytecode.Device, a.devices)
	for device, args := range a.maxArgs {
		a.prog.Devices[device].MaxArgs = args
	}
	return nil
}

func argRef(arg graph.Argument) bytecode.ArgRef {
	switch v := arg.Value.(type) {
	case *graph.ConstantNode:
		return bytecode.ArgRef{Kind: bytecode.ArgConstant, Index: v.Index, Access: bytecode.AccessRead}
	case *graph.ParameterNode:
		ref := bytecode.ArgRef{Kind: bytecode.ArgParameter, Index: v.Index}
		switch arg.Access {
		case graph.AccessWrite:
			ref.Access = bytecode.AccessWrite
		case graph.AccessReadWrite:
			ref.Access = bytecode.AccessReadWrite
		}
		return ref
	}
	panic(fmt.Sprintf("assembler: argument of kind %s survived validation", arg.Value.Kind()))
}
