package graph

import (
	"errors"
	"fmt"
	"slices"
)

// NodeID is the identity of a node within its graph. Valid identities are
// non-negative and equal the node's storage slot.
type NodeID int

// Unassigned marks a task that has not been mapped to a device yet.
const Unassigned = -1

// ErrSealed is returned when a graph that was already compiled is modified.
var ErrSealed = errors.New("graph is sealed")

// Kind enumerates the closed set of node variants.
type Kind uint8

const (
	KindBegin Kind = iota
	KindEnd
	KindParameter
	KindConstant
	KindTask
	KindCopyIn
	KindPrefetch
	KindWriteHost
	KindBarrier
	KindAllocate
)

var kindNames = [...]string{
	KindBegin:     "begin",
	KindEnd:       "end",
	KindParameter: "parameter",
	KindConstant:  "constant",
	KindTask:      "task",
	KindCopyIn:    "copy-in",
	KindPrefetch:  "prefetch",
	KindWriteHost: "write-host",
	KindBarrier:   "barrier",
	KindAllocate:  "allocate",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Node is a vertex of the task graph. The set of implementations is closed.
type Node interface {
	ID() NodeID
	Kind() Kind
	// Inputs returns the ordered list of nodes this node depends on.
	Inputs() []Node
	// HasInputs reports whether Inputs is non-empty.
	HasInputs() bool
	String() string

	base() *nodeBase
}

// DeviceOp is implemented by the nodes that are bound to exactly one device.
type DeviceOp interface {
	Node
	Device() int
	IsBlocking() bool
	IsCacheable() bool
}

type nodeBase struct {
	id    NodeID
	graph *Graph
}

func (b *nodeBase) ID() NodeID      { return b.id }
func (b *nodeBase) base() *nodeBase { return b }

// OriginalID recovers the identity a node had before it was deleted.
func OriginalID(id NodeID) NodeID {
	if id < 0 {
		return -id - 1
	}
	return id
}

// BeginNode anchors the start of the control flow. It has no predecessor.
type BeginNode struct{ nodeBase }

func (*BeginNode) Kind() Kind       { return KindBegin }
func (*BeginNode) Inputs() []Node   { return nil }
func (*BeginNode) HasInputs() bool  { return false }
func (n *BeginNode) String() string { return fmt.Sprintf("[%d]: begin", n.id) }

// EndNode anchors the end of the control flow. It has no successor.
type EndNode struct{ nodeBase }

func (*EndNode) Kind() Kind       { return KindEnd }
func (*EndNode) Inputs() []Node   { return nil }
func (*EndNode) HasInputs() bool  { return false }
func (n *EndNode) String() string { return fmt.Sprintf("[%d]: end", n.id) }

// ParameterNode stands for one logical argument slot of the schedule. It
// carries no data, only the slot index.
type ParameterNode struct {
	nodeBase
	Index int
}

func NewParameter(index int) *ParameterNode { return &ParameterNode{Index: index} }

func (*ParameterNode) Kind() Kind       { return KindParameter }
func (*ParameterNode) Inputs() []Node   { return nil }
func (*ParameterNode) HasInputs() bool  { return false }
func (n *ParameterNode) String() string { return fmt.Sprintf("[%d]: parameter %d", n.id, n.Index) }

// ConstantNode is a literal task argument, referenced by its index in the
// schedule's constant pool.
type ConstantNode struct {
	nodeBase
	Index int
}

func NewConstant(index int) *ConstantNode { return &ConstantNode{Index: index} }

func (*ConstantNode) Kind() Kind       { return KindConstant }
func (*ConstantNode) Inputs() []Node   { return nil }
func (*ConstantNode) HasInputs() bool  { return false }
func (n *ConstantNode) String() string { return fmt.Sprintf("[%d]: constant %d", n.id, n.Index) }

// Access describes how a task uses one of its arguments.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// Writes reports whether the access may modify the argument.
func (a Access) Writes() bool { return a != AccessRead }

// Reads reports whether the access observes the argument's prior contents.
func (a Access) Reads() bool { return a != AccessWrite }

// Argument is one positional argument of a task: a ParameterNode or a
// ConstantNode.
type Argument struct {
	Value  Node
	Access Access
}

// TaskNode is one schedulable unit of work.
type TaskNode struct {
	nodeBase
	Index  int
	Name   string
	Args   []Argument
	device int
	deps   []Node
}

// NewTask returns a task that is not yet mapped to a device.
func NewTask(index int, name string, args ...Argument) *TaskNode {
	return &TaskNode{Index: index, Name: name, Args: args, device: Unassigned}
}

func (*TaskNode) Kind() Kind { return KindTask }

// Device returns the device index the task is mapped to, or Unassigned.
func (n *TaskNode) Device() int { return n.device }

// SetDevice maps the task to a device. The mapping is frozen once the owning
// graph has been compiled.
func (n *TaskNode) SetDevice(device int) error {
	if n.graph != nil && n.graph.sealed {
		return fmt.Errorf("remap task %d: %w", n.id, ErrSealed)
	}
	n.device = device
	return nil
}

// DependsOn records an ordering edge: the task runs after every node in deps.
func (n *TaskNode) DependsOn(deps ...Node) {
	for _, d := range deps {
		if !slices.Contains(n.deps, d) {
			n.deps = append(n.deps, d)
		}
	}
}

// Dependencies returns the ordering edges added with DependsOn.
func (n *TaskNode) Dependencies() []Node { return n.deps }

func (n *TaskNode) Inputs() []Node {
	inputs := make([]Node, 0, len(n.Args)+len(n.deps))
	for _, a := range n.Args {
		inputs = append(inputs, a.Value)
	}
	return append(inputs, n.deps...)
}

func (n *TaskNode) HasInputs() bool { return len(n.Args) > 0 || len(n.deps) > 0 }

func (n *TaskNode) String() string {
	return fmt.Sprintf("[%d]: task %d %q on device %d", n.id, n.Index, n.Name, n.device)
}

// deviceOp holds the state shared by every device-bound operation.
type deviceOp struct {
	nodeBase
	device   int
	blocking bool
	uncached bool
	deps     []Node
}

func (o *deviceOp) Device() int       { return o.device }
func (o *deviceOp) IsBlocking() bool  { return o.blocking }
func (o *deviceOp) IsCacheable() bool { return !o.uncached }

// SetBlocking selects synchronous completion for the operation.
func (o *deviceOp) SetBlocking(blocking bool) { o.blocking = blocking }

// SetCacheable selects whether the transfer may be skipped when the
// destination already holds a current copy.
func (o *deviceOp) SetCacheable(cacheable bool) { o.uncached = !cacheable }

// DependsOn orders the operation after every node in deps, in addition to
// the nodes it already takes as inputs.
func (o *deviceOp) DependsOn(deps ...Node) {
	for _, d := range deps {
		if !slices.Contains(o.deps, d) {
			o.deps = append(o.deps, d)
		}
	}
}

// Dependencies returns the ordering edges added with DependsOn.
func (o *deviceOp) Dependencies() []Node { return o.deps }

func valueInputs(v *ParameterNode, extra ...Node) []Node {
	var inputs []Node
	if v != nil {
		inputs = append(inputs, v)
	}
	for _, e := range extra {
		if e != nil {
			inputs = append(inputs, e)
		}
	}
	return inputs
}

func valueIndex(v *ParameterNode) int {
	if v == nil {
		return -1
	}
	return v.Index
}

// CopyInNode moves a parameter from the host onto a device.
type CopyInNode struct {
	deviceOp
	Value *ParameterNode
}

func NewCopyIn(device int, value *ParameterNode) *CopyInNode {
	return &CopyInNode{deviceOp: deviceOp{device: device}, Value: value}
}

func (*CopyInNode) Kind() Kind        { return KindCopyIn }
func (n *CopyInNode) Inputs() []Node  { return valueInputs(n.Value, n.deps...) }
func (n *CopyInNode) HasInputs() bool { return n.Value != nil || len(n.deps) > 0 }
func (n *CopyInNode) String() string {
	return fmt.Sprintf("[%d]: copy in parameter %d to device %d", n.id, valueIndex(n.Value), n.device)
}

// AllocateNode reserves device memory for a parameter without transferring it.
type AllocateNode struct {
	deviceOp
	Value *ParameterNode
}

func NewAllocate(device int, value *ParameterNode) *AllocateNode {
	return &AllocateNode{deviceOp: deviceOp{device: device}, Value: value}
}

func (*AllocateNode) Kind() Kind        { return KindAllocate }
func (n *AllocateNode) Inputs() []Node  { return valueInputs(n.Value, n.deps...) }
func (n *AllocateNode) HasInputs() bool { return n.Value != nil || len(n.deps) > 0 }
func (n *AllocateNode) String() string {
	return fmt.Sprintf("[%d]: allocate parameter %d on device %d", n.id, valueIndex(n.Value), n.device)
}

// PrefetchNode copies a parameter onto the device of Task ahead of it.
type PrefetchNode struct {
	deviceOp
	Value *ParameterNode
	Task  *TaskNode
}

func NewPrefetch(task *TaskNode, value *ParameterNode) *PrefetchNode {
	return &PrefetchNode{Value: value, Task: task}
}

func (*PrefetchNode) Kind() Kind        { return KindPrefetch }
func (n *PrefetchNode) Device() int     { return n.Task.Device() }
func (n *PrefetchNode) Inputs() []Node  { return valueInputs(n.Value, n.deps...) }
func (n *PrefetchNode) HasInputs() bool { return n.Value != nil || len(n.deps) > 0 }
func (n *PrefetchNode) String() string {
	return fmt.Sprintf("[%d]: prefetch parameter %d before task %d", n.id, valueIndex(n.Value), n.Task.ID())
}

// WriteHostNode copies a parameter back to the host after Task has run.
type WriteHostNode struct {
	deviceOp
	Value *ParameterNode
	Task  *TaskNode
}

func NewWriteHost(task *TaskNode, value *ParameterNode) *WriteHostNode {
	return &WriteHostNode{Value: value, Task: task}
}

func (*WriteHostNode) Kind() Kind    { return KindWriteHost }
func (n *WriteHostNode) Device() int { return n.Task.Device() }

func (n *WriteHostNode) Inputs() []Node {
	var task Node
	if n.Task != nil {
		task = n.Task
	}
	return valueInputs(n.Value, append([]Node{task}, n.deps...)...)
}

func (n *WriteHostNode) HasInputs() bool { return n.Value != nil || n.Task != nil || len(n.deps) > 0 }

func (n *WriteHostNode) String() string {
	return fmt.Sprintf("[%d]: copy out parameter %d after task %d", n.id, valueIndex(n.Value), n.Task.ID())
}

// BarrierNode stalls its device's queue until every node in Waits completed.
type BarrierNode struct {
	deviceOp
	Waits []Node
}

func NewBarrier(device int, waits ...Node) *BarrierNode {
	return &BarrierNode{deviceOp: deviceOp{device: device}, Waits: waits}
}

func (*BarrierNode) Kind() Kind        { return KindBarrier }
func (n *BarrierNode) Inputs() []Node  { return append(slices.Clip(n.Waits), n.deps...) }
func (n *BarrierNode) HasInputs() bool { return len(n.Waits) > 0 || len(n.deps) > 0 }
func (n *BarrierNode) String() string {
	return fmt.Sprintf("[%d]: barrier on device %d waiting for %d nodes", n.id, n.device, len(n.Waits))
}
