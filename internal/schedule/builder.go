package schedule

import (
	"maps"
	"slices"

	"github.com/specialistvlad/accelgrid/internal/graph"
)

// paramState tracks which copies of a parameter are current while tasks are
// added in order.
type paramState struct {
	node *graph.ParameterNode
	// current maps a device to the node that made its copy current.
	current map[int]graph.Node
	placed  map[int]bool
	// hostSource is the WriteHost that last refreshed the host copy, nil
	// while the host still holds the caller's data.
	hostSource  graph.Node
	hostCurrent bool
	writer      *graph.TaskNode
	// hostReaders are the transfers that read the host copy, keyed by the
	// device they run on. A write-back must not overwrite the host copy
	// before the readers on other devices finished.
	hostReaders map[int][]graph.Node
}

type builder struct {
	*Schedule
	g          *graph.Graph
	params     map[int]*paramState
	deviceUsed map[int]bool
}

func (b *builder) param(index int) *paramState {
	st, ok := b.params[index]
	if !ok {
		st = &paramState{
			node:        graph.AddUnique(b.g, graph.NewParameter(index)),
			current:     make(map[int]graph.Node),
			placed:      make(map[int]bool),
			hostCurrent: true,
			hostReaders: make(map[int][]graph.Node),
		}
		b.params[index] = st
	}
	return st
}

func (b *builder) addTask(index int, t *taskSpec) error {
	args := make([]graph.Argument, len(t.Args))
	for i, a := range t.Args {
		if a.constant {
			args[i] = graph.Argument{Value: graph.AddUnique(b.g, graph.NewConstant(a.index))}
			continue
		}
		args[i] = graph.Argument{Value: b.param(a.index).node, Access: a.access}
	}
	task := graph.Add(b.g, graph.NewTask(index, t.Name, args...))
	if err := task.SetDevice(t.Device); err != nil {
		return err
	}

	dev := t.Device
	for _, a := range t.Args {
		if a.constant {
			continue
		}
		st := b.params[a.index]
		switch {
		case a.access.Reads():
			task.DependsOn(b.readOn(task, dev, a.index, st))
		case !st.placed[dev]:
			task.DependsOn(graph.AddUnique(b.g, graph.NewAllocate(dev, st.node)))
			st.placed[dev] = true
		}
	}
	for _, a := range t.Args {
		if a.constant || !a.access.Writes() {
			continue
		}
		st := b.params[a.index]
		clear(st.current)
		st.current[dev] = task
		st.placed[dev] = true
		st.hostCurrent = false
		st.hostSource = nil
		st.writer = task
	}
	b.deviceUsed[dev] = true
	return nil
}

// readOn returns the node task must wait for to read parameter index on dev.
func (b *builder) readOn(task *graph.TaskNode, dev, index int, st *paramState) graph.Node {
	if n, ok := st.current[dev]; ok {
		return n
	}
	if !st.hostCurrent {
		b.writeBack(st)
	}

	var n graph.Node
	if !b.deviceUsed[dev] {
		c := graph.NewCopyIn(dev, st.node)
		b.configure(index, c)
		n = b.add(c, st)
	} else {
		p := graph.NewPrefetch(task, st.node)
		b.configure(index, p)
		n = b.add(p, st)
	}
	st.hostReaders[dev] = append(st.hostReaders[dev], n)
	st.current[dev] = n
	st.placed[dev] = true
	return n
}

type transfer interface {
	graph.Node
	SetBlocking(bool)
	SetCacheable(bool)
	DependsOn(...graph.Node)
}

func (b *builder) configure(index int, op transfer) {
	op.SetBlocking(b.blocking)
	op.SetCacheable(!b.streamIn[index])
}

// add inserts a host-to-device transfer. Transfers of data the host received
// from a device depend on that write-back and are never merged with others.
func (b *builder) add(op transfer, st *paramState) graph.Node {
	if st.hostSource != nil {
		op.DependsOn(st.hostSource)
		return graph.Add[graph.Node](b.g, op)
	}
	return graph.AddUnique[graph.Node](b.g, op)
}

// writeBack copies the last written value of st to the host.
func (b *builder) writeBack(st *paramState) graph.Node {
	wh := graph.NewWriteHost(st.writer, st.node)
	wh.SetBlocking(b.blocking)
	n := graph.AddUnique(b.g, wh)
	for _, dev := range slices.Sorted(maps.Keys(st.hostReaders)) {
		if dev != st.writer.Device() {
			n.DependsOn(st.hostReaders[dev]...)
		}
	}
	st.hostCurrent = true
	st.hostSource = n
	return n
}

func (b *builder) streamOut(index int) {
	st := b.param(index)
	if st.hostCurrent {
		return
	}
	b.writeBack(st)
}
