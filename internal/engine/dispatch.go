package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/specialistvlad/accelgrid/internal/bytecode"
	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/specialistvlad/accelgrid/internal/device"
	"github.com/specialistvlad/accelgrid/internal/memory"
)

// pending is an issued asynchronous operation that END waits for.
type pending struct {
	pos    int
	in     bytecode.Instruction
	handle device.Handle
}

// run is the state of one Run call.
type run struct {
	*Engine
	ctx     context.Context
	binding *Binding
	slots   []device.Handle
	pending []pending
}

func (r *run) logger() *slog.Logger {
	return ctxlog.FromContext(r.ctx)
}

func (r *run) dispatch(pos int, in bytecode.Instruction) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch in.Op {
	case bytecode.OpBegin:
		clear(r.slots)
	case bytecode.OpEnd:
		return ev, r.drain()
	case bytecode.OpAllocate:
		_, err = r.allocate(in.Operand, in.Device)
	case bytecode.OpCopyIn, bytecode.OpPrefetch:
		ev, err = r.copyIn(pos, in)
	case bytecode.OpWriteHost:
		ev, err = r.writeHost(pos, in)
	case bytecode.OpLaunchTask:
		err = r.launch(pos, in)
	case bytecode.OpBarrier:
		err = r.barrier(pos, in)
	default:
		err = fmt.Errorf("unsupported opcode %s", in.Op)
	}
	if err != nil {
		return ev, &DeviceOperationError{Position: pos, Device: in.Device, Op: in.Op, Err: err}
	}
	return ev, nil
}

func (r *run) setSlot(in bytecode.Instruction, h device.Handle) {
	if in.EventSlot != bytecode.NoSlot {
		r.slots[in.EventSlot] = h
	}
}

// issue performs a transfer synchronously when in is Blocking and
// asynchronously otherwise. The returned handle is recorded in the event
// slot of in.
func (r *run) issue(pos int, in bytecode.Instruction, sync func() error, async func() (device.Handle, error)) (device.Handle, error) {
	if in.Flags.BlockingMode() == bytecode.Blocking {
		if err := sync(); err != nil {
			return nil, err
		}
		h := device.CompletedHandle{}
		r.setSlot(in, h)
		return h, nil
	}
	h, err := async()
	if err != nil {
		return nil, err
	}
	r.setSlot(in, h)
	r.pending = append(r.pending, pending{pos: pos, in: in, handle: h})
	return h, nil
}

// skip records a cached transfer. Waiters on its slot wait for whatever
// produced the current copy.
func (r *run) skip(in bytecode.Instruction, producer device.Handle) Event {
	if producer == nil {
		producer = device.CompletedHandle{}
	}
	r.setSlot(in, producer)
	return Event{Skipped: true}
}

func (r *run) allocate(index, dev int) (*allocation, error) {
	p := r.params[index]
	size := len(r.binding.Params[index])
	if a := p.allocs[dev]; a != nil {
		if a.size != size {
			return nil, fmt.Errorf("parameter %d changed size from %d to %d bytes since it was allocated", index, a.size, size)
		}
		return a, nil
	}

	m := r.targets[dev].Memory
	headerStart, err := m.Allocate(uint64(size), r.header, r.alignment)
	if err != nil {
		return nil, err
	}
	offset := headerStart + r.header
	addr, err := m.ToAbsoluteAddress(offset)
	if err != nil {
		return nil, err
	}
	a := &allocation{size: size, offset: offset, addr: addr}
	p.allocs[dev] = a

	r.logger().Debug("Allocated parameter.",
		"param", index,
		"device", dev,
		"address", fmt.Sprintf("%#x", addr),
		"size", humanize.IBytes(uint64(size)))
	return a, nil
}

func (r *run) copyIn(pos int, in bytecode.Instruction) (Event, error) {
	dev := in.Device
	p := r.params[in.Operand]
	a, err := r.allocate(in.Operand, dev)
	if err != nil {
		return Event{}, err
	}
	if in.Flags.CacheMode() == bytecode.Cacheable && p.current[dev] {
		return r.skip(in, p.ready[dev]), nil
	}

	t := r.targets[dev]
	src := r.binding.Params[in.Operand]
	h, err := r.issue(pos, in,
		func() error {
			return t.Queue.WriteBuffer(r.ctx, t.Memory.Buffer(), int64(a.offset), src)
		},
		func() (device.Handle, error) {
			return t.Queue.EnqueueWriteBuffer(r.ctx, t.Memory.Buffer(), int64(a.offset), src, nil)
		})
	if err != nil {
		return Event{}, err
	}
	p.current[dev] = true
	p.ready[dev] = h
	return Event{Bytes: len(src)}, nil
}

func (r *run) writeHost(pos int, in bytecode.Instruction) (Event, error) {
	dev := in.Device
	p := r.params[in.Operand]
	a := p.allocs[dev]
	if a == nil {
		return Event{}, fmt.Errorf("parameter %d is not allocated on device %d", in.Operand, dev)
	}
	if in.Flags.CacheMode() == bytecode.Cacheable && p.hostCurrent {
		return r.skip(in, p.hostReady), nil
	}

	t := r.targets[dev]
	dst := r.binding.Params[in.Operand]
	h, err := r.issue(pos, in,
		func() error {
			return t.Queue.ReadBuffer(r.ctx, t.Memory.Buffer(), int64(a.offset), dst)
		},
		func() (device.Handle, error) {
			return t.Queue.EnqueueReadBuffer(r.ctx, t.Memory.Buffer(), int64(a.offset), dst, nil)
		})
	if err != nil {
		return Event{}, err
	}
	p.hostCurrent = true
	p.hostReady = h
	return Event{Bytes: len(dst)}, nil
}

// frame returns the call frame of dev, creating it on first use. Launches on
// one device share the frame; the in-order queue writes each launch's
// arguments after the previous launch consumed its own.
func (r *run) frame(dev int) (*memory.CallFrame, error) {
	if f := r.frames[dev]; f != nil {
		return f, nil
	}
	f, err := r.targets[dev].Memory.CreateCallStackFrame(r.prog.Devices[dev].MaxArgs)
	if err != nil {
		return nil, err
	}
	r.frames[dev] = f
	return f, nil
}

func (r *run) launch(pos int, in bytecode.Instruction) error {
	dev := in.Device
	task := r.prog.Tasks[in.Operand]
	code := r.binding.Tasks[in.Operand]
	t := r.targets[dev]

	f, err := r.frame(dev)
	if err != nil {
		return err
	}
	f.Reset()
	for _, arg := range task.Args {
		var word uint64
		switch arg.Kind {
		case bytecode.ArgConstant:
			word = r.binding.Constants[arg.Index]
		case bytecode.ArgParameter:
			a, err := r.allocate(arg.Index, dev)
			if err != nil {
				return err
			}
			word = a.addr
		}
		if err := f.Push(word); err != nil {
			return err
		}
	}

	addr, err := t.Memory.ToAbsoluteAddress(f.Offset())
	if err != nil {
		return err
	}
	frame := f.Frame(addr)
	fh, err := t.Queue.EnqueueWriteBuffer(r.ctx, t.Memory.Buffer(), int64(f.Offset()), frame.Data, nil)
	if err != nil {
		return fmt.Errorf("writing call frame of task %q: %w", task.Name, err)
	}
	r.pending = append(r.pending, pending{pos: pos, in: in, handle: fh})

	h, err := code.Code.Execute(r.ctx, frame, code.Launch, nil)
	if err != nil {
		return fmt.Errorf("launching task %q: %w", task.Name, err)
	}
	r.setSlot(in, h)

	for _, arg := range task.Args {
		if arg.Kind != bytecode.ArgParameter || !arg.Access.Writes() {
			continue
		}
		p := r.params[arg.Index]
		clear(p.current)
		clear(p.ready)
		p.current[dev] = true
		p.ready[dev] = h
		p.hostCurrent = false
		p.hostReady = nil
	}

	if in.Flags.BlockingMode() == bytecode.Blocking {
		if err := h.Wait(r.ctx); err != nil {
			return fmt.Errorf("task %q: %w", task.Name, err)
		}
		return nil
	}
	r.pending = append(r.pending, pending{pos: pos, in: in, handle: h})
	return nil
}

func (r *run) barrier(pos int, in bytecode.Instruction) error {
	waitOn := r.slots[in.WaitSlot]
	if waitOn == nil {
		return fmt.Errorf("event slot %d was not recorded before the barrier", in.WaitSlot)
	}
	h, err := r.targets[in.Device].Queue.EnqueueBarrier(r.ctx, []device.Handle{waitOn})
	if err != nil {
		return err
	}
	if in.Flags.BlockingMode() == bytecode.Blocking {
		return h.Wait(r.ctx)
	}
	r.pending = append(r.pending, pending{pos: pos, in: in, handle: h})
	return nil
}

// drain waits for every operation issued during the run and reports the
// earliest failure by the position of the instruction that issued it.
func (r *run) drain() error {
	var first error
	for _, p := range r.pending {
		if err := p.handle.Wait(r.ctx); err != nil && first == nil {
			first = &DeviceOperationError{Position: p.pos, Device: p.in.Device, Op: p.in.Op, Err: err}
		}
	}
	r.pending = nil
	return first
}

// invalidate forgets device copies after a failed run, since transfers of
// the run may not have happened.
func (r *run) invalidate() {
	for _, p := range r.params {
		clear(p.current)
		clear(p.ready)
	}
}
