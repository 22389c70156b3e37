package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/accelgrid/internal/bytecode"
	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/specialistvlad/accelgrid/internal/device"
	"github.com/specialistvlad/accelgrid/internal/memory"
)

// DefaultAlignment is the alignment of parameter data on the device.
const DefaultAlignment = 64

// Target is the queue and memory of one device index.
type Target struct {
	Queue  device.Queue
	Memory *memory.Manager
}

// TaskBinding supplies the code and launch geometry of one program task.
type TaskBinding struct {
	Code   device.CompiledTask
	Launch device.Launch
}

// Binding supplies the host data of one run. Params are the host copies of
// the program's parameters; WRITE_HOST instructions write into them.
// Constants are passed to tasks as raw argument words.
type Binding struct {
	Params    [][]byte
	Constants []uint64
	Tasks     []TaskBinding
}

type Option func(*Engine)

// WithObserver adds an observer of dispatched instructions.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithAllocation sets the header size reserved before each parameter's data
// and the alignment of the data.
func WithAllocation(header, alignment uint64) Option {
	return func(e *Engine) {
		e.header = header
		e.alignment = alignment
	}
}

// allocation is the device placement of one parameter.
type allocation struct {
	size   int
	offset uint64
	addr   uint64
}

// param tracks where the current copies of one parameter live.
type param struct {
	allocs      []*allocation
	current     []bool
	ready       []device.Handle
	hostCurrent bool
	hostReady   device.Handle
}

// Engine runs one program. Its methods serialize on an internal lock, so
// runs of the same engine never overlap.
type Engine struct {
	mu        sync.Mutex
	prog      *bytecode.Program
	targets   []Target
	header    uint64
	alignment uint64
	observers []Observer

	params []*param
	frames []*memory.CallFrame
	fatal  error
}

// New prepares prog for execution on targets, indexed by device. Every
// target's memory manager must already own a region on its queue.
func New(prog *bytecode.Program, targets []Target, opts ...Option) (*Engine, error) {
	if err := prog.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	if len(targets) < len(prog.Devices) {
		return nil, fmt.Errorf("%s: program uses %d devices but %d targets were given", stage, len(prog.Devices), len(targets))
	}
	for i, t := range targets {
		if t.Queue == nil || t.Memory == nil {
			return nil, fmt.Errorf("%s: target %d needs a queue and a memory manager", stage, i)
		}
		if t.Memory.Buffer() == nil {
			return nil, fmt.Errorf("%s: target %d has no memory region", stage, i)
		}
	}

	e := &Engine{prog: prog, targets: targets, alignment: DefaultAlignment}
	for _, opt := range opts {
		opt(e)
	}
	if e.alignment == 0 {
		e.alignment = 1
	}
	e.resetState()
	return e, nil
}

func (e *Engine) resetState() {
	n := len(e.targets)
	e.params = make([]*param, e.prog.Parameters)
	for i := range e.params {
		e.params[i] = &param{
			allocs:      make([]*allocation, n),
			current:     make([]bool, n),
			ready:       make([]device.Handle, n),
			hostCurrent: true,
		}
	}
	e.frames = make([]*memory.CallFrame, n)
}

// Program returns the program the engine runs.
func (e *Engine) Program() *bytecode.Program { return e.prog }

// Run executes the program once. It checks ctx before every instruction and
// stops at the first failure; operations already issued are left to their
// queues.
func (e *Engine) Run(ctx context.Context, b *Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fatal != nil {
		return fmt.Errorf("%s: %w: %w", stage, ErrUnusable, e.fatal)
	}
	if err := e.checkBinding(b); err != nil {
		return err
	}

	ctx = ctxlog.With(ctx, "component", stage)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Running program.", "instructions", len(e.prog.Instructions), "devices", len(e.prog.Devices))
	r := &run{
		Engine:  e,
		ctx:     ctx,
		binding: b,
		slots:   make([]device.Handle, e.prog.EventSlots),
	}

	for pos, in := range e.prog.Instructions {
		if err := ctx.Err(); err != nil {
			logger.Warn("Run cancelled.", "position", pos, "error", err)
			r.invalidate()
			return fmt.Errorf("%s: cancelled before instruction %d: %w", stage, pos, err)
		}

		logger.Debug("Dispatching instruction.", "position", pos, "instruction", in.String())
		start := time.Now()
		ev, err := r.dispatch(pos, in)
		ev.Position = pos
		ev.Instruction = in
		ev.Duration = time.Since(start)
		ev.Err = err
		e.observe(ev)

		if err != nil {
			r.invalidate()
			if memory.IsFatal(err) {
				e.fatal = err
				logger.Error("Engine disabled by fatal error.", "position", pos, "error", err)
			}
			return err
		}
	}

	logger.Debug("Program finished.", "instructions", len(e.prog.Instructions))
	return nil
}

func (e *Engine) checkBinding(b *Binding) error {
	if b == nil {
		return fmt.Errorf("%s: %w: nil binding", stage, ErrInvalidBinding)
	}
	if len(b.Params) < e.prog.Parameters {
		return fmt.Errorf("%s: %w: program has %d parameters, binding has %d", stage, ErrInvalidBinding, e.prog.Parameters, len(b.Params))
	}
	if len(b.Constants) < e.prog.Constants {
		return fmt.Errorf("%s: %w: program has %d constants, binding has %d", stage, ErrInvalidBinding, e.prog.Constants, len(b.Constants))
	}
	if len(b.Tasks) < len(e.prog.Tasks) {
		return fmt.Errorf("%s: %w: program has %d tasks, binding has %d", stage, ErrInvalidBinding, len(e.prog.Tasks), len(b.Tasks))
	}
	for i := range e.prog.Tasks {
		if b.Tasks[i].Code == nil {
			return fmt.Errorf("%s: %w: task %d (%s) has no code", stage, ErrInvalidBinding, i, e.prog.Tasks[i].Name)
		}
	}
	return nil
}

func (e *Engine) observe(ev Event) {
	for _, o := range e.observers {
		o.Observe(ev)
	}
}

// MarkHostWritten records that the caller changed the host copy of param,
// so device copies must be transferred again.
func (e *Engine) MarkHostWritten(param int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if param < 0 || param >= len(e.params) {
		return fmt.Errorf("%s: parameter %d out of range [0,%d)", stage, param, len(e.params))
	}
	p := e.params[param]
	p.hostCurrent = true
	p.hostReady = nil
	clear(p.current)
	clear(p.ready)
	return nil
}

// Reset rewinds every target's memory manager and forgets all allocations,
// cached copies and call frames. The caller must ensure no operation of an
// earlier run is still in flight. Host copies are treated as current.
func (e *Engine) Reset(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.targets {
		t.Memory.Reset(ctx)
	}
	e.resetState()
}
