// Package simdevice is an in-process accelerator. Each Device owns a flat
// address space of byte-slice buffers and one in-order command queue drained
// by a single worker goroutine, so commands on one device complete in issue
// order while separate devices run concurrently.
package simdevice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/accelgrid/internal/device"
	"github.com/specialistvlad/accelgrid/internal/memory"
)

const (
	// DefaultBaseAddress is where the first buffer of a device is placed.
	DefaultBaseAddress = 0x1000_0000
	// DefaultQueueDepth bounds the number of commands in flight.
	DefaultQueueDepth = 1024

	bufferAlignment = 4096
)

// ErrClosed is returned for commands enqueued after Close.
var ErrClosed = errors.New("device is closed")

// Op names a command kind for fault injection and statistics.
type Op string

const (
	OpCreate  Op = "create"
	OpWrite   Op = "write"
	OpRead    Op = "read"
	OpBarrier Op = "barrier"
	OpKernel  Op = "kernel"
)

// FaultFunc is consulted before each command runs. A non-nil error fails the
// command with that error.
type FaultFunc func(op Op) error

// Stats counts the commands a device has completed.
type Stats struct {
	Buffers      int64
	Writes       int64
	Reads        int64
	Barriers     int64
	Kernels      int64
	BytesWritten int64
	BytesRead    int64
}

type counters struct {
	buffers, writes, reads, barriers, kernels atomic.Int64
	bytesWritten, bytesRead                   atomic.Int64
}

// Device is a simulated accelerator implementing device.Queue.
type Device struct {
	name     string
	base     uint64
	capacity uint64
	fault    FaultFunc

	mu      sync.Mutex
	buffers []*Buffer
	next    uint64

	sendMu   sync.RWMutex
	closed   bool
	commands chan *command
	stopped  chan struct{}

	stats counters
}

type Option func(*Device)

// WithBaseAddress places the device's first buffer at addr.
func WithBaseAddress(addr uint64) Option {
	return func(d *Device) { d.base = addr }
}

// WithCapacity limits the total bytes of buffers the device can create.
func WithCapacity(bytes uint64) Option {
	return func(d *Device) { d.capacity = bytes }
}

// WithQueueDepth sets how many commands may be pending before Enqueue
// blocks.
func WithQueueDepth(n int) Option {
	return func(d *Device) { d.commands = make(chan *command, n) }
}

// WithFault installs a fault injection hook.
func WithFault(f FaultFunc) Option {
	return func(d *Device) { d.fault = f }
}

// New starts a device and its queue worker. Call Close to stop it.
func New(name string, opts ...Option) *Device {
	d := &Device{
		name:    name,
		base:    DefaultBaseAddress,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.commands == nil {
		d.commands = make(chan *command, DefaultQueueDepth)
	}
	d.next = d.base
	go d.worker()
	return d
}

func (d *Device) Name() string { return d.name }

// Close stops accepting commands, drains the queue and stops the worker.
func (d *Device) Close() error {
	d.sendMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.commands)
	}
	d.sendMu.Unlock()
	<-d.stopped
	return nil
}

// Stats returns a snapshot of the completed-command counters.
func (d *Device) Stats() Stats {
	return Stats{
		Buffers:      d.stats.buffers.Load(),
		Writes:       d.stats.writes.Load(),
		Reads:        d.stats.reads.Load(),
		Barriers:     d.stats.barriers.Load(),
		Kernels:      d.stats.kernels.Load(),
		BytesWritten: d.stats.bytesWritten.Load(),
		BytesRead:    d.stats.bytesRead.Load(),
	}
}

// Buffer is a region of simulated device memory.
type Buffer struct {
	dev  *Device
	addr uint64
	data []byte
}

func (b *Buffer) Size() int64     { return int64(len(b.data)) }
func (b *Buffer) Address() uint64 { return b.addr }

func (d *Device) CreateBuffer(_ context.Context, size int64) (device.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%s: invalid buffer size %d", d.name, size)
	}
	if err := d.injected(OpCreate); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := memory.Align(d.next, bufferAlignment)
	if d.capacity > 0 && addr-d.base+uint64(size) > d.capacity {
		return nil, fmt.Errorf("%s: cannot create %d byte buffer: capacity %d exhausted", d.name, size, d.capacity)
	}
	b := &Buffer{dev: d, addr: addr, data: make([]byte, size)}
	d.buffers = append(d.buffers, b)
	d.next = addr + uint64(size)
	d.stats.buffers.Add(1)
	return b, nil
}

// resolve returns the n bytes of device memory starting at addr.
func (d *Device) resolve(addr uint64, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := sort.Search(len(d.buffers), func(i int) bool {
		return d.buffers[i].addr+uint64(len(d.buffers[i].data)) > addr
	})
	if i == len(d.buffers) || addr < d.buffers[i].addr {
		return nil, fmt.Errorf("%s: address %#x is not mapped", d.name, addr)
	}
	b := d.buffers[i]
	off := addr - b.addr
	if n < 0 || off+uint64(n) > uint64(len(b.data)) {
		return nil, fmt.Errorf("%s: access of %d bytes at %#x crosses the end of its buffer", d.name, n, addr)
	}
	return b.data[off : off+uint64(n)], nil
}

func (d *Device) span(buf device.Buffer, offset int64, n int) ([]byte, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, fmt.Errorf("%s: buffer does not belong to this device", d.name)
	}
	if offset < 0 || offset+int64(n) > int64(len(b.data)) {
		return nil, fmt.Errorf("%s: transfer of %d bytes at offset %d exceeds %d byte buffer", d.name, n, offset, len(b.data))
	}
	return b.data[offset : offset+int64(n)], nil
}

func (d *Device) injected(op Op) error {
	if d.fault == nil {
		return nil
	}
	if err := d.fault(op); err != nil {
		return fmt.Errorf("%s: %s: %w", d.name, op, err)
	}
	return nil
}

func (d *Device) WriteBuffer(ctx context.Context, buf device.Buffer, offset int64, src []byte) error {
	h, err := d.EnqueueWriteBuffer(ctx, buf, offset, src, nil)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

func (d *Device) ReadBuffer(ctx context.Context, buf device.Buffer, offset int64, dst []byte) error {
	h, err := d.EnqueueReadBuffer(ctx, buf, offset, dst, nil)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

func (d *Device) EnqueueWriteBuffer(_ context.Context, buf device.Buffer, offset int64, src []byte, wait []device.Handle) (device.Handle, error) {
	dst, err := d.span(buf, offset, len(src))
	if err != nil {
		return nil, err
	}
	return d.enqueue(OpWrite, wait, func() error {
		copy(dst, src)
		d.stats.writes.Add(1)
		d.stats.bytesWritten.Add(int64(len(src)))
		return nil
	})
}

func (d *Device) EnqueueReadBuffer(_ context.Context, buf device.Buffer, offset int64, dst []byte, wait []device.Handle) (device.Handle, error) {
	src, err := d.span(buf, offset, len(dst))
	if err != nil {
		return nil, err
	}
	return d.enqueue(OpRead, wait, func() error {
		copy(dst, src)
		d.stats.reads.Add(1)
		d.stats.bytesRead.Add(int64(len(dst)))
		return nil
	})
}

func (d *Device) EnqueueBarrier(_ context.Context, wait []device.Handle) (device.Handle, error) {
	return d.enqueue(OpBarrier, wait, func() error {
		d.stats.barriers.Add(1)
		return nil
	})
}

// Kernel is code run by EnqueueKernel.
type Kernel func(inv *Invocation) error

// Invocation is the view a kernel has of one launch.
type Invocation struct {
	// Args are the argument words of the call frame.
	Args   []uint64
	Launch device.Launch
	dev    *Device
}

// Memory returns n bytes of device memory at addr. Writes to the slice are
// writes to the device.
func (inv *Invocation) Memory(addr uint64, n int) ([]byte, error) {
	return inv.dev.resolve(addr, n)
}

// EnqueueKernel runs k once the wait list completed. The kernel reads its
// arguments from the call frame in device memory at frame.Address, so the
// frame must have been written before.
func (d *Device) EnqueueKernel(_ context.Context, k Kernel, frame device.Frame, launch device.Launch, wait []device.Handle) (device.Handle, error) {
	size := len(frame.Data)
	return d.enqueue(OpKernel, wait, func() error {
		raw, err := d.resolve(frame.Address, size)
		if err != nil {
			return err
		}
		args, _, err := memory.ParseFrame(raw)
		if err != nil {
			return err
		}
		if err := k(&Invocation{Args: args, Launch: launch, dev: d}); err != nil {
			return fmt.Errorf("%s: kernel: %w", d.name, err)
		}
		d.stats.kernels.Add(1)
		return nil
	})
}

type handle struct {
	done chan struct{}
	err  error
}

func (h *handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type command struct {
	op   Op
	wait []device.Handle
	run  func() error
	h    *handle
}

func (d *Device) enqueue(op Op, wait []device.Handle, run func() error) (device.Handle, error) {
	cmd := &command{op: op, wait: wait, run: run, h: &handle{done: make(chan struct{})}}

	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return nil, fmt.Errorf("%s: %w", d.name, ErrClosed)
	}
	d.commands <- cmd
	return cmd.h, nil
}

func (d *Device) worker() {
	defer close(d.stopped)
	for cmd := range d.commands {
		cmd.h.err = d.execute(cmd)
		close(cmd.h.done)
	}
}

func (d *Device) execute(cmd *command) error {
	if err := device.WaitAll(context.Background(), cmd.wait); err != nil {
		return fmt.Errorf("%s: %s: dependency failed: %w", d.name, cmd.op, err)
	}
	if err := d.injected(cmd.op); err != nil {
		return err
	}
	return cmd.run()
}
