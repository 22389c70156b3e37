package simdevice

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/accelgrid/internal/device"
	"github.com/specialistvlad/accelgrid/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d := New("sim0", opts...)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDevice_ImplementsQueue(t *testing.T) {
	var _ device.Queue = (*Device)(nil)
}

func TestCreateBuffer(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, WithBaseAddress(0x4000), WithCapacity(3*bufferAlignment))

	a, err := d.CreateBuffer(ctx, 10)
	require.NoError(t, err)
	b, err := d.CreateBuffer(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x4000), a.Address())
	assert.Equal(t, uint64(0x4000+bufferAlignment), b.Address())
	assert.Equal(t, int64(10), b.Size())

	_, err = d.CreateBuffer(ctx, 2*bufferAlignment)
	require.Error(t, err, "capacity exceeded")
	_, err = d.CreateBuffer(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, int64(2), d.Stats().Buffers)
}

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t)
	buf, err := d.CreateBuffer(ctx, 16)
	require.NoError(t, err)

	require.NoError(t, d.WriteBuffer(ctx, buf, 4, []byte{1, 2, 3}))
	got := make([]byte, 5)
	require.NoError(t, d.ReadBuffer(ctx, buf, 3, got))
	assert.Equal(t, []byte{0, 1, 2, 3, 0}, got)

	err = d.WriteBuffer(ctx, buf, 14, []byte{1, 2, 3})
	require.Error(t, err, "out of bounds")

	other := newDevice(t)
	foreign, err := other.CreateBuffer(ctx, 16)
	require.NoError(t, err)
	require.Error(t, d.WriteBuffer(ctx, foreign, 0, []byte{1}))

	s := d.Stats()
	assert.Equal(t, int64(1), s.Writes)
	assert.Equal(t, int64(1), s.Reads)
	assert.Equal(t, int64(3), s.BytesWritten)
	assert.Equal(t, int64(5), s.BytesRead)
}

func TestQueue_InOrder(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t)
	buf, err := d.CreateBuffer(ctx, 1)
	require.NoError(t, err)

	var handles []device.Handle
	for i := byte(1); i <= 50; i++ {
		h, err := d.EnqueueWriteBuffer(ctx, buf, 0, []byte{i}, nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	got := make([]byte, 1)
	h, err := d.EnqueueReadBuffer(ctx, buf, 0, got, nil)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	assert.Equal(t, byte(50), got[0])
	require.NoError(t, device.WaitAll(ctx, handles))
}

// gate is a handle that completes when opened.
type gate struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open(err error) {
	g.once.Do(func() {
		g.err = err
		close(g.ch)
	})
}

func (g *gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestQueue_HonoursWaitList(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t)
	buf, err := d.CreateBuffer(ctx, 1)
	require.NoError(t, err)

	g := newGate()
	h, err := d.EnqueueWriteBuffer(ctx, buf, 0, []byte{7}, []device.Handle{g})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.Wait(short), context.DeadlineExceeded, "write must wait for the gate")
	assert.Zero(t, d.Stats().Writes)

	g.open(nil)
	require.NoError(t, h.Wait(ctx))
	assert.Equal(t, int64(1), d.Stats().Writes)
}

func TestQueue_FailedDependency(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t)

	boom := errors.New("boom")
	g := newGate()
	g.open(boom)

	h, err := d.EnqueueBarrier(ctx, []device.Handle{g})
	require.NoError(t, err)
	err = h.Wait(ctx)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "dependency failed")
	assert.Zero(t, d.Stats().Barriers)
}

func TestCrossDeviceWait(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t)
	b := newDevice(t)
	buf, err := a.CreateBuffer(ctx, 4)
	require.NoError(t, err)

	g := newGate()
	ha, err := a.EnqueueWriteBuffer(ctx, buf, 0, []byte{1, 2, 3, 4}, []device.Handle{g})
	require.NoError(t, err)
	hb, err := b.EnqueueBarrier(ctx, []device.Handle{ha})
	require.NoError(t, err)

	g.open(nil)
	require.NoError(t, hb.Wait(ctx))
	assert.Equal(t, int64(1), a.Stats().Writes)
	assert.Equal(t, int64(1), b.Stats().Barriers)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	d := newDevice(t, WithFault(func(op Op) error {
		if op == OpRead {
			return boom
		}
		return nil
	}))
	buf, err := d.CreateBuffer(ctx, 4)
	require.NoError(t, err)

	require.NoError(t, d.WriteBuffer(ctx, buf, 0, []byte{1}))
	err = d.ReadBuffer(ctx, buf, 0, make([]byte, 1))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "sim0: read")
	assert.Zero(t, d.Stats().Reads)
}

func writeFrame(t *testing.T, d *Device, buf device.Buffer, args ...uint64) device.Frame {
	t.Helper()
	m := memory.New(256)
	require.NoError(t, m.AllocateRegion(context.Background(), fakeRegion{buf: buf}, uint64(buf.Size())))
	f, err := m.CreateCallStackFrame(len(args))
	require.NoError(t, err)
	for _, a := range args {
		require.NoError(t, f.Push(a))
	}
	frame := f.Frame(buf.Address() + f.Offset())
	require.NoError(t, d.WriteBuffer(context.Background(), buf, int64(f.Offset()), frame.Data))
	return frame
}

// fakeRegion hands an existing buffer to a memory manager.
type fakeRegion struct {
	device.Queue
	buf device.Buffer
}

func (r fakeRegion) Name() string { return "sim0" }

func (r fakeRegion) CreateBuffer(context.Context, int64) (device.Buffer, error) {
	return r.buf, nil
}

func TestEnqueueKernel(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t)
	buf, err := d.CreateBuffer(ctx, 1024)
	require.NoError(t, err)

	dataAddr := buf.Address() + 512
	frame := writeFrame(t, d, buf, dataAddr, 42)

	var seen []uint64
	h, err := d.EnqueueKernel(ctx, func(inv *Invocation) error {
		seen = inv.Args
		mem, err := inv.Memory(inv.Args[0], 8)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(mem, inv.Args[1]*uint64(inv.Launch.GlobalSize))
		return nil
	}, frame, device.Launch{GlobalSize: 2}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	assert.Equal(t, []uint64{dataAddr, 42}, seen)
	out := make([]byte, 8)
	require.NoError(t, d.ReadBuffer(ctx, buf, 512, out))
	assert.Equal(t, uint64(84), binary.LittleEndian.Uint64(out))
	assert.Equal(t, int64(1), d.Stats().Kernels)
}

func TestEnqueueKernel_BadAccess(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t)
	buf, err := d.CreateBuffer(ctx, 1024)
	require.NoError(t, err)
	frame := writeFrame(t, d, buf, 0xdead)

	h, err := d.EnqueueKernel(ctx, func(inv *Invocation) error {
		_, err := inv.Memory(inv.Args[0], 4)
		return err
	}, frame, device.Launch{}, nil)
	require.NoError(t, err)
	err = h.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not mapped")

	_, err = d.resolve(buf.Address()+1020, 8)
	require.Error(t, err, "access crossing the buffer end")
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	d := New("sim0")
	buf, err := d.CreateBuffer(ctx, 4)
	require.NoError(t, err)
	h, err := d.EnqueueWriteBuffer(ctx, buf, 0, []byte{1}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "close is idempotent")
	require.NoError(t, h.Wait(ctx), "pending commands are drained")

	_, err = d.EnqueueBarrier(ctx, nil)
	require.ErrorIs(t, err, ErrClosed)
}
