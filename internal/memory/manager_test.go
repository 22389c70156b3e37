package memory

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/specialistvlad/accelgrid/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuffer struct {
	size int64
	addr uint64
}

func (b fakeBuffer) Size() int64     { return b.size }
func (b fakeBuffer) Address() uint64 { return b.addr }

// fakeQueue only supports buffer creation.
type fakeQueue struct {
	device.Queue
	base uint64
	err  error
}

func (q *fakeQueue) Name() string { return "fake0" }

func (q *fakeQueue) CreateBuffer(_ context.Context, size int64) (device.Buffer, error) {
	if q.err != nil {
		return nil, q.err
	}
	return fakeBuffer{size: size, addr: q.base}, nil
}

func newManager(t *testing.T, base, heap uint64) *Manager {
	t.Helper()
	m := New(0)
	require.NoError(t, m.AllocateRegion(context.Background(), &fakeQueue{base: base}, heap))
	return m
}

func TestAlign(t *testing.T) {
	tests := []struct {
		addr, a, want uint64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{10, 3, 12},
		{12, 3, 12},
		{7, 1, 7},
		{100, 32, 128},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Align(tc.addr, tc.a), "Align(%d, %d)", tc.addr, tc.a)
	}
}

func TestAlign_SmallestMultiple(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		addr := uint64(rng.Int63n(1 << 40))
		a := uint64(rng.Int63n(4096) + 1)

		got := Align(addr, a)
		require.GreaterOrEqual(t, got, addr)
		require.Zero(t, got%a, "Align(%d, %d) = %d", addr, a, got)
		require.Less(t, got-addr, a, "Align(%d, %d) = %d is not the smallest", addr, a, got)
	}
}

func TestAllocate_Sequential(t *testing.T) {
	m := newManager(t, 0x1000, 1<<20)

	first, err := m.Allocate(100, 0, 8)
	require.NoError(t, err)
	second, err := m.Allocate(200, 0, 8)
	require.NoError(t, err)

	assert.Equal(t, uint64(DefaultCallStackSize), first)
	// 8292 is not a multiple of 8, so the second allocation moves up to 8296.
	assert.Equal(t, uint64(8296), second)
	assert.Equal(t, second+200-DefaultCallStackSize, m.HeapAllocated())
}

func TestAllocate_SequentialPacked(t *testing.T) {
	m := newManager(t, 0, 1<<20)

	first, err := m.Allocate(100, 0, 4)
	require.NoError(t, err)
	second, err := m.Allocate(200, 0, 4)
	require.NoError(t, err)

	assert.Equal(t, uint64(DefaultCallStackSize), first)
	assert.Equal(t, uint64(DefaultCallStackSize+100), second)
}

func TestAllocate_HeaderPrecedesAlignedData(t *testing.T) {
	m := newManager(t, 0, 1<<20)
	_, err := m.Allocate(3, 0, 1)
	require.NoError(t, err)

	off, err := m.Allocate(64, 24, 32)
	require.NoError(t, err)
	assert.Zero(t, (off+24)%32, "data after the header is aligned")
	assert.GreaterOrEqual(t, off, uint64(DefaultCallStackSize+3))
}

func TestAllocate_OversizeLeavesCursor(t *testing.T) {
	m := newManager(t, 0, DefaultCallStackSize+1000)
	_, err := m.Allocate(100, 0, 8)
	require.NoError(t, err)
	before := m.HeapAllocated()

	_, err = m.Allocate(m.HeapRemaining()+1, 0, 8)

	var oom *OutOfDeviceMemoryError
	require.ErrorAs(t, err, &oom)
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)
	assert.Equal(t, "memory", oom.Stage())
	assert.Equal(t, before, m.HeapAllocated(), "failed allocation must not move the cursor")
}

func TestAllocate_LimitIsExclusive(t *testing.T) {
	m := newManager(t, 0, DefaultCallStackSize+100)

	_, err := m.Allocate(100, 0, 1)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory, "ending exactly at the limit does not fit")

	_, err = m.Allocate(99, 0, 1)
	require.NoError(t, err)
}

func TestAllocate_FailsExactlyAtCrossing(t *testing.T) {
	const heap = DefaultCallStackSize + 4096
	m := newManager(t, 0, heap)

	var offsets []uint64
	failedAt := -1
	for i := 0; i < 100; i++ {
		off, err := m.Allocate(256, 0, 8)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfDeviceMemory)
			failedAt = i
			break
		}
		offsets = append(offsets, off)
	}

	// 4096/256 = 16 allocations would end exactly at the limit, which the
	// strict bound rejects, so the 16th (index 15) fails.
	assert.Equal(t, 15, failedAt)
	for i, off := range offsets {
		assert.Equal(t, uint64(DefaultCallStackSize+256*i), off)
	}

	// A smaller allocation still fits after the failure.
	off, err := m.Allocate(8, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultCallStackSize+256*15), off)
}

func TestAllocate_OverflowIsOutOfMemory(t *testing.T) {
	m := newManager(t, 0, 1<<20)
	_, err := m.Allocate(math.MaxUint64, 0, 8)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)

	_, err = m.Allocate(8, math.MaxUint64, 8)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)
}

func TestAllocate_BeforeRegion(t *testing.T) {
	m := New(0)
	_, err := m.Allocate(1, 0, 8)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)
}

func TestAllocateRegion(t *testing.T) {
	m := New(1024)
	err := m.AllocateRegion(context.Background(), &fakeQueue{}, 1024)
	require.Error(t, err, "region must exceed the call stack")

	boom := errors.New("boom")
	err = m.AllocateRegion(context.Background(), &fakeQueue{err: boom}, 4096)
	require.ErrorIs(t, err, boom)

	require.NoError(t, m.AllocateRegion(context.Background(), &fakeQueue{base: 0xbeef000}, 4096))
	assert.Equal(t, uint64(0xbeef000), m.BaseAddress())
	assert.Equal(t, uint64(3072), m.HeapSize())
	assert.Equal(t, uint64(3072), m.HeapRemaining())
	assert.Equal(t, "fake0", m.Device())
	assert.Equal(t, int64(4096), m.Buffer().Size())
}

func TestReset_Idempotent(t *testing.T) {
	m := newManager(t, 0, 1<<20)
	_, err := m.Allocate(500, 0, 8)
	require.NoError(t, err)
	_, err = m.CreateCallStackFrame(4)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		m.Reset(context.Background())
		assert.Zero(t, m.CallStackAllocated())
		assert.Zero(t, m.HeapAllocated())
		assert.Equal(t, uint64(DefaultCallStackSize), m.CallStackRemaining())
	}

	off, err := m.Allocate(1, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultCallStackSize), off)
}

func TestCreateCallStackFrame(t *testing.T) {
	m := newManager(t, 0, 1<<20)

	f1, err := m.CreateCallStackFrame(3)
	require.NoError(t, err)
	assert.Zero(t, f1.Offset())
	assert.Equal(t, uint64((3+ReservedSlots)*8), f1.Size())

	f2, err := m.CreateCallStackFrame(1)
	require.NoError(t, err)
	// 72 bytes rounded up to the next 32-byte boundary.
	assert.Equal(t, uint64(96), f2.Offset())
	assert.Equal(t, uint64(96+64), m.CallStackAllocated())
}

func TestCreateCallStackFrame_Exhausted(t *testing.T) {
	m := New(256)
	require.NoError(t, m.AllocateRegion(context.Background(), &fakeQueue{}, 1024))

	// (26+6)*8 = 256 bytes does not fit strictly below the 256-byte limit.
	_, err := m.CreateCallStackFrame(26)

	var cse *CallStackExhaustedError
	require.ErrorAs(t, err, &cse)
	assert.True(t, cse.Fatal())
	assert.True(t, IsFatal(err))
	assert.Equal(t, uint64(256), cse.Required)
	assert.Zero(t, m.CallStackAllocated())

	_, err = m.CreateCallStackFrame(25)
	require.NoError(t, err)
	assert.False(t, IsFatal(errors.New("other")))
}

func TestCreateCallStackFrame_UnalignedLimit(t *testing.T) {
	m := New(60)
	require.NoError(t, m.AllocateRegion(context.Background(), &fakeQueue{}, 1024))

	_, err := m.CreateCallStackFrame(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), m.CallStackAllocated(), "padding stops at the end of the region")
	assert.Zero(t, m.CallStackRemaining())

	_, err = m.CreateCallStackFrame(0)
	var cse *CallStackExhaustedError
	require.ErrorAs(t, err, &cse)
	assert.Equal(t, uint64(60), cse.Used)
	assert.Zero(t, cse.Free)
}

func TestCreateCallStackFrame_HugeArgCount(t *testing.T) {
	m := newManager(t, 0, 1<<20)

	tests := []int{1 << 61, math.MaxInt, math.MaxInt - ReservedSlots}
	for _, maxArgs := range tests {
		f, err := m.CreateCallStackFrame(maxArgs)
		assert.Nil(t, f)
		var cse *CallStackExhaustedError
		require.ErrorAs(t, err, &cse, "maxArgs=%d", maxArgs)
		assert.Equal(t, uint64(math.MaxUint64), cse.Required)
	}
	assert.Zero(t, m.CallStackAllocated())
}

func TestFrameSize(t *testing.T) {
	assert.Equal(t, uint64(48), FrameSize(0))
	assert.Equal(t, uint64(72), FrameSize(3))
	assert.Equal(t, uint64(math.MaxUint64), FrameSize(1<<61))
	assert.Equal(t, uint64(math.MaxUint64), FrameSize(-1))
}

func TestAddressTranslation(t *testing.T) {
	const base = 0x7f00_0000_0000
	m := newManager(t, base, 1<<20)

	abs, err := m.ToAbsoluteAddress(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(base+0x2000), abs)

	rel, err := m.ToRelativeAddress(abs)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), rel)

	rel, err = m.ToRelativeAddress(base + 1<<20)
	require.NoError(t, err, "one past the end is in range")
	assert.Equal(t, uint64(1<<20), rel)

	for _, outside := range []uint64{0, base - 1, base + 1<<20 + 1} {
		_, err := m.ToRelativeAddress(outside)
		var ae *AddressError
		require.ErrorAs(t, err, &ae, "%#x", outside)
		assert.ErrorIs(t, err, ErrAddressOutOfRange)
		assert.Equal(t, "memory", ae.Stage())
	}
}

func TestToAbsoluteAddress_Overflow(t *testing.T) {
	m := newManager(t, math.MaxUint64-0x100, 1<<20)

	_, err := m.ToAbsoluteAddress(0x100)
	require.NoError(t, err)

	_, err = m.ToAbsoluteAddress(0x101)
	require.ErrorIs(t, err, ErrAddressOverflow)
}
