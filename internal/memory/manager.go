// Package memory manages the memory of one device as two bump-allocated
// regions inside a single device buffer:
//
//	0                 callStackLimit                        heapLimit
//	| call-stack frames | heap allocations ...               |
//
// Frames and heap allocations are never freed individually. Reset rewinds
// both cursors, and is only safe once no in-flight device operation still
// references earlier allocations.
//
// A Manager is not safe for concurrent use. Callers that share one across
// goroutines must serialize access per device.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/dustin/go-humanize"
	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/specialistvlad/accelgrid/internal/device"
)

const (
	// DefaultCallStackSize is the size of the call-stack region.
	DefaultCallStackSize = 8192
	// FrameAlignment is the alignment of consecutive call frames.
	FrameAlignment = 32
)

// Manager is the allocator of one device.
type Manager struct {
	device         string
	callStackLimit uint64
	callStackPos   uint64
	heapLimit      uint64
	heapPos        uint64
	base           uint64
	buffer         device.Buffer
}

// New returns a manager whose call-stack region holds callStackSize bytes.
// Zero selects DefaultCallStackSize.
func New(callStackSize uint64) *Manager {
	if callStackSize == 0 {
		callStackSize = DefaultCallStackSize
	}
	return &Manager{
		callStackLimit: callStackSize,
		heapPos:        callStackSize,
	}
}

// AllocateRegion creates the device buffer backing both regions. numBytes is
// the total size and must exceed the call-stack region.
func (m *Manager) AllocateRegion(ctx context.Context, q device.Queue, numBytes uint64) error {
	if numBytes <= m.callStackLimit {
		return fmt.Errorf("%s: region of %s leaves no heap after a %s call stack",
			stage, humanize.IBytes(numBytes), humanize.IBytes(m.callStackLimit))
	}
	if numBytes > 1<<62 {
		return fmt.Errorf("%s: region of %d bytes is too large", stage, numBytes)
	}
	buf, err := q.CreateBuffer(ctx, int64(numBytes))
	if err != nil {
		return fmt.Errorf("%s: creating %s buffer on %s: %w", stage, humanize.IBytes(numBytes), q.Name(), err)
	}
	m.device = q.Name()
	m.buffer = buf
	m.base = buf.Address()
	m.heapLimit = numBytes
	m.callStackPos = 0
	m.heapPos = m.callStackLimit

	ctxlog.FromContext(ctx).Info("Located heap.",
		"device", m.device,
		"address", fmt.Sprintf("%#x", m.base),
		"size", humanize.IBytes(m.heapLimit))
	return nil
}

// Reset rewinds both cursors to their initial positions. It is idempotent.
func (m *Manager) Reset(ctx context.Context) {
	m.callStackPos = 0
	m.heapPos = m.callStackLimit
	ctxlog.FromContext(ctx).Info("Reset heap.",
		"device", m.device,
		"address", fmt.Sprintf("%#x", m.base),
		"size", humanize.IBytes(m.heapLimit))
}

// Align returns the smallest multiple of a that is at least addr. a must be
// positive.
func Align(addr, a uint64) uint64 {
	if r := addr % a; r != 0 {
		return addr + (a - r)
	}
	return addr
}

// checkedAlign is Align that reports wrap-around.
func checkedAlign(addr, a uint64) (uint64, bool) {
	r := addr % a
	if r == 0 {
		return addr, true
	}
	sum, carry := bits.Add64(addr, a-r, 0)
	return sum, carry == 0
}

// Allocate reserves size bytes on the heap, preceded by header bytes, such
// that the data following the header is aligned. It returns the
// manager-relative offset of the header. On failure the cursor does not move.
func (m *Manager) Allocate(size, header, alignment uint64) (uint64, error) {
	if alignment == 0 {
		alignment = 1
	}
	oom := &OutOfDeviceMemoryError{Device: m.device, Requested: size, Remaining: m.HeapRemaining()}

	dataStart, carry := bits.Add64(m.heapPos, header, 0)
	if carry != 0 {
		return 0, oom
	}
	alignedStart, ok := checkedAlign(dataStart, alignment)
	if !ok {
		return 0, oom
	}
	headerStart := alignedStart - header
	end, carry := bits.Add64(headerStart, size, 0)
	if carry != 0 || end >= m.heapLimit {
		return 0, oom
	}
	m.heapPos = end
	return headerStart, nil
}

// CreateCallStackFrame reserves a frame for up to maxArgs arguments. Frames
// start on FrameAlignment boundaries; the padding after the last frame is cut
// at the end of the region.
func (m *Manager) CreateCallStackFrame(maxArgs int) (*CallFrame, error) {
	if maxArgs < 0 {
		return nil, fmt.Errorf("%s: negative argument count %d", stage, maxArgs)
	}
	size := FrameSize(maxArgs)
	if size >= m.CallStackRemaining() {
		return nil, &CallStackExhaustedError{
			Device:   m.device,
			Used:     m.callStackPos,
			Free:     m.CallStackRemaining(),
			Required: size,
		}
	}
	frame := newCallFrame(m.callStackPos, maxArgs)
	m.callStackPos = min(Align(m.callStackPos+size, FrameAlignment), m.callStackLimit)
	return frame, nil
}

// ToAbsoluteAddress translates a manager-relative offset into a device
// address.
func (m *Manager) ToAbsoluteAddress(rel uint64) (uint64, error) {
	abs, carry := bits.Add64(rel, m.base, 0)
	if carry != 0 {
		return 0, &AddressError{Kind: ErrAddressOverflow, Address: rel, Base: m.base, Limit: m.heapLimit}
	}
	return abs, nil
}

// ToRelativeAddress translates a device address inside the managed buffer,
// its one-past-the-end address included, back to a manager-relative offset.
func (m *Manager) ToRelativeAddress(abs uint64) (uint64, error) {
	end, carry := bits.Add64(m.base, m.heapLimit, 0)
	if abs < m.base || (carry == 0 && abs > end) {
		return 0, &AddressError{Kind: ErrAddressOutOfRange, Address: abs, Base: m.base, Limit: m.heapLimit}
	}
	return abs - m.base, nil
}

// Buffer returns the device buffer created by AllocateRegion.
func (m *Manager) Buffer() device.Buffer { return m.buffer }

// Device returns the name of the queue the region was allocated on.
func (m *Manager) Device() string { return m.device }

// BaseAddress returns the device address of the managed buffer.
func (m *Manager) BaseAddress() uint64 { return m.base }

func (m *Manager) CallStackAllocated() uint64 { return m.callStackPos }
func (m *Manager) CallStackRemaining() uint64 { return m.callStackLimit - m.callStackPos }
func (m *Manager) CallStackSize() uint64      { return m.callStackLimit }

func (m *Manager) HeapAllocated() uint64 { return m.heapPos - m.callStackLimit }

// HeapRemaining returns the bytes between the heap cursor and the limit. It
// is zero before AllocateRegion.
func (m *Manager) HeapRemaining() uint64 {
	if m.heapLimit < m.heapPos {
		return 0
	}
	return m.heapLimit - m.heapPos
}

// HeapSize returns the size of the heap region.
func (m *Manager) HeapSize() uint64 {
	if m.heapLimit < m.callStackLimit {
		return 0
	}
	return m.heapLimit - m.callStackLimit
}

// IsFatal reports whether err leaves the owning execution unable to continue.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}
