package memory

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/specialistvlad/accelgrid/internal/device"
)

const (
	// ReservedSlots is the number of 8-byte header slots preceding the
	// arguments of every call frame.
	ReservedSlots = 6

	slotSize = 8

	// Header slot holding the kernel's return value.
	SlotReturnValue = 0
	// Header slot holding the number of arguments pushed.
	SlotArgCount = 1
)

// FrameSize returns the size in bytes of a frame for maxArgs arguments. Sizes
// that do not fit in 64 bits saturate at math.MaxUint64.
func FrameSize(maxArgs int) uint64 {
	slots, carry := bits.Add64(uint64(maxArgs), ReservedSlots, 0)
	hi, size := bits.Mul64(slots, slotSize)
	if maxArgs < 0 || carry != 0 || hi != 0 {
		return math.MaxUint64
	}
	return size
}

// CallFrame is the host-side image of one argument frame in the call-stack
// region. Arguments are 64-bit words: device addresses for parameters and
// raw values for constants.
type CallFrame struct {
	offset  uint64
	maxArgs int
	args    []uint64
}

func newCallFrame(offset uint64, maxArgs int) *CallFrame {
	return &CallFrame{offset: offset, maxArgs: maxArgs, args: make([]uint64, 0, maxArgs)}
}

// Offset is the manager-relative position of the frame.
func (f *CallFrame) Offset() uint64 { return f.offset }

// Size is the number of bytes the frame occupies.
func (f *CallFrame) Size() uint64 { return FrameSize(f.maxArgs) }

// Reset drops the pushed arguments so the frame can be refilled.
func (f *CallFrame) Reset() { f.args = f.args[:0] }

// Push appends one argument word.
func (f *CallFrame) Push(v uint64) error {
	if len(f.args) == f.maxArgs {
		return fmt.Errorf("%s: call frame at %#x holds at most %d arguments", stage, f.offset, f.maxArgs)
	}
	f.args = append(f.args, v)
	return nil
}

// Args returns the pushed arguments.
func (f *CallFrame) Args() []uint64 { return f.args }

// Bytes encodes the frame in little-endian order: the reserved header, with
// the argument count in SlotArgCount, followed by the arguments. Unused
// argument slots are zero.
func (f *CallFrame) Bytes() []byte {
	b := make([]byte, f.Size())
	binary.LittleEndian.PutUint64(b[SlotArgCount*slotSize:], uint64(len(f.args)))
	for i, a := range f.args {
		binary.LittleEndian.PutUint64(b[(ReservedSlots+i)*slotSize:], a)
	}
	return b
}

// Frame returns the device view of the frame once it sits at the absolute
// address addr.
func (f *CallFrame) Frame(addr uint64) device.Frame {
	return device.Frame{Address: addr, Data: f.Bytes()}
}

// ParseFrame decodes the arguments and return value of an encoded frame.
func ParseFrame(b []byte) (args []uint64, ret uint64, err error) {
	if len(b) < ReservedSlots*slotSize || len(b)%slotSize != 0 {
		return nil, 0, fmt.Errorf("%s: frame of %d bytes is malformed", stage, len(b))
	}
	n := binary.LittleEndian.Uint64(b[SlotArgCount*slotSize:])
	if capacity := uint64(len(b)/slotSize - ReservedSlots); n > capacity {
		return nil, 0, fmt.Errorf("%s: frame claims %d arguments but holds %d", stage, n, capacity)
	}
	args = make([]uint64, n)
	for i := range args {
		args[i] = binary.LittleEndian.Uint64(b[(ReservedSlots+i)*slotSize:])
	}
	return args, binary.LittleEndian.Uint64(b[SlotReturnValue*slotSize:]), nil
}
