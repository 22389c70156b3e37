package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Magic opens every encoded instruction stream.
const Magic = "AGIS"

const headerSize = len(Magic) + 2 + 1 + 1

// ErrMalformed is the kind of every decoding failure.
var ErrMalformed = errors.New("malformed instruction stream")

// FormatError reports where decoding of an instruction stream failed.
type FormatError struct {
	Offset int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v at byte %d: %s", ErrMalformed, e.Offset, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrMalformed }

func (e *FormatError) Stage() string { return "bytecode" }

// Encode serializes p. Operand fields use the narrowest width, 4 or 8 bytes,
// that holds every value in the program:
//
//	header   magic[4] version:u16 width:u8 reserved:u8
//	counts   parameters constants eventSlots devices tasks instructions
//	insns    op:u8 flags:u8 device operand eventSlot+1 waitSlot+1
//	devices  maxArgs
//	tasks    device nameLen name[nameLen] argc (kind:u8 access:u8 index)*
//
// All integers are little endian. Slots are stored plus one so that NoSlot
// encodes as zero.
func Encode(p *Program) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	w := &writer{width: operandWidth(p)}

	w.buf = append(w.buf, Magic...)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, p.Version)
	w.buf = append(w.buf, byte(w.width), 0)

	for _, n := range []int{p.Parameters, p.Constants, p.EventSlots, len(p.Devices), len(p.Tasks), len(p.Instructions)} {
		w.operand(uint64(n))
	}
	for _, in := range p.Instructions {
		w.buf = append(w.buf, byte(in.Op), byte(in.Flags))
		w.operand(uint64(in.Device))
		w.operand(uint64(in.Operand))
		w.operand(uint64(in.EventSlot + 1))
		w.operand(uint64(in.WaitSlot + 1))
	}
	for _, d := range p.Devices {
		w.operand(uint64(d.MaxArgs))
	}
	for _, t := range p.Tasks {
		w.operand(uint64(t.Device))
		w.operand(uint64(len(t.Name)))
		w.buf = append(w.buf, t.Name...)
		w.operand(uint64(len(t.Args)))
		for _, a := range t.Args {
			w.buf = append(w.buf, byte(a.Kind), byte(a.Access))
			w.operand(uint64(a.Index))
		}
	}
	return w.buf, nil
}

// operandWidth returns 4 unless some encoded value needs more than 32 bits.
func operandWidth(p *Program) int {
	largest := uint64(max(p.Parameters, p.Constants, p.EventSlots, len(p.Devices), len(p.Tasks), len(p.Instructions)))
	for _, in := range p.Instructions {
		largest = max(largest, uint64(in.Device), uint64(in.Operand))
	}
	for _, d := range p.Devices {
		largest = max(largest, uint64(d.MaxArgs))
	}
	for _, t := range p.Tasks {
		largest = max(largest, uint64(t.Device), uint64(len(t.Name)), uint64(len(t.Args)))
		for _, a := range t.Args {
			largest = max(largest, uint64(a.Index))
		}
	}
	if largest > math.MaxUint32 {
		return 8
	}
	return 4
}

type writer struct {
	buf   []byte
	width int
}

func (w *writer) operand(v uint64) {
	if w.width == 8 {
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

// Decode parses an encoded stream. It rejects anything Encode would not have
// produced, so re-encoding a decoded program yields the original bytes.
func Decode(b []byte) (*Program, error) {
	r := &reader{buf: b}
	if len(b) < headerSize {
		return nil, r.fail("stream shorter than header")
	}
	if string(b[:len(Magic)]) != Magic {
		return nil, r.fail("bad magic %q", b[:len(Magic)])
	}
	r.off = len(Magic)
	p := &Program{Version: binary.LittleEndian.Uint16(b[r.off:])}
	if p.Version != Version {
		return nil, r.fail("unsupported version %d", p.Version)
	}
	r.off += 2
	r.width = int(b[r.off])
	if r.width != 4 && r.width != 8 {
		return nil, r.fail("operand width %d", r.width)
	}
	r.off++
	if b[r.off] != 0 {
		return nil, r.fail("reserved byte is %#x", b[r.off])
	}
	r.off++

	var counts [6]int
	for i := range counts {
		counts[i] = r.int()
	}
	p.Parameters, p.Constants, p.EventSlots = counts[0], counts[1], counts[2]
	devices, tasks, insns := counts[3], counts[4], counts[5]

	// Each record needs at least this many bytes; reject counts the stream
	// cannot hold before allocating for them.
	if r.err == nil && (insns > r.remaining()/(2+4*r.width) || devices > r.remaining()/r.width) {
		return nil, r.fail("record counts exceed stream length")
	}
	if r.err != nil {
		return nil, r.err
	}

	p.Instructions = make([]Instruction, insns)
	for i := range p.Instructions {
		in := &p.Instructions[i]
		in.Op = Opcode(r.byte())
		in.Flags = Flags(r.byte())
		in.Device = r.int()
		in.Operand = r.int()
		in.EventSlot = r.int() - 1
		in.WaitSlot = r.int() - 1
	}
	p.Devices = make([]Device, devices)
	for i := range p.Devices {
		p.Devices[i].MaxArgs = r.int()
	}
	for i := 0; i < tasks && r.err == nil; i++ {
		t := Task{Device: r.int()}
		t.Name = string(r.bytes(r.int()))
		argc := r.int()
		if r.err == nil && argc > r.remaining()/(2+r.width) {
			return nil, r.fail("task %d argument count %d exceeds stream length", i, argc)
		}
		for j := 0; j < argc && r.err == nil; j++ {
			t.Args = append(t.Args, ArgRef{Kind: ArgKind(r.byte()), Access: Access(r.byte()), Index: r.int()})
		}
		p.Tasks = append(p.Tasks, t)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(b) {
		return nil, r.fail("%d trailing bytes", len(b)-r.off)
	}
	if w := operandWidth(p); w != r.width {
		return nil, &FormatError{Offset: len(Magic) + 2, Reason: fmt.Sprintf("operand width %d is not canonical, want %d", r.width, w)}
	}
	if err := p.Validate(); err != nil {
		return nil, &FormatError{Offset: r.off, Reason: err.Error()}
	}
	return p, nil
}

// reader decodes fields sequentially and latches the first error.
type reader struct {
	buf   []byte
	off   int
	width int
	err   error
}

func (r *reader) fail(format string, args ...any) error {
	return &FormatError{Offset: r.off, Reason: fmt.Sprintf(format, args...)}
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.remaining() < n {
		r.err = r.fail("truncated: need %d bytes, have %d", n, r.remaining())
		return false
	}
	return true
}

func (r *reader) byte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) int() int {
	if !r.need(r.width) {
		return 0
	}
	var v uint64
	if r.width == 8 {
		v = binary.LittleEndian.Uint64(r.buf[r.off:])
	} else {
		v = uint64(binary.LittleEndian.Uint32(r.buf[r.off:]))
	}
	if v > math.MaxInt {
		r.err = r.fail("operand %d out of range", v)
		return 0
	}
	r.off += r.width
	return int(v)
}
