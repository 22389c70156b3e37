// Package bytecode defines the compiled form of a task graph: a linear,
// versioned stream of fixed-shape instructions plus the tables the execution
// engine needs to replay it (per-device frame sizes, task argument layouts).
package bytecode

import (
	"fmt"
	"strings"
)

// Opcode identifies what an instruction does.
type Opcode uint8

const (
	OpBegin Opcode = iota + 1
	OpEnd
	OpAllocate
	OpCopyIn
	OpLaunchTask
	OpPrefetch
	OpWriteHost
	OpBarrier
)

var opNames = map[Opcode]string{
	OpBegin:      "BEGIN",
	OpEnd:        "END",
	OpAllocate:   "ALLOCATE",
	OpCopyIn:     "COPY_IN",
	OpLaunchTask: "LAUNCH_TASK",
	OpPrefetch:   "PREFETCH",
	OpWriteHost:  "WRITE_HOST",
	OpBarrier:    "BARRIER",
}

func (o Opcode) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OP(%d)", uint8(o))
}

// Valid reports whether o is a known opcode.
func (o Opcode) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// Transfer reports whether the opcode moves or reserves parameter data, in
// which case the operand is a parameter index.
func (o Opcode) Transfer() bool {
	switch o {
	case OpAllocate, OpCopyIn, OpPrefetch, OpWriteHost:
		return true
	}
	return false
}

// BlockingMode selects whether the engine waits for an operation before
// moving on.
type BlockingMode uint8

const (
	Async BlockingMode = iota
	Blocking
)

func (m BlockingMode) String() string {
	if m == Blocking {
		return "blocking"
	}
	return "async"
}

// CacheMode selects whether a transfer may be skipped when the destination
// already holds a current copy.
type CacheMode uint8

const (
	Cacheable CacheMode = iota
	NonCacheable
)

func (m CacheMode) String() string {
	if m == NonCacheable {
		return "non-cacheable"
	}
	return "cacheable"
}

// Flags packs the blocking and cache modes into one byte. Each mode owns its
// own bit so the two can be combined freely.
type Flags uint8

const (
	flagBlocking     Flags = 1 << 0
	flagNonCacheable Flags = 1 << 1

	knownFlags = flagBlocking | flagNonCacheable
)

// EncodeBlockingMode returns f with its blocking bit set to m.
func EncodeBlockingMode(f Flags, m BlockingMode) Flags {
	if m == Blocking {
		return f | flagBlocking
	}
	return f &^ flagBlocking
}

// EncodeCacheMode returns f with its cache bit set to m.
func EncodeCacheMode(f Flags, m CacheMode) Flags {
	if m == NonCacheable {
		return f | flagNonCacheable
	}
	return f &^ flagNonCacheable
}

func (f Flags) BlockingMode() BlockingMode {
	if f&flagBlocking != 0 {
		return Blocking
	}
	return Async
}

func (f Flags) CacheMode() CacheMode {
	if f&flagNonCacheable != 0 {
		return NonCacheable
	}
	return Cacheable
}

func (f Flags) String() string {
	return f.BlockingMode().String() + "|" + f.CacheMode().String()
}

// NoSlot marks an instruction that neither records nor waits on an event.
const NoSlot = -1

// Instruction is one record of the stream.
//
// Operand is a parameter index for transfer opcodes and a task index for
// LAUNCH_TASK. EventSlot names the slot that receives the completion handle
// of an asynchronous operation. WaitSlot is used by BARRIER only.
type Instruction struct {
	Op        Opcode
	Device    int
	Operand   int
	Flags     Flags
	EventSlot int
	WaitSlot  int
}

func (in Instruction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s dev=%d", in.Op, in.Device)
	switch {
	case in.Op.Transfer():
		fmt.Fprintf(&b, " param=%d %s", in.Operand, in.Flags)
	case in.Op == OpLaunchTask:
		fmt.Fprintf(&b, " task=%d %s", in.Operand, in.Flags.BlockingMode())
	case in.Op == OpBarrier:
		fmt.Fprintf(&b, " %s", in.Flags.BlockingMode())
	}
	if in.EventSlot != NoSlot {
		fmt.Fprintf(&b, " event=%d", in.EventSlot)
	}
	if in.WaitSlot != NoSlot {
		fmt.Fprintf(&b, " wait=%d", in.WaitSlot)
	}
	return b.String()
}
