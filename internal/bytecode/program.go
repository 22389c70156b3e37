package bytecode

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
)

// Version is the instruction stream format version written by Encode.
const Version uint16 = 1

// ArgKind tells where a task argument's value comes from.
type ArgKind uint8

const (
	ArgParameter ArgKind = iota
	ArgConstant
)

func (k ArgKind) String() string {
	switch k {
	case ArgParameter:
		return "param"
	case ArgConstant:
		return "const"
	}
	return fmt.Sprintf("argkind(%d)", uint8(k))
}

// Access describes how a task uses a parameter argument.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// Writes reports whether the access may modify the parameter.
func (a Access) Writes() bool { return a == AccessWrite || a == AccessReadWrite }

// ArgRef is one positional argument in a task's call frame.
type ArgRef struct {
	Kind   ArgKind
	Index  int
	Access Access
}

// Task is the launch description of one LAUNCH_TASK operand.
type Task struct {
	Name   string
	Device int
	Args   []ArgRef
}

// MaxDeviceArgs is the largest call-frame argument count a device may declare.
const MaxDeviceArgs = 1 << 16

// Device holds per-device layout metadata.
type Device struct {
	// MaxArgs is the largest argument count of any task mapped to the
	// device. It sizes the device's call frame.
	MaxArgs int
}

// Program is a compiled task graph.
type Program struct {
	Version      uint16
	Instructions []Instruction
	EventSlots   int
	Parameters   int
	Constants    int
	Devices      []Device
	Tasks        []Task
}

// ErrInvalidProgram is the kind of every error returned by Validate.
var ErrInvalidProgram = errors.New("invalid program")

// Validate checks that every reference in the program resolves: devices,
// tasks, parameters, constants and event slots.
func (p *Program) Validate() error {
	if p.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidProgram, p.Version)
	}
	if p.EventSlots < 0 || p.Parameters < 0 || p.Constants < 0 {
		return fmt.Errorf("%w: negative table size", ErrInvalidProgram)
	}
	for i, d := range p.Devices {
		if d.MaxArgs < 0 {
			return fmt.Errorf("%w: device %d has negative argument count", ErrInvalidProgram, i)
		}
		if d.MaxArgs > MaxDeviceArgs {
			return fmt.Errorf("%w: device %d declares %d arguments, at most %d are supported",
				ErrInvalidProgram, i, d.MaxArgs, MaxDeviceArgs)
		}
	}
	for i, t := range p.Tasks {
		if err := p.checkDevice(t.Device); err != nil {
			return fmt.Errorf("%w: task %d: %v", ErrInvalidProgram, i, err)
		}
		if len(t.Args) > p.Devices[t.Device].MaxArgs {
			return fmt.Errorf("%w: task %d has %d arguments, device %d frames hold %d",
				ErrInvalidProgram, i, len(t.Args), t.Device, p.Devices[t.Device].MaxArgs)
		}
		for j, a := range t.Args {
			if err := p.checkArg(a); err != nil {
				return fmt.Errorf("%w: task %d argument %d: %v", ErrInvalidProgram, i, j, err)
			}
		}
	}
	for pos, in := range p.Instructions {
		if err := p.checkInstruction(in); err != nil {
			return fmt.Errorf("%w: instruction %d (%s): %v", ErrInvalidProgram, pos, in.Op, err)
		}
	}
	return nil
}

func (p *Program) checkDevice(d int) error {
	if d < 0 || d >= len(p.Devices) {
		return fmt.Errorf("device %d out of range [0,%d)", d, len(p.Devices))
	}
	return nil
}

func (p *Program) checkSlot(s int) error {
	if s != NoSlot && (s < 0 || s >= p.EventSlots) {
		return fmt.Errorf("event slot %d out of range [0,%d)", s, p.EventSlots)
	}
	return nil
}

func (p *Program) checkArg(a ArgRef) error {
	switch a.Kind {
	case ArgParameter:
		if a.Index < 0 || a.Index >= p.Parameters {
			return fmt.Errorf("parameter %d out of range [0,%d)", a.Index, p.Parameters)
		}
		if a.Access > AccessReadWrite {
			return fmt.Errorf("unknown access %d", a.Access)
		}
	case ArgConstant:
		if a.Index < 0 || a.Index >= p.Constants {
			return fmt.Errorf("constant %d out of range [0,%d)", a.Index, p.Constants)
		}
		if a.Access != AccessRead {
			return errors.New("constants are read-only")
		}
	default:
		return fmt.Errorf("unknown argument kind %d", a.Kind)
	}
	return nil
}

func (p *Program) checkInstruction(in Instruction) error {
	if !in.Op.Valid() {
		return errors.New("unknown opcode")
	}
	if in.Flags&^knownFlags != 0 {
		return fmt.Errorf("unknown flag bits %#x", uint8(in.Flags&^knownFlags))
	}
	if err := p.checkSlot(in.EventSlot); err != nil {
		return err
	}
	if err := p.checkSlot(in.WaitSlot); err != nil {
		return err
	}
	switch {
	case in.Op == OpBegin || in.Op == OpEnd:
		if in.Device != 0 || in.Operand != 0 {
			return errors.New("control instruction carries operands")
		}
		return nil
	case in.Op == OpBarrier:
		if in.WaitSlot == NoSlot {
			return errors.New("barrier waits on no slot")
		}
	case in.Op == OpLaunchTask:
		if in.Operand < 0 || in.Operand >= len(p.Tasks) {
			return fmt.Errorf("task %d out of range [0,%d)", in.Operand, len(p.Tasks))
		}
		if p.Tasks[in.Operand].Device != in.Device {
			return fmt.Errorf("task %d is mapped to device %d", in.Operand, p.Tasks[in.Operand].Device)
		}
	case in.Op.Transfer():
		if in.Operand < 0 || in.Operand >= p.Parameters {
			return fmt.Errorf("parameter %d out of range [0,%d)", in.Operand, p.Parameters)
		}
	}
	return p.checkDevice(in.Device)
}

// Disassemble writes a human-readable listing of the program to w.
func (p *Program) Disassemble(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "; version %d, %d parameters, %d constants, %d event slots\n",
		p.Version, p.Parameters, p.Constants, p.EventSlots)
	for i, d := range p.Devices {
		fmt.Fprintf(tw, "; device %d: max args %d\n", i, d.MaxArgs)
	}
	for i, t := range p.Tasks {
		fmt.Fprintf(tw, "; task %d %q on device %d:", i, t.Name, t.Device)
		for _, a := range t.Args {
			if a.Kind == ArgConstant {
				fmt.Fprintf(tw, " const[%d]", a.Index)
				continue
			}
			fmt.Fprintf(tw, " param[%d]:%s", a.Index, a.Access)
		}
		fmt.Fprintln(tw)
	}
	for pos, in := range p.Instructions {
		fmt.Fprintf(tw, "%04d\t%s\n", pos, in)
	}
	return tw.Flush()
}
