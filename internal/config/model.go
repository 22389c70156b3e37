package config

import (
	"math"
	"slices"
)

const (
	// DefaultMemory is the device region size used when a device block does
	// not set memory.
	DefaultMemory uint64 = 1 << 20
	// DefaultCallStack is the call stack size used when a device block does
	// not set call_stack.
	DefaultCallStack uint64 = 4 << 10
	// DefaultDevice names the device created when a grid declares none.
	DefaultDevice = "sim0"
)

// Model is the translated content of all grid files.
type Model struct {
	Name     string
	Blocking bool
	// Header and Alignment shape every parameter allocation. Zero alignment
	// leaves the choice to the engine.
	Header    uint64
	Alignment uint64
	StreamIn  []string
	StreamOut []string

	Devices    []*Device
	Parameters []*Parameter
	Constants  []*Constant
	Tasks      []*Task
}

// Device is a simulated accelerator. Its position in Model.Devices is the
// device index used by the program.
type Device struct {
	Name        string
	Memory      uint64
	CallStack   uint64
	BaseAddress uint64
}

// ValueType is the element type of a parameter or the packing of a constant.
type ValueType string

const (
	Float32 ValueType = "float32"
	Int32   ValueType = "int32"
	Uint64  ValueType = "uint64"
)

// Parameter is a host buffer of 4-byte elements. Values holds every element
// exactly, whatever its Type.
type Parameter struct {
	Name   string
	Type   ValueType
	Values []float64
}

// Constant is a literal task argument.
type Constant struct {
	Name  string
	Type  ValueType
	Value float64
}

// Word returns the argument word passed to kernels.
func (c *Constant) Word() uint64 {
	switch c.Type {
	case Uint64:
		return uint64(c.Value)
	case Int32:
		return uint64(uint32(int32(c.Value)))
	}
	return uint64(math.Float32bits(float32(c.Value)))
}

// Task runs a kernel on a device.
type Task struct {
	Name   string
	Kernel string
	Device string
	// Args lists parameter and constant names in kernel argument order.
	Args  []string
	Out   []string
	InOut []string
	// GlobalSize is zero when the size should follow the first parameter.
	GlobalSize int
	LocalSize  int
}

// Access reports how the task uses the named parameter argument.
func (t *Task) Access(name string) (reads, writes bool) {
	if slices.Contains(t.Out, name) {
		return false, true
	}
	if slices.Contains(t.InOut, name) {
		return true, true
	}
	return true, false
}

func indexOf[T any](items []*T, name string, nameOf func(*T) string) int {
	for i, it := range items {
		if nameOf(it) == name {
			return i
		}
	}
	return -1
}

// Device returns the index of the named device, or -1.
func (m *Model) Device(name string) int {
	return indexOf(m.Devices, name, func(d *Device) string { return d.Name })
}

// Parameter returns the index of the named parameter, or -1.
func (m *Model) Parameter(name string) int {
	return indexOf(m.Parameters, name, func(p *Parameter) string { return p.Name })
}

// Constant returns the index of the named constant, or -1.
func (m *Model) Constant(name string) int {
	return indexOf(m.Constants, name, func(c *Constant) string { return c.Name })
}
