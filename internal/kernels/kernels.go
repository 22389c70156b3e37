// Package kernels holds the named kernels that can run on a simulated
// device. Kernels operate on little-endian float32 or int32 vectors whose
// length is the launch's global size. Vector arguments are device addresses,
// scalar arguments are the bit patterns of one element.
package kernels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/specialistvlad/accelgrid/internal/device"
	"github.com/specialistvlad/accelgrid/internal/simdevice"
)

// Element is the type of the vector elements a kernel operates on.
type Element string

const (
	Float32 Element = "float32"
	Int32   Element = "int32"
)

// ElementSize is the size in bytes of one vector element.
const ElementSize = 4

// Registered is a kernel together with the number of arguments it reads.
type Registered struct {
	Arity   int
	Element Element
	Fn      simdevice.Kernel
}

// Registry maps kernel names to their implementations.
type Registry struct {
	all map[string]*Registered
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{all: make(map[string]*Registered)}
}

// Builtins returns a registry holding vector_add, vector_mul, saxpy and fill
// over float32, and vector_add_int32, vector_mul_int32 and fill_int32.
func Builtins() *Registry {
	r := New()
	r.Register("vector_add", &Registered{Arity: 3, Element: Float32, Fn: elementwise(func(a, b float32) float32 { return a + b })})
	r.Register("vector_mul", &Registered{Arity: 3, Element: Float32, Fn: elementwise(func(a, b float32) float32 { return a * b })})
	r.Register("saxpy", &Registered{Arity: 3, Element: Float32, Fn: saxpy})
	r.Register("fill", &Registered{Arity: 2, Element: Float32, Fn: fill})
	r.Register("vector_add_int32", &Registered{Arity: 3, Element: Int32, Fn: elementwiseInt32(func(a, b int32) int32 { return a + b })})
	r.Register("vector_mul_int32", &Registered{Arity: 3, Element: Int32, Fn: elementwiseInt32(func(a, b int32) int32 { return a * b })})
	r.Register("fill_int32", &Registered{Arity: 2, Element: Int32, Fn: fillInt32})
	return r
}

// Register adds a kernel. Registering a name twice panics.
func (r *Registry) Register(name string, k *Registered) {
	if _, exists := r.all[name]; exists {
		panic(fmt.Sprintf("kernel with name '%s' already registered", name))
	}
	if k.Element == "" {
		k.Element = Float32
	}
	slog.Debug("Registering kernel.", "name", name, "arity", k.Arity, "element", k.Element)
	r.all[name] = k
}

func (r *Registry) Lookup(name string) (*Registered, bool) {
	k, ok := r.all[name]
	return k, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.all))
	for name := range r.all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind installs the named kernel on dev.
func (r *Registry) Bind(dev *simdevice.Device, name string) (device.CompiledTask, error) {
	k, ok := r.all[name]
	if !ok {
		return nil, fmt.Errorf("unknown kernel '%s'", name)
	}
	return &compiledTask{dev: dev, name: name, kernel: k}, nil
}

type compiledTask struct {
	dev    *simdevice.Device
	name   string
	kernel *Registered
}

func (t *compiledTask) Execute(ctx context.Context, frame device.Frame, launch device.Launch, wait []device.Handle) (device.Handle, error) {
	return t.dev.EnqueueKernel(ctx, func(inv *simdevice.Invocation) error {
		if len(inv.Args) < t.kernel.Arity {
			return fmt.Errorf("%s: expects %d arguments, got %d", t.name, t.kernel.Arity, len(inv.Args))
		}
		if launch.GlobalSize < 0 {
			return fmt.Errorf("%s: negative global size %d", t.name, launch.GlobalSize)
		}
		if err := t.kernel.Fn(inv); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		return nil
	}, frame, launch, wait)
}
