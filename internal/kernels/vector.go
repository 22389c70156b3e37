package kernels

import (
	"encoding/binary"
	"math"

	"github.com/specialistvlad/accelgrid/internal/simdevice"
)

// vector is a view of device memory as 4-byte little-endian elements.
type vector []byte

func (v vector) At(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v[4*i:]))
}

func (v vector) Set(i int, f float32) {
	binary.LittleEndian.PutUint32(v[4*i:], math.Float32bits(f))
}

func (v vector) Int(i int) int32 { return int32(binary.LittleEndian.Uint32(v[4*i:])) }

func (v vector) SetInt(i int, x int32) { binary.LittleEndian.PutUint32(v[4*i:], uint32(x)) }

func vectorArg(inv *simdevice.Invocation, i int) (vector, error) {
	mem, err := inv.Memory(inv.Args[i], ElementSize*inv.Launch.GlobalSize)
	if err != nil {
		return nil, err
	}
	return vector(mem), nil
}

func scalarArg(inv *simdevice.Invocation, i int) float32 {
	return math.Float32frombits(uint32(inv.Args[i]))
}

func intArg(inv *simdevice.Invocation, i int) int32 { return int32(uint32(inv.Args[i])) }

// elementwise applies op element-wise: out = op(a, b).
func elementwise(op func(a, b float32) float32) simdevice.Kernel {
	return func(inv *simdevice.Invocation) error {
		a, err := vectorArg(inv, 0)
		if err != nil {
			return err
		}
		b, err := vectorArg(inv, 1)
		if err != nil {
			return err
		}
		out, err := vectorArg(inv, 2)
		if err != nil {
			return err
		}
		for i := 0; i < inv.Launch.GlobalSize; i++ {
			out.Set(i, op(a.At(i), b.At(i)))
		}
		return nil
	}
}

// elementwiseInt32 is elementwise over int32 vectors. Overflow wraps.
func elementwiseInt32(op func(a, b int32) int32) simdevice.Kernel {
	return func(inv *simdevice.Invocation) error {
		a, err := vectorArg(inv, 0)
		if err != nil {
			return err
		}
		b, err := vectorArg(inv, 1)
		if err != nil {
			return err
		}
		out, err := vectorArg(inv, 2)
		if err != nil {
			return err
		}
		for i := 0; i < inv.Launch.GlobalSize; i++ {
			out.SetInt(i, op(a.Int(i), b.Int(i)))
		}
		return nil
	}
}

// saxpy computes y = alpha*x + y.
func saxpy(inv *simdevice.Invocation) error {
	alpha := scalarArg(inv, 0)
	x, err := vectorArg(inv, 1)
	if err != nil {
		return err
	}
	y, err := vectorArg(inv, 2)
	if err != nil {
		return err
	}
	for i := 0; i < inv.Launch.GlobalSize; i++ {
		y.Set(i, alpha*x.At(i)+y.At(i))
	}
	return nil
}

func fill(inv *simdevice.Invocation) error {
	value := scalarArg(inv, 0)
	out, err := vectorArg(inv, 1)
	if err != nil {
		return err
	}
	for i := 0; i < inv.Launch.GlobalSize; i++ {
		out.Set(i, value)
	}
	return nil
}

func fillInt32(inv *simdevice.Invocation) error {
	value := intArg(inv, 0)
	out, err := vectorArg(inv, 1)
	if err != nil {
		return err
	}
	for i := 0; i < inv.Launch.GlobalSize; i++ {
		out.SetInt(i, value)
	}
	return nil
}

// Float32s encodes values as a little-endian float32 vector.
func Float32s(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for i, f := range values {
		vector(b).Set(i, f)
	}
	return b
}

// ToFloat32s decodes a little-endian float32 vector.
func ToFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = vector(b).At(i)
	}
	return out
}

// Int32s encodes values as a little-endian int32 vector.
func Int32s(values ...int32) []byte {
	b := make([]byte, 4*len(values))
	for i, x := range values {
		vector(b).SetInt(i, x)
	}
	return b
}

// ToInt32s decodes a little-endian int32 vector.
func ToInt32s(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = vector(b).Int(i)
	}
	return out
}

// Scalar encodes f as a constant argument word.
func Scalar(f float32) uint64 {
	return uint64(math.Float32bits(f))
}

// Int32 encodes x as a constant argument word.
func Int32(x int32) uint64 {
	return uint64(uint32(x))
}
