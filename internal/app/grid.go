package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/accelgrid/internal/config"
	"github.com/specialistvlad/accelgrid/internal/device"
	"github.com/specialistvlad/accelgrid/internal/engine"
	"github.com/specialistvlad/accelgrid/internal/kernels"
	"github.com/specialistvlad/accelgrid/internal/memory"
	"github.com/specialistvlad/accelgrid/internal/schedule"
	"github.com/specialistvlad/accelgrid/internal/simdevice"
)

// buildSchedule turns the grid's tasks into a schedule. Parameter and
// constant names become their positions in the model.
func buildSchedule(m *config.Model) *schedule.Schedule {
	s := schedule.New(m.Name).Blocking(m.Blocking)
	for _, t := range m.Tasks {
		args := make([]schedule.Arg, len(t.Args))
		for i, name := range t.Args {
			if c := m.Constant(name); c >= 0 {
				args[i] = schedule.Const(c)
				continue
			}
			arg := schedule.Param(m.Parameter(name))
			switch reads, writes := t.Access(name); {
			case reads && writes:
				arg = arg.InOut()
			case writes:
				arg = arg.Out()
			}
			args[i] = arg
		}
		s.Task(t.Name, t.Kernel, args...).MapTo(t.Name, m.Device(t.Device))
	}
	for _, name := range m.StreamIn {
		s.StreamIn(m.Parameter(name))
	}
	for _, name := range m.StreamOut {
		s.StreamOut(m.Parameter(name))
	}
	return s
}

// devices is one simulated device per declared device, with the memory
// manager owning its region.
type devices struct {
	sims    []*simdevice.Device
	targets []engine.Target
}

func startDevices(ctx context.Context, m *config.Model) (*devices, error) {
	d := &devices{}
	for _, dev := range m.Devices {
		opts := []simdevice.Option{simdevice.WithCapacity(dev.Memory)}
		if dev.BaseAddress != 0 {
			opts = append(opts, simdevice.WithBaseAddress(dev.BaseAddress))
		}
		sim := simdevice.New(dev.Name, opts...)
		d.sims = append(d.sims, sim)

		mm := memory.New(dev.CallStack)
		if err := mm.AllocateRegion(ctx, sim, dev.Memory); err != nil {
			d.Close()
			return nil, fmt.Errorf("device '%s': %w", dev.Name, err)
		}
		d.targets = append(d.targets, engine.Target{Queue: sim, Memory: mm})
	}
	return d, nil
}

// Close stops every device.
func (d *devices) Close() error {
	var errs []error
	for _, sim := range d.sims {
		errs = append(errs, sim.Close())
	}
	return errors.Join(errs...)
}

// newBinding packs the grid's host data and installs each task's kernel on
// the device it runs on.
func newBinding(m *config.Model, reg *kernels.Registry, d *devices) (*engine.Binding, error) {
	b := &engine.Binding{
		Params:    make([][]byte, len(m.Parameters)),
		Constants: make([]uint64, len(m.Constants)),
		Tasks:     make([]engine.TaskBinding, len(m.Tasks)),
	}
	for i, p := range m.Parameters {
		b.Params[i] = packParameter(p)
	}
	for i, c := range m.Constants {
		b.Constants[i] = c.Word()
	}
	for i, t := range m.Tasks {
		k, ok := reg.Lookup(t.Kernel)
		if !ok {
			return nil, fmt.Errorf("task '%s' uses unknown kernel '%s', available kernels are %v", t.Name, t.Kernel, reg.Names())
		}
		if len(t.Args) != k.Arity {
			return nil, fmt.Errorf("task '%s': kernel '%s' takes %d arguments, got %d", t.Name, t.Kernel, k.Arity, len(t.Args))
		}
		launch := launchOf(m, t)
		if err := checkArguments(m, t, k, launch); err != nil {
			return nil, err
		}
		code, err := reg.Bind(d.sims[m.Device(t.Device)], t.Kernel)
		if err != nil {
			return nil, fmt.Errorf("task '%s': %w", t.Name, err)
		}
		b.Tasks[i] = engine.TaskBinding{Code: code, Launch: launch}
	}
	return b, nil
}

// checkArguments verifies that every parameter argument of t holds elements
// of the kernel's type, and at least as many as the launch touches.
func checkArguments(m *config.Model, t *config.Task, k *kernels.Registered, l device.Launch) error {
	for _, name := range t.Args {
		i := m.Parameter(name)
		if i < 0 {
			continue
		}
		p := m.Parameters[i]
		if string(p.Type) != string(k.Element) {
			return fmt.Errorf("task '%s': kernel '%s' operates on %s elements, parameter '%s' holds %s",
				t.Name, t.Kernel, k.Element, name, p.Type)
		}
		if len(p.Values) < l.GlobalSize {
			return fmt.Errorf("task '%s': global size %d exceeds the length %d of parameter '%s'",
				t.Name, l.GlobalSize, len(p.Values), name)
		}
	}
	return nil
}

// packParameter encodes the host data of p in its element type.
func packParameter(p *config.Parameter) []byte {
	if p.Type == config.Int32 {
		values := make([]int32, len(p.Values))
		for i, v := range p.Values {
			values[i] = int32(v)
		}
		return kernels.Int32s(values...)
	}
	values := make([]float32, len(p.Values))
	for i, v := range p.Values {
		values[i] = float32(v)
	}
	return kernels.Float32s(values...)
}

// launchOf sizes a launch to the task's first parameter unless the grid
// sets global_size.
func launchOf(m *config.Model, t *config.Task) device.Launch {
	l := device.Launch{GlobalSize: t.GlobalSize, LocalSize: t.LocalSize}
	if l.GlobalSize > 0 {
		return l
	}
	for _, name := range t.Args {
		if p := m.Parameter(name); p >= 0 {
			l.GlobalSize = len(m.Parameters[p].Values)
			break
		}
	}
	return l
}
