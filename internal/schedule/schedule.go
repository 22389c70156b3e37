// Package schedule builds task graphs from a list of tasks and the
// parameters they use. The builder decides where data has to move: the first
// read of a parameter on a device copies it in, a write-only use allocates
// it, a read of a value produced on another device routes it through the
// host, and stream-out parameters are written back after their last writer.
package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/specialistvlad/accelgrid/internal/graph"
)

// Arg is one positional task argument.
type Arg struct {
	constant bool
	index    int
	access   graph.Access
}

// Param is a read-only use of parameter index.
func Param(index int) Arg { return Arg{index: index} }

// Const is a literal argument taken from the constant table.
func Const(index int) Arg { return Arg{constant: true, index: index} }

// Out marks a parameter as written without being read.
func (a Arg) Out() Arg {
	a.access = graph.AccessWrite
	return a
}

// InOut marks a parameter as read and written.
func (a Arg) InOut() Arg {
	a.access = graph.AccessReadWrite
	return a
}

func (a Arg) String() string {
	if a.constant {
		return fmt.Sprintf("const[%d]", a.index)
	}
	return fmt.Sprintf("param[%d]:%s", a.index, a.access)
}

// TaskInfo describes a task of a built schedule. Tasks are listed in
// declaration order, which is also their program task index.
type TaskInfo struct {
	Name   string
	Kernel string
	Device int
	Args   []Arg
}

type taskSpec struct {
	TaskInfo
	mapped bool
}

// Schedule collects tasks. Its methods return the schedule so calls can be
// chained; errors are reported by Build.
type Schedule struct {
	name      string
	tasks     []*taskSpec
	byName    map[string]*taskSpec
	streamIn  map[int]bool
	streamOut []int
	blocking  bool
	errs      []error
}

// New returns an empty schedule.
func New(name string) *Schedule {
	return &Schedule{
		name:     name,
		byName:   make(map[string]*taskSpec),
		streamIn: make(map[int]bool),
	}
}

func (s *Schedule) Name() string { return s.name }

func (s *Schedule) errorf(format string, args ...any) {
	s.errs = append(s.errs, fmt.Errorf("schedule %s: "+format, append([]any{s.name}, args...)...))
}

// Task appends a task running kernel on args. Tasks run on device 0 unless
// mapped elsewhere with MapTo.
func (s *Schedule) Task(name, kernel string, args ...Arg) *Schedule {
	if _, dup := s.byName[name]; dup {
		s.errorf("duplicate task '%s'", name)
		return s
	}
	for _, a := range args {
		if a.index < 0 {
			s.errorf("task '%s': negative index in %s", name, a)
		}
	}
	t := &taskSpec{TaskInfo: TaskInfo{Name: name, Kernel: kernel, Args: args}}
	s.tasks = append(s.tasks, t)
	s.byName[name] = t
	return s
}

// MapTo assigns a task to a device.
func (s *Schedule) MapTo(task string, device int) *Schedule {
	t, ok := s.byName[task]
	if !ok {
		s.errorf("cannot map unknown task '%s'", task)
		return s
	}
	if device < 0 {
		s.errorf("task '%s': negative device %d", task, device)
		return s
	}
	if t.mapped && t.Device != device {
		s.errorf("task '%s' is already mapped to device %d", task, t.Device)
		return s
	}
	t.Device = device
	t.mapped = true
	return s
}

// StreamIn marks parameters whose host data changes between runs, so their
// transfers to the device are never skipped.
func (s *Schedule) StreamIn(params ...int) *Schedule {
	for _, p := range params {
		s.streamIn[p] = true
	}
	return s
}

// StreamOut marks parameters that are copied back to the host at the end.
func (s *Schedule) StreamOut(params ...int) *Schedule {
	s.streamOut = append(s.streamOut, params...)
	return s
}

// Blocking makes every transfer of the schedule synchronous.
func (s *Schedule) Blocking(blocking bool) *Schedule {
	s.blocking = blocking
	return s
}

// Plan is a built schedule.
type Plan struct {
	Name       string
	Graph      *graph.Graph
	Tasks      []TaskInfo
	Parameters int
	Constants  int
	Devices    int
}

// Build produces the task graph.
func (s *Schedule) Build(ctx context.Context) (*Plan, error) {
	if len(s.errs) > 0 {
		return nil, errors.Join(s.errs...)
	}
	if len(s.tasks) == 0 {
		return nil, fmt.Errorf("schedule %s: no tasks", s.name)
	}

	b := &builder{
		Schedule:   s,
		g:          graph.New(),
		params:     make(map[int]*paramState),
		deviceUsed: make(map[int]bool),
	}
	plan := &Plan{Name: s.name, Graph: b.g}
	for i, t := range s.tasks {
		if err := b.addTask(i, t); err != nil {
			return nil, err
		}
		plan.Tasks = append(plan.Tasks, t.TaskInfo)
		plan.Devices = max(plan.Devices, t.Device+1)
		for _, a := range t.Args {
			if a.constant {
				plan.Constants = max(plan.Constants, a.index+1)
			} else {
				plan.Parameters = max(plan.Parameters, a.index+1)
			}
		}
	}
	for _, p := range s.streamOut {
		b.streamOut(p)
		plan.Parameters = max(plan.Parameters, p+1)
	}

	ctxlog.FromContext(ctx).Debug("Built task schedule.",
		"schedule", s.name,
		"tasks", len(s.tasks),
		"nodes", b.g.Len(),
		"devices", plan.Devices)
	return plan, nil
}
