package config

import (
	"errors"
	"fmt"
	"slices"
)

// validate checks the references between blocks once every file is merged.
// Tasks without a device are placed on the first one.
func (m *Model) validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	seen := make(map[string]string)
	unique := func(kind, name string) {
		if prev, dup := seen[name]; dup {
			fail("%s '%s' reuses the name of a %s", kind, name, prev)
			return
		}
		seen[name] = kind
	}
	for _, p := range m.Parameters {
		unique("parameter", p.Name)
	}
	for _, c := range m.Constants {
		unique("constant", c.Name)
	}
	devices := make(map[string]bool)
	for _, d := range m.Devices {
		if devices[d.Name] {
			fail("duplicate device '%s'", d.Name)
		}
		devices[d.Name] = true
	}
	tasks := make(map[string]bool)
	for _, t := range m.Tasks {
		if tasks[t.Name] {
			fail("duplicate task '%s'", t.Name)
		}
		tasks[t.Name] = true
	}
	if len(m.Tasks) == 0 {
		fail("schedule '%s' has no tasks", m.Name)
	}

	for _, t := range m.Tasks {
		if t.Device == "" {
			t.Device = m.Devices[0].Name
		} else if !devices[t.Device] {
			fail("task '%s' runs on unknown device '%s'", t.Name, t.Device)
		}
		for _, a := range t.Args {
			if m.Parameter(a) < 0 && m.Constant(a) < 0 {
				fail("task '%s' uses unknown argument '%s'", t.Name, a)
			}
		}
		for _, list := range []struct {
			attr  string
			names []string
		}{{"out", t.Out}, {"inout", t.InOut}} {
			for _, n := range list.names {
				switch {
				case m.Parameter(n) < 0:
					fail("task '%s' lists '%s' in %s, which is not a parameter", t.Name, n, list.attr)
				case !slices.Contains(t.Args, n):
					fail("task '%s' lists '%s' in %s but does not pass it as an argument", t.Name, n, list.attr)
				}
			}
		}
		for _, n := range t.Out {
			if slices.Contains(t.InOut, n) {
				fail("task '%s' lists '%s' in both out and inout", t.Name, n)
			}
		}
	}

	for _, list := range []struct {
		attr  string
		names []string
	}{{"stream_in", m.StreamIn}, {"stream_out", m.StreamOut}} {
		for _, n := range list.names {
			if m.Parameter(n) < 0 {
				fail("schedule '%s' lists unknown parameter '%s' in %s", m.Name, n, list.attr)
			}
		}
	}
	return errors.Join(errs...)
}
