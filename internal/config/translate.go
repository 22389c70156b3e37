package config

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/hcl/v2"
)

func errorDiag(summary, format string, args ...any) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  summary,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// translate appends the blocks of one file to m.
func (l *Loader) translate(ctx context.Context, root *fileRoot, m *Model) hcl.Diagnostics {
	var diags hcl.Diagnostics
	for _, s := range root.Schedules {
		diags = append(diags, l.translateSchedule(ctx, s, m)...)
	}
	for _, b := range root.Devices {
		d, ds := translateDevice(b)
		diags = append(diags, ds...)
		if d != nil {
			m.Devices = append(m.Devices, d)
		}
	}
	for _, b := range root.Parameters {
		p, ds := l.translateParameter(ctx, b)
		diags = append(diags, ds...)
		if p != nil {
			m.Parameters = append(m.Parameters, p)
		}
	}
	for _, b := range root.Constants {
		c, ds := translateConstant(b)
		diags = append(diags, ds...)
		if c != nil {
			m.Constants = append(m.Constants, c)
		}
	}
	for _, b := range root.Tasks {
		t, ds := l.translateTask(ctx, b)
		diags = append(diags, ds...)
		if t != nil {
			m.Tasks = append(m.Tasks, t)
		}
	}
	return diags
}

func (l *Loader) translateSchedule(ctx context.Context, b *scheduleBlock, m *Model) hcl.Diagnostics {
	var diags hcl.Diagnostics
	m.Name = b.Name
	if b.Blocking != nil {
		m.Blocking = *b.Blocking
	}
	if b.Header != nil {
		m.Header = *b.Header
	}
	if b.Alignment != nil {
		m.Alignment = *b.Alignment
	}
	if isExprDefined(ctx, b.StreamIn, "stream_in") {
		names, ds := exprNames(b.StreamIn, "stream_in")
		diags = append(diags, ds...)
		m.StreamIn = names
	}
	if isExprDefined(ctx, b.StreamOut, "stream_out") {
		names, ds := exprNames(b.StreamOut, "stream_out")
		diags = append(diags, ds...)
		m.StreamOut = names
	}
	return diags
}

func parseSize(block, attr string, v *string, def uint64) (uint64, *hcl.Diagnostic) {
	if v == nil {
		return def, nil
	}
	n, err := humanize.ParseBytes(*v)
	if err != nil {
		return 0, errorDiag("Invalid size",
			"The %s attribute of device %q must be a size such as \"64 KiB\": %s.", attr, block, err)
	}
	return n, nil
}

func translateDevice(b *deviceBlock) (*Device, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	d := &Device{Name: b.Name}
	var diag *hcl.Diagnostic
	if d.Memory, diag = parseSize(b.Name, "memory", b.Memory, DefaultMemory); diag != nil {
		diags = append(diags, diag)
	}
	if d.CallStack, diag = parseSize(b.Name, "call_stack", b.CallStack, DefaultCallStack); diag != nil {
		diags = append(diags, diag)
	}
	if b.BaseAddress != nil {
		addr, err := strconv.ParseUint(*b.BaseAddress, 0, 64)
		if err != nil {
			diags = append(diags, errorDiag("Invalid base address",
				"The base_address of device %q must be an integer such as \"0x10000000\": %s.", b.Name, err))
		}
		d.BaseAddress = addr
	}
	if diags.HasErrors() {
		return nil, diags
	}
	if d.CallStack >= d.Memory {
		return nil, hcl.Diagnostics{errorDiag("Invalid device",
			"The call stack of device %q (%s) must be smaller than its memory (%s).",
			b.Name, humanize.IBytes(d.CallStack), humanize.IBytes(d.Memory))}
	}
	return d, nil
}

func (l *Loader) translateParameter(ctx context.Context, b *parameterBlock) (*Parameter, hcl.Diagnostics) {
	p := &Parameter{Name: b.Name, Type: Float32}
	if b.Type != nil {
		p.Type = ValueType(*b.Type)
	}
	if p.Type != Float32 && p.Type != Int32 {
		return nil, hcl.Diagnostics{errorDiag("Invalid parameter type",
			"Parameter %q has type %q; supported types are %q and %q.", b.Name, p.Type, Float32, Int32)}
	}

	hasValues := isExprDefined(ctx, b.Values, "values")
	var diags hcl.Diagnostics
	switch {
	case hasValues && b.Length != nil:
		return nil, hcl.Diagnostics{errorDiag("Conflicting attributes",
			"Parameter %q sets both values and length.", b.Name)}
	case hasValues && b.Fill != nil:
		return nil, hcl.Diagnostics{errorDiag("Conflicting attributes",
			"Parameter %q sets fill, which only applies together with length.", b.Name)}
	case hasValues:
		p.Values, diags = exprNumbers(b.Values, "values")
		if diags.HasErrors() {
			return nil, diags
		}
		if len(p.Values) == 0 {
			return nil, hcl.Diagnostics{errorDiag("Empty parameter", "Parameter %q has no values.", b.Name)}
		}
	case b.Length == nil:
		return nil, hcl.Diagnostics{errorDiag("Missing attribute",
			"Parameter %q must set either values or length.", b.Name)}
	case *b.Length <= 0:
		return nil, hcl.Diagnostics{errorDiag("Invalid length",
			"The length of parameter %q must be positive, got %d.", b.Name, *b.Length)}
	default:
		p.Values = make([]float64, *b.Length)
		if b.Fill != nil {
			for i := range p.Values {
				p.Values[i] = *b.Fill
			}
		}
	}

	if p.Type == Int32 {
		for i, v := range p.Values {
			if !isInt32(v) {
				return nil, hcl.Diagnostics{errorDiag("Invalid parameter value",
					"Element %d of int32 parameter %q must be an integer in the int32 range, got %v.", i, b.Name, v)}
			}
		}
	}
	return p, diags
}

func isInt32(v float64) bool {
	return v == math.Trunc(v) && v >= math.MinInt32 && v <= math.MaxInt32
}

func translateConstant(b *constantBlock) (*Constant, hcl.Diagnostics) {
	c := &Constant{Name: b.Name, Type: Float32, Value: b.Value}
	if b.Type != nil {
		c.Type = ValueType(*b.Type)
	}
	switch c.Type {
	case Float32:
	case Int32:
		if !isInt32(c.Value) {
			return nil, hcl.Diagnostics{errorDiag("Invalid constant",
				"Constant %q of type int32 must be an integer in the int32 range, got %v.", b.Name, b.Value)}
		}
	case Uint64:
		if c.Value < 0 || c.Value != math.Trunc(c.Value) {
			return nil, hcl.Diagnostics{errorDiag("Invalid constant",
				"Constant %q of type uint64 must be a non-negative integer, got %v.", b.Name, b.Value)}
		}
	default:
		return nil, hcl.Diagnostics{errorDiag("Invalid constant type",
			"Constant %q has type %q; supported types are %q, %q and %q.", b.Name, c.Type, Float32, Int32, Uint64)}
	}
	return c, nil
}

func (l *Loader) translateTask(ctx context.Context, b *taskBlock) (*Task, hcl.Diagnostics) {
	t := &Task{Name: b.Name, Kernel: b.Kernel}
	var diags hcl.Diagnostics
	if t.Kernel == "" {
		diags = append(diags, errorDiag("Missing kernel", "Task %q does not name a kernel.", b.Name))
	}

	var ds hcl.Diagnostics
	t.Args, ds = exprNames(b.Args, "args")
	diags = append(diags, ds...)
	if isExprDefined(ctx, b.Device, "device") {
		t.Device, ds = exprName(b.Device, "device")
		diags = append(diags, ds...)
	}
	if isExprDefined(ctx, b.Out, "out") {
		t.Out, ds = exprNames(b.Out, "out")
		diags = append(diags, ds...)
	}
	if isExprDefined(ctx, b.InOut, "inout") {
		t.InOut, ds = exprNames(b.InOut, "inout")
		diags = append(diags, ds...)
	}
	if b.GlobalSize != nil {
		t.GlobalSize = *b.GlobalSize
	}
	if b.LocalSize != nil {
		t.LocalSize = *b.LocalSize
	}
	if t.GlobalSize < 0 || t.LocalSize < 0 {
		diags = append(diags, errorDiag("Invalid launch size",
			"Task %q has a negative launch size.", b.Name))
	}
	if diags.HasErrors() {
		return nil, diags
	}
	return t, diags
}
