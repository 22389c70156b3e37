package config

import (
	"github.com/hashicorp/hcl/v2"
)

// fileRoot decodes every top-level block a grid file may contain.
type fileRoot struct {
	Schedules  []*scheduleBlock  `hcl:"schedule,block"`
	Devices    []*deviceBlock    `hcl:"device,block"`
	Parameters []*parameterBlock `hcl:"parameter,block"`
	Constants  []*constantBlock  `hcl:"constant,block"`
	Tasks      []*taskBlock      `hcl:"task,block"`
}

type scheduleBlock struct {
	Name      string         `hcl:"name,label"`
	Blocking  *bool          `hcl:"blocking,optional"`
	Header    *uint64        `hcl:"header,optional"`
	Alignment *uint64        `hcl:"alignment,optional"`
	StreamIn  hcl.Expression `hcl:"stream_in,optional"`
	StreamOut hcl.Expression `hcl:"stream_out,optional"`
}

type deviceBlock struct {
	Name        string  `hcl:"name,label"`
	Memory      *string `hcl:"memory,optional"`
	CallStack   *string `hcl:"call_stack,optional"`
	BaseAddress *string `hcl:"base_address,optional"`
}

type parameterBlock struct {
	Name   string         `hcl:"name,label"`
	Type   *string        `hcl:"type,optional"`
	Values hcl.Expression `hcl:"values,optional"`
	Length *int           `hcl:"length,optional"`
	Fill   *float64       `hcl:"fill,optional"`
}

type constantBlock struct {
	Name  string  `hcl:"name,label"`
	Type  *string `hcl:"type,optional"`
	Value float64 `hcl:"value"`
}

type taskBlock struct {
	Name       string         `hcl:"name,label"`
	Kernel     string         `hcl:"kernel"`
	Device     hcl.Expression `hcl:"device,optional"`
	Args       hcl.Expression `hcl:"args"`
	Out        hcl.Expression `hcl:"out,optional"`
	InOut      hcl.Expression `hcl:"inout,optional"`
	GlobalSize *int           `hcl:"global_size,optional"`
	LocalSize  *int           `hcl:"local_size,optional"`
}
