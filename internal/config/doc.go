// Package config loads grid files into a format-agnostic Model.
//
// A grid is written in HCL. It names the schedule, declares the devices tasks
// run on, the parameters and constants they use, and the tasks themselves.
// Names of other blocks are referenced as bare identifiers:
//
//	schedule "saxpy" {
//	  stream_out = [y]
//	}
//
//	device "sim0" {
//	  memory     = "1 MiB"
//	  call_stack = "4 KiB"
//	}
//
//	parameter "x" {
//	  values = [1, 2, 3, 4]
//	}
//
//	parameter "y" {
//	  length = 4
//	  fill   = 1
//	}
//
//	constant "alpha" {
//	  value = 2
//	}
//
//	task "scale" {
//	  kernel = "saxpy"
//	  device = sim0
//	  args   = [alpha, x, y]
//	  inout  = [y]
//	}
//
// Parameters hold float32 elements unless they set type = "int32". Constants
// are float32 by default and may also be "int32" or "uint64".
//
// A grid may be split across any number of files; Load merges every .hcl file
// it finds under the given paths. Parameters listed in a task's out list are
// written without being read, those in inout are read and written, and all
// other parameter arguments are only read.
package config
