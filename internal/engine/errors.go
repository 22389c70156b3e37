package engine

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/accelgrid/internal/bytecode"
)

const stage = "engine"

var (
	// ErrInvalidBinding is returned when a Binding does not cover the
	// program's parameters, constants or tasks.
	ErrInvalidBinding = errors.New("invalid binding")
	// ErrUnusable is returned by Run after a fatal error.
	ErrUnusable = errors.New("engine is unusable after a fatal error")
)

// DeviceOperationError reports the failure of one instruction.
type DeviceOperationError struct {
	Position int
	Device   int
	Op       bytecode.Opcode
	Err      error
}

func (e *DeviceOperationError) Error() string {
	return fmt.Sprintf("%s: instruction %d (%s) on device %d: %v", stage, e.Position, e.Op, e.Device, e.Err)
}

func (e *DeviceOperationError) Unwrap() error { return e.Err }
func (e *DeviceOperationError) Stage() string { return stage }
