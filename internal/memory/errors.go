package memory

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

const stage = "memory"

var (
	ErrOutOfDeviceMemory  = errors.New("out of device memory")
	ErrCallStackExhausted = errors.New("call stack exhausted")
	ErrAddressOverflow    = errors.New("address overflow")
	ErrAddressOutOfRange  = errors.New("address out of range")
)

// OutOfDeviceMemoryError reports a heap allocation that did not fit. The heap
// cursor is unchanged; the caller may reset the manager and retry.
type OutOfDeviceMemoryError struct {
	Device    string
	Requested uint64
	Remaining uint64
}

func (e *OutOfDeviceMemoryError) Error() string {
	return fmt.Sprintf("out of memory on device %s: requested %s, %s remaining",
		e.Device, humanize.IBytes(e.Requested), humanize.IBytes(e.Remaining))
}

func (e *OutOfDeviceMemoryError) Unwrap() error { return ErrOutOfDeviceMemory }
func (e *OutOfDeviceMemoryError) Stage() string { return stage }

// CallStackExhaustedError reports a call frame that did not fit. Frames are
// sized from the compiled program, so this means the call-stack region is
// configured too small for it. It is fatal for the owning execution.
type CallStackExhaustedError struct {
	Device   string
	Used     uint64
	Free     uint64
	Required uint64
}

func (e *CallStackExhaustedError) Error() string {
	return fmt.Sprintf("out of call-stack memory on device %s: used=%s, free=%s, required=%s",
		e.Device, humanize.IBytes(e.Used), humanize.IBytes(e.Free), humanize.IBytes(e.Required))
}

func (e *CallStackExhaustedError) Unwrap() error { return ErrCallStackExhausted }
func (e *CallStackExhaustedError) Stage() string { return stage }

// Fatal reports that the execution owning the manager cannot continue.
func (e *CallStackExhaustedError) Fatal() bool { return true }

// AddressError reports a failed address translation.
type AddressError struct {
	// Kind is ErrAddressOverflow or ErrAddressOutOfRange.
	Kind    error
	Address uint64
	Base    uint64
	Limit   uint64
}

func (e *AddressError) Error() string {
	if errors.Is(e.Kind, ErrAddressOverflow) {
		return fmt.Sprintf("%v: %#x + %#x wraps around", e.Kind, e.Address, e.Base)
	}
	return fmt.Sprintf("%v: %#x outside [%#x, %#x]", e.Kind, e.Address, e.Base, e.Base+e.Limit)
}

func (e *AddressError) Unwrap() error { return e.Kind }
func (e *AddressError) Stage() string { return stage }
