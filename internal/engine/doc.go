// Package engine executes a compiled bytecode.Program against device queues.
//
// # Model
//
// One Engine drives one program on a fixed set of targets, one per device
// index used by the program. Each target pairs a device.Queue with the
// memory.Manager that owns the queue's memory. The engine itself runs on the
// caller's goroutine and never blocks except where an instruction is flagged
// Blocking, at barriers flagged Blocking, and at END, which waits for every
// operation issued during the run.
//
// # Event slots
//
// Asynchronous instructions record their completion handle in the event slot
// named by the instruction. BARRIER instructions stall their device queue on
// the handle found in their wait slot. The slot table is reset at BEGIN.
//
// # Caching
//
// The engine tracks, per parameter, whether the host copy and each device
// copy are current. Cacheable transfers are skipped when their destination
// is current. A task that writes a parameter makes its device's copy the only
// current one; MarkHostWritten does the same for the host copy.
//
// # Errors
//
// Failures of device operations surface as *DeviceOperationError carrying
// the position of the failing instruction. Memory errors stay reachable with
// errors.As. A fatal memory error, such as an exhausted call stack, makes the
// engine refuse further runs.
package engine
