package engine

import (
	"time"

	"github.com/specialistvlad/accelgrid/internal/bytecode"
)

// Event describes one dispatched instruction.
type Event struct {
	Position    int
	Instruction bytecode.Instruction
	// Skipped is set for cacheable transfers whose destination was current.
	Skipped bool
	// Bytes is the payload size of a transfer.
	Bytes int
	// Duration is the time spent issuing the instruction, including any
	// blocking wait.
	Duration time.Duration
	Err      error
}

// Observer receives an Event for every instruction. Observe is called on the
// goroutine running the program and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
