package graph

import (
	"errors"
	"fmt"
)

// ErrGraphStructure is the kind shared by every malformed-graph error.
var ErrGraphStructure = errors.New("graph structure error")

// StructureError reports a graph that violates its invariants. The graph
// cannot be compiled until the node identified by NodeID is fixed.
type StructureError struct {
	NodeID NodeID
	Reason string
	// Phase names the stage that detected the problem. Empty means the
	// graph's own validation.
	Phase string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("%s: node %d: %s", e.Stage(), e.NodeID, e.Reason)
}

func (e *StructureError) Unwrap() error { return ErrGraphStructure }

// Stage returns the name of the component that rejected the graph.
func (e *StructureError) Stage() string {
	if e.Phase == "" {
		return "graph"
	}
	return e.Phase
}

func structureErrorf(id NodeID, format string, args ...any) *StructureError {
	return &StructureError{NodeID: id, Reason: fmt.Sprintf(format, args...)}
}
