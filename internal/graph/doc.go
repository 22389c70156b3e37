// Package graph is the intermediate model of a task schedule: a dependency DAG
// of tasks, parameters and the data-movement operations that place parameters
// on devices and bring results back to the host.
//
// # Storage
//
// A Graph is an arena. Nodes are addressed by dense integer identities equal
// to their storage slot, and a parallel validity bit-set records which slots
// are live:
//
//	slot:   0      1     2        3       4        5
//	node:  Begin  End  Param(0)  Task(0) CopyIn   WriteHost
//	valid:  1      1     1        1       1        1
//
// Deleting a node clears its bit and negates its identity. Slots are never
// reused while the graph lives, so identities stay stable for diagnostics.
// When the arena is full it doubles.
//
// # Deduplication
//
// AddUnique inserts a node only if no structurally equal valid node exists.
// Equality is defined per variant by Compare, a total order over the node's
// semantic fields. Two ParameterNodes for index 3 are the same node; two
// CopyIns of parameter 3 onto device 0 are the same copy.
//
// # Traversal
//
// TopologicalOrder validates the graph and returns the nodes in dependency
// order: Begin first, End last, and every producer before its consumers.
// Independent nodes are ordered by ascending identity, which is construction
// order, so the output is deterministic. Walk dispatches that order to a
// Visitor with one method per node variant.
//
// # Lifecycle
//
//  1. Created once per schedule compilation by the schedule builder.
//  2. Populated with tasks, parameters and device operations.
//  3. Consumed once by the assembler, which seals it.
//  4. Discarded; the compiled instruction stream is what gets replayed.
//
// A Graph is not safe for concurrent mutation.
package graph
