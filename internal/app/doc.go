// Package app wires the pieces of accelgrid into one run: it loads a grid,
// builds and compiles its schedule, starts a simulated device per declared
// device, runs the program and prints the stream-out parameters. It is
// decoupled from the CLI so tests can drive it directly.
package app
