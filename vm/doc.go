// Package vm implements the procvm virtual machine.
//
// This package contains:
//   - Register file, execution stack and call stack of a Process
//   - Operand resolution against registers and the memory arena
//   - The dispatch loop shared by Interpreter and Scheduler
//   - A cooperative Scheduler with spawn/switch semantics
//   - Typed faults and CBOR snapshots of scheduler state
//
// Execution is single threaded. An Interpreter or Scheduler must not be
// used from more than one goroutine at a time.
package vm
