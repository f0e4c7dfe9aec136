// Package engine implements the connection machinery shared by both
// sides of the runner protocol: the per-connection state machine, the
// ordered first-match command dispatch table, and the reverse-order
// teardown stack.
//
// The runner and execution packages build their roles on Base. Protocol
// violations observed during dispatch are diagnostics, never fatal;
// only contract violations (disposing twice, acting in the wrong state)
// surface as errors to the caller.
package engine
