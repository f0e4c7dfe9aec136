// Package runner implements the controller side of the runner protocol.
//
// An Engine listens on a loopback TCP port for exactly one inbound
// connection from a test execution engine, announces its identity as
// the first outbound frame, completes the INFO handshake, and then
// forwards the engine's asynchronous MSG notifications to a caller
// supplied handler while accepting FIND, RUN, CANCEL and QUIT commands
// from arbitrary goroutines.
//
// The port is returned by Start; the caller delivers it to the engine
// process out-of-band (typically as a command-line argument).
package runner
