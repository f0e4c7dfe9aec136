// Package execution implements the worker side of the runner protocol.
//
// An Engine dials the runner's loopback address, answers the runner's
// INFO frame with its own identity to complete the handshake, and then
// surfaces FIND, RUN, CANCEL and QUIT commands through caller supplied
// callbacks while allowing asynchronous MSG notifications to be sent
// back at any time.
//
// What the engine actually does with a FIND or RUN request is entirely
// the caller's business; this package only speaks the protocol.
package execution
