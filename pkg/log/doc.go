// Package log provides structured diagnostics for the runner protocol.
//
// Every observable protocol occurrence (a frame crossing the wire, a
// command dispatched, a state transition, a tolerated error) is
// captured as an Event and handed to a Logger. Protocol violations and
// I/O failures flow through this package instead of terminating the
// connection.
//
// Loggers can be composed: SlogAdapter for console output during
// development, FileLogger for a CBOR-encoded capture file that Reader
// replays later, MultiLogger to fan out to both.
package log
