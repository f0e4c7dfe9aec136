// Package transport provides the byte-stream reassembly primitive for
// the runner protocol. A Stream wraps a network connection, splits the
// inbound byte stream into discrete frames at each end-of-message
// marker, and delivers every complete frame to a callback on its reader
// goroutine. Outbound sends are serialized so that a frame assembled
// from multiple writes is never interleaved with another sender's
// bytes.
//
// The Stream carries no protocol knowledge beyond the frame delimiter;
// command dispatch and handshake logic live in the engine and runner
// packages.
package transport
