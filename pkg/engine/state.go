package engine

// State represents the lifecycle position of a protocol connection.
// State only advances forward, with one exception: Dispose moves any
// state directly to StateDisconnecting.
type State uint8

const (
	// StateUnknown is the zero value before construction completes.
	StateUnknown State = iota

	// StateInitialized indicates the engine is constructed but not started.
	StateInitialized

	// StateListening indicates the listener is bound and awaiting the peer.
	StateListening

	// StateNegotiating indicates a peer connected and the INFO exchange
	// is in flight.
	StateNegotiating

	// StateConnected indicates the handshake completed.
	StateConnected

	// StateDisconnecting indicates teardown is in progress.
	StateDisconnecting

	// StateDisconnected indicates teardown completed.
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateInitialized:
		return "INITIALIZED"
	case StateListening:
		return "LISTENING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "INVALID"
	}
}
