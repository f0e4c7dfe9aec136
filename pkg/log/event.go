package log

import "time"

// Event is one protocol diagnostic occurrence.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Role indicates which side of the protocol emitted the event.
	Role Role `cbor:"3,keyasint"`

	// Direction indicates frame/command flow, where applicable.
	Direction Direction `cbor:"4,keyasint,omitempty"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the peer address (IP:port), once known.
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // raw frame on the wire
	Command     *CommandEvent     `cbor:"11,keyasint,omitempty"` // dispatched or sent command
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // connection state transition
	Error       *ErrorEvent       `cbor:"13,keyasint,omitempty"` // tolerated error
}

// Role indicates which side of the protocol emitted an event.
type Role uint8

const (
	// RoleRunner is the controlling process that drives the run.
	RoleRunner Role = 0
	// RoleEngine is the worker process that executes tests.
	RoleEngine Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleRunner:
		return "RUNNER"
	case RoleEngine:
		return "ENGINE"
	default:
		return "UNKNOWN"
	}
}

// Direction indicates the direction of frame or command flow.
type Direction uint8

const (
	// DirectionIn indicates an inbound frame or command.
	DirectionIn Direction = 0
	// DirectionOut indicates an outbound frame or command.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame indicates a raw frame crossing the wire.
	CategoryFrame Category = 0
	// CategoryCommand indicates a protocol command sent or dispatched.
	CategoryCommand Category = 1
	// CategoryState indicates a connection state transition.
	CategoryState Category = 2
	// CategoryError indicates a tolerated error.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryCommand:
		return "COMMAND"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw frame at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes including the end-of-message marker.
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// CommandEvent captures a protocol command as it is sent or dispatched.
type CommandEvent struct {
	// Tag is the command tag (INFO, MSG, FIND, RUN, CANCEL, QUIT).
	Tag string `cbor:"1,keyasint"`

	// OperationID correlates the command with its asynchronous
	// responses; empty for commands that carry none.
	OperationID string `cbor:"2,keyasint,omitempty"`
}

// StateChangeEvent captures a connection state transition.
type StateChangeEvent struct {
	// OldState is the previous state.
	OldState string `cbor:"1,keyasint"`

	// NewState is the committed state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEvent captures a tolerated error at any layer.
type ErrorEvent struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Context describes what was being done when the error occurred.
	Context string `cbor:"2,keyasint,omitempty"`
}
