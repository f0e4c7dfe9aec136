package wire

import "bytes"

// Protocol markers.
const (
	// Separator divides a command tag from its payload. Inside a MSG
	// payload it also divides the operation identifier from the JSON
	// body. It is reserved: command tags and operation identifiers must
	// not contain it.
	Separator byte = 0x1f

	// EndOfMessage terminates a complete frame on the wire.
	EndOfMessage byte = 0x00
)

// Command tags. The runner sends INFO, FIND, RUN, CANCEL and QUIT; the
// execution engine sends INFO and MSG.
var (
	CommandInfo   = []byte("INFO")
	CommandMsg    = []byte("MSG")
	CommandFind   = []byte("FIND")
	CommandRun    = []byte("RUN")
	CommandCancel = []byte("CANCEL")
	CommandQuit   = []byte("QUIT")
)

// ProtocolVersion10 is the only protocol version currently recognized.
const ProtocolVersion10 = "1.0"

// DefaultProtocolVersion is assumed for a peer whose INFO payload omits
// the version field. It is the lowest supported version.
const DefaultProtocolVersion = ProtocolVersion10

// BroadcastID is the operation identifier attached to messages that do
// not answer any particular FIND or RUN request, such as errors raised
// by the transport itself.
const BroadcastID = "::broadcast"

// Split divides data at the first separator byte. When no separator is
// present, head is the whole input and hasTail is false. Applied to a
// frame it yields the command tag and payload; applied to a MSG payload
// it yields the operation identifier and the JSON body.
func Split(data []byte) (head, tail []byte, hasTail bool) {
	if i := bytes.IndexByte(data, Separator); i >= 0 {
		return data[:i], data[i+1:], true
	}
	return data, nil, false
}

// Frame assembles a complete frame for the given command tag. A nil
// payload produces a bare command frame with no separator.
func Frame(tag, payload []byte) []byte {
	size := len(tag) + 1
	if payload != nil {
		size += 1 + len(payload)
	}
	frame := make([]byte, 0, size)
	frame = append(frame, tag...)
	if payload != nil {
		frame = append(frame, Separator)
		frame = append(frame, payload...)
	}
	return append(frame, EndOfMessage)
}

// MessagePayload assembles the payload portion of a MSG frame from an
// operation identifier and a JSON-encoded message body.
func MessagePayload(operationID string, body []byte) []byte {
	payload := make([]byte, 0, len(operationID)+1+len(body))
	payload = append(payload, operationID...)
	payload = append(payload, Separator)
	return append(payload, body...)
}
