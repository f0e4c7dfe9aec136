package wire

import (
	"encoding/json"
	"fmt"
)

// Message is a decoded application-level notification carried by a MSG
// frame. The protocol core treats its contents as opaque; only the
// conventional "type" field is given an accessor.
type Message map[string]any

// Type returns the message's "type" field, or the empty string when the
// field is absent or not a string.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// DecodeMessage decodes the JSON body of a MSG payload.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, nil
}

// EncodeMessage encodes a message as the JSON body of a MSG payload.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// ErrorMessage builds the broadcast error notification a runner
// synthesizes when the transport terminates abnormally. It is delivered
// through the same dispatcher as ordinary engine messages, under
// BroadcastID.
func ErrorMessage(err error) Message {
	return Message{
		"type":    "error",
		"message": err.Error(),
	}
}
