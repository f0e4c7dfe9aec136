package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EngineInfo validation errors.
var (
	// ErrEmptyProtocolVersion indicates an empty protocol version field.
	ErrEmptyProtocolVersion = errors.New("protocol version must not be empty")

	// ErrEmptyAssemblyID indicates an empty test assembly unique ID field.
	ErrEmptyAssemblyID = errors.New("test assembly unique ID must not be empty")

	// ErrEmptyDisplayName indicates an empty framework display name field.
	ErrEmptyDisplayName = errors.New("test framework display name must not be empty")
)

// EngineInfo is the identity and protocol version a peer announces in
// its INFO handshake frame. Once the handshake completes the record is
// immutable.
type EngineInfo struct {
	// ProtocolVersion is the wire protocol version the peer speaks.
	ProtocolVersion string `json:"protocolVersion"`

	// TestAssemblyUniqueID identifies the test assembly under execution.
	TestAssemblyUniqueID string `json:"testAssemblyUniqueID"`

	// TestFrameworkDisplayName is the human-readable framework name.
	TestFrameworkDisplayName string `json:"testFrameworkDisplayName"`
}

// NewEngineInfo builds a validated EngineInfo. Every field is required;
// an empty value fails immediately rather than surfacing later in the
// handshake.
func NewEngineInfo(version, assemblyID, displayName string) (EngineInfo, error) {
	info := EngineInfo{
		ProtocolVersion:          version,
		TestAssemblyUniqueID:     assemblyID,
		TestFrameworkDisplayName: displayName,
	}
	if err := info.Validate(); err != nil {
		return EngineInfo{}, err
	}
	return info, nil
}

// Validate reports whether all required fields are present.
func (i EngineInfo) Validate() error {
	if i.ProtocolVersion == "" {
		return ErrEmptyProtocolVersion
	}
	if i.TestAssemblyUniqueID == "" {
		return ErrEmptyAssemblyID
	}
	if i.TestFrameworkDisplayName == "" {
		return ErrEmptyDisplayName
	}
	return nil
}

// EncodeEngineInfo encodes the record as the JSON payload of an INFO
// frame.
func EncodeEngineInfo(info EngineInfo) ([]byte, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine info: %w", err)
	}
	return json.Marshal(info)
}

// DecodeEngineInfo decodes the JSON payload of an INFO frame. Unknown
// fields are ignored. A missing protocol version defaults to the lowest
// supported version; other missing fields are not an error here, they
// surface as an invalid-state error on first access after the
// handshake.
func DecodeEngineInfo(data []byte) (EngineInfo, error) {
	var info EngineInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return EngineInfo{}, fmt.Errorf("failed to decode engine info: %w", err)
	}
	if info.ProtocolVersion == "" {
		info.ProtocolVersion = DefaultProtocolVersion
	}
	return info, nil
}
