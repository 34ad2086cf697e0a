package common

import (
	"encoding/json"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the body of the runtime's own verbs, used for both requests and
// responses. Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Shard that produced a response
	Shard uint32 `json:"shard,omitempty"`

	// General fields
	Key   string `json:"key,omitempty"`   // Used for: Info (response, process name)
	Value []byte `json:"value,omitempty"` // Used for: Echo (request and response)

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Info (response, service endpoints)
}

// Error returns the error carried by a response, nil if there is none
func (m *Message) Error() error {
	if m.Err == "" {
		return nil
	}
	return errors.New(m.Err)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewEchoRequest creates a new Echo request
func NewEchoRequest(value []byte) *Message {
	return &Message{
		MsgType: MsgTEcho,
		Value:   value,
	}
}

// NewEchoResponse creates a new Echo response
func NewEchoResponse(shard int, value []byte) *Message {
	return &Message{
		MsgType: MsgTEcho,
		Shard:   uint32(shard),
		Value:   value,
		Ok:      true,
	}
}

// NewInfoRequest creates a new Info request
func NewInfoRequest() *Message {
	return &Message{MsgType: MsgTInfo}
}

// NewInfoResponse creates a new Info response. endpoints is the encoded list
// of service endpoints of the answering shard.
func NewInfoResponse(shard int, name string, endpoints []byte) *Message {
	return &Message{
		MsgType: MsgTInfo,
		Shard:   uint32(shard),
		Key:     name,
		Meta:    endpoints,
		Ok:      true,
	}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(shard int, err error) *Message {
	return &Message{
		MsgType: MsgTError,
		Shard:   uint32(shard),
		Err:     err.Error(),
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTEcho:
		return "echo"
	case MsgTInfo:
		return "info"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "echo":
		*t = MsgTEcho
	case "info":
		*t = MsgTInfo
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Runtime operations

	MsgTEcho // Return the value unchanged
	MsgTInfo // Describe the answering shard
)
