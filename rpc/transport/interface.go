package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedProtocol is returned when an endpoint does not match the protocol it is used with
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// Verb selects the handler of a message on the receiving side
type Verb uint16

// MessageFlags describe how a message relates to others
type MessageFlags uint8

const (
	// FlagRequest marks a message whose sender waits for a response
	FlagRequest MessageFlags = 1 << iota
	// FlagResponse marks the response to a request with the same request id
	FlagResponse
)

// Message is one inbound frame as delivered to the dispatcher
type Message struct {
	Verb      Verb
	RequestID uint64
	Flags     MessageFlags
	Payload   []byte
	// Channel the message arrived on, used to reply
	Channel Channel
	// Protocol that received the message
	Protocol string
}

// IsResponse reports whether the message answers an earlier request
func (m *Message) IsResponse() bool {
	return m.Flags&FlagResponse != 0
}

// ExpectsResponse reports whether the sender waits for a reply
func (m *Message) ExpectsResponse() bool {
	return m.Flags&FlagRequest != 0
}

// MessageObserver receives every inbound message of a protocol
type MessageObserver func(msg *Message)

// --------------------------------------------------------------------------
// Channels
// --------------------------------------------------------------------------

// Channel is an established connection to one remote endpoint. The same type
// is presented for every transport.
type Channel interface {
	// Endpoint returns the remote endpoint
	Endpoint() Endpoint
	// Transport returns the protocol of the underlying connection, e.g. ProtoTCP
	// for a connection the auto protocol fell back to
	Transport() string
	// Send writes one frame. The payload is released after it was written.
	Send(verb Verb, requestID uint64, flags MessageFlags, payload *Payload) error
	// Close closes the connection
	Close() error
}

// ChannelObserver is told about channels being opened and closed
type ChannelObserver interface {
	ChannelOpened(protocol string, ch Channel)
	ChannelClosed(protocol string, ch Channel, err error)
}

// --------------------------------------------------------------------------
// Protocol factories
// --------------------------------------------------------------------------

// Protocol produces and accepts channels over one transport. One instance runs
// per shard. Start must be called once before the protocol is registered with
// a dispatcher; Stop always succeeds and only logs failures.
type Protocol interface {
	// Name returns the protocol name (ProtoTCP, ProtoRDMA or ProtoAutoRDMA)
	Name() string
	// Start begins accepting and making connections
	Start(ctx context.Context) error
	// Stop releases all listeners and channels
	Stop(ctx context.Context) error
	// ServiceEndpoint returns the endpoint peers can reach this shard at, nil if not listening
	ServiceEndpoint() *Endpoint
	// Connect returns a channel to the endpoint, reusing an open one
	Connect(ctx context.Context, ep Endpoint) (Channel, error)
	// NewPayload returns an empty payload backed by the protocol's allocator
	NewPayload() *Payload
	// SetMessageObserver installs the receiver of inbound messages
	SetMessageObserver(observer MessageObserver)
	// SetChannelObserver installs the receiver of channel events
	SetChannelObserver(observer ChannelObserver)
}
