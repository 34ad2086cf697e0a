// Package serializer encodes the bodies of the runtime's own verbs (echo, info).
// Frames carry opaque payloads; the echo applet and the standalone client agree
// on one of the implementations here to interpret them.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Compact binary format. A fixed header of message
//     type, presence flags and shard id is followed by the length prefixed
//     fields whose flag is set. This is the default.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging with tools that
//     capture raw frames.
//
//   - gobSerializerImpl: Go's gob encoding. Larger output than binary, kept for
//     peers that already speak it.
//
//   - New: selects an implementation by name (binary, json, gob), as used by the
//     --serializer flag.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.New("binary")
//	data, err := s.Serialize(*common.NewEchoRequest([]byte("ping")))
//	// ... send data ...
//	var resp common.Message
//	err = s.Deserialize(received, &resp)
package serializer
