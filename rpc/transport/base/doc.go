// Package base provides the protocol independent machinery of the TCP and RDMA
// protocols: the frame codec, the Channel type and ProtocolCore, which keeps
// track of open channels and runs the accept loop.
//
// Frame format (big endian):
//
//	magic(2) | message flags(1) | frame flags(1) | verb(2) | requestID(8) | length(4) | xxhash64(8) | payload
//
// Key Components:
//
//   - Channel: Wraps any reliable byte stream (TCP connection, RDMA queue pair)
//     and implements transport.Channel. Writes are serialized by a mutex and use
//     net.Buffers so header and payload segments go out in one call. When
//     checksums are enabled every frame carries the xxhash64 of its payload,
//     the receiver validates it whenever it is present.
//
//   - ProtocolCore: Channel cache keyed by remote endpoint, message and channel
//     observers and the accept loop. Outbound channels are reused per endpoint.
//
// Thread Safety:
//
//	All public methods are thread-safe. Every channel is read by one dedicated
//	goroutine which hands messages to the installed observer.
package base
