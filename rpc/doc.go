// Package rpc provides the communication layer of the runtime. Every shard owns
// its own protocols and dispatcher, so messages are handled on the shard that
// received them without cross-core locking.
//
// The package is organized into several subpackages:
//
//   - common: Configuration, logging setup and the Message bodies of the
//     runtime's own verbs.
//
//   - transport: The per-shard virtual network stack, buffer allocators,
//     endpoints and the Protocol/Channel contracts, with the tcp, rdma and
//     auto (RDMA with TCP fallback) implementations built on base.
//
//   - dispatcher: Routes inbound messages to verb observers and correlates
//     requests with their responses.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB).
//
//   - client: A standalone client speaking the TCP framing without running shards.
package rpc
