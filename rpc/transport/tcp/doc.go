// Package tcp implements the TCP protocol factory. One Protocol runs per shard
// and listens in one of three ways:
//
//   - Shared port: every shard binds 0.0.0.0:<port> with SO_REUSEPORT and the
//     kernel balances incoming connections between them.
//
//   - Per shard endpoints: a MultiAddressProvider assigns endpoint i to shard i.
//     Shards without an endpoint are outbound only.
//
//   - Outbound only: no listener, outbound connections use ephemeral ports.
//
// Connections are upgraded with TCP_NODELAY and keep-alive. Framing, channel
// reuse and the accept loop come from the base package.
package tcp
