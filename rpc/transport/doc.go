// Package transport defines the network abstractions every shard of the runtime
// works with. It provides a common contract all protocol factories fulfill, so
// the dispatcher can treat TCP and RDMA channels the same way.
//
// The package focuses on:
//   - Endpoints in URL form (tcp+drt://host:port, rdma+drt://host:port)
//   - The Protocol and Channel contracts implemented by the tcp, rdma and auto packages
//   - Per transport buffer allocation with low memory signalling
//
// Key Components:
//
//   - VirtualNetworkStack: Per shard facade over the host network. It opens TCP
//     listeners (optionally with SO_REUSEPORT so every shard binds the same
//     port), dials TCP connections and exposes the RDMA stack if one exists.
//
//   - BufferAllocator: Hands out fixed size segments for outbound payloads.
//     TCP segments fit into one ethernet frame, RDMA segments are 8KiB.
//
//   - BackpressureObserver: Callback receiving the number of bytes that must be
//     released when an allocator runs over its budget.
//
//   - RDMAStack: Interface of an RDMA implementation. NoRDMA is used on hosts
//     without RDMA hardware; the rdma package provides a soft stack over unix
//     domain sockets.
package transport
