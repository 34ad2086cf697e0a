// Package rdma implements the RDMA protocol factory and SoftStack, an RDMA
// emulation over unix domain sockets for hosts without RDMA hardware.
//
// The protocol uses the RDMA allocator of the network stack (8KiB segments) and
// the channel machinery of the base package. When the network stack has no RDMA
// stack the protocol starts disabled instead of failing, so the auto protocol
// can fall back to TCP.
package rdma
