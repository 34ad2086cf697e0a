// Package auto implements the auto-rdma protocol factory, a decorator around
// the RDMA protocol of the same shard. Every outbound connection attempt tries
// RDMA first and transparently falls back to TCP towards the same host when the
// RDMA setup fails (no RDMA hardware, peer unreachable over RDMA). The TCP port
// is the one the endpoint carries (auto-rdma+drt://host:port?tcp=N), otherwise
// its own port. The caller sees an error only when the TCP fallback fails as well.
//
// Channels created by the fallback report transport.ProtoTCP from Transport().
package auto
