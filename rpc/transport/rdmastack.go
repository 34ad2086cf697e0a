package transport

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrRDMA wraps every failure of the RDMA stack. The auto protocol falls back to
	// TCP when a connect error matches it.
	ErrRDMA = errors.New("rdma")
	// ErrRDMAUnavailable is returned when the host has no RDMA stack
	ErrRDMAUnavailable = errors.New("rdma not available")
)

// RDMAConn is a reliable connection of an RDMA stack
type RDMAConn interface {
	io.ReadWriteCloser
	// RemoteEndpoint returns the peer's RDMA endpoint
	RemoteEndpoint() Endpoint
}

// RDMAListener accepts RDMA connections on one endpoint
type RDMAListener interface {
	Accept() (RDMAConn, error)
	Endpoint() Endpoint
	Close() error
}

// RDMAStack is an RDMA implementation the virtual network stack can expose
type RDMAStack interface {
	// Available reports whether the stack can be used at all
	Available() bool
	// Listen opens a listener for the given shard
	Listen(shardID int) (RDMAListener, error)
	// Dial connects to an RDMA endpoint
	Dial(ctx context.Context, ep Endpoint) (RDMAConn, error)
}

type noRDMA struct{}

// NoRDMA returns the stack used on hosts without RDMA hardware
func NoRDMA() RDMAStack {
	return noRDMA{}
}

func (noRDMA) Available() bool {
	return false
}

func (noRDMA) Listen(int) (RDMAListener, error) {
	return nil, ErrRDMAUnavailable
}

func (noRDMA) Dial(context.Context, Endpoint) (RDMAConn, error) {
	return nil, ErrRDMAUnavailable
}
