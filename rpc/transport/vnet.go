package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// BackpressureObserver is notified when a transport needs buffer space released.
// requiredReleaseBytes is the amount the allocator is over its budget.
type BackpressureObserver func(requiredReleaseBytes int)

// ListenOptions configure ListenTCP
type ListenOptions struct {
	// ReusePort shares the port between all shards; the kernel balances accepts
	ReusePort bool
	// FixedShard pins accepted connections to one shard, -1 for the calling shard
	FixedShard int
}

// Listener is a TCP listener owned by one shard
type Listener struct {
	net.Listener
	// Shard that serves the accepted connections
	Shard int
}

// VNetConfig configures a VirtualNetworkStack
type VNetConfig struct {
	ShardID int
	// RDMA stack of the host, nil means NoRDMA
	RDMA RDMAStack
	// Outstanding byte budgets of the allocators, 0 is unlimited
	TCPMemoryLimit  int64
	RDMAMemoryLimit int64
}

// --------------------------------------------------------------------------
// Virtual network stack
// --------------------------------------------------------------------------

// VirtualNetworkStack is the per shard facade over the TCP and RDMA transports
type VirtualNetworkStack struct {
	shardID int
	rdma    RDMAStack

	tcpAlloc  *BufferAllocator
	rdmaAlloc *BufferAllocator

	lowTCP  atomic.Pointer[BackpressureObserver]
	lowRDMA atomic.Pointer[BackpressureObserver]

	started atomic.Bool

	mu        sync.Mutex
	resources []io.Closer
	stopped   bool
}

// NewVirtualNetworkStack creates the stack of one shard. Both backpressure
// observers start out as the default logging observer.
func NewVirtualNetworkStack(conf VNetConfig) *VirtualNetworkStack {
	rdma := conf.RDMA
	if rdma == nil {
		rdma = NoRDMA()
	}

	v := &VirtualNetworkStack{
		shardID: conf.ShardID,
		rdma:    rdma,
	}
	v.tcpAlloc = NewBufferAllocator(TCPSegmentSize, conf.TCPMemoryLimit, v.NotifyLowTCPMemory)
	v.rdmaAlloc = NewBufferAllocator(RDMASegmentSize, conf.RDMAMemoryLimit, v.NotifyLowRDMAMemory)

	v.RegisterLowTCPMemoryObserver(nil)
	v.RegisterLowRDMAMemoryObserver(nil)

	return v
}

// ShardID returns the shard owning this stack
func (v *VirtualNetworkStack) ShardID() int {
	return v.shardID
}

// Start marks the stack ready. Calling it again only logs.
func (v *VirtualNetworkStack) Start() {
	if !v.started.CompareAndSwap(false, true) {
		Logger.Debugf("shard %d: network stack already started", v.shardID)
		return
	}
	Logger.Infof("shard %d: network stack started (rdma available: %t)", v.shardID, v.rdma.Available())
}

// Stop closes every listener opened through the stack. It always succeeds and
// may be called without Start.
func (v *VirtualNetworkStack) Stop(_ context.Context) error {
	v.mu.Lock()
	resources := v.resources
	v.resources = nil
	v.stopped = true
	v.mu.Unlock()

	for _, r := range resources {
		if err := r.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			Logger.Warningf("shard %d: failed to close network resource: %v", v.shardID, err)
		}
	}
	v.started.Store(false)
	Logger.Infof("shard %d: network stack stopped", v.shardID)
	return nil
}

func (v *VirtualNetworkStack) track(c io.Closer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return fmt.Errorf("shard %d: network stack is stopped", v.shardID)
	}
	v.resources = append(v.resources, c)
	return nil
}

// --------------------------------------------------------------------------
// TCP
// --------------------------------------------------------------------------

// ListenTCP binds a TCP listener at addr (host:port). The call does not block.
func (v *VirtualNetworkStack) ListenTCP(addr string, opts ListenOptions) (*Listener, error) {
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	if opts.ReusePort {
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("shard %d: failed to listen on %s: %w", v.shardID, addr, err)
	}

	owner := v.shardID
	if opts.FixedShard >= 0 {
		owner = opts.FixedShard
	}
	l := &Listener{Listener: ln, Shard: owner}
	if err := v.track(l); err != nil {
		_ = ln.Close()
		return nil, err
	}

	Logger.Debugf("shard %d: listening on tcp %s (reuseport: %t)", v.shardID, ln.Addr(), opts.ReusePort)
	return l, nil
}

// ConnectTCP dials remote (host:port), optionally from a local address
func (v *VirtualNetworkStack) ConnectTCP(ctx context.Context, remote string, local string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	if local != "" {
		addr, err := net.ResolveTCPAddr("tcp", local)
		if err != nil {
			return nil, fmt.Errorf("invalid local address %q: %w", local, err)
		}
		d.LocalAddr = addr
	}

	conn, err := d.DialContext(ctx, "tcp", remote)
	if err != nil {
		metrics.GetOrCreateCounter(fmt.Sprintf(`transport_connect_failures_total{transport="tcp",shard="%d"}`, v.shardID)).Inc()
		return nil, err
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`transport_connects_total{transport="tcp",shard="%d"}`, v.shardID)).Inc()
	return conn, nil
}

// TCPAllocator returns the allocator for TCP payloads
func (v *VirtualNetworkStack) TCPAllocator() *BufferAllocator {
	return v.tcpAlloc
}

// --------------------------------------------------------------------------
// RDMA
// --------------------------------------------------------------------------

// RDMAAvailable reports whether the shard can use RDMA
func (v *VirtualNetworkStack) RDMAAvailable() bool {
	return v.rdma.Available()
}

// ListenRDMA opens this shard's RDMA listener. Errors match ErrRDMA.
func (v *VirtualNetworkStack) ListenRDMA() (RDMAListener, error) {
	ln, err := v.rdma.Listen(v.shardID)
	if err != nil {
		return nil, fmt.Errorf("%w: shard %d: listen failed: %w", ErrRDMA, v.shardID, err)
	}
	if err := v.track(ln); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: %w", ErrRDMA, err)
	}
	Logger.Debugf("shard %d: listening on %s", v.shardID, ln.Endpoint())
	return ln, nil
}

// ConnectRDMA connects to an RDMA endpoint. Errors match ErrRDMA, so callers can
// tell them apart from TCP failures.
func (v *VirtualNetworkStack) ConnectRDMA(ctx context.Context, ep Endpoint) (RDMAConn, error) {
	conn, err := v.rdma.Dial(ctx, ep)
	if err != nil {
		metrics.GetOrCreateCounter(fmt.Sprintf(`transport_connect_failures_total{transport="rdma",shard="%d"}`, v.shardID)).Inc()
		return nil, fmt.Errorf("%w: connect to %s failed: %w", ErrRDMA, ep, err)
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`transport_connects_total{transport="rdma",shard="%d"}`, v.shardID)).Inc()
	return conn, nil
}

// RDMAAllocator returns the allocator for RDMA payloads
func (v *VirtualNetworkStack) RDMAAllocator() *BufferAllocator {
	return v.rdmaAlloc
}

// --------------------------------------------------------------------------
// Backpressure
// --------------------------------------------------------------------------

// RegisterLowTCPMemoryObserver replaces the TCP observer. nil installs the default.
func (v *VirtualNetworkStack) RegisterLowTCPMemoryObserver(observer BackpressureObserver) {
	if observer == nil {
		observer = v.defaultObserver("tcp")
	}
	v.lowTCP.Store(&observer)
}

// RegisterLowRDMAMemoryObserver replaces the RDMA observer. nil installs the default.
func (v *VirtualNetworkStack) RegisterLowRDMAMemoryObserver(observer BackpressureObserver) {
	if observer == nil {
		observer = v.defaultObserver("rdma")
	}
	v.lowRDMA.Store(&observer)
}

// NotifyLowTCPMemory delivers a low memory signal to the TCP observer
func (v *VirtualNetworkStack) NotifyLowTCPMemory(requiredReleaseBytes int) {
	(*v.lowTCP.Load())(requiredReleaseBytes)
}

// NotifyLowRDMAMemory delivers a low memory signal to the RDMA observer
func (v *VirtualNetworkStack) NotifyLowRDMAMemory(requiredReleaseBytes int) {
	(*v.lowRDMA.Load())(requiredReleaseBytes)
}

// LowMemoryEvents returns the counter the default observer of a transport
// ("tcp" or "rdma") increments on this shard
func LowMemoryEvents(transport string, shardID int) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`transport_low_memory_events_total{transport=%q,shard="%d"}`, transport, shardID))
}

func (v *VirtualNetworkStack) defaultObserver(transport string) BackpressureObserver {
	events := LowMemoryEvents(transport, v.shardID)
	shardID := v.shardID
	return func(requiredReleaseBytes int) {
		events.Inc()
		Logger.Warningf("shard %d: %s transport is low on memory, %d bytes need to be released but no observer is registered",
			shardID, transport, requiredReleaseBytes)
	}
}
