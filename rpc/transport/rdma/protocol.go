package rdma

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/ValentinKolb/dRT/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rdma")

var _ transport.Protocol = (*Protocol)(nil)

// Protocol is the RDMA protocol factory of one shard. Without an RDMA stack it
// starts disabled and every Connect fails with transport.ErrRDMAUnavailable.
type Protocol struct {
	*base.ProtocolCore

	vnet     *transport.VirtualNetworkStack
	started  atomic.Bool
	enabled  atomic.Bool
	listener transport.RDMAListener
	service  *transport.Endpoint
}

// NewProtocol creates the RDMA protocol on top of a shard's network stack
func NewProtocol(vnet *transport.VirtualNetworkStack, checksum bool) *Protocol {
	return &Protocol{
		ProtocolCore: base.NewProtocolCore(transport.ProtoRDMA, vnet.ShardID(), vnet.RDMAAllocator(), checksum),
		vnet:         vnet,
	}
}

// Enabled reports whether the protocol found an RDMA stack at Start
func (p *Protocol) Enabled() bool {
	return p.enabled.Load()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.Protocol)
// --------------------------------------------------------------------------

func (p *Protocol) Start(_ context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		Logger.Warningf("shard %d: rdma protocol already started", p.ShardID())
		return nil
	}

	if !p.vnet.RDMAAvailable() {
		Logger.Infof("shard %d: no rdma stack available, rdma protocol disabled", p.ShardID())
		return nil
	}

	ln, err := p.vnet.ListenRDMA()
	if err != nil {
		return err
	}
	p.listener = ln
	ep := ln.Endpoint()
	p.service = &ep
	p.enabled.Store(true)

	p.Serve(p.accept, transport.ProtoRDMA)
	Logger.Infof("shard %d: rdma protocol listening on %s", p.ShardID(), ep)
	return nil
}

func (p *Protocol) Stop(ctx context.Context) error {
	var ln io.Closer
	if p.listener != nil {
		ln = p.listener
	}
	p.Shutdown(ctx, ln)
	Logger.Infof("shard %d: rdma protocol stopped", p.ShardID())
	return nil
}

func (p *Protocol) ServiceEndpoint() *transport.Endpoint {
	return p.service
}

// Connect opens an RDMA channel. Every failure matches transport.ErrRDMA.
func (p *Protocol) Connect(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	if ep.Protocol != transport.ProtoRDMA {
		return nil, fmt.Errorf("%w: %w %q", transport.ErrRDMA, transport.ErrUnsupportedProtocol, ep.Protocol)
	}
	if !p.Enabled() {
		return nil, fmt.Errorf("%w: %w", transport.ErrRDMA, transport.ErrRDMAUnavailable)
	}

	ch, err := p.Dial(ctx, ep, transport.ProtoRDMA, func(ctx context.Context) (io.ReadWriteCloser, error) {
		return p.vnet.ConnectRDMA(ctx, ep)
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (p *Protocol) accept() (io.ReadWriteCloser, transport.Endpoint, error) {
	conn, err := p.listener.Accept()
	if err != nil {
		return nil, transport.Endpoint{}, err
	}
	return conn, conn.RemoteEndpoint(), nil
}
