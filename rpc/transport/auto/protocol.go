package auto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/ValentinKolb/dRT/rpc/transport/base"
	"github.com/ValentinKolb/dRT/rpc/transport/rdma"
	"github.com/ValentinKolb/dRT/rpc/transport/tcp"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("auto-rdma")

var _ transport.Protocol = (*Protocol)(nil)

// Protocol prefers RDMA and falls back to TCP when RDMA connection setup fails.
// It owns no listener: inbound connections arrive through the TCP and RDMA
// protocols, which present the same channel type.
type Protocol struct {
	// core holds the TCP channels created by fallbacks
	*base.ProtocolCore

	vnet      *transport.VirtualNetworkStack
	rdma      *rdma.Protocol
	tcp       *tcp.Protocol
	started   atomic.Bool
	fallbacks *metrics.Counter
}

// NewProtocol decorates an already constructed RDMA protocol of the same shard.
// tcpProto (may be nil) is the shard's TCP protocol; its listening port is
// advertised for the fallback of peers.
func NewProtocol(vnet *transport.VirtualNetworkStack, rdmaProto *rdma.Protocol, tcpProto *tcp.Protocol, checksum bool) *Protocol {
	return &Protocol{
		ProtocolCore: base.NewProtocolCore(transport.ProtoAutoRDMA, vnet.ShardID(), vnet.TCPAllocator(), checksum),
		vnet:         vnet,
		rdma:         rdmaProto,
		tcp:          tcpProto,
		fallbacks:    metrics.GetOrCreateCounter(fmt.Sprintf(`transport_rdma_fallbacks_total{shard="%d"}`, vnet.ShardID())),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.Protocol)
// --------------------------------------------------------------------------

func (p *Protocol) Start(_ context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		Logger.Warningf("shard %d: auto-rdma protocol already started", p.ShardID())
		return nil
	}
	if !p.rdma.Enabled() {
		Logger.Infof("shard %d: auto-rdma protocol started, rdma disabled so every connection uses tcp", p.ShardID())
		return nil
	}
	Logger.Infof("shard %d: auto-rdma protocol started", p.ShardID())
	return nil
}

func (p *Protocol) Stop(ctx context.Context) error {
	p.Shutdown(ctx, nil)
	Logger.Infof("shard %d: auto-rdma protocol stopped", p.ShardID())
	return nil
}

// ServiceEndpoint returns the RDMA endpoint relabelled as auto-rdma, nil without
// RDMA. When the shard listens on TCP the endpoint carries that port.
func (p *Protocol) ServiceEndpoint() *transport.Endpoint {
	ep := p.rdma.ServiceEndpoint()
	if ep == nil {
		return nil
	}
	auto := ep.WithProtocol(transport.ProtoAutoRDMA)
	if p.tcp != nil {
		if tcpEp := p.tcp.ServiceEndpoint(); tcpEp != nil && tcpEp.Port != auto.Port {
			auto.TCPPort = tcpEp.Port
		}
	}
	return &auto
}

// Connect tries RDMA first. If RDMA setup fails the endpoint's fallback port
// (its own port unless it carries one) is dialed over TCP on the same host;
// only a TCP failure is returned to the caller.
func (p *Protocol) Connect(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	switch ep.Protocol {
	case transport.ProtoAutoRDMA, transport.ProtoRDMA:
	default:
		return nil, fmt.Errorf("auto-rdma: %w %q", transport.ErrUnsupportedProtocol, ep.Protocol)
	}

	ch, err := p.rdma.Connect(ctx, ep.WithProtocol(transport.ProtoRDMA))
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, transport.ErrRDMA) {
		return nil, err
	}

	p.fallbacks.Inc()
	Logger.Debugf("shard %d: rdma connect to %s failed, falling back to tcp: %v", p.ShardID(), ep, err)

	tcpEp := ep.FallbackEndpoint()
	fallback, err := p.Dial(ctx, tcpEp, transport.ProtoTCP, func(ctx context.Context) (io.ReadWriteCloser, error) {
		return tcp.DialUpgraded(ctx, p.vnet, tcpEp.Address())
	})
	if err != nil {
		return nil, fmt.Errorf("auto-rdma: tcp fallback to %s failed: %w", tcpEp, err)
	}
	return fallback, nil
}
