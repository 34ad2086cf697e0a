package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/ValentinKolb/dRT/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("tcp")

const defaultKeepAlive = 30 * time.Second

// Options select one of the three ways the protocol listens
type Options struct {
	// Port is shared by all shards via SO_REUSEPORT
	Port uint16
	// Provider assigns a distinct endpoint to every shard
	Provider AddressProvider
	// Checksum adds payload checksums to sent frames
	Checksum bool
}

// OptionsFromConfig derives the options from tcp_port / tcp_endpoints
func OptionsFromConfig(conf *common.AppConfig) (Options, error) {
	if err := conf.Validate(); err != nil {
		return Options{}, err
	}

	opts := Options{Port: conf.TCPPort, Checksum: conf.EnableTxChecksum}
	if len(conf.TCPEndpoints) > 0 {
		provider, err := NewMultiAddressProvider(conf.TCPEndpoints)
		if err != nil {
			return Options{}, err
		}
		opts.Provider = provider
	}
	return opts, nil
}

var _ transport.Protocol = (*Protocol)(nil)

// Protocol is the TCP protocol factory of one shard
type Protocol struct {
	*base.ProtocolCore

	vnet     *transport.VirtualNetworkStack
	opts     Options
	started  atomic.Bool
	listener *transport.Listener
	service  *transport.Endpoint
}

// NewProtocol creates the TCP protocol on top of a shard's network stack
func NewProtocol(vnet *transport.VirtualNetworkStack, opts Options) (*Protocol, error) {
	if opts.Port != 0 && opts.Provider != nil {
		return nil, common.ErrConflictingTCPOptions
	}
	return &Protocol{
		ProtocolCore: base.NewProtocolCore(transport.ProtoTCP, vnet.ShardID(), vnet.TCPAllocator(), opts.Checksum),
		vnet:         vnet,
		opts:         opts,
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.Protocol)
// --------------------------------------------------------------------------

func (p *Protocol) Start(_ context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		Logger.Warningf("shard %d: tcp protocol already started", p.ShardID())
		return nil
	}

	addr, reusePort, ok := p.listenAddress()
	if !ok {
		Logger.Infof("shard %d: tcp protocol started without listener (outbound only)", p.ShardID())
		return nil
	}

	ln, err := p.vnet.ListenTCP(addr, transport.ListenOptions{ReusePort: reusePort, FixedShard: -1})
	if err != nil {
		return err
	}
	p.listener = ln

	ep := transport.EndpointFromAddr(transport.ProtoTCP, ln.Addr())
	p.service = &ep

	p.Serve(p.accept, transport.ProtoTCP)
	Logger.Infof("shard %d: tcp protocol listening on %s", p.ShardID(), ep)
	return nil
}

func (p *Protocol) Stop(ctx context.Context) error {
	var ln io.Closer
	if p.listener != nil {
		ln = p.listener
	}
	p.Shutdown(ctx, ln)
	Logger.Infof("shard %d: tcp protocol stopped", p.ShardID())
	return nil
}

func (p *Protocol) ServiceEndpoint() *transport.Endpoint {
	return p.service
}

func (p *Protocol) Connect(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	if ep.Protocol != transport.ProtoTCP {
		return nil, fmt.Errorf("tcp: %w %q", transport.ErrUnsupportedProtocol, ep.Protocol)
	}
	ch, err := p.Dial(ctx, ep, transport.ProtoTCP, func(ctx context.Context) (io.ReadWriteCloser, error) {
		return DialUpgraded(ctx, p.vnet, ep.Address())
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// listenAddress returns host:port to listen on and whether the port is shared
func (p *Protocol) listenAddress() (string, bool, bool) {
	switch {
	case p.opts.Port != 0:
		return net.JoinHostPort("0.0.0.0", strconv.Itoa(int(p.opts.Port))), true, true
	case p.opts.Provider != nil:
		ep, ok := p.opts.Provider.Endpoint(p.ShardID())
		if !ok {
			return "", false, false
		}
		return ep.Address(), false, true
	default:
		return "", false, false
	}
}

func (p *Protocol) accept() (io.ReadWriteCloser, transport.Endpoint, error) {
	conn, err := p.listener.Accept()
	if err != nil {
		return nil, transport.Endpoint{}, err
	}
	if err := UpgradeConnection(conn); err != nil {
		Logger.Warningf("shard %d: failed to upgrade connection from %s: %v", p.ShardID(), conn.RemoteAddr(), err)
	}
	return conn, transport.EndpointFromAddr(transport.ProtoTCP, conn.RemoteAddr()), nil
}

// DialUpgraded connects through the network stack and applies UpgradeConnection
func DialUpgraded(ctx context.Context, vnet *transport.VirtualNetworkStack, address string) (net.Conn, error) {
	conn, err := vnet.ConnectTCP(ctx, address, "")
	if err != nil {
		return nil, err
	}
	if err := UpgradeConnection(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", address, err)
	}
	return conn, nil
}

// UpgradeConnection disables Nagle's algorithm and enables keep-alive on TCP connections
func UpgradeConnection(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(defaultKeepAlive)
}
