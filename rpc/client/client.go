package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/ValentinKolb/dRT/rpc/serializer"
	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/ValentinKolb/dRT/rpc/transport/base"
	"github.com/ValentinKolb/dRT/rpc/transport/tcp"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("client")

var (
	// ErrNoConnection is returned when no endpoint could be reached
	ErrNoConnection = errors.New("no active connections available")
	// ErrClientClosed is returned after Close
	ErrClientClosed = errors.New("client closed")
)

// Config of a standalone client
type Config struct {
	// Endpoints to connect to (tcp+drt://host:port, host:port or a bare port)
	Endpoints []string
	// Timeout of one attempt, 0 waits until the context is done
	Timeout time.Duration
	// RetryCount is the number of attempts per request (at least one)
	RetryCount int
	// ConnectionsPerEndpoint opened by Connect (at least one)
	ConnectionsPerEndpoint int
	// Checksum adds a payload checksum to every sent frame
	Checksum bool
	// Serializer of request and response bodies (binary, json or gob)
	Serializer string
}

// connection is one framed TCP connection, redialled when it failed
type connection struct {
	ep transport.Endpoint
	mu sync.Mutex
	ch *base.Channel
}

// Client sends requests to a runtime without running one itself. Requests
// are spread round robin over all connections.
type Client struct {
	conf       Config
	endpoints  []transport.Endpoint
	serializer serializer.IRPCSerializer
	alloc      *transport.BufferAllocator

	connectionsMu sync.RWMutex
	connections   []*connection
	nextConn      atomic.Uint64
	nextRequestID atomic.Uint64
	pending       *xsync.MapOf[uint64, chan *transport.Message]
	closed        atomic.Bool
}

// New validates conf. No connection is opened before Connect.
func New(conf Config) (*Client, error) {
	common.InstallLoggerFactory()
	if len(conf.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints provided")
	}

	endpoints := make([]transport.Endpoint, 0, len(conf.Endpoints))
	for _, s := range conf.Endpoints {
		ep, err := parseEndpoint(s)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	s, err := serializer.New(conf.Serializer)
	if err != nil {
		return nil, err
	}

	if conf.RetryCount < 1 {
		conf.RetryCount = 1
	}
	if conf.ConnectionsPerEndpoint < 1 {
		conf.ConnectionsPerEndpoint = 1
	}

	return &Client{
		conf:       conf,
		endpoints:  endpoints,
		serializer: s,
		alloc:      transport.NewBufferAllocator(transport.TCPSegmentSize, 0, nil),
		pending:    xsync.NewMapOf[uint64, chan *transport.Message](),
	}, nil
}

// Connect opens ConnectionsPerEndpoint connections to every endpoint. It
// succeeds if at least one connection could be established.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	var conns []*connection
	for _, ep := range c.endpoints {
		for i := 0; i < c.conf.ConnectionsPerEndpoint; i++ {
			conn := &connection{ep: ep}
			if _, err := c.channel(ctx, conn); err != nil {
				Logger.Warningf("failed to connect to %s (connection %d/%d): %v", ep, i+1, c.conf.ConnectionsPerEndpoint, err)
				continue
			}
			conns = append(conns, conn)
		}
	}
	if len(conns) == 0 {
		return fmt.Errorf("%w: failed to connect to any endpoint", ErrNoConnection)
	}

	c.connectionsMu.Lock()
	c.closeConnections()
	c.connections = conns
	c.connectionsMu.Unlock()

	Logger.Infof("connected %d out of %d connections to %d endpoints",
		len(conns), len(c.endpoints)*c.conf.ConnectionsPerEndpoint, len(c.endpoints))
	return nil
}

// Call sends req with verb and returns the decoded response. Failed attempts
// are retried with exponential backoff. Error responses and responses of
// another message type are returned as errors.
func (c *Client) Call(ctx context.Context, verb transport.Verb, req *common.Message) (*common.Message, error) {
	data, err := c.serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	var raw *transport.Message
	var lastErr error
	backoff := 50 * time.Millisecond

	for i := 0; i < c.conf.RetryCount; i++ {
		raw, lastErr = c.attempt(ctx, verb, data)
		if lastErr == nil {
			break
		}
		if c.closed.Load() || ctx.Err() != nil {
			return nil, lastErr
		}
		Logger.Debugf("request attempt %d/%d failed: %v", i+1, c.conf.RetryCount, lastErr)

		if i < c.conf.RetryCount-1 {
			// exponential backoff with +-10% jitter
			jitter := time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64()))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to send request after %d attempts: %w", c.conf.RetryCount, lastErr)
	}

	resp := &common.Message{}
	if err := c.serializer.Deserialize(raw.Payload, resp); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return resp, fmt.Errorf("remote error from shard %d: %w", resp.Shard, resp.Error())
	}
	if resp.MsgType != req.MsgType {
		return resp, fmt.Errorf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}
	return resp, nil
}

// Echo sends value with the echo verb and returns the response and the round trip time
func (c *Client) Echo(ctx context.Context, verb transport.Verb, value []byte) (*common.Message, time.Duration, error) {
	start := time.Now()
	resp, err := c.Call(ctx, verb, common.NewEchoRequest(value))
	return resp, time.Since(start), err
}

// Info asks the answering shard to describe itself
func (c *Client) Info(ctx context.Context, verb transport.Verb) (*common.Message, error) {
	return c.Call(ctx, verb, common.NewInfoRequest())
}

// Close closes all connections. Outstanding calls fail.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.connectionsMu.Lock()
	c.closeConnections()
	c.connectionsMu.Unlock()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Client) attempt(ctx context.Context, verb transport.Verb, data []byte) (*transport.Message, error) {
	conn := c.nextConnection()
	if conn == nil {
		if c.closed.Load() {
			return nil, ErrClientClosed
		}
		return nil, ErrNoConnection
	}

	if c.conf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.Timeout)
		defer cancel()
	}

	ch, err := c.channel(ctx, conn)
	if err != nil {
		return nil, err
	}

	requestID := c.nextRequestID.Add(1)
	respCh := make(chan *transport.Message, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	payload := transport.NewPayload(c.alloc)
	_, _ = payload.Write(data)
	if err := ch.Send(verb, requestID, transport.FlagRequest, payload); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ch.Done():
		return nil, fmt.Errorf("connection to %s lost: %w", conn.ep, errOrClosed(ch))
	case <-ctx.Done():
		return nil, fmt.Errorf("request %d to %s: %w", requestID, conn.ep, ctx.Err())
	}
}

// channel returns the open channel of conn, dialling a new one if it failed
func (c *Client) channel(ctx context.Context, conn *connection) (*base.Channel, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.ch != nil {
		select {
		case <-conn.ch.Done():
		default:
			return conn.ch, nil
		}
	}
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", conn.ep.Address())
	if err != nil {
		return nil, err
	}
	if err := tcp.UpgradeConnection(nc); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", conn.ep, err)
	}

	ch := base.NewChannel(nc, conn.ep, transport.ProtoTCP, c.conf.Checksum)
	go func() {
		if err := ch.Serve(c.onMessage); err != nil {
			Logger.Warningf("connection to %s failed: %v", conn.ep, err)
		}
	}()
	conn.ch = ch
	return ch, nil
}

// nextConnection selects the next connection via round robin
func (c *Client) nextConnection() *connection {
	c.connectionsMu.RLock()
	defer c.connectionsMu.RUnlock()

	switch len(c.connections) {
	case 0:
		return nil
	case 1:
		return c.connections[0]
	default:
		return c.connections[c.nextConn.Add(1)%uint64(len(c.connections))]
	}
}

// closeConnections closes and drops all connections, c.connectionsMu must be held
func (c *Client) closeConnections() {
	for _, conn := range c.connections {
		conn.mu.Lock()
		if conn.ch != nil {
			_ = conn.ch.Close()
		}
		conn.mu.Unlock()
	}
	c.connections = nil
}

func (c *Client) onMessage(msg *transport.Message) {
	if !msg.IsResponse() {
		Logger.Debugf("ignoring request with verb %d from %s", msg.Verb, msg.Channel.Endpoint())
		return
	}
	respCh, ok := c.pending.LoadAndDelete(msg.RequestID)
	if !ok {
		Logger.Warningf("received response for unknown request id %d", msg.RequestID)
		return
	}
	respCh <- msg
}

func errOrClosed(ch *base.Channel) error {
	if err := ch.Err(); err != nil {
		return err
	}
	return base.ErrChannelClosed
}

// parseEndpoint accepts host:port in addition to the endpoint forms. Only TCP
// is supported outside a runtime.
func parseEndpoint(s string) (transport.Endpoint, error) {
	if host, port, err := net.SplitHostPort(s); err == nil {
		s = transport.ProtoTCP + "://" + net.JoinHostPort(host, port)
	}
	ep, err := transport.ParseEndpoint(s)
	if err != nil {
		return transport.Endpoint{}, err
	}
	if ep.Protocol != transport.ProtoTCP {
		return transport.Endpoint{}, fmt.Errorf("client: %w %q", transport.ErrUnsupportedProtocol, ep.Protocol)
	}
	return ep, nil
}
