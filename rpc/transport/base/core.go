package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Acceptor returns the next inbound connection and the peer's endpoint
type Acceptor func() (io.ReadWriteCloser, transport.Endpoint, error)

// Dialer opens an outbound connection
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// ProtocolCore holds the channel bookkeeping shared by the TCP and RDMA protocols:
// a cache of open channels, the observers and the accept loop.
type ProtocolCore struct {
	name     string
	shardID  int
	checksum bool
	alloc    *transport.BufferAllocator

	channels *xsync.MapOf[string, *Channel]
	inbound  atomic.Uint64

	msgObserver atomic.Pointer[transport.MessageObserver]

	// obsMu orders channel events with observer changes. live holds every
	// channel reported as opened and not yet as closed.
	obsMu      sync.Mutex
	chObserver transport.ChannelObserver
	live       map[*Channel]struct{}

	stopping atomic.Bool
	wg       sync.WaitGroup

	rx, opened, failures *metrics.Counter
}

// NewProtocolCore creates the core of protocol name running on shardID
func NewProtocolCore(name string, shardID int, alloc *transport.BufferAllocator, checksum bool) *ProtocolCore {
	labels := fmt.Sprintf(`{protocol=%q,shard="%d"}`, name, shardID)
	return &ProtocolCore{
		name:     name,
		shardID:  shardID,
		checksum: checksum,
		alloc:    alloc,
		channels: xsync.NewMapOf[string, *Channel](),
		live:     make(map[*Channel]struct{}),
		rx:       metrics.GetOrCreateCounter("transport_messages_received_total" + labels),
		opened:   metrics.GetOrCreateCounter("transport_channels_opened_total" + labels),
		failures: metrics.GetOrCreateCounter("transport_channel_failures_total" + labels),
	}
}

func (p *ProtocolCore) Name() string {
	return p.name
}

func (p *ProtocolCore) ShardID() int {
	return p.shardID
}

func (p *ProtocolCore) NewPayload() *transport.Payload {
	return transport.NewPayload(p.alloc)
}

func (p *ProtocolCore) SetMessageObserver(observer transport.MessageObserver) {
	p.msgObserver.Store(&observer)
}

// SetChannelObserver installs observer and reports every channel that is
// already open to it, so opened and closed events always pair up.
func (p *ProtocolCore) SetChannelObserver(observer transport.ChannelObserver) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.chObserver = observer
	if observer == nil {
		return
	}
	for ch := range p.live {
		observer.ChannelOpened(p.name, ch)
	}
}

func (p *ProtocolCore) channelOpened(ch *Channel) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.live[ch] = struct{}{}
	if p.chObserver != nil {
		p.chObserver.ChannelOpened(p.name, ch)
	}
}

func (p *ProtocolCore) channelClosed(ch *Channel, err error) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	if _, ok := p.live[ch]; !ok {
		return
	}
	delete(p.live, ch)
	if p.chObserver != nil {
		p.chObserver.ChannelClosed(p.name, ch, err)
	}
}

// Channels returns the number of open channels
func (p *ProtocolCore) Channels() int {
	return p.channels.Size()
}

// --------------------------------------------------------------------------
// Channel management
// --------------------------------------------------------------------------

// Adopt takes ownership of an accepted connection
func (p *ProtocolCore) Adopt(conn io.ReadWriteCloser, remote transport.Endpoint, transportName string) *Channel {
	ch := NewChannel(conn, remote, transportName, p.checksum)
	key := fmt.Sprintf("in/%d/%s", p.inbound.Add(1), remote)
	p.channels.Store(key, ch)
	p.run(key, ch)
	return ch
}

// Dial returns the open channel to ep or establishes a new one with dial
func (p *ProtocolCore) Dial(ctx context.Context, ep transport.Endpoint, transportName string, dial Dialer) (*Channel, error) {
	if p.stopping.Load() {
		return nil, fmt.Errorf("%s: %w", p.name, ErrChannelClosed)
	}

	key := ep.String()
	if ch, ok := p.channels.Load(key); ok {
		return ch, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	ch := NewChannel(conn, ep, transportName, p.checksum)
	actual, loaded := p.channels.LoadOrStore(key, ch)
	if loaded {
		// another task connected first
		_ = conn.Close()
		return actual, nil
	}
	p.run(key, ch)
	return ch, nil
}

func (p *ProtocolCore) run(key string, ch *Channel) {
	p.opened.Inc()
	p.channelOpened(ch)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		err := ch.Serve(p.deliver)
		p.channels.Compute(key, func(old *Channel, loaded bool) (*Channel, bool) {
			// keep a replacement stored under the same key
			return old, !loaded || old == ch
		})

		if err != nil {
			p.failures.Inc()
			Logger.Debugf("%s shard %d: channel %s closed: %v", p.name, p.shardID, ch, err)
		}
		p.channelClosed(ch, err)
	}()
}

func (p *ProtocolCore) deliver(msg *transport.Message) {
	p.rx.Inc()
	msg.Protocol = p.name
	observer := p.msgObserver.Load()
	if observer == nil || *observer == nil {
		Logger.Debugf("%s shard %d: dropping message with verb %d, no observer", p.name, p.shardID, msg.Verb)
		return
	}
	(*observer)(msg)
}

// --------------------------------------------------------------------------
// Accept loop
// --------------------------------------------------------------------------

// Serve runs the accept loop in the background until Shutdown
func (p *ProtocolCore) Serve(accept Acceptor, transportName string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var delay time.Duration
		for {
			conn, remote, err := accept()
			if err != nil {
				if p.stopping.Load() || errors.Is(err, net.ErrClosed) {
					return
				}
				delay = acceptBackoff(delay)
				Logger.Errorf("%s shard %d: accept error: %v, retrying in %v", p.name, p.shardID, err, delay)
				time.Sleep(delay)
				continue
			}
			delay = 0
			Logger.Debugf("%s shard %d: accepted connection from %s", p.name, p.shardID, remote)
			p.Adopt(conn, remote, transportName)
		}
	}()
}

// acceptBackoff doubles the wait after a failed accept, from 5ms up to one second
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}

// Shutdown closes the listener (may be nil) and every channel, then waits for
// the background goroutines until ctx is done. Failures are only logged.
func (p *ProtocolCore) Shutdown(ctx context.Context, listener io.Closer) {
	p.stopping.Store(true)

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			Logger.Warningf("%s shard %d: failed to close listener: %v", p.name, p.shardID, err)
		}
	}

	p.channels.Range(func(_ string, ch *Channel) bool {
		_ = ch.Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		Logger.Warningf("%s shard %d: shutdown did not complete: %v", p.name, p.shardID, ctx.Err())
	}
}
