package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ValentinKolb/dRT/lib/shard"
	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("dispatcher")

var (
	// ErrNotStarted is returned when sending before Start or after Stop
	ErrNotStarted = errors.New("dispatcher not started")
	// ErrDuplicateProtocol is returned when a protocol name is registered twice
	ErrDuplicateProtocol = errors.New("protocol already registered")
	// ErrNoProtocol is returned when no registered protocol serves an endpoint
	ErrNoProtocol = errors.New("no protocol registered")
)

// MessageObserver handles inbound messages of one verb. It runs on the shard
// owning the dispatcher, so observers of one shard never run concurrently.
type MessageObserver func(req *transport.Message)

// Dispatcher routes messages of one shard over the registered protocols
type Dispatcher struct {
	shard *shard.Shard

	protocols *xsync.MapOf[string, transport.Protocol]
	observers *xsync.MapOf[transport.Verb, MessageObserver]
	pending   *xsync.MapOf[uint64, chan *transport.Message]
	channels  *xsync.MapOf[string, *xsync.Counter]

	nextRequestID atomic.Uint64
	started       atomic.Bool
	done          chan struct{}

	received, unhandled *metrics.Counter
}

// New creates the dispatcher of a shard. Inbound messages are posted to that shard.
func New(sh *shard.Shard) *Dispatcher {
	labels := fmt.Sprintf(`{shard="%d"}`, sh.ID())
	return &Dispatcher{
		shard:     sh,
		protocols: xsync.NewMapOf[string, transport.Protocol](),
		observers: xsync.NewMapOf[transport.Verb, MessageObserver](),
		pending:   xsync.NewMapOf[uint64, chan *transport.Message](),
		channels:  xsync.NewMapOf[string, *xsync.Counter](),
		done:      make(chan struct{}),
		received:  metrics.GetOrCreateCounter("dispatcher_messages_received_total" + labels),
		unhandled: metrics.GetOrCreateCounter("dispatcher_messages_unhandled_total" + labels),
	}
}

// --------------------------------------------------------------------------
// Registration
// --------------------------------------------------------------------------

// RegisterProtocol binds a started protocol. Its channels and messages are
// delivered to the dispatcher from now on; channels the protocol already has
// open are counted as well.
func (d *Dispatcher) RegisterProtocol(p transport.Protocol) error {
	if _, loaded := d.protocols.LoadOrStore(p.Name(), p); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateProtocol, p.Name())
	}
	d.channels.LoadOrCompute(p.Name(), xsync.NewCounter)

	p.SetChannelObserver(d)
	p.SetMessageObserver(d.onMessage)

	if ep := p.ServiceEndpoint(); ep != nil {
		Logger.Infof("shard %d: registered protocol %s at %s", d.shard.ID(), p.Name(), ep)
	} else {
		Logger.Infof("shard %d: registered protocol %s (no listener)", d.shard.ID(), p.Name())
	}
	return nil
}

// RegisterMessageObserver installs the observer of a verb, replacing an earlier one.
// A nil observer removes it.
func (d *Dispatcher) RegisterMessageObserver(verb transport.Verb, observer MessageObserver) {
	if observer == nil {
		d.observers.Delete(verb)
		return
	}
	d.observers.Store(verb, observer)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start enables sending
func (d *Dispatcher) Start(_ context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}
	Logger.Infof("shard %d: dispatcher started with protocols %v", d.shard.ID(), d.Protocols())
	return nil
}

// Stop fails all outstanding calls and disables sending. It always succeeds.
// Protocols are stopped by their owners.
func (d *Dispatcher) Stop(_ context.Context) error {
	if d.started.Swap(false) {
		close(d.done)
	}
	d.observers.Clear()
	Logger.Infof("shard %d: dispatcher stopped", d.shard.ID())
	return nil
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// Send delivers a one-way message to ep
func (d *Dispatcher) Send(ctx context.Context, verb transport.Verb, payload []byte, ep transport.Endpoint) error {
	return d.send(ctx, verb, 0, 0, payload, ep)
}

// Call sends a request to ep and waits for its response until ctx is done
func (d *Dispatcher) Call(ctx context.Context, verb transport.Verb, payload []byte, ep transport.Endpoint) (*transport.Message, error) {
	requestID := d.nextRequestID.Add(1)
	respCh := make(chan *transport.Message, 1)

	d.pending.Store(requestID, respCh)
	defer d.pending.Delete(requestID)

	if err := d.send(ctx, verb, requestID, transport.FlagRequest, payload, ep); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-d.done:
		return nil, ErrNotStarted
	case <-ctx.Done():
		return nil, fmt.Errorf("request %d to %s: %w", requestID, ep, ctx.Err())
	}
}

// Reply answers a request on the channel it arrived on
func (d *Dispatcher) Reply(req *transport.Message, payload []byte) error {
	if !d.started.Load() {
		return ErrNotStarted
	}
	p, ok := d.protocols.Load(req.Protocol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProtocol, req.Protocol)
	}

	out := p.NewPayload()
	_, _ = out.Write(payload)
	return req.Channel.Send(req.Verb, req.RequestID, transport.FlagResponse, out)
}

func (d *Dispatcher) send(ctx context.Context, verb transport.Verb, requestID uint64, flags transport.MessageFlags, payload []byte, ep transport.Endpoint) error {
	if !d.started.Load() {
		return ErrNotStarted
	}
	p, ok := d.protocols.Load(ep.Protocol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProtocol, ep.Protocol)
	}

	ch, err := p.Connect(ctx, ep)
	if err != nil {
		return err
	}

	out := p.NewPayload()
	_, _ = out.Write(payload)
	return ch.Send(verb, requestID, flags, out)
}

// --------------------------------------------------------------------------
// Inspection
// --------------------------------------------------------------------------

// Protocols returns the registered protocol names, sorted
func (d *Dispatcher) Protocols() []string {
	var names []string
	d.protocols.Range(func(name string, _ transport.Protocol) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Channels returns the number of open channels of a protocol
func (d *Dispatcher) Channels(protocol string) int64 {
	c, ok := d.channels.Load(protocol)
	if !ok {
		return 0
	}
	return c.Value()
}

// ServerEndpoint returns where this shard accepts connections of a protocol
func (d *Dispatcher) ServerEndpoint(protocol string) *transport.Endpoint {
	p, ok := d.protocols.Load(protocol)
	if !ok {
		return nil
	}
	return p.ServiceEndpoint()
}

// ShardID returns the shard owning the dispatcher
func (d *Dispatcher) ShardID() int {
	return d.shard.ID()
}

// --------------------------------------------------------------------------
// Observers (docu see transport.ChannelObserver)
// --------------------------------------------------------------------------

func (d *Dispatcher) ChannelOpened(protocol string, ch transport.Channel) {
	c, _ := d.channels.LoadOrCompute(protocol, xsync.NewCounter)
	c.Inc()
	Logger.Debugf("shard %d: %s channel opened to %s", d.shard.ID(), protocol, ch.Endpoint())
}

func (d *Dispatcher) ChannelClosed(protocol string, ch transport.Channel, err error) {
	c, _ := d.channels.LoadOrCompute(protocol, xsync.NewCounter)
	c.Dec()
	if err != nil {
		Logger.Warningf("shard %d: %s channel to %s failed: %v", d.shard.ID(), protocol, ch.Endpoint(), err)
	}
}

func (d *Dispatcher) onMessage(msg *transport.Message) {
	d.received.Inc()

	if msg.IsResponse() {
		respCh, ok := d.pending.LoadAndDelete(msg.RequestID)
		if !ok {
			Logger.Debugf("shard %d: response for unknown request %d", d.shard.ID(), msg.RequestID)
			return
		}
		respCh <- msg
		return
	}

	observer, ok := d.observers.Load(msg.Verb)
	if !ok {
		d.unhandled.Inc()
		Logger.Debugf("shard %d: no observer for verb %d", d.shard.ID(), msg.Verb)
		return
	}

	if !d.shard.Post(func() { observer(msg) }) {
		Logger.Debugf("shard %d: dropping message with verb %d, shard stopped", d.shard.ID(), msg.Verb)
	}
}
