package echo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ValentinKolb/dRT/lib/appbase"
	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/ValentinKolb/dRT/rpc/dispatcher"
	"github.com/ValentinKolb/dRT/rpc/serializer"
	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("echo")

// Verbs served by the applet
const (
	VerbEcho transport.Verb = 1
	VerbInfo transport.Verb = 2
)

// ErrDraining is returned to requests arriving after the graceful stop began
var ErrDraining = errors.New("shard is shutting down")

// Applet answers echo and info requests on one shard
type Applet struct {
	shardID    int
	name       string
	disp       *dispatcher.Dispatcher
	serializer serializer.IRPCSerializer
	draining   atomic.Bool

	handled, failed *metrics.Counter
}

// NewApplet returns the per-shard constructor for appbase.AddApplet. It reads
// the serializer option from the shard's config and binds the shard's dispatcher.
func NewApplet(app *appbase.App) func(ctx context.Context, shardID int) (*Applet, error) {
	return func(_ context.Context, shardID int) (*Applet, error) {
		conf := app.Config().Local(shardID)
		s, err := serializer.New(conf.Serializer)
		if err != nil {
			return nil, err
		}
		return New(shardID, conf.Name, app.Dispatcher().Local(shardID), s), nil
	}
}

// New creates the applet of one shard
func New(shardID int, name string, disp *dispatcher.Dispatcher, s serializer.IRPCSerializer) *Applet {
	labels := fmt.Sprintf(`{shard="%d"}`, shardID)
	return &Applet{
		shardID:    shardID,
		name:       name,
		disp:       disp,
		serializer: s,
		handled:    metrics.GetOrCreateCounter("echo_requests_total" + labels),
		failed:     metrics.GetOrCreateCounter("echo_requests_failed_total" + labels),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see appbase.Applet)
// --------------------------------------------------------------------------

func (a *Applet) Start(_ context.Context) error {
	a.disp.RegisterMessageObserver(VerbEcho, a.handle)
	a.disp.RegisterMessageObserver(VerbInfo, a.handle)
	Logger.Debugf("shard %d: echo applet started", a.shardID)
	return nil
}

func (a *Applet) GracefulStop(_ context.Context) error {
	a.draining.Store(true)
	Logger.Debugf("shard %d: echo applet draining", a.shardID)
	return nil
}

func (a *Applet) Stop(_ context.Context) error {
	a.disp.RegisterMessageObserver(VerbEcho, nil)
	a.disp.RegisterMessageObserver(VerbInfo, nil)
	Logger.Debugf("shard %d: echo applet stopped", a.shardID)
	return nil
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *Applet) handle(req *transport.Message) {
	a.handled.Inc()
	resp := a.process(req)
	if resp.MsgType == common.MsgTError {
		a.failed.Inc()
	}

	if !req.ExpectsResponse() {
		return
	}
	data, err := a.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("shard %d: failed to serialize response: %v", a.shardID, err)
		return
	}
	if err := a.disp.Reply(req, data); err != nil {
		Logger.Warningf("shard %d: failed to reply to %s: %v", a.shardID, req.Channel.Endpoint(), err)
	}
}

func (a *Applet) process(req *transport.Message) *common.Message {
	if a.draining.Load() {
		return common.NewErrorResponse(a.shardID, ErrDraining)
	}

	var msg common.Message
	if err := a.serializer.Deserialize(req.Payload, &msg); err != nil {
		return common.NewErrorResponse(a.shardID, fmt.Errorf("invalid request: %w", err))
	}

	switch {
	case req.Verb == VerbEcho && msg.MsgType == common.MsgTEcho:
		return common.NewEchoResponse(a.shardID, msg.Value)
	case req.Verb == VerbInfo && msg.MsgType == common.MsgTInfo:
		return common.NewInfoResponse(a.shardID, a.name, []byte(a.endpoints()))
	default:
		return common.NewErrorResponse(a.shardID, fmt.Errorf("unexpected %s message for verb %d", msg.MsgType, req.Verb))
	}
}

// endpoints lists the service endpoints of the shard, comma separated
func (a *Applet) endpoints() string {
	var eps []string
	for _, proto := range a.disp.Protocols() {
		if ep := a.disp.ServerEndpoint(proto); ep != nil {
			eps = append(eps, ep.String())
		}
	}
	return strings.Join(eps, ",")
}
