package base

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// ErrChannelClosed is returned when sending on a closed channel
var ErrChannelClosed = errors.New("channel closed")

// Channel is a framed connection over any reliable byte stream. It implements
// transport.Channel for the TCP and RDMA protocols and for standalone clients.
type Channel struct {
	conn      io.ReadWriteCloser
	remote    transport.Endpoint
	transport string
	checksum  bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// NewChannel wraps conn. transportName is the protocol of conn (transport.ProtoTCP
// or transport.ProtoRDMA), checksum enables payload checksums on sent frames.
func NewChannel(conn io.ReadWriteCloser, remote transport.Endpoint, transportName string, checksum bool) *Channel {
	return &Channel{
		conn:      conn,
		remote:    remote,
		transport: transportName,
		checksum:  checksum,
		done:      make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.Channel)
// --------------------------------------------------------------------------

func (c *Channel) Endpoint() transport.Endpoint {
	return c.remote
}

func (c *Channel) Transport() string {
	return c.transport
}

func (c *Channel) Send(verb transport.Verb, requestID uint64, flags transport.MessageFlags, payload *transport.Payload) error {
	defer payload.Release()

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	err := writeFrame(c.conn, verb, requestID, flags, payload.Buffers(), c.checksum)
	c.writeMu.Unlock()

	if err != nil {
		c.closeWithError(fmt.Errorf("write failed: %w", err))
		return err
	}
	return nil
}

func (c *Channel) Close() error {
	c.closeWithError(nil)
	return nil
}

// --------------------------------------------------------------------------
// Receiving
// --------------------------------------------------------------------------

// Serve reads frames until the channel fails or is closed and hands each one to
// observer. It returns the error that ended the channel, nil on a clean close.
func (c *Channel) Serve(observer transport.MessageObserver) error {
	header := make([]byte, HeaderSize)
	for {
		h, data, err := readFrame(c.conn, header)
		if err != nil {
			select {
			case <-c.done:
				// closed locally, the read error is a consequence
				return c.closeErr
			default:
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.closeWithError(err)
			return err
		}

		observer(&transport.Message{
			Verb:      h.verb,
			RequestID: h.requestID,
			Flags:     h.flags,
			Payload:   data,
			Channel:   c,
		})
	}
}

// Done is closed once the channel is closed
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the error the channel was closed with
func (c *Channel) Err() error {
	<-c.done
	return c.closeErr
}

func (c *Channel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
		if cerr := c.conn.Close(); cerr != nil {
			Logger.Debugf("closing channel to %s: %v", c.remote, cerr)
		}
	})
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s(%s)", c.transport, c.remote)
}
