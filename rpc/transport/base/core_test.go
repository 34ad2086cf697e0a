package base

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	opened []transport.Channel
	closed []transport.Channel
}

func (r *recordingObserver) ChannelOpened(_ string, ch transport.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, ch)
}

func (r *recordingObserver) ChannelClosed(_ string, ch transport.Channel, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, ch)
}

func (r *recordingObserver) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened), len(r.closed)
}

func newTestCore(checksum bool) *ProtocolCore {
	return NewProtocolCore(transport.ProtoTCP, 0, transport.NewBufferAllocator(transport.TCPSegmentSize, 0, nil), checksum)
}

func TestChannelSendAndReceive(t *testing.T) {
	server, client := newTestCore(true), newTestCore(true)
	defer server.Shutdown(context.Background(), nil)
	defer client.Shutdown(context.Background(), nil)

	received := make(chan *transport.Message, 1)
	server.SetMessageObserver(func(msg *transport.Message) { received <- msg })

	a, b := net.Pipe()
	server.Adopt(a, transport.MustParseEndpoint("tcp+drt://127.0.0.1:1"), transport.ProtoTCP)

	ch, err := client.Dial(context.Background(), transport.MustParseEndpoint("tcp+drt://127.0.0.1:2"), transport.ProtoTCP,
		func(context.Context) (io.ReadWriteCloser, error) { return b, nil })
	require.NoError(t, err)

	p := client.NewPayload()
	_, _ = p.WriteString("ping")
	require.NoError(t, ch.Send(3, 9, transport.FlagRequest, p))
	assert.Equal(t, 0, p.Size())

	select {
	case msg := <-received:
		assert.Equal(t, transport.Verb(3), msg.Verb)
		assert.Equal(t, uint64(9), msg.RequestID)
		assert.True(t, msg.ExpectsResponse())
		assert.Equal(t, []byte("ping"), msg.Payload)
		assert.Equal(t, transport.ProtoTCP, msg.Channel.Transport())
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDialReusesChannel(t *testing.T) {
	core := newTestCore(false)
	defer core.Shutdown(context.Background(), nil)

	dials := 0
	dial := func(context.Context) (io.ReadWriteCloser, error) {
		dials++
		a, _ := net.Pipe()
		return a, nil
	}

	ep := transport.MustParseEndpoint("tcp+drt://127.0.0.1:5")
	first, err := core.Dial(context.Background(), ep, transport.ProtoTCP, dial)
	require.NoError(t, err)
	second, err := core.Dial(context.Background(), ep, transport.ProtoTCP, dial)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, core.Channels())
}

func TestChannelObserverAndShutdown(t *testing.T) {
	core := newTestCore(false)
	obs := &recordingObserver{}
	core.SetChannelObserver(obs)

	a, b := net.Pipe()
	core.Adopt(a, transport.MustParseEndpoint("tcp+drt://127.0.0.1:1"), transport.ProtoTCP)

	opened, _ := obs.counts()
	assert.Equal(t, 1, opened)

	// peer hangs up
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, closed := obs.counts()
		return closed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, core.Channels())

	core.Shutdown(context.Background(), nil)
	_, err := core.Dial(context.Background(), transport.MustParseEndpoint("tcp+drt://127.0.0.1:1"), transport.ProtoTCP, nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestSendOnClosedChannel(t *testing.T) {
	a, _ := net.Pipe()
	ch := NewChannel(a, transport.MustParseEndpoint("tcp+drt://127.0.0.1:1"), transport.ProtoTCP, false)
	require.NoError(t, ch.Close())

	err := ch.Send(1, 1, 0, nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.NoError(t, ch.Err())
}

func TestServeAcceptLoop(t *testing.T) {
	core := newTestCore(false)
	obs := &recordingObserver{}
	core.SetChannelObserver(obs)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	core.Serve(func() (io.ReadWriteCloser, transport.Endpoint, error) {
		conn, err := ln.Accept()
		if err != nil {
			return nil, transport.Endpoint{}, err
		}
		return conn, transport.EndpointFromAddr(transport.ProtoTCP, conn.RemoteAddr()), nil
	}, transport.ProtoTCP)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		opened, _ := obs.counts()
		return opened == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	core.Shutdown(ctx, ln)
	assert.Equal(t, 0, core.Channels())
}

func TestLateObserverSeesOpenChannels(t *testing.T) {
	core := newTestCore(false)
	defer core.Shutdown(context.Background(), nil)

	a, b := net.Pipe()
	core.Adopt(a, transport.MustParseEndpoint("tcp+drt://127.0.0.1:1"), transport.ProtoTCP)

	obs := &recordingObserver{}
	core.SetChannelObserver(obs)
	opened, closed := obs.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 0, closed)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, closed := obs.counts()
		return closed == 1
	}, 5*time.Second, 10*time.Millisecond)

	opened, _ = obs.counts()
	assert.Equal(t, 1, opened)
}

func TestAcceptBackoff(t *testing.T) {
	assert.Equal(t, minAcceptDelay, acceptBackoff(0))
	assert.Equal(t, 2*minAcceptDelay, acceptBackoff(minAcceptDelay))
	assert.Equal(t, maxAcceptDelay, acceptBackoff(maxAcceptDelay))
	assert.Equal(t, maxAcceptDelay, acceptBackoff(800*time.Millisecond))
}

func TestServeRetriesFailedAccepts(t *testing.T) {
	core := newTestCore(false)
	obs := &recordingObserver{}
	core.SetChannelObserver(obs)

	var mu sync.Mutex
	calls := 0
	a, b := net.Pipe()
	defer b.Close()
	closed := make(chan struct{})

	core.Serve(func() (io.ReadWriteCloser, transport.Endpoint, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch {
		case n <= 3:
			return nil, transport.Endpoint{}, errors.New("too many open files")
		case n == 4:
			return a, transport.MustParseEndpoint("tcp+drt://127.0.0.1:1"), nil
		default:
			<-closed
			return nil, transport.Endpoint{}, net.ErrClosed
		}
	}, transport.ProtoTCP)

	require.Eventually(t, func() bool {
		opened, _ := obs.counts()
		return opened == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, calls, 4)
	mu.Unlock()

	close(closed)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	core.Shutdown(ctx, nil)
}
