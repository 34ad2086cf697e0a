package rdma

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSoftProtocol(t *testing.T, stack transport.RDMAStack, shardID int) *Protocol {
	t.Helper()
	vnet := transport.NewVirtualNetworkStack(transport.VNetConfig{ShardID: shardID, RDMA: stack})
	p := NewProtocol(vnet, false)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		_ = p.Stop(context.Background())
		_ = vnet.Stop(context.Background())
	})
	return p
}

func TestDisabledWithoutStack(t *testing.T) {
	p := newSoftProtocol(t, nil, 0)
	assert.False(t, p.Enabled())
	assert.Nil(t, p.ServiceEndpoint())

	_, err := p.Connect(context.Background(), transport.MustParseEndpoint("rdma+drt://127.0.0.1:1"))
	assert.ErrorIs(t, err, transport.ErrRDMA)
	assert.ErrorIs(t, err, transport.ErrRDMAUnavailable)
}

func TestSoftStackRoundTrip(t *testing.T) {
	stack, err := NewSoftStack(t.TempDir(), 20000)
	require.NoError(t, err)

	server := newSoftProtocol(t, stack, 0)
	client := newSoftProtocol(t, stack, 1)
	require.True(t, server.Enabled())
	assert.Equal(t, "rdma+drt://127.0.0.1:20000", server.ServiceEndpoint().String())
	assert.Equal(t, "rdma+drt://127.0.0.1:20001", client.ServiceEndpoint().String())

	received := make(chan *transport.Message, 1)
	server.SetMessageObserver(func(msg *transport.Message) { received <- msg })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := client.Connect(ctx, *server.ServiceEndpoint())
	require.NoError(t, err)
	assert.Equal(t, transport.ProtoRDMA, ch.Transport())

	payload := client.NewPayload()
	_, _ = payload.WriteString("over rdma")
	require.NoError(t, ch.Send(5, 0, 0, payload))

	select {
	case msg := <-received:
		assert.Equal(t, transport.Verb(5), msg.Verb)
		assert.Equal(t, []byte("over rdma"), msg.Payload)
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestConnectUnreachablePeer(t *testing.T) {
	stack, err := NewSoftStack(t.TempDir(), 21000)
	require.NoError(t, err)
	p := newSoftProtocol(t, stack, 0)

	_, err = p.Connect(context.Background(), transport.MustParseEndpoint("rdma+drt://127.0.0.1:29999"))
	assert.ErrorIs(t, err, transport.ErrRDMA)
}

func TestListenerRemovesSocket(t *testing.T) {
	dir := t.TempDir()
	stack, err := NewSoftStack(dir, 22000)
	require.NoError(t, err)

	ln, err := stack.Listen(3)
	require.NoError(t, err)
	path := stack.socketPath(ln.Endpoint())
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
