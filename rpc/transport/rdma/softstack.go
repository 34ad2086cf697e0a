package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/ValentinKolb/dRT/rpc/transport"
)

// SoftStack emulates an RDMA NIC with unix domain sockets in one directory.
// Endpoint rdma+drt://<host>:<port> is served by the socket <dir>/<host>_<port>.sock.
type SoftStack struct {
	dir      string
	host     string
	basePort uint16
}

// NewSoftStack creates a soft stack. Shard i listens on host:basePort+i.
func NewSoftStack(dir string, basePort uint16) (*SoftStack, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create soft rdma directory: %w", err)
	}
	return &SoftStack{dir: dir, host: "127.0.0.1", basePort: basePort}, nil
}

// Endpoint returns the RDMA endpoint of a shard
func (s *SoftStack) Endpoint(shardID int) transport.Endpoint {
	return transport.Endpoint{Protocol: transport.ProtoRDMA, Host: s.host, Port: s.basePort + uint16(shardID)}
}

func (s *SoftStack) socketPath(ep transport.Endpoint) string {
	host := strings.NewReplacer(":", "_", "/", "_").Replace(ep.Host)
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.sock", host, ep.Port))
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.RDMAStack)
// --------------------------------------------------------------------------

func (s *SoftStack) Available() bool {
	return true
}

func (s *SoftStack) Listen(shardID int) (transport.RDMAListener, error) {
	ep := s.Endpoint(shardID)
	socketPath := s.socketPath(ep)

	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket: %w", err)
	}
	return &softListener{ln: ln, ep: ep, path: socketPath}, nil
}

func (s *SoftStack) Dial(ctx context.Context, ep transport.Endpoint) (transport.RDMAConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.socketPath(ep))
	if err != nil {
		return nil, err
	}
	return &softConn{Conn: conn, remote: ep}, nil
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type softListener struct {
	ln   net.Listener
	ep   transport.Endpoint
	path string
}

func (l *softListener) Accept() (transport.RDMAConn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	// unix peers are unnamed
	return &softConn{Conn: conn, remote: transport.Endpoint{Protocol: transport.ProtoRDMA, Host: "soft"}}, nil
}

func (l *softListener) Endpoint() transport.Endpoint {
	return l.ep
}

func (l *softListener) Close() error {
	err := l.ln.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		Logger.Debugf("failed to remove socket %s: %v", l.path, rmErr)
	}
	return err
}

type softConn struct {
	net.Conn
	remote transport.Endpoint
}

func (c *softConn) RemoteEndpoint() transport.Endpoint {
	return c.remote
}
