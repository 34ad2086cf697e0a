package tcp

import (
	"fmt"

	"github.com/ValentinKolb/dRT/rpc/transport"
)

// AddressProvider returns the listening endpoint of a shard. ok is false for
// shards that should only make outbound connections.
type AddressProvider interface {
	Endpoint(shardID int) (ep transport.Endpoint, ok bool)
}

// MultiAddressProvider assigns the i-th endpoint to shard i
type MultiAddressProvider struct {
	endpoints []transport.Endpoint
}

// NewMultiAddressProvider parses one endpoint (or bare port) per shard
func NewMultiAddressProvider(endpoints []string) (*MultiAddressProvider, error) {
	m := &MultiAddressProvider{endpoints: make([]transport.Endpoint, 0, len(endpoints))}
	for i, s := range endpoints {
		ep, err := transport.ParseEndpoint(s)
		if err != nil {
			return nil, fmt.Errorf("tcp endpoint of shard %d: %w", i, err)
		}
		if ep.Protocol != transport.ProtoTCP {
			return nil, fmt.Errorf("tcp endpoint of shard %d: %w %q", i, transport.ErrUnsupportedProtocol, ep.Protocol)
		}
		m.endpoints = append(m.endpoints, ep)
	}
	return m, nil
}

func (m *MultiAddressProvider) Endpoint(shardID int) (transport.Endpoint, bool) {
	if shardID < 0 || shardID >= len(m.endpoints) {
		return transport.Endpoint{}, false
	}
	return m.endpoints[shardID], true
}

// Len returns the number of configured endpoints
func (m *MultiAddressProvider) Len() int {
	return len(m.endpoints)
}
