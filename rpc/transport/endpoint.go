package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol names used as URL schemes of endpoints
const (
	ProtoTCP      = "tcp+drt"
	ProtoRDMA     = "rdma+drt"
	ProtoAutoRDMA = "auto-rdma+drt"
)

// Endpoint is a transport address of the form <protocol>://<host>:<port>.
// Auto-RDMA endpoints may carry the peer's TCP port for the fallback as
// <host>:<port>?tcp=<tcp port>.
type Endpoint struct {
	Protocol string
	Host     string
	Port     uint16
	// TCPPort is the fallback port of an auto-rdma endpoint, 0 means Port
	TCPPort uint16
}

// ParseEndpoint parses a full endpoint URL or a bare port. A bare port means
// the TCP wildcard address, e.g. "12345" is tcp+drt://0.0.0.0:12345.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	if port, err := strconv.ParseUint(s, 10, 16); err == nil {
		return Endpoint{Protocol: ProtoTCP, Host: "0.0.0.0", Port: uint16(port)}, nil
	}

	proto, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: expected <protocol>://<host>:<port> or a port", s)
	}
	switch proto {
	case ProtoTCP, ProtoRDMA, ProtoAutoRDMA:
	default:
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w %q", s, ErrUnsupportedProtocol, proto)
	}

	var tcpPort uint64
	rest, query, hasQuery := strings.Cut(rest, "?")
	if hasQuery {
		value, ok := strings.CutPrefix(query, "tcp=")
		if !ok || proto != ProtoAutoRDMA {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: unexpected parameter %q", s, query)
		}
		var err error
		if tcpPort, err = strconv.ParseUint(value, 10, 16); err != nil {
			return Endpoint{}, fmt.Errorf("invalid tcp port in endpoint %q: %v", s, err)
		}
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %v", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q: %v", s, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}

	return Endpoint{Protocol: proto, Host: host, Port: uint16(port), TCPPort: uint16(tcpPort)}, nil
}

// MustParseEndpoint is ParseEndpoint for constants and tests
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// EndpointFromAddr converts a TCP address into an endpoint of the given protocol.
// Unspecified hosts ("::" of a dual stack listener) are reported as 0.0.0.0.
func EndpointFromAddr(protocol string, addr net.Addr) Endpoint {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{Protocol: protocol, Host: addr.String()}
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "0.0.0.0"
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return Endpoint{Protocol: protocol, Host: host, Port: uint16(port)}
}

// Address returns host:port suitable for net.Dial
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// WithProtocol returns a copy of the endpoint using another protocol. The
// fallback port only survives on auto-rdma endpoints.
func (e Endpoint) WithProtocol(protocol string) Endpoint {
	e.Protocol = protocol
	if protocol != ProtoAutoRDMA {
		e.TCPPort = 0
	}
	return e
}

// FallbackEndpoint returns the TCP endpoint an auto-rdma connect falls back to
func (e Endpoint) FallbackEndpoint() Endpoint {
	port := e.Port
	if e.TCPPort != 0 {
		port = e.TCPPort
	}
	return Endpoint{Protocol: ProtoTCP, Host: e.Host, Port: port}
}

// String returns the URL form
func (e Endpoint) String() string {
	s := e.Protocol + "://" + e.Address()
	if e.TCPPort != 0 {
		s += "?tcp=" + strconv.Itoa(int(e.TCPPort))
	}
	return s
}
