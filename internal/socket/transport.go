package socket

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Kind is the type of a socket.
type Kind int

const (
	Stream Kind = iota
	Datagram
)

func (k Kind) String() string {
	if k == Datagram {
		return "datagram"
	}
	return "stream"
}

// Endpoint is a remote address that may not be resolved yet. Host is set
// when the endpoint was given by name, Addr once it has an address.
type Endpoint struct {
	Host string
	Addr netip.Addr
	Port uint16
}

// EndpointOf returns a resolved endpoint.
func EndpointOf(ap netip.AddrPort) Endpoint {
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

// ParseEndpoint splits "host:port". The host is kept unresolved unless it
// is an IP literal.
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, &net.AddrError{Err: "invalid port", Addr: hostport}
	}
	ep := Endpoint{Host: host, Port: uint16(port)}
	if addr, err := netip.ParseAddr(host); err == nil {
		ep.Addr = addr.Unmap()
	}
	return ep, nil
}

// Resolved reports whether the endpoint has an address.
func (e Endpoint) Resolved() bool { return e.Addr.IsValid() }

// AddrPort returns the address and port; it is invalid if the endpoint is
// unresolved.
func (e Endpoint) AddrPort() netip.AddrPort { return netip.AddrPortFrom(e.Addr, e.Port) }

// HostName returns Host if set, or the address in text form.
func (e Endpoint) HostName() string {
	if e.Host != "" {
		return e.Host
	}
	if e.Addr.IsValid() {
		return e.Addr.String()
	}
	return ""
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.HostName(), strconv.Itoa(int(e.Port)))
}

// Resolver looks up host names for unresolved endpoints.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemResolver resolves through net.DefaultResolver without caching.
type SystemResolver struct{}

func (SystemResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// LocalResolver additionally knows this machine's own address.
type LocalResolver interface {
	Resolver
	LocalHost(ctx context.Context) (netip.Addr, error)
}

// Transport is the protocol machinery beneath a socket. Plain is the
// kernel implementation; decorators wrap another Transport and present
// the same interface. A Transport is not safe for concurrent control
// calls, but Read and Write may run concurrently with each other and with
// Close.
type Transport interface {
	// Create allocates the descriptor.
	Create(kind Kind) error
	// Connect connects to ep, resolving it if needed. A zero deadline
	// means no limit.
	Connect(ep Endpoint, deadline time.Time) error
	Bind(addr netip.AddrPort) error
	Listen(backlog int) error
	// Accept waits for a connection on a listening transport and returns
	// a connected transport for it.
	Accept(deadline time.Time) (Transport, error)

	// Read returns io.EOF at end of stream. The effective deadline is the
	// earlier of deadline and the Timeout option.
	Read(p []byte, deadline time.Time) (int, error)
	Write(p []byte, deadline time.Time) (int, error)
	// Available returns the number of bytes that can be read without
	// blocking.
	Available() (int, error)

	ShutdownInput() error
	ShutdownOutput() error
	Close() error

	SetOption(kind OptionKind, v OptionValue) error
	Option(kind OptionKind) (OptionValue, error)

	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Handle() *Handle
}

// DatagramTransport is the machinery beneath a DatagramEndpoint.
type DatagramTransport interface {
	Create(kind Kind) error
	Bind(addr netip.AddrPort) error
	// ConnectDatagram sets the kernel's default destination and source
	// filter.
	ConnectDatagram(peer netip.AddrPort) error
	DisconnectDatagram() error
	// SendTo sends one datagram. An invalid to sends to the connected
	// peer.
	SendTo(p []byte, to netip.AddrPort, deadline time.Time) (int, error)
	// ReceiveFrom receives one datagram, truncating it to len(p). With
	// peek set the datagram stays queued.
	ReceiveFrom(p []byte, peek bool, deadline time.Time) (int, netip.AddrPort, error)
	Available() (int, error)
	Close() error

	SetOption(kind OptionKind, v OptionValue) error
	Option(kind OptionKind) (OptionValue, error)
	LocalAddr() netip.AddrPort
	Handle() *Handle
}

// EffectiveDeadline returns the earlier non-zero time of deadline and now+timeout.
func EffectiveDeadline(deadline time.Time, timeout time.Duration) time.Time {
	if timeout <= 0 {
		return deadline
	}
	t := time.Now().Add(timeout)
	if deadline.IsZero() || t.Before(deadline) {
		return t
	}
	return deadline
}
