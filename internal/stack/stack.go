package stack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/neterr"
	"github.com/die-net/netkit/internal/proxy"
	"github.com/die-net/netkit/internal/resolver"
	"github.com/die-net/netkit/internal/socket"
	"github.com/die-net/netkit/internal/socks"
)

type Config struct {
	// Resolver defaults to a caching resolver over the system name
	// service.
	Resolver socket.LocalResolver
	// Selector routes stream connections and proxied listeners. Nil
	// connects everything directly.
	Selector      proxy.Selector
	Authenticator socks.Authenticator

	// ConnectTimeout bounds each Dial when the context has no earlier
	// deadline. Zero means no limit.
	ConnectTimeout time.Duration
	// AcceptOptions are applied to every accepted stream socket.
	AcceptOptions []socket.Option
	// FilterDatagrams makes connected datagram endpoints filter by peer in
	// user space instead of connecting the kernel socket.
	FilterDatagrams bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stack creates sockets that share one configuration. It is safe for
// concurrent use.
type Stack struct {
	cfg Config
	// direct builds kernel sockets; proxied routes through the selector.
	direct  socket.Config
	proxied socket.Config
}

func New(cfg Config) *Stack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.New(resolver.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}

	direct := socket.Config{
		Resolver:             cfg.Resolver,
		DisableNativeConnect: cfg.FilterDatagrams,
		AcceptOptions:        cfg.AcceptOptions,
		Logger:               cfg.Logger,
		Metrics:              cfg.Metrics,
	}
	proxied := direct
	proxied.NewTransport = socks.Transports(socks.Config{
		Selector:      cfg.Selector,
		Authenticator: cfg.Authenticator,
		Resolver:      cfg.Resolver,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
	})
	return &Stack{cfg: cfg, direct: direct, proxied: proxied}
}

// SocketConfig returns the configuration of the stack's proxied sockets,
// for building sockets by hand.
func (s *Stack) SocketConfig() socket.Config { return s.proxied }

// Dial connects to address ("host:port"), through a proxy if the selector
// names one. Canceling ctx abandons the attempt.
func (s *Stack) Dial(ctx context.Context, address string) (*socket.StreamSocket, error) {
	ep, err := socket.ParseEndpoint(address)
	if err != nil {
		return nil, neterr.Usage("dial", err)
	}
	return s.DialEndpoint(ctx, ep)
}

func (s *Stack) DialEndpoint(ctx context.Context, ep socket.Endpoint) (*socket.StreamSocket, error) {
	if err := ctx.Err(); err != nil {
		return nil, neterr.IO("dial", ep.String(), err)
	}
	conn, err := socket.NewStreamSocket(s.proxied)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.Connect(ep, s.timeout(ctx)); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, neterr.IO("dial", ep.String(), cerr)
		}
		return nil, err
	}
	if !stop() {
		// AfterFunc already closed it.
		return nil, neterr.IO("dial", ep.String(), ctx.Err())
	}
	return conn, nil
}

// timeout is the connect timeout for ctx: ConnectTimeout, shortened to the
// context deadline.
func (s *Stack) timeout(ctx context.Context) time.Duration {
	timeout := s.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		until := time.Until(dl)
		if until <= 0 {
			// Connect treats zero as no limit.
			until = time.Nanosecond
		}
		if timeout == 0 || until < timeout {
			timeout = until
		}
	}
	return timeout
}

// DialContext makes a Stack usable wherever a net.Dialer is. Only stream
// networks are supported.
func (s *Stack) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, neterr.Usage("dial", fmt.Errorf("unsupported network %q", network))
	}
	conn, err := s.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Listen listens on addr directly, whatever the selector says.
func (s *Stack) Listen(addr netip.AddrPort, backlog int) (*socket.ListenerSocket, error) {
	return socket.Listen(s.direct, addr, backlog)
}

// ListenVia listens on addr, or asks a SOCKS proxy to listen when the
// selector names one for it. A proxied listener accepts one connection.
func (s *Stack) ListenVia(addr netip.AddrPort, backlog int) (*socket.ListenerSocket, error) {
	return socket.Listen(s.proxied, addr, backlog)
}

// ListenDatagram returns a datagram endpoint bound to addr.
func (s *Stack) ListenDatagram(addr netip.AddrPort) (*socket.DatagramEndpoint, error) {
	return socket.ListenDatagram(s.direct, addr)
}

// Lookup resolves host through the stack's resolver.
func (s *Stack) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return s.cfg.Resolver.LookupHost(ctx, host)
}

// LookupAddr returns the name of addr if the resolver can reverse
// lookups.
func (s *Stack) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	rr, ok := s.cfg.Resolver.(interface {
		LookupAddr(ctx context.Context, addr netip.Addr) (string, error)
	})
	if !ok {
		return "", neterr.New(neterr.KindIO, "lookup", addr.String(), neterr.ErrUnsupported)
	}
	return rr.LookupAddr(ctx, addr)
}

// LocalHost returns this machine's primary address.
func (s *Stack) LocalHost(ctx context.Context) (netip.Addr, error) {
	return s.cfg.Resolver.LocalHost(ctx)
}
