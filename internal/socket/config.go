package socket

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/die-net/netkit/internal/metrics"
)

// Option is a socket option setting.
type Option struct {
	Kind  OptionKind
	Value OptionValue
}

// Config is shared by the sockets built from it. The zero value uses
// kernel transports and the system resolver.
type Config struct {
	// NewTransport returns the transport for each new stream or listener
	// socket. The default is a kernel transport.
	NewTransport func() Transport
	// NewDatagramTransport likewise for datagram endpoints.
	NewDatagramTransport func() DatagramTransport

	// Resolver resolves endpoints given by name. If it is also a
	// LocalResolver it supplies the address substituted when connecting
	// to the unspecified address.
	Resolver Resolver

	// DisableNativeConnect makes datagram endpoints filter by peer in
	// user space instead of connecting the kernel socket.
	DisableNativeConnect bool

	// AcceptOptions are applied to every accepted stream socket.
	AcceptOptions []Option

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Resolver == nil {
		c.Resolver = SystemResolver{}
	}
	plain := PlainConfig{Resolver: c.Resolver, Logger: c.Logger, Metrics: c.Metrics}
	if c.NewTransport == nil {
		c.NewTransport = PlainTransports(plain)
	}
	if c.NewDatagramTransport == nil {
		c.NewDatagramTransport = func() DatagramTransport { return NewPlain(plain) }
	}
	return c
}

var loopback4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// localHost returns the address used in place of a wildcard destination.
func (c Config) localHost() netip.Addr {
	lr, ok := c.Resolver.(LocalResolver)
	if !ok {
		return loopback4
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := lr.LocalHost(ctx)
	if err != nil || !addr.IsValid() {
		c.Logger.Debug("socket: local host lookup failed, using loopback", "error", err)
		return loopback4
	}
	return addr
}

var errNegativeTimeout = errors.New("timeout can't be negative")
