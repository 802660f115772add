//go:build linux || darwin

package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/neterr"
)

// PlainConfig configures kernel transports.
type PlainConfig struct {
	// Resolver resolves endpoints given by name. It defaults to the
	// system resolver without caching.
	Resolver Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Plain is a Transport and DatagramTransport backed directly by a kernel
// socket.
type Plain struct {
	cfg PlainConfig

	kind   Kind
	family int
	h      *Handle

	mu      sync.Mutex
	local   netip.AddrPort
	remote  netip.AddrPort
	timeout time.Duration
	linger  OptionValue
}

var (
	_ Transport         = (*Plain)(nil)
	_ DatagramTransport = (*Plain)(nil)
)

func NewPlain(cfg PlainConfig) *Plain {
	if cfg.Resolver == nil {
		cfg.Resolver = SystemResolver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Plain{cfg: cfg, linger: Bool(false)}
}

// PlainTransports returns a constructor of kernel transports for use as a
// Config.NewTransport.
func PlainTransports(cfg PlainConfig) func() Transport {
	return func() Transport { return NewPlain(cfg) }
}

var errAlreadyCreated = errors.New("already created")

func (p *Plain) Create(kind Kind) error {
	if p.h != nil {
		return neterr.State("create", errAlreadyCreated)
	}
	typ := unix.SOCK_STREAM
	if kind == Datagram {
		typ = unix.SOCK_DGRAM
	}
	fd, family, err := openSocket(typ)
	if err != nil {
		return neterr.IO("create", "", fmt.Errorf("socket: %w", err))
	}
	p.kind, p.family = kind, family
	p.own(fd)
	p.cfg.Metrics.SocketCreated(kind.String())
	return nil
}

// own wraps fd in a Handle that is closed if p is garbage collected
// without being closed.
func (p *Plain) own(fd int) {
	p.h = NewHandle(fd, p.cfg.Metrics.DescriptorClosed)
	runtime.AddCleanup(p, func(h *Handle) { _ = h.Close() }, p.h)
}

// acquire returns the descriptor for op, which must release it.
func (p *Plain) acquire(op string) (int, error) {
	if p.h == nil {
		return -1, neterr.State(op, neterr.ErrNotCreated)
	}
	fd := p.h.Acquire()
	if fd < 0 || p.h.Closing() {
		p.h.Release()
		return -1, neterr.State(op, neterr.ErrClosed)
	}
	return fd, nil
}

func (p *Plain) waitErr(op, addr string, err error) error {
	switch {
	case errors.Is(err, neterr.ErrClosed):
		return neterr.State(op, neterr.ErrClosed)
	case errors.Is(err, neterr.ErrTimeout):
		return neterr.Timeout(op, addr)
	default:
		return neterr.IO(op, addr, err)
	}
}

// failed classifies a syscall error, reporting ErrClosed if the failure was
// caused by a concurrent Close.
func (p *Plain) failed(op, addr string, err error) error {
	if p.h.Closing() {
		return neterr.State(op, neterr.ErrClosed)
	}
	return neterr.IO(op, addr, err)
}

func (p *Plain) updateLocal(fd int) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.local = fromSockaddr(sa)
	p.mu.Unlock()
}

func (p *Plain) Bind(addr netip.AddrPort) error {
	fd, err := p.acquire("bind")
	if err != nil {
		return err
	}
	defer p.h.Release()

	sa, err := toSockaddr(p.family, addr)
	if err != nil {
		return neterr.Usage("bind", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return neterr.IO("bind", addr.String(), err)
	}
	p.updateLocal(fd)
	return nil
}

func (p *Plain) Listen(backlog int) error {
	fd, err := p.acquire("listen")
	if err != nil {
		return err
	}
	defer p.h.Release()

	if err := unix.Listen(fd, backlog); err != nil {
		return neterr.IO("listen", p.LocalAddr().String(), err)
	}
	return nil
}

// resolve picks the address to connect to: the first one the socket's
// family can reach.
func (p *Plain) resolve(ep Endpoint, deadline time.Time) (netip.AddrPort, error) {
	if ep.Resolved() {
		return ep.AddrPort(), nil
	}
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	addrs, err := p.cfg.Resolver.LookupHost(ctx, ep.Host)
	if err != nil {
		if ctx.Err() != nil {
			return netip.AddrPort{}, neterr.Timeout("connect", ep.String())
		}
		if neterr.KindOf(err) == neterr.KindResolution {
			return netip.AddrPort{}, err
		}
		return netip.AddrPort{}, neterr.HostNotFound(ep.Host, err)
	}
	for _, a := range addrs {
		if p.family == unix.AF_INET6 || a.Unmap().Is4() {
			return netip.AddrPortFrom(a, ep.Port), nil
		}
	}
	return netip.AddrPort{}, neterr.HostNotFound(ep.Host, errors.New("no IPv4 address"))
}

func (p *Plain) Connect(ep Endpoint, deadline time.Time) error {
	fd, err := p.acquire("connect")
	if err != nil {
		return err
	}
	defer p.h.Release()

	start := time.Now()
	ap, err := p.resolve(ep, deadline)
	if err != nil {
		p.cfg.Metrics.ConnectFailed("resolve")
		return err
	}
	sa, err := toSockaddr(p.family, ap)
	if err != nil {
		return neterr.Usage("connect", err)
	}

	if err := p.connectFD(fd, sa, deadline); err != nil {
		p.cfg.Metrics.ConnectFailed(connectFailure(err))
		return p.waitErr("connect", ap.String(), err)
	}
	p.h.clearReset()
	p.updateLocal(fd)
	p.mu.Lock()
	p.remote = ap
	p.mu.Unlock()
	p.cfg.Metrics.ConnectDone(start)
	return nil
}

// connectFD runs a non-blocking connect to completion.
func (p *Plain) connectFD(fd int, sa unix.Sockaddr, deadline time.Time) error {
	switch err := unix.Connect(fd, sa); {
	case err == nil, errors.Is(err, unix.EISCONN):
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY), errors.Is(err, unix.EINTR):
	default:
		return err
	}
	for {
		if err := waitFD(p.h, fd, unix.POLLOUT, deadline); err != nil {
			return err
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		switch e := unix.Errno(soerr); e {
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
			continue
		case unix.EISCONN:
			return nil
		case 0:
			if _, err := unix.Getpeername(fd); err == nil {
				return nil
			}
		default:
			return e
		}
	}
}

func connectFailure(err error) string {
	switch {
	case errors.Is(err, neterr.ErrTimeout):
		return "timeout"
	case errors.Is(err, unix.ECONNREFUSED):
		return "refused"
	case errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.EHOSTUNREACH):
		return "unreachable"
	default:
		return "other"
	}
}

func (p *Plain) Accept(deadline time.Time) (Transport, error) {
	fd, err := p.acquire("accept")
	if err != nil {
		return nil, err
	}
	defer p.h.Release()

	deadline = EffectiveDeadline(deadline, p.Timeout())
	for {
		nfd, sa, err := unix.Accept(fd)
		if err == nil {
			return p.adopt(nfd, sa)
		}
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := waitFD(p.h, fd, unix.POLLIN, deadline); err != nil {
				return nil, p.waitErr("accept", p.LocalAddr().String(), err)
			}
		default:
			return nil, p.failed("accept", p.LocalAddr().String(), err)
		}
	}
}

// adopt wraps an accepted descriptor, closing it if that fails.
func (p *Plain) adopt(nfd int, sa unix.Sockaddr) (*Plain, error) {
	if err := prepareFD(nfd); err != nil {
		_ = unix.Close(nfd)
		return nil, neterr.IO("accept", p.LocalAddr().String(), err)
	}
	c := NewPlain(p.cfg)
	c.kind, c.family = Stream, p.family
	c.own(nfd)
	c.remote = fromSockaddr(sa)
	c.updateLocal(nfd)
	p.cfg.Metrics.SocketCreated("accepted")
	return c, nil
}

// Adopt wraps a connected stream descriptor obtained elsewhere, such as
// one detached from another Handle. The transport takes ownership of fd.
func Adopt(cfg PlainConfig, fd int) (*Plain, error) {
	p := NewPlain(cfg)
	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, neterr.IO("adopt", "", err)
	}
	p.kind = Stream
	p.family = unix.AF_INET6
	if _, ok := sa.(*unix.SockaddrInet4); ok {
		p.family = unix.AF_INET
	}
	p.own(fd)
	p.local = fromSockaddr(sa)
	if peer, err := unix.Getpeername(fd); err == nil {
		p.remote = fromSockaddr(peer)
	}
	return p, nil
}

func (p *Plain) Read(b []byte, deadline time.Time) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	fd, err := p.acquire("read")
	if err != nil {
		return 0, err
	}
	defer p.h.Release()

	addr := p.RemoteAddr().String()
	if p.h.ResetState() == Reset {
		return 0, neterr.New(neterr.KindIO, "read", addr, neterr.ErrConnectionReset)
	}
	deadline = EffectiveDeadline(deadline, p.Timeout())
	gotReset := false
	for {
		n, err := unix.Read(fd, b)
		switch {
		case err == nil && n > 0:
			return n, nil
		case err == nil:
			if p.h.Closing() {
				return 0, neterr.State("read", neterr.ErrClosed)
			}
			if gotReset {
				p.h.MarkReset()
				return 0, neterr.New(neterr.KindIO, "read", addr, neterr.ErrConnectionReset)
			}
			return 0, io.EOF
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECONNRESET) && !gotReset:
			// Data may still be buffered ahead of the reset.
			p.h.MarkResetPending()
			gotReset = true
			continue
		case errors.Is(err, unix.ECONNRESET), gotReset && errors.Is(err, unix.EAGAIN):
			p.h.MarkReset()
			return 0, neterr.New(neterr.KindIO, "read", addr, neterr.ErrConnectionReset)
		case errors.Is(err, unix.EAGAIN):
			if err := waitFD(p.h, fd, unix.POLLIN, deadline); err != nil {
				return 0, p.waitErr("read", addr, err)
			}
		default:
			return 0, p.failed("read", addr, err)
		}
	}
}

func (p *Plain) Write(b []byte, deadline time.Time) (int, error) {
	fd, err := p.acquire("write")
	if err != nil {
		return 0, err
	}
	defer p.h.Release()

	addr := p.RemoteAddr().String()
	nn := 0
	for nn < len(b) {
		n, err := unix.Write(fd, b[nn:])
		if n > 0 {
			nn += n
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := waitFD(p.h, fd, unix.POLLOUT, deadline); err != nil {
				return nn, p.waitErr("write", addr, err)
			}
		case p.h.Closing():
			return nn, neterr.State("write", neterr.ErrClosed)
		case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
			p.h.MarkResetPending()
			return nn, neterr.New(neterr.KindIO, "write", addr, neterr.ErrConnectionReset)
		default:
			return nn, neterr.IO("write", addr, err)
		}
	}
	return nn, nil
}

func (p *Plain) Available() (int, error) {
	fd, err := p.acquire("available")
	if err != nil {
		return 0, err
	}
	defer p.h.Release()

	switch p.h.ResetState() {
	case ResetPending:
		return 0, nil
	case Reset:
		return 0, neterr.New(neterr.KindIO, "available", p.RemoteAddr().String(), neterr.ErrConnectionReset)
	}
	n, err := unix.IoctlGetInt(fd, ioctlInq)
	if err != nil {
		return 0, neterr.IO("available", "", err)
	}
	return n, nil
}

func (p *Plain) shutdown(op string, how int) error {
	fd, err := p.acquire(op)
	if err != nil {
		return err
	}
	defer p.h.Release()

	if err := unix.Shutdown(fd, how); err != nil {
		return neterr.IO(op, p.RemoteAddr().String(), err)
	}
	return nil
}

func (p *Plain) ShutdownInput() error  { return p.shutdown("shutdown input", unix.SHUT_RD) }
func (p *Plain) ShutdownOutput() error { return p.shutdown("shutdown output", unix.SHUT_WR) }

func (p *Plain) Close() error {
	if p.h == nil {
		return nil
	}
	if err := p.h.Close(); err != nil {
		return neterr.IO("close", "", err)
	}
	return nil
}

func (p *Plain) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

type sockopt struct {
	level, name int
}

func (p *Plain) sockopt(kind OptionKind) sockopt {
	switch kind {
	case SendBuffer:
		return sockopt{unix.SOL_SOCKET, unix.SO_SNDBUF}
	case ReceiveBuffer:
		return sockopt{unix.SOL_SOCKET, unix.SO_RCVBUF}
	case KeepAlive:
		return sockopt{unix.SOL_SOCKET, unix.SO_KEEPALIVE}
	case TOS:
		if p.family == unix.AF_INET6 {
			return sockopt{unix.IPPROTO_IPV6, unix.IPV6_TCLASS}
		}
		return sockopt{unix.IPPROTO_IP, unix.IP_TOS}
	case ReuseAddress:
		return sockopt{unix.SOL_SOCKET, unix.SO_REUSEADDR}
	case NoDelay:
		return sockopt{unix.IPPROTO_TCP, unix.TCP_NODELAY}
	case OOBInline:
		return sockopt{unix.SOL_SOCKET, unix.SO_OOBINLINE}
	case Broadcast:
		return sockopt{unix.SOL_SOCKET, unix.SO_BROADCAST}
	default:
		return sockopt{}
	}
}

func (p *Plain) SetOption(kind OptionKind, v OptionValue) error {
	v, err := CheckOption(kind, v, p.kind)
	if err != nil {
		return err
	}
	if kind == Timeout {
		d, _ := v.Duration()
		p.mu.Lock()
		p.timeout = d
		p.mu.Unlock()
		return nil
	}

	op := "set " + kind.String()
	fd, err := p.acquire(op)
	if err != nil {
		return err
	}
	defer p.h.Release()

	switch kind {
	case Linger:
		var l unix.Linger
		if d, ok := v.Duration(); ok {
			l.Onoff = 1
			l.Linger = int32(d / time.Second)
		}
		err = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l)
		if err == nil {
			p.mu.Lock()
			p.linger = v
			p.mu.Unlock()
		}
	case SendBuffer, ReceiveBuffer, TOS:
		n, _ := v.Int()
		so := p.sockopt(kind)
		err = unix.SetsockoptInt(fd, so.level, so.name, n)
		if err == nil && kind == TOS && p.family == unix.AF_INET6 {
			// Also cover IPv4 traffic on the dual-stack socket.
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, n)
		}
	default:
		b, _ := v.Bool()
		so := p.sockopt(kind)
		err = unix.SetsockoptInt(fd, so.level, so.name, boolInt(b))
	}
	if err != nil {
		return neterr.IO(op, "", err)
	}
	return nil
}

func (p *Plain) Option(kind OptionKind) (OptionValue, error) {
	op := "get " + kind.String()
	if err := applies(kind, p.kind); err != nil {
		return OptionValue{}, neterr.Usage(op, err)
	}
	switch kind {
	case Timeout:
		return Duration(p.Timeout()), nil
	case Linger:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.linger, nil
	}

	fd, err := p.acquire(op)
	if err != nil {
		return OptionValue{}, err
	}
	defer p.h.Release()

	so := p.sockopt(kind)
	n, err := unix.GetsockoptInt(fd, so.level, so.name)
	if err != nil {
		return OptionValue{}, neterr.IO(op, "", err)
	}
	switch kind {
	case SendBuffer, ReceiveBuffer, TOS:
		return Int(n), nil
	default:
		return Bool(n != 0), nil
	}
}

func (p *Plain) LocalAddr() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Plain) RemoteAddr() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *Plain) Handle() *Handle { return p.h }

func (p *Plain) ConnectDatagram(peer netip.AddrPort) error {
	fd, err := p.acquire("connect")
	if err != nil {
		return err
	}
	defer p.h.Release()

	sa, err := toSockaddr(p.family, peer)
	if err != nil {
		return neterr.Usage("connect", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		return neterr.IO("connect", peer.String(), err)
	}
	p.updateLocal(fd)
	p.mu.Lock()
	p.remote = peer
	p.mu.Unlock()
	return nil
}

func (p *Plain) DisconnectDatagram() error {
	fd, err := p.acquire("disconnect")
	if err != nil {
		return err
	}
	defer p.h.Release()

	port := p.LocalAddr().Port()
	if err := disconnectFD(fd); err != nil {
		return neterr.IO("disconnect", p.RemoteAddr().String(), err)
	}
	if err := restorePort(fd, p.family, port); err != nil {
		return neterr.IO("disconnect", p.LocalAddr().String(), err)
	}
	p.updateLocal(fd)
	p.mu.Lock()
	p.remote = netip.AddrPort{}
	p.mu.Unlock()
	return nil
}

func (p *Plain) SendTo(b []byte, to netip.AddrPort, deadline time.Time) (int, error) {
	fd, err := p.acquire("send")
	if err != nil {
		return 0, err
	}
	defer p.h.Release()

	var sa unix.Sockaddr
	if to.IsValid() {
		if sa, err = toSockaddr(p.family, to); err != nil {
			return 0, neterr.Usage("send", err)
		}
	}
	for {
		if sa != nil {
			err = unix.Sendto(fd, b, 0, sa)
		} else {
			_, err = unix.Write(fd, b)
		}
		switch {
		case err == nil:
			return len(b), nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := waitFD(p.h, fd, unix.POLLOUT, deadline); err != nil {
				return 0, p.waitErr("send", to.String(), err)
			}
		default:
			return 0, p.failed("send", to.String(), err)
		}
	}
}

func (p *Plain) ReceiveFrom(b []byte, peek bool, deadline time.Time) (int, netip.AddrPort, error) {
	fd, err := p.acquire("receive")
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	defer p.h.Release()

	flags := 0
	if peek {
		flags = unix.MSG_PEEK
	}
	deadline = EffectiveDeadline(deadline, p.Timeout())
	for {
		n, from, err := unix.Recvfrom(fd, b, flags)
		switch {
		case err == nil:
			return n, fromSockaddr(from), nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := waitFD(p.h, fd, unix.POLLIN, deadline); err != nil {
				return 0, netip.AddrPort{}, p.waitErr("receive", p.LocalAddr().String(), err)
			}
		default:
			return 0, netip.AddrPort{}, p.failed("receive", p.RemoteAddr().String(), err)
		}
	}
}
