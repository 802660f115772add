package socks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/neterr"
	"github.com/die-net/netkit/internal/proxy"
	"github.com/die-net/netkit/internal/socket"
	"github.com/die-net/netkit/internal/uri"
)

type Config struct {
	// Selector picks the proxies for each connection. With no Selector
	// every connection is direct.
	Selector      proxy.Selector
	Authenticator Authenticator
	// Resolver resolves targets that must be sent as addresses, which
	// SOCKS 4 requires.
	Resolver socket.Resolver
	// NewTransport creates the transports that carry connections to the
	// proxies and direct connections. The default is a kernel transport.
	NewTransport func() socket.Transport

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Resolver == nil {
		c.Resolver = socket.SystemResolver{}
	}
	if c.NewTransport == nil {
		c.NewTransport = socket.PlainTransports(c.plainConfig())
	}
	return c
}

func (c Config) plainConfig() socket.PlainConfig {
	return socket.PlainConfig{Resolver: c.Resolver, Logger: c.Logger, Metrics: c.Metrics}
}

// Transports returns a constructor of tunnels, for use as a
// socket.Config.NewTransport.
func Transports(cfg Config) func() socket.Transport {
	cfg = cfg.withDefaults()
	return func() socket.Transport { return NewTunnel(cfg) }
}

var errBindAccepted = errors.New("SOCKS BIND already accepted its connection")

// Tunnel is a socket.Transport that reaches its peer through a SOCKS
// proxy when the selector names one, and directly otherwise.
type Tunnel struct {
	cfg Config

	kind  socket.Kind
	inner socket.Transport

	// Replayed onto a fresh inner transport when a proxy candidate fails.
	opts     []socket.Option
	bindAddr netip.AddrPort
	bound    bool
	timeout  time.Duration

	mu      sync.Mutex
	proxied bool
	version int
	target  socket.Endpoint
	remote  netip.AddrPort
	local   netip.AddrPort
	// control carries a proxied BIND until its connection is accepted.
	control   socket.Transport
	bindProxy bool
}

var _ socket.Transport = (*Tunnel)(nil)

func NewTunnel(cfg Config) *Tunnel {
	return &Tunnel{cfg: cfg.withDefaults()}
}

func (t *Tunnel) Create(kind socket.Kind) error {
	if t.inner != nil {
		return neterr.State("create", errors.New("already created"))
	}
	t.kind = kind
	inner := t.cfg.NewTransport()
	if err := inner.Create(kind); err != nil {
		return err
	}
	t.inner = inner
	return nil
}

// fresh returns a new inner transport with the recorded options applied,
// and the recorded local binding if bind is set.
func (t *Tunnel) fresh(bind bool) (socket.Transport, error) {
	inner := t.cfg.NewTransport()
	if err := inner.Create(t.kind); err != nil {
		return nil, err
	}
	for _, o := range t.opts {
		if err := inner.SetOption(o.Kind, o.Value); err != nil {
			_ = inner.Close()
			return nil, err
		}
	}
	if bind && t.bound {
		if err := inner.Bind(t.bindAddr); err != nil {
			_ = inner.Close()
			return nil, err
		}
	}
	return inner, nil
}

func (t *Tunnel) Bind(addr netip.AddrPort) error {
	if err := t.inner.Bind(addr); err != nil {
		return err
	}
	t.bindAddr = addr
	t.bound = true
	return nil
}

// candidates returns the proxies to try for key, or nil to go direct.
// Trying stops at the first candidate that isn't a SOCKS proxy.
func (t *Tunnel) candidates(key *uri.URI) []proxy.Proxy {
	if t.cfg.Selector == nil || key == nil {
		return nil
	}
	var socks []proxy.Proxy
	for _, p := range t.cfg.Selector.Select(key) {
		if p.Type != proxy.TypeSOCKS {
			break
		}
		socks = append(socks, p)
	}
	return socks
}

// dialProxy connects tr to the first reachable candidate, reporting each
// failure to the selector. On failure tr may have been replaced, so the
// transport in use is returned either way.
func (t *Tunnel) dialProxy(tr socket.Transport, bind bool, key *uri.URI, candidates []proxy.Proxy, deadline time.Time) (socket.Transport, proxy.Proxy, error) {
	var last error
	for i, p := range candidates {
		if i > 0 {
			_ = tr.Close()
			next, err := t.fresh(bind)
			if err != nil {
				return tr, proxy.Proxy{}, err
			}
			tr = next
		}
		ep, err := socket.ParseEndpoint(p.Addr)
		if err != nil {
			last = err
			t.cfg.Selector.ConnectFailed(key, p, err)
			continue
		}
		if err := tr.Connect(ep, deadline); err != nil {
			last = err
			t.cfg.Selector.ConnectFailed(key, p, err)
			if neterr.IsTimeout(err) {
				break
			}
			continue
		}
		return tr, p, nil
	}
	if neterr.IsTimeout(last) {
		return tr, proxy.Proxy{}, last
	}
	return tr, proxy.Proxy{}, neterr.New(neterr.KindIO, "socks connect", "", fmt.Errorf("can't connect to SOCKS proxy: %w", last))
}

func (t *Tunnel) Connect(ep socket.Endpoint, deadline time.Time) error {
	if t.kind != socket.Stream {
		return t.inner.Connect(ep, deadline)
	}
	key, err := proxy.Target(ep.HostName(), ep.Port)
	if err != nil {
		t.cfg.Logger.Debug("socks: no selector key", "target", ep.String(), "error", err)
	}
	candidates := t.candidates(key)
	if len(candidates) == 0 {
		return t.inner.Connect(ep, deadline)
	}

	tr, p, err := t.dialProxy(t.inner, true, key, candidates, deadline)
	t.inner = tr
	if err != nil {
		return err
	}

	rw := deadlineRW{t: tr, deadline: deadline}
	hs, err := t.handshake(rw, p, txsocks5.CmdConnect, v4Connect, ep, deadline)
	if err != nil {
		_ = tr.Close()
		return err
	}

	remote := ep.AddrPort()
	if hs.version == 4 {
		remote = hs.sent
	}
	t.mu.Lock()
	t.proxied = true
	t.version = hs.version
	t.target = ep
	t.remote = remote
	t.mu.Unlock()
	t.cfg.Logger.Debug("socks: connected", "proxy", p.String(), "target", ep.String(), "version", hs.version)
	return nil
}

type handshakeResult struct {
	version int
	// bound is the address from the proxy's reply.
	bound netip.AddrPort
	// sent is the target address a version 4 request carried.
	sent netip.AddrPort
}

// handshake runs a version 5 negotiation, falling back to version 4, and
// sends one request.
func (t *Tunnel) handshake(rw deadlineRW, p proxy.Proxy, cmd5, cmd4 byte, ep socket.Endpoint, deadline time.Time) (handshakeResult, error) {
	start := time.Now()
	hs := handshakeResult{version: 5}
	err := func() error {
		if p.Version != 4 {
			v4, err := negotiateV5(rw, t.cfg.credentialsFor(p))
			if err != nil {
				return err
			}
			if !v4 {
				hs.bound, err = requestV5(rw, cmd5, ep)
				return err
			}
			t.cfg.Logger.Debug("socks: proxy is not a version 5 server, trying version 4", "proxy", p.Addr)
		}
		hs.version = 4
		ap, err := t.resolve4(ep, deadline)
		if err != nil {
			return err
		}
		hs.sent = ap
		hs.bound, err = requestV4(rw, cmd4, ap, userID(p))
		return err
	}()

	v := strconv.Itoa(hs.version)
	if err != nil {
		t.cfg.Metrics.SOCKSHandshake(v, "error", start)
		return hs, handshakeError(hs.version, p.Addr, err)
	}
	t.cfg.Metrics.SOCKSHandshake(v, "ok", start)
	return hs, nil
}

// handshakeError classifies a failed handshake. Timeouts, closes and
// resolution failures keep their kind; anything else is a protocol error.
func handshakeError(version int, addr string, err error) error {
	switch neterr.KindOf(err) {
	case neterr.KindTimeout, neterr.KindState, neterr.KindResolution, neterr.KindUsage:
		return err
	}
	return neterr.Protocol("socks"+strconv.Itoa(version)+" handshake", addr, err)
}

// resolve4 returns the IPv4 address SOCKS 4 needs for ep.
func (t *Tunnel) resolve4(ep socket.Endpoint, deadline time.Time) (netip.AddrPort, error) {
	if ep.Resolved() {
		if !ep.Addr.Unmap().Is4() {
			return netip.AddrPort{}, neterr.Usage("socks4 connect", errV4NeedsIPv4)
		}
		return netip.AddrPortFrom(ep.Addr.Unmap(), ep.Port), nil
	}
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	addrs, err := t.cfg.Resolver.LookupHost(ctx, ep.Host)
	if err != nil {
		if neterr.KindOf(err) == neterr.KindResolution {
			return netip.AddrPort{}, err
		}
		return netip.AddrPort{}, neterr.HostNotFound(ep.Host, err)
	}
	for _, a := range addrs {
		if a = a.Unmap(); a.Is4() {
			return netip.AddrPortFrom(a, ep.Port), nil
		}
	}
	return netip.AddrPort{}, neterr.HostNotFound(ep.Host, errV4NeedsIPv4)
}

// Listen listens directly, or asks a proxy to BIND and reports the
// proxy's listening address as the local address.
func (t *Tunnel) Listen(backlog int) error {
	bindAddr := t.bindAddr
	if !bindAddr.Addr().IsValid() {
		bindAddr = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	key, err := proxy.BindTarget(bindAddr.Addr().String(), bindAddr.Port())
	if err != nil {
		t.cfg.Logger.Debug("socks: no selector key", "bind", t.bindAddr, "error", err)
	}
	candidates := t.candidates(key)
	if len(candidates) == 0 {
		return t.inner.Listen(backlog)
	}

	// The control connection is an ordinary outgoing one; the local
	// binding stays with the inner transport.
	control, err := t.fresh(false)
	if err != nil {
		return err
	}
	var deadline time.Time
	if t.timeout > 0 {
		deadline = time.Now().Add(t.timeout)
	}
	control, p, err := t.dialProxy(control, false, key, candidates, deadline)
	if err != nil {
		_ = control.Close()
		return err
	}

	rw := deadlineRW{t: control, deadline: deadline}
	hs, err := t.handshake(rw, p, txsocks5.CmdBind, v4Bind, socket.EndpointOf(bindAddr), deadline)
	if err != nil {
		_ = control.Close()
		return err
	}
	bound := hs.bound
	if !bound.Addr().IsValid() || bound.Addr().IsUnspecified() {
		// The proxy listens on its own address.
		if pa := control.RemoteAddr(); pa.IsValid() {
			bound = netip.AddrPortFrom(pa.Addr(), bound.Port())
		}
	}

	t.mu.Lock()
	t.proxied = true
	t.bindProxy = true
	t.version = hs.version
	t.control = control
	t.local = bound
	t.mu.Unlock()
	t.cfg.Logger.Debug("socks: bound", "proxy", p.String(), "addr", bound, "version", hs.version)
	return nil
}

// Accept returns the connection a proxied BIND announces. The control
// connection to the proxy becomes that connection: its descriptor moves
// to the returned transport, and the tunnel accepts nothing more.
func (t *Tunnel) Accept(deadline time.Time) (socket.Transport, error) {
	t.mu.Lock()
	bindProxy, control, version := t.bindProxy, t.control, t.version
	t.mu.Unlock()
	if !bindProxy {
		return t.inner.Accept(deadline)
	}
	if control == nil {
		return nil, neterr.State("accept", errBindAccepted)
	}

	deadline = socket.EffectiveDeadline(deadline, t.timeout)
	rw := deadlineRW{t: control, deadline: deadline}
	var peer netip.AddrPort
	var err error
	if version == 4 {
		peer, err = readReplyV4(rw)
	} else {
		peer, err = readReplyV5(rw)
	}
	if err != nil {
		if neterr.IsTimeout(err) {
			return nil, err
		}
		t.dropControl()
		return nil, handshakeError(version, control.RemoteAddr().String(), err)
	}

	accepted, err := t.takeControl(control)
	if err != nil {
		return nil, err
	}
	return &bindConn{Transport: accepted, peer: peer}, nil
}

// takeControl transfers ownership of the control connection out of the
// tunnel.
func (t *Tunnel) takeControl(control socket.Transport) (socket.Transport, error) {
	t.mu.Lock()
	t.control = nil
	t.mu.Unlock()

	h := control.Handle()
	if h == nil {
		return control, nil
	}
	fd, err := h.Detach()
	if err != nil {
		_ = control.Close()
		return nil, neterr.State("accept", err)
	}
	adopted, err := socket.Adopt(t.cfg.plainConfig(), fd)
	if err != nil {
		return nil, err
	}
	if v, err := control.Option(socket.Timeout); err == nil {
		_ = adopted.SetOption(socket.Timeout, v)
	}
	return adopted, nil
}

func (t *Tunnel) dropControl() {
	t.mu.Lock()
	control := t.control
	t.control = nil
	t.mu.Unlock()
	if control != nil {
		_ = control.Close()
	}
}

// bindConn reports the peer a BIND reply announced as its remote address.
type bindConn struct {
	socket.Transport
	peer netip.AddrPort
}

func (c *bindConn) RemoteAddr() netip.AddrPort { return c.peer }

func (t *Tunnel) Read(p []byte, deadline time.Time) (int, error) { return t.inner.Read(p, deadline) }

func (t *Tunnel) Write(p []byte, deadline time.Time) (int, error) { return t.inner.Write(p, deadline) }

func (t *Tunnel) Available() (int, error) { return t.inner.Available() }

func (t *Tunnel) ShutdownInput() error { return t.inner.ShutdownInput() }

func (t *Tunnel) ShutdownOutput() error { return t.inner.ShutdownOutput() }

func (t *Tunnel) Close() error {
	t.dropControl()
	if t.inner == nil {
		return nil
	}
	return t.inner.Close()
}

func (t *Tunnel) SetOption(kind socket.OptionKind, v socket.OptionValue) error {
	if err := t.inner.SetOption(kind, v); err != nil {
		return err
	}
	if kind == socket.Timeout {
		t.timeout, _ = v.Duration()
	}
	for i, o := range t.opts {
		if o.Kind == kind {
			t.opts[i].Value = v
			return nil
		}
	}
	t.opts = append(t.opts, socket.Option{Kind: kind, Value: v})
	return nil
}

func (t *Tunnel) Option(kind socket.OptionKind) (socket.OptionValue, error) {
	return t.inner.Option(kind)
}

// LocalAddr is the proxy's listening address for a proxied BIND.
func (t *Tunnel) LocalAddr() netip.AddrPort {
	t.mu.Lock()
	bindProxy, local := t.bindProxy, t.local
	t.mu.Unlock()
	if bindProxy {
		return local
	}
	return t.inner.LocalAddr()
}

// RemoteAddr is the target rather than the proxy once connected through
// one. It is invalid for a target sent by name.
func (t *Tunnel) RemoteAddr() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proxied {
		return t.remote
	}
	return t.inner.RemoteAddr()
}

func (t *Tunnel) Handle() *socket.Handle { return t.inner.Handle() }

// Proxied reports whether the connection or listener goes through a proxy,
// and over which SOCKS version.
func (t *Tunnel) Proxied() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proxied, t.version
}

// Target is the endpoint a proxied connection was requested for.
func (t *Tunnel) Target() socket.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}
