package socket

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/die-net/netkit/internal/neterr"
)

// DefaultBacklog is used when Bind is given a backlog below 1.
const DefaultBacklog = 50

// ListenerSocket is a listening stream socket. It implements net.Listener.
type ListenerSocket struct {
	cfg Config
	t   Transport

	mu       sync.Mutex
	bound    bool
	closed   bool
	deadline time.Time
}

var _ net.Listener = (*ListenerSocket)(nil)

// NewListenerSocket returns an unbound listener with address reuse
// enabled.
func NewListenerSocket(cfg Config) (*ListenerSocket, error) {
	cfg = cfg.withDefaults()
	l := &ListenerSocket{cfg: cfg, t: cfg.NewTransport()}
	if err := l.t.Create(Stream); err != nil {
		return nil, err
	}
	if err := l.t.SetOption(ReuseAddress, Bool(true)); err != nil {
		cfg.Logger.Debug("socket: enable address reuse", "error", err)
	}
	return l, nil
}

// Listen returns a listener bound to addr.
func Listen(cfg Config, addr netip.AddrPort, backlog int) (*ListenerSocket, error) {
	l, err := NewListenerSocket(cfg)
	if err != nil {
		return nil, err
	}
	if err := l.Bind(addr, backlog); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Bind binds to addr and starts listening.
func (l *ListenerSocket) Bind(addr netip.AddrPort, backlog int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return neterr.State("bind", neterr.ErrClosed)
	}
	if l.bound {
		return neterr.State("bind", neterr.ErrAlreadyBound)
	}
	if backlog < 1 {
		backlog = DefaultBacklog
	}
	if err := l.t.Bind(addr); err != nil {
		return err
	}
	if err := l.t.Listen(backlog); err != nil {
		return err
	}
	l.bound = true
	return nil
}

// AcceptStream waits for a connection. It gives up with a timeout error
// once the deadline or the Timeout option expires; the listener remains
// usable after any failed accept.
func (l *ListenerSocket) AcceptStream() (*StreamSocket, error) {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return nil, neterr.State("accept", neterr.ErrClosed)
	case !l.bound:
		l.mu.Unlock()
		return nil, neterr.State("accept", neterr.ErrNotBound)
	}
	deadline := l.deadline
	l.mu.Unlock()

	t, err := l.t.Accept(deadline)
	if err != nil {
		return nil, err
	}
	for _, o := range l.cfg.AcceptOptions {
		if err := t.SetOption(o.Kind, o.Value); err != nil {
			_ = t.Close()
			return nil, err
		}
	}
	return newAcceptedStream(l.cfg, t), nil
}

func (l *ListenerSocket) Accept() (net.Conn, error) {
	s, err := l.AcceptStream()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops listening. A blocked Accept fails with a closed error.
func (l *ListenerSocket) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.t.Close()
}

func (l *ListenerSocket) Addr() net.Addr { return net.TCPAddrFromAddrPort(l.t.LocalAddr()) }

func (l *ListenerSocket) AddrPort() netip.AddrPort { return l.t.LocalAddr() }

// SetDeadline bounds pending and future Accept calls. The zero time
// removes the bound.
func (l *ListenerSocket) SetDeadline(t time.Time) error {
	l.mu.Lock()
	l.deadline = t
	l.mu.Unlock()
	return nil
}

func (l *ListenerSocket) SetOption(kind OptionKind, v OptionValue) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return neterr.State("set "+kind.String(), neterr.ErrClosed)
	}
	return l.t.SetOption(kind, v)
}

func (l *ListenerSocket) Option(kind OptionKind) (OptionValue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return OptionValue{}, neterr.State("get "+kind.String(), neterr.ErrClosed)
	}
	return l.t.Option(kind)
}

func (l *ListenerSocket) Transport() Transport { return l.t }

func (l *ListenerSocket) IsBound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}

func (l *ListenerSocket) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
