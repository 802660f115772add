package socket

import (
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/die-net/netkit/internal/neterr"
)

// StreamSocket is a client stream socket. It implements net.Conn once
// connected.
//
// After Close the state accessors keep reporting what was true before, so
// a closed socket can still be inspected.
type StreamSocket struct {
	cfg Config
	t   Transport

	mu         sync.Mutex
	created    bool
	bound      bool
	connected  bool
	closed     bool
	inputShut  bool
	outputShut bool

	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*StreamSocket)(nil)

// NewStreamSocket returns an unconnected stream socket.
func NewStreamSocket(cfg Config) (*StreamSocket, error) {
	cfg = cfg.withDefaults()
	s := &StreamSocket{cfg: cfg, t: cfg.NewTransport()}
	if err := s.create(); err != nil {
		return nil, err
	}
	return s, nil
}

// newAcceptedStream wraps a transport returned by Accept.
func newAcceptedStream(cfg Config, t Transport) *StreamSocket {
	return &StreamSocket{cfg: cfg, t: t, created: true, bound: true, connected: true}
}

func (s *StreamSocket) create() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return nil
	}
	if err := s.t.Create(Stream); err != nil {
		return err
	}
	s.created = true
	return nil
}

// checkOpen returns the state error for an operation on a closed socket.
// s.mu must be held.
func (s *StreamSocket) checkOpen(op string) error {
	if s.closed {
		return neterr.State(op, neterr.ErrClosed)
	}
	return nil
}

func (s *StreamSocket) checkConnected(op string) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if !s.connected {
		return neterr.State(op, neterr.ErrNotConnected)
	}
	return nil
}

// Bind binds the socket to a local address. Port 0 picks any free port.
func (s *StreamSocket) Bind(addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("bind"); err != nil {
		return err
	}
	if s.bound {
		return neterr.State("bind", neterr.ErrAlreadyBound)
	}
	if err := s.t.Bind(addr); err != nil {
		return err
	}
	s.bound = true
	return nil
}

// Connect connects to ep, waiting at most timeout; zero waits for as long
// as the kernel does. Connecting to the unspecified address connects to
// the local host instead. If the connection fails the socket is closed.
func (s *StreamSocket) Connect(ep Endpoint, timeout time.Duration) error {
	if timeout < 0 {
		return neterr.Usage("connect", errNegativeTimeout)
	}

	s.mu.Lock()
	if err := s.checkOpen("connect"); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.connected {
		s.mu.Unlock()
		return neterr.State("connect", neterr.ErrAlreadyConnected)
	}
	s.mu.Unlock()

	if ep.Resolved() && ep.Addr.IsUnspecified() {
		ep = Endpoint{Addr: s.cfg.localHost(), Port: ep.Port}
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := s.t.Connect(ep, deadline); err != nil {
		if cerr := s.Close(); cerr != nil {
			s.cfg.Logger.Warn("socket: close after failed connect", "addr", ep.String(), "error", cerr)
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Closed concurrently; the transport is already gone.
		return neterr.State("connect", neterr.ErrClosed)
	}
	s.bound = true
	s.connected = true
	return nil
}

func (s *StreamSocket) Read(b []byte) (int, error) {
	s.mu.Lock()
	if err := s.checkConnected("read"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if s.inputShut {
		s.mu.Unlock()
		return 0, io.EOF
	}
	deadline := s.readDeadline
	s.mu.Unlock()

	return s.t.Read(b, deadline)
}

func (s *StreamSocket) Write(b []byte) (int, error) {
	s.mu.Lock()
	if err := s.checkConnected("write"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if s.outputShut {
		s.mu.Unlock()
		return 0, neterr.State("write", neterr.ErrOutputShutdown)
	}
	deadline := s.writeDeadline
	s.mu.Unlock()

	return s.t.Write(b, deadline)
}

// Available returns the number of bytes that can be read without
// blocking.
func (s *StreamSocket) Available() (int, error) {
	s.mu.Lock()
	if err := s.checkConnected("available"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	inputShut := s.inputShut
	s.mu.Unlock()
	if inputShut {
		return 0, nil
	}
	return s.t.Available()
}

// ShutdownInput half-closes the read side. Later reads return io.EOF.
func (s *StreamSocket) ShutdownInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected("shutdown input"); err != nil {
		return err
	}
	if s.inputShut {
		return neterr.State("shutdown input", neterr.ErrInputShutdown)
	}
	if err := s.t.ShutdownInput(); err != nil {
		return err
	}
	s.inputShut = true
	return nil
}

// ShutdownOutput half-closes the write side, sending EOF to the peer.
// Later writes fail.
func (s *StreamSocket) ShutdownOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected("shutdown output"); err != nil {
		return err
	}
	if s.outputShut {
		return neterr.State("shutdown output", neterr.ErrOutputShutdown)
	}
	if err := s.t.ShutdownOutput(); err != nil {
		return err
	}
	s.outputShut = true
	return nil
}

// CloseWrite is ShutdownOutput, for code that expects *net.TCPConn.
func (s *StreamSocket) CloseWrite() error { return s.ShutdownOutput() }

// CloseRead is ShutdownInput.
func (s *StreamSocket) CloseRead() error { return s.ShutdownInput() }

// Close closes the socket. Blocked reads and writes fail with a closed
// error. Closing twice is a no-op.
func (s *StreamSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.t.Close()
}

func (s *StreamSocket) SetOption(kind OptionKind, v OptionValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("set " + kind.String()); err != nil {
		return err
	}
	return s.t.SetOption(kind, v)
}

func (s *StreamSocket) Option(kind OptionKind) (OptionValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("get " + kind.String()); err != nil {
		return OptionValue{}, err
	}
	return s.t.Option(kind)
}

func (s *StreamSocket) LocalAddrPort() netip.AddrPort  { return s.t.LocalAddr() }
func (s *StreamSocket) RemoteAddrPort() netip.AddrPort { return s.t.RemoteAddr() }

func (s *StreamSocket) LocalAddr() net.Addr {
	return net.TCPAddrFromAddrPort(s.t.LocalAddr())
}

func (s *StreamSocket) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(s.t.RemoteAddr())
}

func (s *StreamSocket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline, s.writeDeadline = t, t
	s.mu.Unlock()
	return nil
}

func (s *StreamSocket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	return nil
}

func (s *StreamSocket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.mu.Unlock()
	return nil
}

// Transport returns the transport underneath the socket.
func (s *StreamSocket) Transport() Transport { return s.t }

func (s *StreamSocket) IsCreated() bool        { return s.flag(&s.created) }
func (s *StreamSocket) IsBound() bool          { return s.flag(&s.bound) }
func (s *StreamSocket) IsConnected() bool      { return s.flag(&s.connected) }
func (s *StreamSocket) IsClosed() bool         { return s.flag(&s.closed) }
func (s *StreamSocket) IsInputShutdown() bool  { return s.flag(&s.inputShut) }
func (s *StreamSocket) IsOutputShutdown() bool { return s.flag(&s.outputShut) }

func (s *StreamSocket) flag(f *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *f
}
