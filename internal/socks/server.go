package socks

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/neterr"
	"github.com/die-net/netkit/internal/relay"
	"github.com/die-net/netkit/internal/socket"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultBindTimeout        = 2 * time.Minute
)

var (
	errBadVersion = errors.New("unsupported SOCKS version")
	errBindPeer   = errors.New("BIND connection from unexpected peer")
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Auth is required of version 5 clients; version 4 clients must send
	// Auth.Username as their user id.
	Auth Auth
	// Socket configures the server's outgoing connections and BIND
	// listeners.
	Socket         socket.Config
	ConnectTimeout time.Duration
	// NegotiationTimeout bounds reading a client's request.
	NegotiationTimeout time.Duration
	// BindTimeout bounds the wait for a BIND's incoming connection.
	BindTimeout time.Duration
	// IOTimeout, if set, is an absolute deadline for each relayed
	// connection.
	IOTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server is a SOCKS 4, 4a and 5 server that supports CONNECT and BIND.
type Server struct {
	cfg ServerConfig
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = DefaultBindTimeout
	}
	if cfg.Socket.Logger == nil {
		cfg.Socket.Logger = cfg.Logger
	}
	if cfg.Socket.Metrics == nil {
		cfg.Socket.Metrics = cfg.Metrics
	}
	return &Server{cfg: cfg}
}

// Serve accepts connections from ln until ctx is done or ln fails. It
// closes ln when ctx is done and returns nil in that case.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handleConn(ctx, c)
	}
}

// bufferedConn reads through a bufio.Reader so bytes peeked during the
// handshake are still delivered to the relay.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	bc := &bufferedConn{Conn: conn, r: bufio.NewReader(conn)}

	ver, err := bc.r.Peek(1)
	if err != nil {
		return
	}
	switch ver[0] {
	case txsocks5.Ver:
		err = s.serveV5(ctx, bc)
	case 4:
		err = s.serveV4(ctx, bc)
	default:
		err = fmt.Errorf("%w %d", errBadVersion, ver[0])
	}
	if err != nil {
		s.cfg.Logger.Debug("socks: client failed", "client", conn.RemoteAddr(), "error", err)
	}
}

// dialect writes one SOCKS version's replies.
type dialect struct {
	granted byte
	// refused maps a failure to its reply code.
	refused func(error) byte
	write   func(w io.Writer, code byte, bound netip.AddrPort) error
}

var (
	dialectV5 = dialect{granted: txsocks5.RepSuccess, refused: v5Rep, write: writeV5Reply}
	dialectV4 = dialect{granted: v4Granted, refused: func(error) byte { return v4Rejected }, write: writeV4Reply}
)

func (d dialect) fail(w io.Writer, err error) error {
	_ = d.write(w, d.refused(err), netip.AddrPort{})
	return err
}

func (s *Server) serveV5(ctx context.Context, c *bufferedConn) error {
	start := time.Now()
	if err := ServerNegotiate(c, s.cfg.Auth); err != nil {
		s.cfg.Metrics.SOCKSHandshake("5", "error", start)
		return err
	}
	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		s.cfg.Metrics.SOCKSHandshake("5", "error", start)
		return fmt.Errorf("request: %w", err)
	}
	s.cfg.Metrics.SOCKSHandshake("5", "ok", start)

	dst, err := socket.ParseEndpoint(req.Address())
	if err != nil {
		_ = writeV5Reply(c, txsocks5.RepAddressNotSupported, netip.AddrPort{})
		return err
	}

	switch req.Cmd {
	case txsocks5.CmdConnect:
		return s.connect(ctx, c, dst, dialectV5)
	case txsocks5.CmdBind:
		return s.bind(ctx, c, dst, dialectV5)
	default:
		_ = writeV5Reply(c, txsocks5.RepCommandNotSupported, netip.AddrPort{})
		return fmt.Errorf("unsupported command %d", req.Cmd)
	}
}

func (s *Server) serveV4(ctx context.Context, c *bufferedConn) error {
	start := time.Now()
	cmd, dst, uid, err := readRequestV4(c.r)
	if err != nil {
		s.cfg.Metrics.SOCKSHandshake("4", "error", start)
		return err
	}
	if s.cfg.Auth.Username != "" && uid != s.cfg.Auth.Username {
		s.cfg.Metrics.SOCKSHandshake("4", "error", start)
		_ = writeV4Reply(c, v4IdentMismatch, netip.AddrPort{})
		return errUserIDInvalid
	}
	s.cfg.Metrics.SOCKSHandshake("4", "ok", start)

	switch cmd {
	case v4Connect:
		return s.connect(ctx, c, dst, dialectV4)
	case v4Bind:
		return s.bind(ctx, c, dst, dialectV4)
	default:
		_ = writeV4Reply(c, v4Rejected, netip.AddrPort{})
		return fmt.Errorf("unsupported command %d", cmd)
	}
}

func (s *Server) connect(ctx context.Context, c *bufferedConn, dst socket.Endpoint, d dialect) error {
	up, err := s.dial(ctx, dst)
	if err != nil {
		return d.fail(c, err)
	}
	if err := d.write(c, d.granted, up.LocalAddrPort()); err != nil {
		_ = up.Close()
		return err
	}
	return s.relay(ctx, c, up)
}

// readRequestV4 parses VN CD DSTPORT DSTIP USERID NUL, and the host name
// that follows when DSTIP is the SOCKS 4a marker 0.0.0.x.
func readRequestV4(r *bufio.Reader) (cmd byte, dst socket.Endpoint, userID string, err error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, socket.Endpoint{}, "", fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != 4 {
		return 0, socket.Endpoint{}, "", errBadV4Version
	}
	port := binary.BigEndian.Uint16(hdr[2:4])

	uid, err := readNulString(r)
	if err != nil {
		return 0, socket.Endpoint{}, "", err
	}

	ip := hdr[4:8]
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		host, err := readNulString(r)
		if err != nil {
			return 0, socket.Endpoint{}, "", err
		}
		dst, err = socket.ParseEndpoint(net.JoinHostPort(host, fmt.Sprint(port)))
		if err != nil {
			return 0, socket.Endpoint{}, "", err
		}
		return hdr[1], dst, uid, nil
	}
	return hdr[1], socket.EndpointOf(netip.AddrPortFrom(netip.AddrFrom4([4]byte(ip)), port)), uid, nil
}

func readNulString(r *bufio.Reader) (string, error) {
	b, err := r.ReadSlice(0)
	if err != nil {
		return "", fmt.Errorf("read request: %w", err)
	}
	return string(b[:len(b)-1]), nil
}

// dial connects to dst, abandoning the attempt if ctx is done.
func (s *Server) dial(ctx context.Context, dst socket.Endpoint) (*socket.StreamSocket, error) {
	up, err := socket.NewStreamSocket(s.cfg.Socket)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = up.Close() })
	defer stop()
	if err := up.Connect(dst, s.cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	return up, nil
}

// bind listens on the client's side of the server for one connection,
// announces the listening address and then the peer, and relays.
func (s *Server) bind(ctx context.Context, c *bufferedConn, dst socket.Endpoint, d dialect) error {
	local := addrPortOf(c.LocalAddr())
	ln, err := socket.Listen(s.cfg.Socket, netip.AddrPortFrom(local.Addr(), 0), 1)
	if err != nil {
		return d.fail(c, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	if err := d.write(c, d.granted, netip.AddrPortFrom(local.Addr(), ln.AddrPort().Port())); err != nil {
		return err
	}

	_ = c.SetDeadline(time.Time{})
	_ = ln.SetDeadline(time.Now().Add(s.cfg.BindTimeout))
	peer, err := ln.AcceptStream()
	if err != nil {
		return d.fail(c, err)
	}
	remote := peer.RemoteAddrPort()
	if dst.Resolved() && !dst.Addr.IsUnspecified() && dst.Addr.Unmap() != remote.Addr().Unmap() {
		_ = peer.Close()
		return d.fail(c, fmt.Errorf("%w %s", errBindPeer, remote))
	}
	if err := d.write(c, d.granted, remote); err != nil {
		_ = peer.Close()
		return err
	}
	return s.relay(ctx, c, peer)
}

func (s *Server) relay(ctx context.Context, c *bufferedConn, up *socket.StreamSocket) error {
	_ = c.SetDeadline(time.Time{})
	return relay.CopyBidirectional(ctx, c, up, s.cfg.IOTimeout, s.cfg.Metrics)
}

// v5Rep maps a connect failure to a SOCKS 5 reply code.
func v5Rep(err error) byte {
	switch {
	case errors.Is(err, errBindPeer):
		return txsocks5.RepNotAllowed
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return txsocks5.RepNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), neterr.KindOf(err) == neterr.KindResolution:
		return txsocks5.RepHostUnreachable
	case neterr.IsTimeout(err):
		return txsocks5.RepTTLExpired
	}
	return txsocks5.RepServerFailure
}
