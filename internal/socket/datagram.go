package socket

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/die-net/netkit/internal/neterr"
)

type connectState int

const (
	notConnected connectState = iota
	// connectedNative means the kernel socket is connected and filters by
	// peer, although datagrams queued before the connect may still need
	// filtering.
	connectedNative
	// connectedFiltered means the kernel socket is unconnected and every
	// receive filters by peer.
	connectedFiltered
)

// discardSize is the buffer a filtered datagram is read into.
const discardSize = 1024

var (
	errDestinationRequired = errors.New("destination address required")
	errDestinationMismatch = errors.New("connected address and packet address differ")
	errInvalidPeer         = errors.New("invalid peer address")
)

// DatagramEndpoint is a UDP socket. Connect restricts it to one peer; on
// the receive side stray datagrams are dropped without reporting an
// error. It implements net.PacketConn.
type DatagramEndpoint struct {
	cfg Config
	t   DatagramTransport

	mu     sync.Mutex
	bound  bool
	closed bool
	state  connectState
	peer   netip.AddrPort

	// explicitFilter is set while datagrams that arrived before a native
	// connect may still be queued; bytesLeft bounds how much of the queue
	// is inspected.
	explicitFilter bool
	bytesLeft      int

	readDeadline  time.Time
	writeDeadline time.Time

	recvMu  sync.Mutex
	peek    [1]byte
	discard [discardSize]byte
}

var _ net.PacketConn = (*DatagramEndpoint)(nil)

// NewDatagramEndpoint returns an unbound, unconnected endpoint.
func NewDatagramEndpoint(cfg Config) (*DatagramEndpoint, error) {
	cfg = cfg.withDefaults()
	d := &DatagramEndpoint{cfg: cfg, t: cfg.NewDatagramTransport()}
	if err := d.t.Create(Datagram); err != nil {
		return nil, err
	}
	return d, nil
}

// ListenDatagram returns an endpoint bound to addr.
func ListenDatagram(cfg Config, addr netip.AddrPort) (*DatagramEndpoint, error) {
	d, err := NewDatagramEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	if err := d.Bind(addr); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *DatagramEndpoint) Bind(addr netip.AddrPort) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return neterr.State("bind", neterr.ErrClosed)
	}
	if d.bound {
		return neterr.State("bind", neterr.ErrAlreadyBound)
	}
	return d.bindLocked(addr)
}

func (d *DatagramEndpoint) bindLocked(addr netip.AddrPort) error {
	if err := d.t.Bind(addr); err != nil {
		return err
	}
	d.bound = true
	return nil
}

// autoBindLocked binds to the wildcard address on first use.
func (d *DatagramEndpoint) autoBindLocked() error {
	if d.bound {
		return nil
	}
	return d.bindLocked(netip.AddrPort{})
}

// Connect restricts the endpoint to peer. If the kernel connect is
// disabled or fails the restriction is enforced by filtering receives.
func (d *DatagramEndpoint) Connect(peer netip.AddrPort) error {
	if !peer.IsValid() || peer.Port() == 0 {
		return neterr.Usage("connect", errInvalidPeer)
	}
	peer = unmap(peer)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return neterr.State("connect", neterr.ErrClosed)
	}
	if err := d.autoBindLocked(); err != nil {
		return err
	}
	if d.state == connectedNative {
		if err := d.t.DisconnectDatagram(); err != nil {
			return err
		}
	}

	d.peer = peer
	d.explicitFilter = false
	d.state = connectedFiltered
	if d.cfg.DisableNativeConnect {
		return nil
	}
	if err := d.t.ConnectDatagram(peer); err != nil {
		d.cfg.Logger.Debug("socket: native datagram connect failed, filtering instead", "peer", peer, "error", err)
		return nil
	}
	d.state = connectedNative

	// Datagrams from anyone may have been queued before the connect.
	if n, err := d.t.Available(); err == nil && n > 0 {
		d.explicitFilter = true
		d.bytesLeft = n
		if v, err := d.t.Option(ReceiveBuffer); err == nil {
			d.bytesLeft, _ = v.Int()
		}
	}
	return nil
}

// Disconnect removes the peer restriction. It is a no-op if the endpoint
// is not connected or closed.
func (d *DatagramEndpoint) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.state == notConnected {
		return nil
	}
	native := d.state == connectedNative
	d.state = notConnected
	d.peer = netip.AddrPort{}
	d.explicitFilter = false
	if native {
		return d.t.DisconnectDatagram()
	}
	return nil
}

// Send sends b as one datagram. On a connected endpoint to must be the
// peer or invalid; otherwise it is required.
func (d *DatagramEndpoint) Send(b []byte, to netip.AddrPort) (int, error) {
	to = unmap(to)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, neterr.State("send", neterr.ErrClosed)
	}
	state, peer, deadline := d.state, d.peer, d.writeDeadline
	switch {
	case state != notConnected && to.IsValid() && to != peer:
		d.mu.Unlock()
		return 0, neterr.Usage("send", errDestinationMismatch)
	case state == notConnected && !to.IsValid():
		d.mu.Unlock()
		return 0, neterr.Usage("send", errDestinationRequired)
	}
	if err := d.autoBindLocked(); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	d.mu.Unlock()

	switch state {
	case connectedNative:
		to = netip.AddrPort{}
	case connectedFiltered:
		to = peer
	}
	return d.t.SendTo(b, to, deadline)
}

// Receive receives one datagram into b, truncating it if b is too small,
// and returns its source. On a connected endpoint datagrams from other
// sources are dropped.
func (d *DatagramEndpoint) Receive(b []byte) (int, netip.AddrPort, error) {
	d.recvMu.Lock()
	defer d.recvMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, netip.AddrPort{}, neterr.State("receive", neterr.ErrClosed)
	}
	if err := d.autoBindLocked(); err != nil {
		d.mu.Unlock()
		return 0, netip.AddrPort{}, err
	}
	deadline := d.readDeadline
	d.mu.Unlock()

	for {
		d.mu.Lock()
		filtering := d.state == connectedFiltered || (d.state == connectedNative && d.explicitFilter)
		peer := d.peer
		d.mu.Unlock()

		if filtering {
			_, from, err := d.t.ReceiveFrom(d.peek[:], true, deadline)
			if err != nil {
				return 0, netip.AddrPort{}, err
			}
			if unmap(from) != peer {
				n, _, err := d.t.ReceiveFrom(d.discard[:], false, deadline)
				if err != nil {
					return 0, netip.AddrPort{}, err
				}
				d.cfg.Metrics.DatagramFiltered()
				d.cfg.Logger.Debug("socket: dropped datagram from unexpected source", "from", from, "peer", peer)
				d.checkFiltering(n)
				continue
			}
		}

		n, from, err := d.t.ReceiveFrom(b, false, deadline)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		if filtering {
			d.checkFiltering(n)
		}
		return n, unmap(from), nil
	}
}

// checkFiltering charges n bytes against the explicit filter budget and
// stops filtering once it is spent or nothing more is queued.
func (d *DatagramEndpoint) checkFiltering(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.explicitFilter {
		return
	}
	d.bytesLeft -= n
	if d.bytesLeft <= 0 {
		d.explicitFilter = false
		return
	}
	if avail, err := d.t.Available(); err != nil || avail <= 0 {
		d.explicitFilter = false
	}
}

func (d *DatagramEndpoint) ReadFrom(b []byte) (int, net.Addr, error) {
	n, from, err := d.Receive(b)
	if err != nil {
		return 0, nil, err
	}
	return n, net.UDPAddrFromAddrPort(from), nil
}

func (d *DatagramEndpoint) WriteTo(b []byte, addr net.Addr) (int, error) {
	to, err := addrPortOf(addr)
	if err != nil {
		return 0, neterr.Usage("send", err)
	}
	return d.Send(b, to)
}

func addrPortOf(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case nil:
		return netip.AddrPort{}, nil
	case *net.UDPAddr:
		return a.AddrPort(), nil
	default:
		return netip.ParseAddrPort(addr.String())
	}
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Close closes the endpoint. A blocked Receive fails with a closed error.
func (d *DatagramEndpoint) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.t.Close()
}

func (d *DatagramEndpoint) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(d.t.LocalAddr()) }

func (d *DatagramEndpoint) LocalAddrPort() netip.AddrPort { return d.t.LocalAddr() }

// Peer returns the connected peer, or the zero AddrPort.
func (d *DatagramEndpoint) Peer() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

func (d *DatagramEndpoint) SetDeadline(t time.Time) error {
	d.mu.Lock()
	d.readDeadline, d.writeDeadline = t, t
	d.mu.Unlock()
	return nil
}

func (d *DatagramEndpoint) SetReadDeadline(t time.Time) error {
	d.mu.Lock()
	d.readDeadline = t
	d.mu.Unlock()
	return nil
}

func (d *DatagramEndpoint) SetWriteDeadline(t time.Time) error {
	d.mu.Lock()
	d.writeDeadline = t
	d.mu.Unlock()
	return nil
}

func (d *DatagramEndpoint) SetOption(kind OptionKind, v OptionValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return neterr.State("set "+kind.String(), neterr.ErrClosed)
	}
	return d.t.SetOption(kind, v)
}

func (d *DatagramEndpoint) Option(kind OptionKind) (OptionValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return OptionValue{}, neterr.State("get "+kind.String(), neterr.ErrClosed)
	}
	return d.t.Option(kind)
}

func (d *DatagramEndpoint) IsBound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}

func (d *DatagramEndpoint) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != notConnected
}

func (d *DatagramEndpoint) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// NativelyConnected reports whether the kernel socket itself is
// connected.
func (d *DatagramEndpoint) NativelyConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connectedNative
}
