package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/netkit/internal/socket"
)

// SOCKS 4 commands.
const (
	v4Connect = 1
	v4Bind    = 2
)

var (
	errV4NeedsIPv4    = errors.New("SOCKS V4 requires IPv4 only addresses")
	errBadV4Version   = errors.New("reply from SOCKS server has bad version")
	errNoAcceptMethod = errors.New("SOCKS server accepts none of the offered methods")
)

// deadlineRW reads and writes a transport with one fixed deadline, so a
// whole handshake is bounded by it.
type deadlineRW struct {
	t        socket.Transport
	deadline time.Time
}

func (d deadlineRW) Read(p []byte) (int, error)  { return d.t.Read(p, d.deadline) }
func (d deadlineRW) Write(p []byte) (int, error) { return d.t.Write(p, d.deadline) }

// credentials supplies a username and password when the proxy asks for
// them.
type credentials func() (username, password string)

// negotiateV5 offers no authentication and username/password. It reports
// v4 if the proxy answered with something other than version 5.
func negotiateV5(rw io.ReadWriter, creds credentials) (v4 bool, err error) {
	methods := []byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return false, fmt.Errorf("write negotiation: %w", err)
	}

	// Read the reply by hand; a version 4 server's answer isn't a valid
	// version 5 one.
	var b [2]byte
	if _, err := io.ReadFull(rw, b[:]); err != nil {
		return false, fmt.Errorf("read negotiation: %w", err)
	}
	if b[0] != txsocks5.Ver {
		return true, nil
	}

	switch b[1] {
	case txsocks5.MethodNone:
		return false, nil
	case txsocks5.MethodUsernamePassword:
		user, pass := creds()
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(user), []byte(pass)).WriteTo(rw); err != nil {
			return false, fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return false, fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return false, &ReplyError{Version: 5, Code: rep.Status, Reason: AuthFailed}
		}
		return false, nil
	default:
		return false, errNoAcceptMethod
	}
}

// requestV5 sends a CONNECT or BIND request for target and returns the
// bound address from the reply. Unresolved targets are sent by name.
func requestV5(rw io.ReadWriter, cmd byte, target socket.Endpoint) (netip.AddrPort, error) {
	address := target.String()
	if target.Resolved() {
		address = target.AddrPort().String()
	}
	atyp, addr, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}

	if _, err := txsocks5.NewRequest(cmd, atyp, addr, port).WriteTo(rw); err != nil {
		return netip.AddrPort{}, fmt.Errorf("write request: %w", err)
	}
	return readReplyV5(rw)
}

func readReplyV5(r io.Reader) (netip.AddrPort, error) {
	rep, err := txsocks5.NewReplyFrom(r)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return netip.AddrPort{}, v5Error(rep.Rep)
	}
	return decodeV5Addr(rep.Atyp, rep.BndAddr, rep.BndPort), nil
}

// decodeV5Addr returns the bound address of a reply. A name is reported
// as the zero address with the port.
func decodeV5Addr(atyp byte, addr, port []byte) netip.AddrPort {
	var p uint16
	if len(port) == 2 {
		p = binary.BigEndian.Uint16(port)
	}
	var a netip.Addr
	switch atyp {
	case txsocks5.ATYPIPv4, txsocks5.ATYPIPv6:
		a, _ = netip.AddrFromSlice(addr)
		a = a.Unmap()
	}
	if !a.IsValid() {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), p)
	}
	return netip.AddrPortFrom(a, p)
}

// requestV4 sends a SOCKS 4 request and returns the bound address.
func requestV4(rw io.ReadWriter, cmd byte, target netip.AddrPort, userID string) (netip.AddrPort, error) {
	a := target.Addr().Unmap()
	if !a.Is4() {
		return netip.AddrPort{}, errV4NeedsIPv4
	}

	// VN CD DSTPORT DSTIP USERID NUL
	b := make([]byte, 0, 9+len(userID))
	b = append(b, 4, cmd)
	b = binary.BigEndian.AppendUint16(b, target.Port())
	a4 := a.As4()
	b = append(b, a4[:]...)
	b = append(b, userID...)
	b = append(b, 0)
	if _, err := rw.Write(b); err != nil {
		return netip.AddrPort{}, fmt.Errorf("write request: %w", err)
	}
	return readReplyV4(rw)
}

func readReplyV4(r io.Reader) (netip.AddrPort, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("read reply: %w", err)
	}
	if b[0] != 0 && b[0] != 4 {
		return netip.AddrPort{}, errBadV4Version
	}
	if b[1] != v4Granted {
		return netip.AddrPort{}, v4Error(b[1])
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[4:8])), binary.BigEndian.Uint16(b[2:4])), nil
}
