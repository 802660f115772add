package socks

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

// Reason classifies a proxy's refusal.
type Reason int

const (
	ReasonOther Reason = iota
	// Rejected and Unreachable are the SOCKS 4 refusals; the rest of
	// version 4's codes map to AuthFailed or ReasonOther.
	Rejected
	Unreachable
	AuthFailed
	GeneralFailure
	NotAllowed
	NetworkUnreachable
	HostUnreachable
	ConnectionRefused
	TTLExpired
	CommandNotSupported
	AddressTypeNotSupported
)

var reasonText = map[Reason]string{
	ReasonOther:             "reply from SOCKS server contains bad status",
	Rejected:                "SOCKS request rejected",
	Unreachable:             "SOCKS server couldn't reach destination",
	AuthFailed:              "SOCKS authentication failed",
	GeneralFailure:          "SOCKS server general failure",
	NotAllowed:              "SOCKS: connection not allowed by ruleset",
	NetworkUnreachable:      "SOCKS: network unreachable",
	HostUnreachable:         "SOCKS: host unreachable",
	ConnectionRefused:       "SOCKS: connection refused",
	TTLExpired:              "SOCKS: TTL expired",
	CommandNotSupported:     "SOCKS: command not supported",
	AddressTypeNotSupported: "SOCKS: address type not supported",
}

func (r Reason) String() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ReplyError is a refusal from a proxy.
type ReplyError struct {
	Version int
	Code    byte
	Reason  Reason
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s (socks%d code %d)", e.Reason, e.Version, e.Code)
}

// SOCKS 4 reply codes.
const (
	v4Granted       = 90
	v4Rejected      = 91
	v4NoIdentd      = 92
	v4IdentMismatch = 93
)

func v4Error(code byte) *ReplyError {
	r := ReasonOther
	switch code {
	case v4Rejected:
		r = Rejected
	case v4NoIdentd:
		r = Unreachable
	case v4IdentMismatch:
		r = AuthFailed
	}
	return &ReplyError{Version: 4, Code: code, Reason: r}
}

func v5Error(code byte) *ReplyError {
	r := ReasonOther
	switch code {
	case txsocks5.RepServerFailure:
		r = GeneralFailure
	case txsocks5.RepNotAllowed:
		r = NotAllowed
	case txsocks5.RepNetworkUnreachable:
		r = NetworkUnreachable
	case txsocks5.RepHostUnreachable:
		r = HostUnreachable
	case txsocks5.RepConnectionRefused:
		r = ConnectionRefused
	case txsocks5.RepTTLExpired:
		r = TTLExpired
	case txsocks5.RepCommandNotSupported:
		r = CommandNotSupported
	case txsocks5.RepAddressNotSupported:
		r = AddressTypeNotSupported
	}
	return &ReplyError{Version: 5, Code: code, Reason: r}
}

// writeV5Reply writes a SOCKS5 reply carrying bound as BND.ADDR/BND.PORT.
func writeV5Reply(w io.Writer, rep byte, bound netip.AddrPort) error {
	addr := bound.Addr().Unmap()
	atyp := byte(txsocks5.ATYPIPv4)
	var ab []byte
	switch {
	case addr.Is4():
		a := addr.As4()
		ab = a[:]
	case addr.Is6():
		atyp = txsocks5.ATYPIPv6
		a := addr.As16()
		ab = a[:]
	default:
		ab = []byte{0, 0, 0, 0}
	}
	port := []byte{byte(bound.Port() >> 8), byte(bound.Port())}
	if _, err := txsocks5.NewReply(rep, atyp, ab, port).WriteTo(w); err != nil {
		return fmt.Errorf("socks5 reply: %w", err)
	}
	return nil
}

// writeV4Reply writes a SOCKS4 reply. Only IPv4 addresses fit; others are
// sent as 0.0.0.0.
func writeV4Reply(w io.Writer, code byte, bound netip.AddrPort) error {
	b := make([]byte, 8)
	b[1] = code
	b[2], b[3] = byte(bound.Port()>>8), byte(bound.Port())
	if a := bound.Addr().Unmap(); a.Is4() {
		a4 := a.As4()
		copy(b[4:], a4[:])
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("socks4 reply: %w", err)
	}
	return nil
}

func writeNoAcceptableMethods(w io.Writer) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(w)
}

// addrPortOf returns the address of a TCP net.Addr, or the zero AddrPort.
func addrPortOf(a net.Addr) netip.AddrPort {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
