package socks

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/netkit/internal/proxy"
	"github.com/die-net/netkit/internal/socket"
)

func staticCreds(user, pass string) credentials {
	return func() (string, string) { return user, pass }
}

func TestNegotiateAndRequestV5(t *testing.T) {
	t.Parallel()

	bound := netip.MustParseAddrPort("127.0.0.1:12345")
	tests := []struct {
		name   string
		auth   Auth
		target socket.Endpoint
	}{
		{name: "no_auth", target: socket.EndpointOf(netip.MustParseAddrPort("127.0.0.1:80"))},
		{name: "user_pass", auth: Auth{Username: "user", Password: "pass"}, target: socket.EndpointOf(netip.MustParseAddrPort("[2001:db8::1]:443"))},
		{name: "by_name", target: socket.Endpoint{Host: "example.com", Port: 8080}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			var g errgroup.Group
			var got string
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, tt.auth); err != nil {
					return err
				}
				req, err := txsocks5.NewRequestFrom(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != txsocks5.CmdConnect {
					return errors.New("unexpected command")
				}
				got = req.Address()
				return writeV5Reply(serverConn, txsocks5.RepSuccess, bound)
			})

			v4, err := negotiateV5(clientConn, staticCreds(tt.auth.Username, tt.auth.Password))
			if err != nil {
				t.Fatal(err)
			}
			if v4 {
				t.Fatal("unexpected version 4 fallback")
			}
			ap, err := requestV5(clientConn, txsocks5.CmdConnect, tt.target)
			if err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			if ap != bound {
				t.Fatalf("bound %v, want %v", ap, bound)
			}
			if want := tt.target.String(); got != want {
				t.Fatalf("server saw %q, want %q", got, want)
			}
		})
	}
}

func TestNegotiateV5AuthFailure(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errc := make(chan error, 1)
	go func() { errc <- ServerNegotiate(serverConn, Auth{Username: "user", Password: "pass"}) }()

	_, err := negotiateV5(clientConn, staticCreds("user", "wrong"))
	var re *ReplyError
	if !errors.As(err, &re) || re.Reason != AuthFailed || re.Version != 5 {
		t.Fatalf("got %v, want an authentication failure", err)
	}
	if err := <-errc; !errors.Is(err, errAuthFailed) {
		t.Fatalf("server: got %v", err)
	}
}

func TestNegotiateV5NoAcceptableMethod(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		_, _ = txsocks5.NewNegotiationRequestFrom(serverConn)
		writeNoAcceptableMethods(serverConn)
	}()

	if _, err := negotiateV5(clientConn, staticCreds("", "")); !errors.Is(err, errNoAcceptMethod) {
		t.Fatalf("got %v", err)
	}
}

func TestNegotiateV5FallsBackToV4(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		greeting := make([]byte, 4)
		_, _ = io.ReadFull(serverConn, greeting)
		// A version 4 server answers the greeting as a malformed request.
		_, _ = serverConn.Write([]byte{0, v4Rejected})
	}()

	v4, err := negotiateV5(clientConn, staticCreds("", ""))
	if err != nil {
		t.Fatal(err)
	}
	if !v4 {
		t.Fatal("expected version 4 fallback")
	}
}

func TestReadReplyV4(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		reply  []byte
		want   netip.AddrPort
		reason Reason
		err    error
	}{
		{name: "granted", reply: []byte{0, 90, 0x1f, 0x90, 10, 0, 0, 1}, want: netip.MustParseAddrPort("10.0.0.1:8080")},
		{name: "granted_vn4", reply: []byte{4, 90, 0, 80, 1, 2, 3, 4}, want: netip.MustParseAddrPort("1.2.3.4:80")},
		{name: "rejected", reply: []byte{0, 91, 0, 0, 0, 0, 0, 0}, reason: Rejected},
		{name: "no_identd", reply: []byte{0, 92, 0, 0, 0, 0, 0, 0}, reason: Unreachable},
		{name: "ident_mismatch", reply: []byte{0, 93, 0, 0, 0, 0, 0, 0}, reason: AuthFailed},
		{name: "unknown", reply: []byte{0, 94, 0, 0, 0, 0, 0, 0}, reason: ReasonOther},
		{name: "bad_version", reply: []byte{5, 90, 0, 0, 0, 0, 0, 0}, err: errBadV4Version},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := readReplyV4(bytes.NewReader(tt.reply))
			switch {
			case tt.err != nil:
				if !errors.Is(err, tt.err) {
					t.Fatalf("got %v, want %v", err, tt.err)
				}
			case tt.want.IsValid():
				if err != nil {
					t.Fatal(err)
				}
				if got != tt.want {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			default:
				var re *ReplyError
				if !errors.As(err, &re) || re.Reason != tt.reason || re.Version != 4 {
					t.Fatalf("got %v, want reason %v", err, tt.reason)
				}
			}
		})
	}
}

func TestReadReplyV5Codes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   byte
		reason Reason
	}{
		{txsocks5.RepServerFailure, GeneralFailure},
		{txsocks5.RepNotAllowed, NotAllowed},
		{txsocks5.RepNetworkUnreachable, NetworkUnreachable},
		{txsocks5.RepHostUnreachable, HostUnreachable},
		{txsocks5.RepConnectionRefused, ConnectionRefused},
		{txsocks5.RepTTLExpired, TTLExpired},
		{txsocks5.RepCommandNotSupported, CommandNotSupported},
		{txsocks5.RepAddressNotSupported, AddressTypeNotSupported},
		{0x42, ReasonOther},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		if err := writeV5Reply(&buf, tt.code, netip.AddrPort{}); err != nil {
			t.Fatal(err)
		}
		_, err := readReplyV5(&buf)
		var re *ReplyError
		if !errors.As(err, &re) || re.Reason != tt.reason || re.Code != tt.code {
			t.Fatalf("code %d: got %v, want %v", tt.code, err, tt.reason)
		}
	}
}

func TestRequestV4RequiresIPv4(t *testing.T) {
	t.Parallel()

	_, err := requestV4(&bytes.Buffer{}, v4Connect, netip.MustParseAddrPort("[2001:db8::1]:80"), "")
	if !errors.Is(err, errV4NeedsIPv4) {
		t.Fatalf("got %v", err)
	}
}

func TestReadRequestV4(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  []byte
		cmd  byte
		dst  string
		uid  string
	}{
		{
			name: "address",
			req:  append([]byte{4, v4Connect, 0, 80, 192, 0, 2, 1}, "alice\x00"...),
			cmd:  v4Connect, dst: "192.0.2.1:80", uid: "alice",
		},
		{
			name: "socks4a_name",
			req:  append([]byte{4, v4Bind, 0x01, 0xbb, 0, 0, 0, 1}, "\x00example.com\x00"...),
			cmd:  v4Bind, dst: "example.com:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd, dst, uid, err := readRequestV4(bufio.NewReader(bytes.NewReader(tt.req)))
			if err != nil {
				t.Fatal(err)
			}
			if cmd != tt.cmd || dst.String() != tt.dst || uid != tt.uid {
				t.Fatalf("got %d %s %q, want %d %s %q", cmd, dst, uid, tt.cmd, tt.dst, tt.uid)
			}
		})
	}
}

func socksProxy(addr, user, pass string) proxy.Proxy {
	return proxy.Proxy{Type: proxy.TypeSOCKS, Addr: addr, Username: user, Password: pass}
}

func TestCredentialsPrecedence(t *testing.T) {
	t.Parallel()

	cfg := &Config{Authenticator: func(host string, port uint16, r string) (string, string, bool) {
		if host != "proxy.example" || port != 1080 || r != realm {
			return "", "", false
		}
		return "asked", "secret", true
	}}

	u, p := cfg.credentialsFor(socksProxy("proxy.example:1080", "url", "pw"))()
	if u != "url" || p != "pw" {
		t.Fatalf("URL credentials: got %q %q", u, p)
	}
	u, p = cfg.credentialsFor(socksProxy("proxy.example:1080", "", ""))()
	if u != "asked" || p != "secret" {
		t.Fatalf("authenticator credentials: got %q %q", u, p)
	}
	u, p = cfg.credentialsFor(socksProxy("other.example:1080", "", ""))()
	if u != localUser() || p != "" {
		t.Fatalf("fallback credentials: got %q %q", u, p)
	}
}
