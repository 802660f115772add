package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/netkit/internal/uri"
)

// Type is the kind of a proxy.
type Type int

const (
	TypeDirect Type = iota
	TypeSOCKS
	// TypeHTTP proxies can't carry raw sockets; stream sockets connect
	// directly when one is selected.
	TypeHTTP
)

func (t Type) String() string {
	switch t {
	case TypeDirect:
		return "direct"
	case TypeSOCKS:
		return "socks"
	case TypeHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Proxy is one candidate route.
type Proxy struct {
	Type Type
	// Addr is host:port of the proxy server; empty for TypeDirect.
	Addr string
	// Version forces SOCKS protocol version 4 or 5. Zero tries 5 and
	// falls back to 4.
	Version  int
	Username string
	Password string
}

// Direct is the route without a proxy.
var Direct = Proxy{Type: TypeDirect}

func (p Proxy) String() string {
	if p.Type == TypeDirect {
		return "direct://"
	}
	scheme := p.Type.String()
	if p.Type == TypeSOCKS && p.Version != 0 {
		scheme += strconv.Itoa(p.Version)
	}
	return scheme + "://" + p.Addr
}

// HostPort splits Addr.
func (p Proxy) HostPort() (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(p.Addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid proxy port %q", portStr)
	}
	return host, uint16(port), nil
}

// ParseURL parses a proxy URL.
//
// Supported schemes:
//   - direct://
//   - socks://[user:pass@]host[:port] (version 5, falling back to 4)
//   - socks4://[user@]host[:port]
//   - socks5://[user:pass@]host[:port]
//   - http://[user:pass@]host[:port]
//
// A default port is applied if the URL is missing one.
func ParseURL(s string) (Proxy, error) {
	if d := strings.ToLower(strings.TrimSpace(s)); d == "direct" || d == "direct://" {
		return Direct, nil
	}
	u, err := uri.Parse(s)
	if err != nil {
		return Proxy{}, fmt.Errorf("invalid proxy url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme())

	if p := u.Path(); p != "" && p != "/" {
		return Proxy{}, errors.New("invalid proxy url: path should be empty")
	}

	var p Proxy
	switch scheme {
	case "":
		return Proxy{}, errors.New("invalid proxy url: missing scheme")
	case "direct":
		return Direct, nil
	case "socks", "socks4", "socks4a", "socks5", "socks5h":
		p.Type = TypeSOCKS
		switch scheme {
		case "socks4", "socks4a":
			p.Version = 4
		case "socks5", "socks5h":
			p.Version = 5
		}
	case "http", "https":
		p.Type = TypeHTTP
	default:
		return Proxy{}, fmt.Errorf("invalid proxy url scheme: %q", scheme)
	}

	host := u.Host()
	if host == "" {
		return Proxy{}, errors.New("invalid proxy url: missing host")
	}
	port := u.Port()
	if port < 0 {
		port = defaultPortForScheme(scheme)
	}
	p.Addr = net.JoinHostPort(host, strconv.Itoa(port))

	if ui := u.UserInfo(); ui != "" {
		p.Username, p.Password, _ = strings.Cut(ui, ":")
	}
	return p, nil
}

func defaultPortForScheme(scheme string) int {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	default:
		return 1080
	}
}

// Target returns the key a Selector is consulted with for a stream socket
// connecting to host:port.
func Target(host string, port uint16) (*uri.URI, error) {
	return uri.NewHierarchical("socket", "", host, int(port), "", "", "")
}

// BindTarget is Target for a listening socket.
func BindTarget(host string, port uint16) (*uri.URI, error) {
	return uri.NewHierarchical("serversocket", "", host, int(port), "", "", "")
}
