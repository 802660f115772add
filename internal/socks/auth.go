package socks

import (
	"os"
	"os/user"

	"github.com/die-net/netkit/internal/proxy"
)

// Authenticator is asked for credentials when a proxy requires
// username/password authentication and its URL carried none. ok false
// declines.
type Authenticator func(host string, port uint16, realm string) (username, password string, ok bool)

const realm = "SOCKS authentication"

// credentialsFor returns the username and password for p: those from the
// proxy URL, else the Authenticator's, else the local user name with an
// empty password.
func (c *Config) credentialsFor(p proxy.Proxy) credentials {
	return func() (string, string) {
		if p.Username != "" {
			return p.Username, p.Password
		}
		if c.Authenticator != nil {
			host, port, _ := p.HostPort()
			if u, pw, ok := c.Authenticator(host, port, realm); ok {
				return u, pw
			}
		}
		return localUser(), ""
	}
}

// userID is the SOCKS 4 USERID field for p.
func userID(p proxy.Proxy) string {
	if p.Username != "" {
		return p.Username
	}
	return localUser()
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
