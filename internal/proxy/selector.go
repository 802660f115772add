package proxy

import (
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/uri"
)

// Selector chooses the proxies for a target.
type Selector interface {
	// Select returns candidates in the order they should be tried. An
	// empty result means connect directly.
	Select(target *uri.URI) []Proxy
	// ConnectFailed reports that connecting to p on behalf of target
	// failed with err.
	ConnectFailed(target *uri.URI, p Proxy, err error)
}

// DefaultCooldown is how long Static demotes a failed proxy.
const DefaultCooldown = 30 * time.Second

type StaticConfig struct {
	// Proxies are tried in order.
	Proxies []Proxy
	// Bypass lists hosts that are reached directly, in NO_PROXY syntax:
	// a host name matches itself and its subdomains, "*" matches
	// everything, and IP prefixes such as "10.0.0.0/8" match addresses.
	Bypass []string
	// Cooldown is how long a failed proxy is moved to the end of the
	// list. Zero selects DefaultCooldown.
	Cooldown time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Static is a Selector over a fixed proxy list.
type Static struct {
	cfg StaticConfig
	now func() time.Time

	mu     sync.Mutex
	failed map[Proxy]time.Time
}

var _ Selector = (*Static)(nil)

func NewStatic(cfg StaticConfig) *Static {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Static{cfg: cfg, now: time.Now, failed: make(map[Proxy]time.Time)}
}

// FromEnvironment builds a Static selector from ALL_PROXY and NO_PROXY
// (or their lower-case forms). It returns nil if no proxy is configured.
func FromEnvironment(logger *slog.Logger, m *metrics.Metrics) (*Static, error) {
	raw := getenv("ALL_PROXY")
	if raw == "" {
		return nil, nil
	}
	p, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	var bypass []string
	for _, b := range strings.Split(getenv("NO_PROXY"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			bypass = append(bypass, b)
		}
	}
	return NewStatic(StaticConfig{Proxies: []Proxy{p}, Bypass: bypass, Logger: logger, Metrics: m}), nil
}

func getenv(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return os.Getenv(strings.ToLower(key))
}

// Select returns the configured proxies with those that failed within the
// cooldown moved to the end, or nothing if target is bypassed.
func (s *Static) Select(target *uri.URI) []Proxy {
	if target == nil || s.bypassed(target.Host()) {
		return nil
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy := make([]Proxy, 0, len(s.cfg.Proxies))
	var demoted []Proxy
	for _, p := range s.cfg.Proxies {
		if at, ok := s.failed[p]; ok {
			if now.Sub(at) < s.cfg.Cooldown {
				demoted = append(demoted, p)
				continue
			}
			delete(s.failed, p)
		}
		healthy = append(healthy, p)
	}
	return append(healthy, demoted...)
}

func (s *Static) ConnectFailed(target *uri.URI, p Proxy, err error) {
	s.cfg.Logger.Debug("proxy: connect failed", "proxy", p.String(), "target", target.String(), "error", err)
	s.cfg.Metrics.ProxyFailed(p.Addr)

	s.mu.Lock()
	s.failed[p] = s.now()
	s.mu.Unlock()
}

func (s *Static) bypassed(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	addr, addrErr := netip.ParseAddr(host)
	for _, rule := range s.cfg.Bypass {
		rule = strings.ToLower(rule)
		switch {
		case rule == "*":
			return true
		case strings.Contains(rule, "/"):
			if pfx, err := netip.ParsePrefix(rule); err == nil && addrErr == nil && pfx.Contains(addr.Unmap()) {
				return true
			}
		default:
			rule = strings.TrimPrefix(rule, "*")
			rule = strings.TrimPrefix(rule, ".")
			if host == rule || strings.HasSuffix(host, "."+rule) {
				return true
			}
		}
	}
	return false
}
