package resolver

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/neterr"
)

// CachePolicy is how long a lookup result stays cached. Positive values
// are a TTL; Forever and Never are special.
type CachePolicy time.Duration

const (
	// Forever keeps results until the process exits.
	Forever CachePolicy = -1
	// Never drops results as soon as the waiting callers have them.
	Never CachePolicy = -2

	DefaultPositiveTTL = CachePolicy(30 * time.Second)
	DefaultNegativeTTL = CachePolicy(10 * time.Second)
)

type Config struct {
	// NameService defaults to System{}.
	NameService NameService
	// PositiveTTL applies to successful lookups and NegativeTTL to failed
	// ones. Zero selects the defaults.
	PositiveTTL CachePolicy
	NegativeTTL CachePolicy
	// PreferIPv6 sorts IPv6 addresses ahead of IPv4 ones. The default is
	// the reverse.
	PreferIPv6 bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Resolver is a caching host name resolver. It is safe for concurrent use.
type Resolver struct {
	ns         NameService
	positive   CachePolicy
	negative   CachePolicy
	preferIPv6 bool
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Replaced in tests.
	now      func() time.Time
	hostname func() (string, error)

	mu      sync.Mutex
	entries map[string]entry
	expiry  expiryHeap
	seq     uint64

	reverse singleflight.Group
}

func New(cfg Config) *Resolver {
	r := &Resolver{
		ns:         cfg.NameService,
		positive:   cfg.PositiveTTL,
		negative:   cfg.NegativeTTL,
		preferIPv6: cfg.PreferIPv6,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
		hostname:   os.Hostname,
		entries:    make(map[string]entry),
	}
	if r.ns == nil {
		r.ns = System{}
	}
	if r.positive == 0 {
		r.positive = DefaultPositiveTTL
	}
	if r.negative == 0 {
		r.negative = DefaultNegativeTTL
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// LookupHost returns the addresses of host. An IP literal (optionally in
// brackets) is returned as is and the empty host means loopback. Failures
// wrap neterr.ErrHostNotFound whatever the name service reported, and are
// themselves cached for the negative TTL.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if host == "" {
		return r.loopback(), nil
	}
	literal := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if addr, err := netip.ParseAddr(literal); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	key := strings.ToLower(host)
	for {
		r.mu.Lock()
		if n := r.sweepLocked(r.now()); n > 0 {
			r.logger.Debug("resolver: swept expired entries", "count", n)
		}
		switch e := r.entries[key].(type) {
		case *cached:
			r.mu.Unlock()
			if e.err != nil {
				r.metrics.Lookup("negative")
				return nil, e.err
			}
			r.metrics.Lookup("hit")
			return slices.Clone(e.addrs), nil
		case *pending:
			r.mu.Unlock()
			select {
			case <-e.done:
			case <-ctx.Done():
				return nil, neterr.IO("lookup", host, ctx.Err())
			}
			if e.retry {
				continue
			}
			r.metrics.Lookup("hit")
			if e.err != nil {
				return nil, e.err
			}
			return slices.Clone(e.addrs), nil
		}

		p := &pending{done: make(chan struct{})}
		r.entries[key] = p
		r.mu.Unlock()
		r.metrics.Lookup("miss")
		return r.resolve(ctx, key, host, p)
	}
}

// resolve performs the lookup that p stands for and publishes the result.
func (r *Resolver) resolve(ctx context.Context, key, host string, p *pending) ([]netip.Addr, error) {
	addrs, err := r.ns.LookupAll(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = errNoAddresses
	}

	if err != nil && ctx.Err() != nil {
		// Our caller gave up; that says nothing about the name.
		r.mu.Lock()
		if e, ok := r.entries[key]; ok && e == entry(p) {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		p.retry = true
		close(p.done)
		return nil, neterr.IO("lookup", host, ctx.Err())
	}

	if err != nil {
		r.logger.Debug("resolver: lookup failed", "host", host, "error", err)
		p.err = neterr.HostNotFound(host, err)
	} else {
		p.addrs = r.sortAddrs(addrs)
	}

	r.mu.Lock()
	r.storeLocked(key, p, r.now())
	r.mu.Unlock()
	close(p.done)

	if p.err != nil {
		return nil, p.err
	}
	return slices.Clone(p.addrs), nil
}

func (r *Resolver) sortAddrs(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		out[i] = a.Unmap()
	}
	rank := func(a netip.Addr) int {
		if a.Is6() == r.preferIPv6 {
			return 0
		}
		return 1
	}
	slices.SortStableFunc(out, func(a, b netip.Addr) int {
		return cmp.Compare(rank(a), rank(b))
	})
	return out
}

func (r *Resolver) loopback() []netip.Addr {
	if r.preferIPv6 {
		return []netip.Addr{netip.IPv6Loopback(), netip.AddrFrom4([4]byte{127, 0, 0, 1})}
	}
	return []netip.Addr{netip.AddrFrom4([4]byte{127, 0, 0, 1}), netip.IPv6Loopback()}
}

// errLookupAbandoned is the shared result of a reverse lookup whose
// initiating caller was canceled; the callers that joined it retry.
var errLookupAbandoned = errors.New("reverse lookup abandoned")

// LookupAddr returns the host name of addr. Concurrent lookups of the
// same address share one query; results are not cached.
func (r *Resolver) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	key := addr.String()
	for {
		v, err, _ := r.reverse.Do(key, func() (any, error) {
			name, err := r.ns.LookupAddr(ctx, addr)
			if err != nil && ctx.Err() != nil {
				return "", errLookupAbandoned
			}
			return name, err
		})
		if ctx.Err() != nil {
			return "", neterr.IO("reverse lookup", key, ctx.Err())
		}
		if errors.Is(err, errLookupAbandoned) {
			continue
		}
		if err != nil {
			return "", neterr.HostNotFound(key, err)
		}
		return v.(string), nil
	}
}

// LocalHost returns the first address of this machine's host name, or
// loopback if the name does not resolve.
func (r *Resolver) LocalHost(ctx context.Context) (netip.Addr, error) {
	name, err := r.hostname()
	if err != nil {
		return r.loopback()[0], nil
	}
	addrs, err := r.LookupHost(ctx, name)
	if err != nil {
		if errors.Is(err, neterr.ErrHostNotFound) {
			return r.loopback()[0], nil
		}
		return netip.Addr{}, err
	}
	return addrs[0], nil
}

// Flush drops every cached result. Lookups in flight are unaffected.
func (r *Resolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if _, ok := e.(*cached); ok {
			delete(r.entries, k)
		}
	}
	r.expiry = nil
}
