package resolver

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/netkit/internal/neterr"
)

type fakeNS struct {
	mu      sync.Mutex
	hosts   map[string][]netip.Addr
	calls   atomic.Int32
	gate    chan struct{} // if set, lookups block until it is closed
	started chan struct{} // if set, receives once per lookup
}

func (f *fakeNS) LookupAll(ctx context.Context, host string) ([]netip.Addr, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs, ok := f.hosts[host]
	if !ok {
		return nil, errors.New("NXDOMAIN")
	}
	return addrs, nil
}

func (f *fakeNS) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, addrs := range f.hosts {
		for _, a := range addrs {
			if a == addr {
				return name, nil
			}
		}
	}
	return "", errors.New("no PTR")
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestResolver(ns NameService, cfg Config) (*Resolver, *clock) {
	cfg.NameService = ns
	r := New(cfg)
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	r.now = c.Now
	return r, c
}

var (
	v4 = netip.MustParseAddr("192.0.2.1")
	v6 = netip.MustParseAddr("2001:db8::1")
)

func TestLiteralsAndLoopback(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{}
	r, _ := newTestResolver(ns, Config{})

	tests := []struct {
		host string
		want netip.Addr
	}{
		{"192.0.2.7", netip.MustParseAddr("192.0.2.7")},
		{"::1", netip.IPv6Loopback()},
		{"[2001:db8::5]", netip.MustParseAddr("2001:db8::5")},
		{"::ffff:10.0.0.1", netip.MustParseAddr("10.0.0.1")},
		{"", netip.MustParseAddr("127.0.0.1")},
	}
	for _, tt := range tests {
		addrs, err := r.LookupHost(context.Background(), tt.host)
		if err != nil {
			t.Fatalf("LookupHost(%q): %v", tt.host, err)
		}
		if addrs[0] != tt.want {
			t.Fatalf("LookupHost(%q)=%v want %v", tt.host, addrs, tt.want)
		}
	}
	if n := ns.calls.Load(); n != 0 {
		t.Fatalf("literals reached the name service %d times", n)
	}
}

func TestPositiveCacheAndExpiry(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{hosts: map[string][]netip.Addr{"example.test": {v4}}}
	r, c := newTestResolver(ns, Config{PositiveTTL: CachePolicy(30 * time.Second)})
	ctx := context.Background()

	for range 3 {
		addrs, err := r.LookupHost(ctx, "example.test")
		if err != nil || len(addrs) != 1 || addrs[0] != v4 {
			t.Fatalf("LookupHost=%v, %v", addrs, err)
		}
	}
	if n := ns.calls.Load(); n != 1 {
		t.Fatalf("name service called %d times, want 1", n)
	}

	// Names are case-insensitive.
	if _, err := r.LookupHost(ctx, "EXAMPLE.test"); err != nil {
		t.Fatal(err)
	}
	if n := ns.calls.Load(); n != 1 {
		t.Fatalf("case variant missed the cache")
	}

	c.Advance(31 * time.Second)
	if _, err := r.LookupHost(ctx, "example.test"); err != nil {
		t.Fatal(err)
	}
	if n := ns.calls.Load(); n != 2 {
		t.Fatalf("name service called %d times after expiry, want 2", n)
	}
}

func TestNegativeCache(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{}
	r, c := newTestResolver(ns, Config{NegativeTTL: CachePolicy(10 * time.Second)})
	ctx := context.Background()

	_, err := r.LookupHost(ctx, "missing.test")
	if !errors.Is(err, neterr.ErrHostNotFound) {
		t.Fatalf("err=%v, want ErrHostNotFound", err)
	}
	if neterr.KindOf(err) != neterr.KindResolution {
		t.Fatalf("kind=%v", neterr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "NXDOMAIN") {
		t.Fatalf("cause lost: %v", err)
	}

	// A name that appears meanwhile is still reported missing until the
	// negative entry expires.
	ns.mu.Lock()
	ns.hosts = map[string][]netip.Addr{"missing.test": {v4}}
	ns.mu.Unlock()

	if _, err := r.LookupHost(ctx, "missing.test"); !errors.Is(err, neterr.ErrHostNotFound) {
		t.Fatalf("negative entry not served: %v", err)
	}
	c.Advance(10 * time.Second)
	if _, err := r.LookupHost(ctx, "missing.test"); err != nil {
		t.Fatalf("after negative TTL: %v", err)
	}
	if n := ns.calls.Load(); n != 2 {
		t.Fatalf("calls=%d want 2", n)
	}
}

func TestPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  CachePolicy
		advance time.Duration
		calls   int32
	}{
		{name: "never", policy: Never, calls: 2},
		{name: "forever", policy: Forever, advance: 1000 * time.Hour, calls: 1},
		{name: "ttl within", policy: CachePolicy(time.Minute), advance: 59 * time.Second, calls: 1},
		{name: "ttl past", policy: CachePolicy(time.Minute), advance: time.Minute, calls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ns := &fakeNS{hosts: map[string][]netip.Addr{"h.test": {v4}}}
			r, c := newTestResolver(ns, Config{PositiveTTL: tt.policy})
			ctx := context.Background()
			if _, err := r.LookupHost(ctx, "h.test"); err != nil {
				t.Fatal(err)
			}
			c.Advance(tt.advance)
			if _, err := r.LookupHost(ctx, "h.test"); err != nil {
				t.Fatal(err)
			}
			if n := ns.calls.Load(); n != tt.calls {
				t.Fatalf("calls=%d want %d", n, tt.calls)
			}
		})
	}
}

func TestConcurrentLookupsShareOneResolution(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{
		hosts:   map[string][]netip.Addr{"slow.test": {v4}},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 16),
	}
	r, _ := newTestResolver(ns, Config{PositiveTTL: Forever})

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			addrs, err := r.LookupHost(context.Background(), "slow.test")
			if err != nil {
				return err
			}
			if addrs[0] != v4 {
				return errors.New("wrong address")
			}
			return nil
		})
	}

	<-ns.started
	// Give the other goroutines a chance to find the pending entry.
	time.Sleep(20 * time.Millisecond)
	close(ns.gate)

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := ns.calls.Load(); n != 1 {
		t.Fatalf("calls=%d want 1", n)
	}
}

func TestCanceledResolverDoesNotPoisonWaiters(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{
		hosts:   map[string][]netip.Addr{"h.test": {v4}},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 4),
	}
	r, _ := newTestResolver(ns, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.LookupHost(ctx, "h.test")
		first <- err
	}()
	<-ns.started

	second := make(chan error, 1)
	go func() {
		_, err := r.LookupHost(context.Background(), "h.test")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("first err=%v", err)
	}
	<-ns.started
	close(ns.gate)
	if err := <-second; err != nil {
		t.Fatalf("waiter inherited cancellation: %v", err)
	}
}

func TestCanceledReverseLookupDoesNotPoisonWaiters(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{
		hosts:   map[string][]netip.Addr{"h.test": {v4}},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 4),
	}
	r, _ := newTestResolver(ns, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.LookupAddr(ctx, v4)
		first <- err
	}()
	<-ns.started

	type result struct {
		name string
		err  error
	}
	second := make(chan result, 1)
	go func() {
		name, err := r.LookupAddr(context.Background(), v4)
		second <- result{name, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("first err=%v", err)
	}
	<-ns.started
	close(ns.gate)
	if res := <-second; res.err != nil || res.name != "h.test" {
		t.Fatalf("waiter got %q, %v", res.name, res.err)
	}
}

func TestPreferIPv6Ordering(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{hosts: map[string][]netip.Addr{"dual.test": {v4, v6}}}
	for _, prefer := range []bool{false, true} {
		r, _ := newTestResolver(ns, Config{PreferIPv6: prefer})
		addrs, err := r.LookupHost(context.Background(), "dual.test")
		if err != nil {
			t.Fatal(err)
		}
		if got := addrs[0].Is6(); got != prefer {
			t.Fatalf("PreferIPv6=%v: first address %v", prefer, addrs[0])
		}
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{hosts: map[string][]netip.Addr{"a.test": {v4}, "b.test": {v6}}}
	r, c := newTestResolver(ns, Config{PositiveTTL: CachePolicy(time.Second)})
	ctx := context.Background()
	for _, h := range []string{"a.test", "b.test"} {
		if _, err := r.LookupHost(ctx, h); err != nil {
			t.Fatal(err)
		}
	}
	c.Advance(2 * time.Second)
	if _, err := r.LookupHost(ctx, "c.test"); err == nil {
		t.Fatal("expected failure")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries["a.test"]; ok {
		t.Fatal("expired entry a.test survived a sweep")
	}
	if _, ok := r.entries["b.test"]; ok {
		t.Fatal("expired entry b.test survived a sweep")
	}
	if r.expiry.Len() != 1 {
		t.Fatalf("heap holds %d entries, want 1", r.expiry.Len())
	}
}

func TestLookupAddrAndLocalHost(t *testing.T) {
	t.Parallel()

	ns := &fakeNS{hosts: map[string][]netip.Addr{"me.test": {v4}}}
	r, _ := newTestResolver(ns, Config{})
	ctx := context.Background()

	name, err := r.LookupAddr(ctx, v4)
	if err != nil || name != "me.test" {
		t.Fatalf("LookupAddr=%q, %v", name, err)
	}
	if _, err := r.LookupAddr(ctx, v6); !errors.Is(err, neterr.ErrHostNotFound) {
		t.Fatalf("LookupAddr unknown: %v", err)
	}

	r.hostname = func() (string, error) { return "me.test", nil }
	if addr, err := r.LocalHost(ctx); err != nil || addr != v4 {
		t.Fatalf("LocalHost=%v, %v", addr, err)
	}
	r.hostname = func() (string, error) { return "unknown.test", nil }
	if addr, err := r.LocalHost(ctx); err != nil || !addr.IsLoopback() {
		t.Fatalf("LocalHost fallback=%v, %v", addr, err)
	}
}
