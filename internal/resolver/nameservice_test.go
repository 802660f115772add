package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/die-net/netkit/internal/neterr"
)

func TestParseHosts(t *testing.T) {
	t.Parallel()

	h, err := ParseHosts(strings.NewReader(`
# comment
127.0.0.1   localhost
192.0.2.10  web.test web   # trailing comment
2001:db8::a web.test
bogus       ignored.test
`))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	addrs, err := h.LookupAll(ctx, "WEB.test.")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 || addrs[0] != netip.MustParseAddr("192.0.2.10") {
		t.Fatalf("addrs=%v", addrs)
	}
	if _, err := h.LookupAll(ctx, "ignored.test"); err == nil {
		t.Fatal("line with bad address was used")
	}
	if name, err := h.LookupAddr(ctx, netip.MustParseAddr("192.0.2.10")); err != nil || name != "web.test" {
		t.Fatalf("LookupAddr=%q, %v", name, err)
	}
}

func TestChain(t *testing.T) {
	t.Parallel()

	first := &fakeNS{}
	second := &fakeNS{hosts: map[string][]netip.Addr{"x.test": {v4}}}
	c := Chain{first, second}

	addrs, err := c.LookupAll(context.Background(), "x.test")
	if err != nil || addrs[0] != v4 {
		t.Fatalf("LookupAll=%v, %v", addrs, err)
	}
	if first.calls.Load() != 1 || second.calls.Load() != 1 {
		t.Fatal("chain did not try services in order")
	}
	if _, err := c.LookupAll(context.Background(), "y.test"); err == nil {
		t.Fatal("expected failure")
	}
}

// startDNSServer answers A and PTR queries for a single name.
func startDNSServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		switch {
		case q.Qtype == dns.TypeA && q.Name == "dns.test.":
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP("192.0.2.53").To4(),
			})
		case q.Qtype == dns.TypePTR && q.Name == "53.2.0.192.in-addr.arpa.":
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
				Ptr: "dns.test.",
			})
		case q.Name != "dns.test.":
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSNameService(t *testing.T) {
	t.Parallel()

	d := &DNS{Server: startDNSServer(t), Client: &dns.Client{Timeout: 2 * time.Second}}
	ctx := context.Background()

	addrs, err := d.LookupAll(ctx, "dns.test")
	if err != nil {
		t.Fatalf("LookupAll: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("192.0.2.53") {
		t.Fatalf("addrs=%v", addrs)
	}

	name, err := d.LookupAddr(ctx, netip.MustParseAddr("192.0.2.53"))
	if err != nil || name != "dns.test" {
		t.Fatalf("LookupAddr=%q, %v", name, err)
	}

	if _, err := d.LookupAll(ctx, "nope.test"); err == nil {
		t.Fatal("expected NXDOMAIN")
	} else if !strings.Contains(err.Error(), "NXDOMAIN") {
		t.Fatalf("err=%v", err)
	}

	// Through the cache, the failure becomes a host-not-found error.
	r := New(Config{NameService: d})
	if _, err := r.LookupHost(ctx, "nope.test"); err == nil || !errors.Is(err, neterr.ErrHostNotFound) {
		t.Fatalf("cached lookup err=%v", err)
	}
}
