package resolver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// NameService performs uncached forward and reverse lookups.
type NameService interface {
	LookupAll(ctx context.Context, host string) ([]netip.Addr, error)
	LookupAddr(ctx context.Context, addr netip.Addr) (string, error)
}

var errNoAddresses = errors.New("no addresses")

// System resolves through a net.Resolver, which follows the platform's
// configuration (nsswitch, resolv.conf, hosts).
type System struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

func (s System) resolver() *net.Resolver {
	if s.Resolver != nil {
		return s.Resolver
	}
	return net.DefaultResolver
}

func (s System) LookupAll(ctx context.Context, host string) ([]netip.Addr, error) {
	return s.resolver().LookupNetIP(ctx, "ip", host)
}

func (s System) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	names, err := s.resolver().LookupAddr(ctx, addr.String())
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no PTR record for %s", addr)
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// DNS queries a single DNS server directly, bypassing the platform
// resolver.
type DNS struct {
	// Server is the host:port of the DNS server.
	Server string
	// Client defaults to a UDP client with a 5 second timeout.
	Client *dns.Client
}

func (d *DNS) client() *dns.Client {
	if d.Client != nil {
		return d.Client
	}
	return &dns.Client{Timeout: 5 * time.Second}
}

func (d *DNS) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	in, _, err := d.client().ExchangeContext(ctx, m, d.Server)
	if err != nil {
		return nil, fmt.Errorf("dns %s %s: %w", dns.TypeToString[qtype], name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns %s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[in.Rcode])
	}
	return in, nil
}

// LookupAll asks for A and AAAA records. It succeeds if either query
// returns an address.
func (d *DNS) LookupAll(ctx context.Context, host string) ([]netip.Addr, error) {
	name := dns.Fqdn(host)
	var addrs []netip.Addr
	var errs []error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		in, err := d.exchange(ctx, name, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rr := range in.Answer {
			var ip net.IP
			switch rr := rr.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, errNoAddresses
	}
	return addrs, nil
}

func (d *DNS) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	name, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", err
	}
	in, err := d.exchange(ctx, name, dns.TypePTR)
	if err != nil {
		return "", err
	}
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", fmt.Errorf("no PTR record for %s", addr)
}

// HostsFile answers from a static table in /etc/hosts format.
type HostsFile struct {
	byName map[string][]netip.Addr
	byAddr map[netip.Addr]string
}

// LoadHosts reads a hosts file from path.
func LoadHosts(path string) (*HostsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseHosts(f)
}

// ParseHosts reads "address name [alias...]" lines. Comments start with
// '#'; lines with an unparsable address are skipped.
func ParseHosts(r io.Reader) (*HostsFile, error) {
	h := &HostsFile{
		byName: make(map[string][]netip.Addr),
		byAddr: make(map[netip.Addr]string),
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line, _, _ := strings.Cut(sc.Text(), "#")
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		for _, name := range fields[1:] {
			key := strings.ToLower(name)
			h.byName[key] = append(h.byName[key], addr)
		}
		if _, ok := h.byAddr[addr]; !ok {
			h.byAddr[addr] = fields[1]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hosts: %w", err)
	}
	return h, nil
}

func (h *HostsFile) LookupAll(_ context.Context, host string) ([]netip.Addr, error) {
	addrs := h.byName[strings.ToLower(strings.TrimSuffix(host, "."))]
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s not in hosts file", host)
	}
	return append([]netip.Addr(nil), addrs...), nil
}

func (h *HostsFile) LookupAddr(_ context.Context, addr netip.Addr) (string, error) {
	name, ok := h.byAddr[addr.Unmap()]
	if !ok {
		return "", fmt.Errorf("%s not in hosts file", addr)
	}
	return name, nil
}

// Chain tries each NameService in order and returns the first success.
type Chain []NameService

func (c Chain) LookupAll(ctx context.Context, host string) ([]netip.Addr, error) {
	var errs []error
	for _, ns := range c {
		addrs, err := ns.LookupAll(ctx, host)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
		if err == nil {
			err = errNoAddresses
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, errNoAddresses
	}
	return nil, errors.Join(errs...)
}

func (c Chain) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	var errs []error
	for _, ns := range c {
		name, err := ns.LookupAddr(ctx, addr)
		if err == nil {
			return name, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", errNoAddresses
	}
	return "", errors.Join(errs...)
}
