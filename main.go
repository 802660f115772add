package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/proxy"
	"github.com/die-net/netkit/internal/resolver"
	"github.com/die-net/netkit/internal/socket"
	"github.com/die-net/netkit/internal/socks"
	"github.com/die-net/netkit/internal/stack"
)

var (
	// Reduce GC overhead by setting a minimum GC heap size;
	// GOGC+GOMEMLIMIT can't express this.  This only allocates virtual
	// memory, not RSS.  Ignore it in memory profiles.
	ballast = make([]byte, 0, 25_000_000)
	_       = ballast
)

const usage = `usage: netkit [flags] <command> [args]

commands:
  dial <host:port>          connect and copy stdin/stdout to the connection
  listen <addr:port>        accept one connection (through a SOCKS BIND if proxied)
  lookup <host|ip>...       resolve names, or reverse-resolve addresses
  uri <reference> [base]    parse a URI reference, resolving it against base
  socks-server <addr:port>  run a SOCKS 4/5 server
  udp-echo <addr:port>      echo datagrams back to their senders

flags:
`

// options are the parsed flags shared by the commands.
type options struct {
	proxy              string
	noProxy            string
	dnsServer          string
	hostsFile          string
	positiveTTL        time.Duration
	negativeTTL        time.Duration
	preferIPv6         bool
	connectTimeout     time.Duration
	negotiationTimeout time.Duration
	ioTimeout          time.Duration
	tcpKeepAlive       string
	socksAuth          string
	filterDatagrams    bool
	verbose            bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	pflag.StringVar(&opts.proxy, "proxy", defaultProxy(), "Proxy URL for outgoing sockets: direct:// | socks://[user:pass@]host:port | socks4://host:port | socks5://[user:pass@]host:port")
	pflag.StringVar(&opts.noProxy, "no-proxy", os.Getenv("NO_PROXY"), "Comma-separated hosts, domains and CIDR prefixes reached without the proxy")
	pflag.StringVar(&opts.dnsServer, "dns-server", "", "DNS server host:port to query directly instead of the system resolver")
	pflag.StringVar(&opts.hostsFile, "hosts-file", "", "Hosts file consulted before DNS")
	pflag.DurationVar(&opts.positiveTTL, "positive-ttl", 30*time.Second, "How long successful lookups are cached; zero disables caching, negative caches forever")
	pflag.DurationVar(&opts.negativeTTL, "negative-ttl", 10*time.Second, "How long failed lookups are cached; zero disables caching, negative caches forever")
	pflag.BoolVar(&opts.preferIPv6, "prefer-ipv6", false, "Prefer IPv6 addresses when a name has both")
	pflag.DurationVar(&opts.connectTimeout, "connect-timeout", 10*time.Second, "Timeout for DNS lookup, proxy negotiation and TCP connect")
	pflag.DurationVar(&opts.negotiationTimeout, "negotiation-timeout", socks.DefaultNegotiationTimeout, "Timeout for a SOCKS client to send its request")
	pflag.DurationVar(&opts.ioTimeout, "io-timeout", 0, "Absolute limit on each relayed connection; zero disables")
	pflag.StringVar(&opts.tcpKeepAlive, "tcp-keepalive", "on", "TCP keepalive on accepted connections: on|off")
	pflag.StringVar(&opts.socksAuth, "socks-auth", "", "user:pass required by socks-server; version 4 clients must send user as their user id")
	pflag.BoolVar(&opts.filterDatagrams, "filter-datagrams", false, "Filter connected datagram endpoints in user space instead of the kernel")
	debugListen := pflag.String("debug-listen", "", "Debug HTTP listen address exposing /metrics and /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	pflag.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")

	pflag.CommandLine.SortFlags = false
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		return errors.New("no command given")
	}

	if opts.verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := newStack(opts, slog.Default(), m)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	cmd, cmdArgs := args[0], args[1:]
	g.Go(func() error {
		// The debug server runs until the command finishes.
		defer stop()
		return runCommand(ctx, cmd, cmdArgs, opts, st, m)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func runCommand(ctx context.Context, cmd string, args []string, opts options, st *stack.Stack, m *metrics.Metrics) error {
	switch cmd {
	case "dial":
		if len(args) != 1 {
			return errors.New("usage: netkit dial <host:port>")
		}
		return dial(ctx, st, args[0], opts.ioTimeout)
	case "listen":
		if len(args) != 1 {
			return errors.New("usage: netkit listen <addr:port>")
		}
		return listen(ctx, st, args[0])
	case "lookup":
		if len(args) == 0 {
			return errors.New("usage: netkit lookup <host|ip>...")
		}
		return lookup(ctx, st, args, os.Stdout)
	case "uri":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: netkit uri <reference> [base]")
		}
		return describeURI(os.Stdout, args)
	case "socks-server":
		if len(args) != 1 {
			return errors.New("usage: netkit socks-server <addr:port>")
		}
		return socksServer(ctx, st, args[0], opts, m)
	case "udp-echo":
		if len(args) != 1 {
			return errors.New("usage: netkit udp-echo <addr:port>")
		}
		return udpEcho(ctx, st, args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newStack(opts options, logger *slog.Logger, m *metrics.Metrics) (*stack.Stack, error) {
	ka, err := parseTCPKeepAlive(opts.tcpKeepAlive)
	if err != nil {
		return nil, fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	ns, err := nameService(opts)
	if err != nil {
		return nil, err
	}
	res := resolver.New(resolver.Config{
		NameService: ns,
		PositiveTTL: cachePolicy(opts.positiveTTL),
		NegativeTTL: cachePolicy(opts.negativeTTL),
		PreferIPv6:  opts.preferIPv6,
		Logger:      logger,
		Metrics:     m,
	})

	p, err := proxy.ParseURL(opts.proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid --proxy: %w", err)
	}
	var sel proxy.Selector
	if p.Type != proxy.TypeDirect {
		sel = proxy.NewStatic(proxy.StaticConfig{
			Proxies: []proxy.Proxy{p},
			Bypass:  splitList(opts.noProxy),
			Logger:  logger,
			Metrics: m,
		})
	}

	return stack.New(stack.Config{
		Resolver:        res,
		Selector:        sel,
		ConnectTimeout:  opts.connectTimeout,
		AcceptOptions:   []socket.Option{{Kind: socket.KeepAlive, Value: socket.Bool(ka)}},
		FilterDatagrams: opts.filterDatagrams,
		Logger:          logger,
		Metrics:         m,
	}), nil
}

func nameService(opts options) (resolver.NameService, error) {
	var chain resolver.Chain
	if opts.hostsFile != "" {
		hosts, err := resolver.LoadHosts(opts.hostsFile)
		if err != nil {
			return nil, fmt.Errorf("invalid --hosts-file: %w", err)
		}
		chain = append(chain, hosts)
	}
	if opts.dnsServer != "" {
		server := opts.dnsServer
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		chain = append(chain, &resolver.DNS{Server: server})
	} else {
		chain = append(chain, resolver.System{})
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func cachePolicy(d time.Duration) resolver.CachePolicy {
	switch {
	case d < 0:
		return resolver.Forever
	case d == 0:
		return resolver.Never
	default:
		return resolver.CachePolicy(d)
	}
}

func parseTCPKeepAlive(s string) (bool, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	case "":
		return false, errors.New("empty")
	default:
		return false, errors.New("expected on|off")
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func defaultProxy() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
