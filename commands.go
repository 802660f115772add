package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/neterr"
	"github.com/die-net/netkit/internal/socket"
	"github.com/die-net/netkit/internal/socks"
	"github.com/die-net/netkit/internal/stack"
	"github.com/die-net/netkit/internal/uri"
)

// pipeStdio copies stdin to conn and conn to stdout. EOF on stdin
// half-closes conn; the copy ends when conn reaches EOF.
func pipeStdio(ctx context.Context, conn *socket.StreamSocket, ioTimeout time.Duration) error {
	if ioTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(ioTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	go func() {
		if _, err := io.Copy(conn, os.Stdin); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("send: %v", err)
		}
		_ = conn.CloseWrite()
	}()

	// Stdin may never reach EOF; the connection is what we wait on.
	_, err := io.Copy(os.Stdout, conn)
	_ = conn.Close()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

func dial(ctx context.Context, st *stack.Stack, address string, ioTimeout time.Duration) error {
	conn, err := st.Dial(ctx, address)
	if err != nil {
		return err
	}
	log.Printf("connected to %s from %s", conn.RemoteAddr(), conn.LocalAddr())
	if tun, ok := conn.Transport().(*socks.Tunnel); ok {
		if proxied, version := tun.Proxied(); proxied {
			log.Printf("via SOCKS version %d", version)
		}
	}
	return pipeStdio(ctx, conn, ioTimeout)
}

func listen(ctx context.Context, st *stack.Stack, address string) error {
	addr, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	ln, err := st.ListenVia(addr, 1)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()
	log.Printf("listening on %s", ln.Addr())

	conn, err := ln.AcceptStream()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	log.Printf("accepted %s", conn.RemoteAddr())
	return pipeStdio(ctx, conn, 0)
}

func lookup(ctx context.Context, st *stack.Stack, names []string, w io.Writer) error {
	var errs []error
	for _, name := range names {
		if addr, err := netip.ParseAddr(name); err == nil {
			host, err := st.LookupAddr(ctx, addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", addr, host)
			continue
		}
		addrs, err := st.Lookup(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, a := range addrs {
			fmt.Fprintf(w, "%s\t%s\n", name, a)
		}
	}
	return errors.Join(errs...)
}

func describeURI(w io.Writer, args []string) error {
	u, err := uri.Parse(args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 {
		base, err := uri.Parse(args[1])
		if err != nil {
			return fmt.Errorf("base: %w", err)
		}
		u = base.Resolve(u)
	}

	fields := []struct {
		name  string
		value string
		ok    bool
	}{
		{"uri", u.String(), true},
		{"ascii", u.ASCIIString(), true},
		{"normalized", u.Normalize().String(), true},
		{"scheme", u.Scheme(), u.IsAbsolute()},
		{"scheme-specific-part", u.SchemeSpecificPart(), u.IsOpaque()},
		{"authority", u.Authority(), u.HasAuthority()},
		{"user-info", u.UserInfo(), u.RawUserInfo() != ""},
		{"host", u.Host(), u.Host() != ""},
		{"port", fmt.Sprint(u.Port()), u.Port() >= 0},
		{"path", u.Path(), !u.IsOpaque()},
		{"query", u.Query(), u.HasQuery()},
		{"fragment", u.Fragment(), u.HasFragment()},
	}
	var b strings.Builder
	for _, f := range fields {
		if f.ok {
			fmt.Fprintf(&b, "%-21s %s\n", f.name+":", f.value)
		}
	}
	_, err = io.WriteString(w, b.String())
	return err
}

func socksServer(ctx context.Context, st *stack.Stack, address string, opts options, m *metrics.Metrics) error {
	addr, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	var auth socks.Auth
	if opts.socksAuth != "" {
		var ok bool
		auth.Username, auth.Password, ok = strings.Cut(opts.socksAuth, ":")
		if !ok || auth.Username == "" {
			return errors.New("invalid --socks-auth: expected user:pass")
		}
	}

	ln, err := st.Listen(addr, 0)
	if err != nil {
		return fmt.Errorf("socks listen: %w", err)
	}
	srv := socks.NewServer(socks.ServerConfig{
		Auth:               auth,
		Socket:             st.SocketConfig(),
		ConnectTimeout:     opts.connectTimeout,
		NegotiationTimeout: opts.negotiationTimeout,
		IOTimeout:          opts.ioTimeout,
		Metrics:            m,
	})
	log.Printf("socks proxy listening on %s", ln.Addr())
	if err := srv.Serve(ctx, ln); err != nil {
		return fmt.Errorf("socks serve: %w", err)
	}
	return ctx.Err()
}

func udpEcho(ctx context.Context, st *stack.Stack, address string) error {
	addr, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	d, err := st.ListenDatagram(addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = d.Close() })
	defer stop()
	defer d.Close()
	log.Printf("udp echo listening on %s", d.LocalAddr())

	buf := make([]byte, 64*1024)
	for {
		n, from, err := d.Receive(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if neterr.IsTimeout(err) {
				continue
			}
			return err
		}
		if _, err := d.Send(buf[:n], from); err != nil {
			log.Printf("udp echo to %s: %v", from, err)
		}
	}
}
