//go:build linux || darwin

package socket

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/die-net/netkit/internal/metrics"
	"github.com/die-net/netkit/internal/neterr"
)

func newTestEndpoint(t *testing.T, cfg Config) *DatagramEndpoint {
	t.Helper()

	d, err := ListenDatagram(cfg, netip.AddrPortFrom(localhost, 0))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func localAddrPort(d *DatagramEndpoint) netip.AddrPort { return unmap(d.LocalAddrPort()) }

// waitQueued waits until d has a datagram queued.
func waitQueued(t *testing.T, d *DatagramEndpoint) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, err := d.t.Available(); err == nil && n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("nothing queued")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDatagramConnectFiltersStrays(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		disable    bool
		wantNative bool
	}{
		{name: "native connect", wantNative: true},
		{name: "user space filter", disable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			recv := newTestEndpoint(t, Config{DisableNativeConnect: tt.disable, Metrics: m})
			peer := newTestEndpoint(t, Config{})
			stray := newTestEndpoint(t, Config{})
			to := localAddrPort(recv)

			for _, send := range []struct {
				from *DatagramEndpoint
				msg  string
			}{{peer, "one"}, {stray, "two"}, {peer, "three"}} {
				if _, err := send.from.Send([]byte(send.msg), to); err != nil {
					t.Fatal(err)
				}
			}
			waitQueued(t, recv)

			if err := recv.Connect(localAddrPort(peer)); err != nil {
				t.Fatal(err)
			}
			if recv.NativelyConnected() != tt.wantNative {
				t.Fatalf("natively connected=%v want %v", recv.NativelyConnected(), tt.wantNative)
			}
			if err := recv.SetOption(Timeout, Duration(2*time.Second)); err != nil {
				t.Fatal(err)
			}

			buf := make([]byte, 64)
			for _, want := range []string{"one", "three"} {
				n, from, err := recv.Receive(buf)
				if err != nil {
					t.Fatal(err)
				}
				if string(buf[:n]) != want {
					t.Fatalf("received %q want %q", buf[:n], want)
				}
				if from != localAddrPort(peer) {
					t.Fatalf("from %v want %v", from, localAddrPort(peer))
				}
			}
			const want = `
# HELP netkit_datagrams_filtered_total Total number of datagrams discarded by connected-endpoint filtering
# TYPE netkit_datagrams_filtered_total counter
netkit_datagrams_filtered_total 1
`
			if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "netkit_datagrams_filtered_total"); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestDatagramSendRules(t *testing.T) {
	t.Parallel()

	d := newTestEndpoint(t, Config{})
	peer := newTestEndpoint(t, Config{})
	other := newTestEndpoint(t, Config{})

	if _, err := d.Send([]byte("x"), netip.AddrPort{}); neterr.KindOf(err) != neterr.KindUsage {
		t.Fatalf("send without destination: %v", err)
	}

	if err := d.Connect(localAddrPort(peer)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Send([]byte("x"), localAddrPort(other)); neterr.KindOf(err) != neterr.KindUsage {
		t.Fatalf("send to other than peer: %v", err)
	}
	for _, to := range []netip.AddrPort{{}, localAddrPort(peer)} {
		if _, err := d.Send([]byte("ok"), to); err != nil {
			t.Fatalf("send to %v: %v", to, err)
		}
	}

	if err := peer.SetOption(Timeout, Duration(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	for range 2 {
		n, from, err := peer.Receive(buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "ok" || from != localAddrPort(d) {
			t.Fatalf("received %q from %v", buf[:n], from)
		}
	}
}

func TestDatagramDisconnect(t *testing.T) {
	t.Parallel()

	d := newTestEndpoint(t, Config{})
	peer := newTestEndpoint(t, Config{})
	other := newTestEndpoint(t, Config{})

	if err := d.Disconnect(); err != nil {
		t.Fatalf("disconnect unconnected: %v", err)
	}
	before := localAddrPort(d)
	if err := d.Connect(localAddrPort(peer)); err != nil {
		t.Fatal(err)
	}
	if !d.IsConnected() {
		t.Fatal("not connected")
	}
	if err := d.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if d.IsConnected() || d.Peer().IsValid() {
		t.Fatal("still connected after disconnect")
	}
	if got := localAddrPort(d); got != before {
		t.Fatalf("local address %v after disconnect, want %v", got, before)
	}

	if _, err := other.Send([]byte("hi"), localAddrPort(d)); err != nil {
		t.Fatal(err)
	}
	if err := d.SetOption(Timeout, Duration(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, from, err := d.Receive(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hi" || from != localAddrPort(other) {
		t.Fatalf("received %q from %v", buf[:n], from)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("disconnect closed: %v", err)
	}
}

func TestDatagramDisconnectKeepsPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		bind bool
	}{
		{name: "bound to port zero", bind: true},
		{name: "auto bound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			peer := newTestEndpoint(t, Config{})
			d, err := NewDatagramEndpoint(Config{})
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = d.Close() })
			if tt.bind {
				if err := d.Bind(netip.AddrPortFrom(localhost, 0)); err != nil {
					t.Fatal(err)
				}
			}

			// Connecting twice disconnects in between.
			for range 2 {
				if err := d.Connect(localAddrPort(peer)); err != nil {
					t.Fatal(err)
				}
			}
			port := d.LocalAddrPort().Port()
			if port == 0 {
				t.Fatal("no local port after connect")
			}
			if err := d.Disconnect(); err != nil {
				t.Fatal(err)
			}
			if got := d.LocalAddrPort().Port(); got != port {
				t.Fatalf("local port %d after disconnect, want %d", got, port)
			}

			if _, err := peer.Send([]byte("back"), netip.AddrPortFrom(localhost, port)); err != nil {
				t.Fatal(err)
			}
			if err := d.SetOption(Timeout, Duration(2*time.Second)); err != nil {
				t.Fatal(err)
			}
			buf := make([]byte, 8)
			n, _, err := d.Receive(buf)
			if err != nil {
				t.Fatal(err)
			}
			if string(buf[:n]) != "back" {
				t.Fatalf("received %q", buf[:n])
			}
		})
	}
}

func TestDatagramTruncatesAndTimesOut(t *testing.T) {
	t.Parallel()

	d := newTestEndpoint(t, Config{})
	sender := newTestEndpoint(t, Config{})

	if _, err := sender.Send([]byte("0123456789"), localAddrPort(d)); err != nil {
		t.Fatal(err)
	}
	if err := d.SetOption(Timeout, Duration(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	n, _, err := d.Receive(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || string(buf) != "0123" {
		t.Fatalf("received %d %q", n, buf[:n])
	}

	if err := d.SetOption(Timeout, Duration(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := d.Receive(buf); !neterr.IsTimeout(err) {
		t.Fatalf("receive on empty queue: %v", err)
	}
}

func TestDatagramAutoBindAndClose(t *testing.T) {
	t.Parallel()

	d, err := NewDatagramEndpoint(Config{})
	if err != nil {
		t.Fatal(err)
	}
	peer := newTestEndpoint(t, Config{})

	if d.IsBound() {
		t.Fatal("new endpoint is bound")
	}
	if _, err := d.Send([]byte("x"), localAddrPort(peer)); err != nil {
		t.Fatal(err)
	}
	if !d.IsBound() || d.LocalAddrPort().Port() == 0 {
		t.Fatal("send did not bind")
	}
	if err := d.SetOption(KeepAlive, Bool(true)); neterr.KindOf(err) != neterr.KindUsage {
		t.Fatalf("keepalive on datagram: %v", err)
	}
	if err := d.SetOption(Broadcast, Bool(true)); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, _, err := d.Receive(make([]byte, 8))
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, neterr.ErrClosed) {
			t.Fatalf("receive after close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive still blocked after close")
	}
	if _, err := d.Send([]byte("x"), localAddrPort(peer)); !errors.Is(err, neterr.ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}
