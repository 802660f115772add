package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.SocketCreated("stream")
	m.DescriptorClosed()
	m.ConnectFailed("refused")
	m.ConnectDone(time.Now())
	m.Lookup("hit")
	m.SOCKSHandshake("5", "ok", time.Now())
	m.ProxyFailed("127.0.0.1:1080")
	m.DatagramFiltered()
	m.BytesRelayed("up", 10)
}

func TestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SocketCreated("stream")
	m.SocketCreated("stream")
	m.SocketCreated("datagram")
	m.DescriptorClosed()

	if got := testutil.ToFloat64(m.socketsCreated.WithLabelValues("stream")); got != 2 {
		t.Fatalf("stream sockets=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.descriptorsOpen); got != 2 {
		t.Fatalf("open descriptors=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.descriptorsClosed); got != 1 {
		t.Fatalf("closed descriptors=%v want 1", got)
	}

	m.Lookup("miss")
	m.Lookup("hit")
	m.Lookup("hit")
	if got := testutil.ToFloat64(m.lookups.WithLabelValues("hit")); got != 2 {
		t.Fatalf("hits=%v want 2", got)
	}

	m.BytesRelayed("down", 0)
	m.BytesRelayed("down", 512)
	if got := testutil.ToFloat64(m.bytesRelayed.WithLabelValues("down")); got != 512 {
		t.Fatalf("bytes=%v want 512", got)
	}

	if n, err := testutil.GatherAndCount(reg, "netkit_sockets_created_total"); err != nil || n != 2 {
		t.Fatalf("GatherAndCount=%d, %v; want 2 series", n, err)
	}
}
