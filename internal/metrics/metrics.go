// Package metrics holds the Prometheus collectors shared by the socket,
// resolver and SOCKS layers. A nil *Metrics is valid and records nothing,
// so libraries can be used without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	socketsCreated    *prometheus.CounterVec
	descriptorsOpen   prometheus.Gauge
	descriptorsClosed prometheus.Counter
	connectFailures   *prometheus.CounterVec
	connectDuration   prometheus.Histogram
	lookups           *prometheus.CounterVec
	socksHandshakes   *prometheus.CounterVec
	socksDuration     prometheus.Histogram
	proxyFailures     *prometheus.CounterVec
	datagramsFiltered prometheus.Counter
	bytesRelayed      *prometheus.CounterVec
}

// New registers the collectors with reg. Passing nil registers with the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		socketsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netkit_sockets_created_total",
			Help: "Total number of sockets created, by kind",
		}, []string{"kind"}),
		descriptorsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "netkit_descriptors_open",
			Help: "Number of socket descriptors currently open",
		}),
		descriptorsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "netkit_descriptors_closed_total",
			Help: "Total number of socket descriptors released to the OS",
		}),
		connectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netkit_connect_failures_total",
			Help: "Total number of failed connects, by reason",
		}, []string{"reason"}),
		connectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "netkit_connect_duration_seconds",
			Help:    "Time spent establishing stream connections",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
		}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netkit_resolver_lookups_total",
			Help: "Total number of host lookups, by cache result",
		}, []string{"result"}),
		socksHandshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netkit_socks_handshakes_total",
			Help: "Total number of SOCKS handshakes, by version and result",
		}, []string{"version", "result"}),
		socksDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "netkit_socks_handshake_duration_seconds",
			Help:    "Time spent negotiating with SOCKS proxies",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		proxyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netkit_proxy_failures_total",
			Help: "Total number of proxies reported unreachable, by proxy address",
		}, []string{"proxy"}),
		datagramsFiltered: f.NewCounter(prometheus.CounterOpts{
			Name: "netkit_datagrams_filtered_total",
			Help: "Total number of datagrams discarded by connected-endpoint filtering",
		}),
		bytesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netkit_bytes_relayed_total",
			Help: "Total bytes copied by relays, by direction",
		}, []string{"direction"}),
	}
}

func (m *Metrics) SocketCreated(kind string) {
	if m == nil {
		return
	}
	m.socketsCreated.WithLabelValues(kind).Inc()
	m.descriptorsOpen.Inc()
}

func (m *Metrics) DescriptorClosed() {
	if m == nil {
		return
	}
	m.descriptorsOpen.Dec()
	m.descriptorsClosed.Inc()
}

func (m *Metrics) ConnectFailed(reason string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectDone(start time.Time) {
	if m == nil {
		return
	}
	m.connectDuration.Observe(time.Since(start).Seconds())
}

// Lookup records a resolver lookup; result is "hit", "miss" or "negative".
func (m *Metrics) Lookup(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) SOCKSHandshake(version, result string, start time.Time) {
	if m == nil {
		return
	}
	m.socksHandshakes.WithLabelValues(version, result).Inc()
	m.socksDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ProxyFailed(proxy string) {
	if m == nil {
		return
	}
	m.proxyFailures.WithLabelValues(proxy).Inc()
}

func (m *Metrics) DatagramFiltered() {
	if m == nil {
		return
	}
	m.datagramsFiltered.Inc()
}

func (m *Metrics) BytesRelayed(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}
