// Package metrics is the reload-safe Prometheus counter/histogram set
// behind read_stats(): bytes_in/bytes_out plus a handful of histograms
// as optional observability.
package metrics

import (
	"os"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	hostLabelsOnce sync.Once
	hostLabels     prometheus.Labels
)

func labels() prometheus.Labels {
	hostLabelsOnce.Do(func() {
		hostname, _ := os.Hostname()
		hostLabels = prometheus.Labels{
			"hostname": hostname,
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
		}
	})
	return hostLabels
}

// Stats is one generation of the core's metrics, bound to its own
// Registry rather than the global DefaultRegisterer: a new Start
// discards the previous generation outright by replacing the counters,
// since prometheus.Counter has no Reset method, instead of
// unregistering and reusing the same collector set. Reloads keep the
// current generation.
type Stats struct {
	registry *prometheus.Registry

	BytesIn  prometheus.Counter
	BytesOut prometheus.Counter

	StreamConnectDuration prometheus.Histogram
	UDPPacketSize         prometheus.Histogram
	TrieMatchDuration     prometheus.Histogram
	FakeIPCacheHit        prometheus.Counter
	FakeIPCacheMiss       prometheus.Counter
}

// New builds a fresh Stats with its own Registry. Called once per
// engine Start; the old *Stats (if any) is simply dropped by the
// caller. Each generation gets its own
// registry rather than the global one, since this core re-registers
// across its lifetime and the global registerer panics on that.
func New() *Stats {
	reg := prometheus.NewRegistry()
	l := labels()

	s := &Stats{registry: reg}

	s.BytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "veilbound_bytes_in_total",
		Help:        "Total bytes forwarded toward the host tunnel.",
		ConstLabels: l,
	})
	s.BytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "veilbound_bytes_out_total",
		Help:        "Total bytes received from the host tunnel.",
		ConstLabels: l,
	})
	s.StreamConnectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "veilbound_stream_connect_duration_seconds",
		Help:        "Outbound stream connect latency.",
		ConstLabels: l,
		Buckets:     prometheus.DefBuckets,
	})
	s.UDPPacketSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "veilbound_udp_packet_size_bytes",
		Help:        "UDP datagram size.",
		ConstLabels: l,
		Buckets:     []float64{32, 64, 128, 256, 512, 1024, 1500, 4096, 16384, 65536},
	})
	s.TrieMatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "veilbound_trie_match_duration_seconds",
		Help:        "Domain router match latency.",
		ConstLabels: l,
		Buckets:     prometheus.DefBuckets,
	})
	s.FakeIPCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "veilbound_fake_ip_cache_hit_total",
		Help:        "Fake-IP pool lookups resolved from cache.",
		ConstLabels: l,
	})
	s.FakeIPCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "veilbound_fake_ip_cache_miss_total",
		Help:        "Fake-IP pool lookups not found in cache.",
		ConstLabels: l,
	})

	reg.MustRegister(s.BytesIn, s.BytesOut, s.StreamConnectDuration,
		s.UDPPacketSize, s.TrieMatchDuration, s.FakeIPCacheHit, s.FakeIPCacheMiss)

	return s
}

// Registry exposes the per-generation collector set for an HTTP
// /metrics handler to serve.
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

// Read snapshots bytes_in/bytes_out without resetting them.
func (s *Stats) Read() (bytesIn, bytesOut uint64) {
	return readCounter(s.BytesIn), readCounter(s.BytesOut)
}

func readCounter(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}
