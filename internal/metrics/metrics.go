// Package metrics provides the Prometheus collectors exported by both the
// proxy and the store roles. Collectors live on an explicit Registry so tests
// can build isolated instances and the HTTP layer can expose them on /-/metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fileproxy"

// Registry 汇总缓存与传输相关的指标，nil Registry 的方法全部为空操作。
type Registry struct {
	reg *prometheus.Registry

	CacheUsedBytes     prometheus.Gauge
	CacheCapacityBytes prometheus.Gauge
	CacheEntries       prometheus.Gauge
	CacheEvictions     prometheus.Counter
	CacheEvictedBytes  prometheus.Counter
	CacheLookups       *prometheus.CounterVec
	AdmissionFailures  prometheus.Counter

	TransferChunks *prometheus.CounterVec
	TransferBytes  *prometheus.CounterVec

	SessionsActive prometheus.Gauge
	HandlesOpen    prometheus.Gauge
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		CacheUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_used_bytes",
			Help:      "Bytes accounted against the cache capacity",
		}),
		CacheCapacityBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_capacity_bytes",
			Help:      "Configured cache capacity",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_tracked_entries",
			Help:      "Canonical entries tracked by the LRU",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Canonical entries evicted",
		}),
		CacheEvictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes freed by eviction",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Open lookups by result (snapshot_hit, fresh, stale)",
		}, []string{"result"}),
		AdmissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_admission_failures_total",
			Help:      "Admissions rejected with out_of_space",
		}),
		TransferChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_chunks_total",
			Help:      "Chunks exchanged with the backing store",
		}, []string{"direction"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes exchanged with the backing store",
		}, []string{"direction"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently connected",
		}),
		HandlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_open",
			Help:      "File handles currently open",
		}),
	}

	r.reg.MustRegister(
		r.CacheUsedBytes,
		r.CacheCapacityBytes,
		r.CacheEntries,
		r.CacheEvictions,
		r.CacheEvictedBytes,
		r.CacheLookups,
		r.AdmissionFailures,
		r.TransferChunks,
		r.TransferBytes,
		r.SessionsActive,
		r.HandlesOpen,
		collectors.NewGoCollector(),
	)
	return r
}

// Handler returns an http.Handler serving the registry in the text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetCacheUsage records used/capacity/tracked entries in one call.
func (r *Registry) SetCacheUsage(used, capacity int64, entries int) {
	if r == nil {
		return
	}
	r.CacheUsedBytes.Set(float64(used))
	r.CacheCapacityBytes.Set(float64(capacity))
	r.CacheEntries.Set(float64(entries))
}

// RecordEviction counts one evicted entry of size bytes.
func (r *Registry) RecordEviction(size int64) {
	if r == nil {
		return
	}
	r.CacheEvictions.Inc()
	r.CacheEvictedBytes.Add(float64(size))
}

// RecordLookup counts an open lookup by result.
func (r *Registry) RecordLookup(result string) {
	if r == nil {
		return
	}
	r.CacheLookups.WithLabelValues(result).Inc()
}

// RecordAdmissionFailure counts an out_of_space admission.
func (r *Registry) RecordAdmissionFailure() {
	if r == nil {
		return
	}
	r.AdmissionFailures.Inc()
}

// RecordChunk counts one chunk of n bytes moving in direction ("read"/"write").
func (r *Registry) RecordChunk(direction string, n int) {
	if r == nil {
		return
	}
	r.TransferChunks.WithLabelValues(direction).Inc()
	r.TransferBytes.WithLabelValues(direction).Add(float64(n))
}

// SessionOpened / SessionClosed track connected sessions.
func (r *Registry) SessionOpened() {
	if r == nil {
		return
	}
	r.SessionsActive.Inc()
}

func (r *Registry) SessionClosed() {
	if r == nil {
		return
	}
	r.SessionsActive.Dec()
}

// HandleOpened / HandleClosed track open handles across sessions.
func (r *Registry) HandleOpened() {
	if r == nil {
		return
	}
	r.HandlesOpen.Inc()
}

func (r *Registry) HandleClosed() {
	if r == nil {
		return
	}
	r.HandlesOpen.Dec()
}
