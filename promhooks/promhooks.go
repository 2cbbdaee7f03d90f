// Package promhooks exports store events as Prometheus metrics.
package promhooks

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/spdcache"
)

// Hooks implements spdcache.Hooks with counters and gauges. Register it
// with a prometheus.Registerer; it is a prometheus.Collector.
type Hooks struct {
	expired        *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	pruned         *prometheus.CounterVec
	flushed        prometheus.Counter
	genid          prometheus.Gauge
	buckets        *prometheus.GaugeVec
	lookupFailures *prometheus.CounterVec
	genErrors      *prometheus.CounterVec
}

var (
	_ spdcache.Hooks       = (*Hooks)(nil)
	_ prometheus.Collector = (*Hooks)(nil)
)

// New builds the metric set. namespace prefixes every metric name; empty
// means "spdcache".
func New(namespace string) *Hooks {
	if namespace == "" {
		namespace = "spdcache"
	}
	return &Hooks{
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_expired_total",
			Help:      "Policy lifetime expiries by direction and kind (soft or hard).",
		}, []string{"dir", "kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_rejected_total",
			Help:      "Freshly built bundles discarded instead of cached.",
		}, []string{"reason"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_pruned_total",
			Help:      "Bundles unlinked from policy lists.",
		}, []string{"reason"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_cache_flushes_total",
			Help:      "Generation bumps caused by dead but referenced policies.",
		}),
		genid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_cache_genid",
			Help:      "Last flow cache generation published by a flush.",
		}),
		buckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hash_buckets",
			Help:      "Bucket count of each policy hash table after its last resize.",
		}, []string{"table"}),
		lookupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_failures_total",
			Help:      "Failed flow resolutions by direction and cause.",
		}, []string{"dir", "cause"}),
		genErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gen_errors_total",
			Help:      "Generation store errors by operation.",
		}, []string{"op"}),
	}
}

func (h *Hooks) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		h.expired, h.rejected, h.pruned, h.flushed,
		h.genid, h.buckets, h.lookupFailures, h.genErrors,
	}
}

func (h *Hooks) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range h.collectors() {
		c.Describe(ch)
	}
}

func (h *Hooks) Collect(ch chan<- prometheus.Metric) {
	for _, c := range h.collectors() {
		c.Collect(ch)
	}
}

func (h *Hooks) PolicyExpired(_ uint32, dir spdcache.Direction, hard bool) {
	kind := "soft"
	if hard {
		kind = "hard"
	}
	h.expired.WithLabelValues(dir.String(), kind).Inc()
}

func (h *Hooks) BundleRejected(_ uint32, reason string) {
	h.rejected.WithLabelValues(reason).Inc()
}

func (h *Hooks) BundlesPruned(reason string, n int) {
	h.pruned.WithLabelValues(reason).Add(float64(n))
}

func (h *Hooks) FlowCacheFlushed(genid uint64) {
	h.flushed.Inc()
	h.genid.Set(float64(genid))
}

func (h *Hooks) HashResized(table string, buckets int) {
	h.buckets.WithLabelValues(table).Set(float64(buckets))
}

func (h *Hooks) LookupFailed(dir spdcache.Direction, err error) {
	h.lookupFailures.WithLabelValues(dir.String(), cause(err)).Inc()
}

func (h *Hooks) GenError(op string, _ error) {
	h.genErrors.WithLabelValues(op).Inc()
}

// cause keeps label cardinality bounded to the error taxonomy.
func cause(err error) string {
	for _, c := range causes {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	var re *spdcache.RouteError
	if errors.As(err, &re) {
		return "route"
	}
	return "other"
}

var causes = []struct {
	err  error
	name string
}{
	{spdcache.ErrBlocked, "blocked"},
	{spdcache.ErrAgain, "again"},
	{spdcache.ErrLarvalDrop, "larval_drop"},
	{spdcache.ErrStateInvalid, "state_invalid"},
	{spdcache.ErrCapacity, "capacity"},
	{spdcache.ErrSecurityDenied, "security_denied"},
	{spdcache.ErrStale, "stale"},
	{spdcache.ErrInvalid, "invalid"},
	{spdcache.ErrClosed, "closed"},
}
