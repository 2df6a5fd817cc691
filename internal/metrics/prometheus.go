// Package metrics exposes halo's Prometheus collectors. Every Record and Set
// helper is a no-op until InitPrometheus has run, so library code can call
// them unconditionally.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for halo metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Query cache
	cacheReads    *prometheus.CounterVec
	fetchResults  *prometheus.CounterVec
	retryDecision *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	cacheEntries  prometheus.Gauge
	activeFetches prometheus.Gauge

	// Connectivity
	connectivityState       *prometheus.GaugeVec
	connectivityTransitions *prometheus.CounterVec
	probesTotal             *prometheus.CounterVec
	probeDuration           prometheus.Histogram

	// Persistence
	snapshotWrites   *prometheus.CounterVec
	snapshotBytes    prometheus.Histogram
	snapshotRestores *prometheus.CounterVec

	// Lifecycle
	refreshKeys     *prometheus.CounterVec
	sessionSwitches prometheus.Counter
}

// Default histogram buckets for probe duration (in milliseconds)
var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var (
	promMu      sync.RWMutex
	promMetrics *PrometheusMetrics
)

// connectivityStates lists every value SetConnectivityState accepts.
var connectivityStates = []string{"online", "offline", "ambiguous"}

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		cacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_reads_total",
				Help:      "Query cache reads by root, hit and freshness",
			},
			[]string{"root", "hit", "stale"},
		),

		fetchResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_results_total",
				Help:      "Fetch completions by root and outcome",
			},
			[]string{"root", "outcome"}, // success, error, superseded, cancelled
		),

		retryDecision: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_decisions_total",
				Help:      "Retry decisions by error kind and action",
			},
			[]string{"kind", "action"},
		),

		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidated_entries_total",
				Help:      "Entries marked stale by invalidation, by prefix root",
			},
			[]string{"root"},
		),

		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Number of entries in the active query cache",
			},
		),

		activeFetches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_fetches",
				Help:      "Number of fetches currently in flight",
			},
		),

		connectivityState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connectivity_state",
				Help:      "1 for the current connectivity state, 0 otherwise",
			},
			[]string{"state"},
		),

		connectivityTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connectivity_transitions_total",
				Help:      "Connectivity state transitions",
			},
			[]string{"from", "to"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Reachability probes by result",
			},
			[]string{"result"}, // reachable, unreachable, ambiguous
		),

		probeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_milliseconds",
				Help:      "Duration of reachability probes in milliseconds",
				Buckets:   buckets,
			},
		),

		snapshotWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_writes_total",
				Help:      "Persisted snapshot writes by result",
			},
			[]string{"result"},
		),

		snapshotBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_bytes",
				Help:      "Encoded size of persisted snapshots",
				Buckets:   prometheus.ExponentialBuckets(512, 4, 8),
			},
		),

		snapshotRestores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_restores_total",
				Help:      "Snapshot restores by result",
			},
			[]string{"result"}, // restored, absent, version_mismatch, owner_mismatch, expired, corrupt, error
		),

		refreshKeys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_keys_total",
				Help:      "Keys handled by refresh passes, by trigger and outcome",
			},
			[]string{"trigger", "outcome"}, // fetched, failed, skipped
		),

		sessionSwitches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_switches_total",
				Help:      "Identity changes that rebuilt the cache",
			},
		),
	}

	registry.MustRegister(
		pm.cacheReads,
		pm.fetchResults,
		pm.retryDecision,
		pm.invalidations,
		pm.cacheEntries,
		pm.activeFetches,
		pm.connectivityState,
		pm.connectivityTransitions,
		pm.probesTotal,
		pm.probeDuration,
		pm.snapshotWrites,
		pm.snapshotBytes,
		pm.snapshotRestores,
		pm.refreshKeys,
		pm.sessionSwitches,
	)

	promMu.Lock()
	promMetrics = pm
	promMu.Unlock()
}

func current() *PrometheusMetrics {
	promMu.RLock()
	defer promMu.RUnlock()
	return promMetrics
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordCacheRead records a query cache read
func RecordCacheRead(root string, hit, stale bool) {
	pm := current()
	if pm == nil {
		return
	}
	pm.cacheReads.WithLabelValues(root, boolLabel(hit), boolLabel(stale)).Inc()
}

// RecordFetchResult records how a fetch completion was handled
func RecordFetchResult(root, outcome string) {
	pm := current()
	if pm == nil {
		return
	}
	pm.fetchResults.WithLabelValues(root, outcome).Inc()
}

// RecordRetryDecision records a retry decision for a failed attempt
func RecordRetryDecision(kind, action string) {
	pm := current()
	if pm == nil {
		return
	}
	pm.retryDecision.WithLabelValues(kind, action).Inc()
}

// RecordInvalidation records entries invalidated under a prefix root
func RecordInvalidation(root string, count int) {
	pm := current()
	if pm == nil || count == 0 {
		return
	}
	pm.invalidations.WithLabelValues(root).Add(float64(count))
}

// SetCacheEntries sets the number of entries in the active cache
func SetCacheEntries(n int) {
	pm := current()
	if pm == nil {
		return
	}
	pm.cacheEntries.Set(float64(n))
}

// IncActiveFetches increments the in-flight fetch gauge
func IncActiveFetches() {
	pm := current()
	if pm == nil {
		return
	}
	pm.activeFetches.Inc()
}

// DecActiveFetches decrements the in-flight fetch gauge
func DecActiveFetches() {
	pm := current()
	if pm == nil {
		return
	}
	pm.activeFetches.Dec()
}

// SetConnectivityState marks state as current and clears the others.
// state: online, offline, ambiguous
func SetConnectivityState(state string) {
	pm := current()
	if pm == nil {
		return
	}
	for _, s := range connectivityStates {
		v := 0.0
		if s == state {
			v = 1
		}
		pm.connectivityState.WithLabelValues(s).Set(v)
	}
}

// RecordConnectivityTransition records a state machine transition
func RecordConnectivityTransition(from, to string) {
	pm := current()
	if pm == nil {
		return
	}
	pm.connectivityTransitions.WithLabelValues(from, to).Inc()
}

// RecordProbe records a reachability probe result and duration
func RecordProbe(result string, durationMs float64) {
	pm := current()
	if pm == nil {
		return
	}
	pm.probesTotal.WithLabelValues(result).Inc()
	pm.probeDuration.Observe(durationMs)
}

// RecordSnapshotWrite records a persisted snapshot write
func RecordSnapshotWrite(result string, size int) {
	pm := current()
	if pm == nil {
		return
	}
	pm.snapshotWrites.WithLabelValues(result).Inc()
	if size > 0 {
		pm.snapshotBytes.Observe(float64(size))
	}
}

// RecordSnapshotRestore records the outcome of a snapshot restore
func RecordSnapshotRestore(result string) {
	pm := current()
	if pm == nil {
		return
	}
	pm.snapshotRestores.WithLabelValues(result).Inc()
}

// RecordRefresh records the outcome of a refresh pass
func RecordRefresh(trigger string, fetched, failed, skipped int) {
	pm := current()
	if pm == nil {
		return
	}
	pm.refreshKeys.WithLabelValues(trigger, "fetched").Add(float64(fetched))
	pm.refreshKeys.WithLabelValues(trigger, "failed").Add(float64(failed))
	pm.refreshKeys.WithLabelValues(trigger, "skipped").Add(float64(skipped))
}

// RecordSessionSwitch records an identity change
func RecordSessionSwitch() {
	pm := current()
	if pm == nil {
		return
	}
	pm.sessionSwitches.Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	pm := current()
	if pm == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	pm := current()
	if pm == nil {
		return nil
	}
	return pm.registry
}
