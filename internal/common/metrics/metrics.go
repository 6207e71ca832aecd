package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labforge"

// Registry holds every lab-service collector; /metrics serves it.
var Registry = prometheus.NewRegistry()

var (
	instanceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "operations_total",
			Help:      "Instance lifecycle operations by operation and outcome.",
		},
		[]string{"op", "result"},
	)
	runtimeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "call_duration_seconds",
			Help:      "Latency of container runtime calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "result"},
	)
	reaperSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Completed expiration sweeps.",
		},
	)
	reaperExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "instances_total",
			Help:      "Expired instances handled by the reaper, by outcome.",
		},
		[]string{"result"},
	)
	reaperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one expiration sweep.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	flagSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flag",
			Name:      "submissions_total",
			Help:      "Flag submissions by outcome.",
		},
		[]string{"result"},
	)
	firstBloods = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flag",
			Name:      "first_bloods_total",
			Help:      "First-blood solves awarded.",
		},
	)
	notifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Notifications that could not be delivered, by type.",
		},
		[]string{"type"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			instanceOps,
			runtimeLatency,
			reaperSweeps,
			reaperExpired,
			reaperDuration,
			flagSubmissions,
			firstBloods,
			notifyFailures,
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordInstanceOp counts one start/stop/extend outcome.
func RecordInstanceOp(op, result string) {
	instanceOps.WithLabelValues(op, result).Inc()
}

// ObserveRuntimeCall records the latency of a runtime call started at start.
func ObserveRuntimeCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	runtimeLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// RecordSweep records one reaper pass.
func RecordSweep(start time.Time, cleaned, failed int) {
	reaperSweeps.Inc()
	reaperDuration.Observe(time.Since(start).Seconds())
	reaperExpired.WithLabelValues("cleaned").Add(float64(cleaned))
	reaperExpired.WithLabelValues("failed").Add(float64(failed))
}

// RecordFlagSubmission counts one validation outcome.
func RecordFlagSubmission(result string) {
	flagSubmissions.WithLabelValues(result).Inc()
}

// RecordFirstBlood counts an awarded first blood.
func RecordFirstBlood() {
	firstBloods.Inc()
}

// RecordNotifyFailure counts an undelivered notification.
func RecordNotifyFailure(kind string) {
	notifyFailures.WithLabelValues(kind).Inc()
}
