package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldsync"

var (
	once sync.Once

	operationsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Operations accepted into the pending queue.",
		},
		[]string{"kind"},
	)

	operationsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_applied_total",
			Help:      "Operations confirmed by the remote API.",
		},
		[]string{"kind"},
	)

	operationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_attempts_failed_total",
			Help:      "Failed execution attempts by failure reason.",
		},
		[]string{"reason"},
	)

	operationsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_evicted_total",
			Help:      "Operations dropped after reaching the retry ceiling.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Operations currently waiting to be synced.",
		},
	)

	passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of sync passes by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			operationsEnqueued,
			operationsApplied,
			operationsFailed,
			operationsEvicted,
			queueDepth,
			passDuration,
			httpRequests,
		)
	})
}

func IncEnqueued(kind string) {
	operationsEnqueued.WithLabelValues(kind).Inc()
}

func IncApplied(kind string) {
	operationsApplied.WithLabelValues(kind).Inc()
}

func IncFailed(reason string) {
	operationsFailed.WithLabelValues(reason).Inc()
}

func IncEvicted() {
	operationsEvicted.Inc()
}

func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// ObservePass records how long a pass took; outcome is "ok", "halted" or "error".
func ObservePass(outcome string, d time.Duration) {
	passDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
