// Package metrics defines the engine's Prometheus metric surface (C13):
// request/token throughput, latency histograms, queue depth, cache hit
// rates, and backpressure state, all registered through promauto in the
// style used across the retrieval pack's own worker-pool instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Collector holds every metric the engine exports.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensGenerated *prometheus.CounterVec
	TokensPerSecond *prometheus.HistogramVec

	QueueDepth    *prometheus.GaugeVec
	QueueWaitTime prometheus.Histogram
	QueueRejected *prometheus.CounterVec

	ModelsLoaded  prometheus.Gauge
	ModelLoadTime *prometheus.HistogramVec
	ModelEvicted  *prometheus.CounterVec

	ResponseCacheHits      prometheus.Counter
	ResponseCacheMisses    prometheus.Counter
	ResponseCacheEvictions prometheus.Counter

	BackpressureState *prometheus.GaugeVec
	BackpressureDrops *prometheus.CounterVec
	StreamsActive     prometheus.Gauge
	TimeoutsTotal     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers and returns a Collector against prometheus.DefaultRegisterer.
// Call it once per process; registering twice against the same registry
// panics, matching promauto's own behavior. Tests and anything else that
// needs an isolated metric namespace should use NewWithRegisterer instead.
func New() *Collector {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers and returns a Collector against reg, letting
// callers (notably tests, which would otherwise collide on repeated runs
// against the global default registry) supply an isolated
// prometheus.Registry.
func NewWithRegisterer(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	return &Collector{
		gatherer: gatherer,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "requests",
			Name:      "total",
			Help:      "Total number of inference requests, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inferno",
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "End-to-end request latency in seconds, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		TokensGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "tokens",
			Name:      "generated_total",
			Help:      "Total number of tokens generated, by model.",
		}, []string{"model"}),

		TokensPerSecond: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inferno",
			Subsystem: "tokens",
			Name:      "per_second",
			Help:      "Observed generation throughput in tokens/second, by model.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"model"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inferno",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of requests currently admitted, by priority.",
		}, []string{"priority"}),

		QueueWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inferno",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time spent waiting in the admission queue before dequeue.",
			Buckets:   prometheus.DefBuckets,
		}),

		QueueRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Total number of requests rejected at admission, by reason.",
		}, []string{"reason"}),

		ModelsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "inferno",
			Subsystem: "model_cache",
			Name:      "loaded",
			Help:      "Number of models currently resident in the model cache.",
		}),

		ModelLoadTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inferno",
			Subsystem: "model_cache",
			Name:      "load_duration_seconds",
			Help:      "Time to load a model into the cache, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		ModelEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "model_cache",
			Name:      "evicted_total",
			Help:      "Total number of models evicted from the cache.",
		}, []string{"kind"}),

		ResponseCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "response_cache",
			Name:      "hits_total",
			Help:      "Total number of response cache hits.",
		}),

		ResponseCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "response_cache",
			Name:      "misses_total",
			Help:      "Total number of response cache misses.",
		}),

		ResponseCacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "response_cache",
			Name:      "evictions_total",
			Help:      "Total number of response cache evictions.",
		}),

		BackpressureState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inferno",
			Subsystem: "flow_control",
			Name:      "state",
			Help:      "Current backpressure state per active stream (0=healthy,1=moderate,2=critical).",
		}, []string{"stream_id"}),

		BackpressureDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "flow_control",
			Name:      "dropped_tokens_total",
			Help:      "Total number of tokens dropped under Critical backpressure with DropOldest.",
		}, []string{"stream_id"}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "inferno",
			Subsystem: "streams",
			Name:      "active",
			Help:      "Number of streaming responses currently in flight.",
		}),

		TimeoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferno",
			Subsystem: "timeouts",
			Name:      "total",
			Help:      "Total number of timer expirations, by timer name.",
		}, []string{"timer"}),
	}
}

// Gather returns the current value of every metric registered through this
// Collector, for callers that format metrics themselves. The /metrics
// endpoint is served separately, by promhttp mounted in pkg/engine.
func (c *Collector) Gather() ([]*dto.MetricFamily, error) {
	return c.gatherer.Gather()
}
