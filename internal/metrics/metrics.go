// Package metrics registers the server's Prometheus collectors with the
// default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "fishspeech"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time taken to serve an HTTP request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route", "status"},
	)

	generationFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "generated_frames_total",
			Help:      "The total number of codebook frames generated.",
		},
		[]string{"mode"}, // single, batch
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of one decode, from gate grant to release.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode", "status"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batch_size",
			Help:      "Number of requests decoded together.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Number of generation jobs waiting for a worker.",
		},
	)

	gateWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for the admission gate.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	gateHolders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "holders",
			Help:      "Current weight held on the admission gate.",
		},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)

	voicesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "loaded",
			Help:      "Number of voices in the registry.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(generationFrames)
	prometheus.MustRegister(generationDuration)
	prometheus.MustRegister(batchSize)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(gateWait)
	prometheus.MustRegister(gateHolders)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(voicesLoaded)
}

// RecordRequestDuration records how long an HTTP request took.
func RecordRequestDuration(route, status string, seconds float64) {
	requestDuration.WithLabelValues(route, status).Observe(seconds)
}

// RecordGeneration records one finished decode.
func RecordGeneration(mode, status string, frames int, seconds float64) {
	generationFrames.WithLabelValues(mode).Add(float64(frames))
	generationDuration.WithLabelValues(mode, status).Observe(seconds)
}

func RecordBatchSize(n int) { batchSize.Observe(float64(n)) }

func AddQueueDepth(delta int) { queueDepth.Add(float64(delta)) }

// RecordGateWait records how long a caller waited for a permit.
func RecordGateWait(seconds float64) { gateWait.Observe(seconds) }

func AddGateHolders(delta int64) { gateHolders.Add(float64(delta)) }

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

func SetVoicesLoaded(n int) { voicesLoaded.Set(float64(n)) }
