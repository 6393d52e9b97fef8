package fedplan

import (
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// promInvalidSchema is a gauge representing the current status of the subgraph schemas
	promInvalidSchema = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "invalid_schema",
		Help: "A gauge representing the current status of the subgraph schemas",
	})

	promSubgraphLoadErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgraph_load_error_total",
			Help: "A counter indicating how many times subgraphs have failed to load",
		},
		[]string{
			"subgraph",
		},
	)

	// promPlanDuration is a histogram of planning latencies by outcome
	promPlanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_planning_duration_seconds",
			Help:    "A histogram of query planning latencies",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"outcome"},
	)

	promPlanOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_planning_total",
			Help: "A counter of planning requests by outcome",
		},
		[]string{"outcome"},
	)

	promPlanFetches = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "query_plan_fetches",
		Help:    "A histogram of the number of fetches per plan",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	promEvaluatedPlans = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "query_plan_evaluated_candidates",
		Help:    "A histogram of the number of candidate plans evaluated per operation",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	promConditionResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condition_resolutions_total",
			Help: "A counter of edge condition resolutions by cache result",
		},
		[]string{"result"},
	)

	// promHTTPInFlightGauge is a gauge of requests currently being served by the wrapped handler
	promHTTPInFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "A gauge of requests currently being served",
	})

	// promHTTPRequestCounter is a counter for requests to the wrapped handler
	promHTTPRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_api_requests_total",
			Help: "A counter for served requests",
		},
		[]string{"code"},
	)

	// promHTTPResponseDurations is a histogram of request latencies
	promHTTPResponseDurations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_duration_seconds",
			Help:    "A histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{},
	)

	// promHTTPRequestSizes is a histogram of request sizes for requests
	promHTTPRequestSizes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_size_bytes",
			Help:    "A histogram of request sizes for requests",
			Buckets: prometheus.ExponentialBuckets(128, 2, 10),
		},
		[]string{},
	)

	// promHTTPResponseSizes is a histogram of response sizes for responses.
	promHTTPResponseSizes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "A histogram of response sizes for responses",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
		},
		[]string{},
	)
)

// RegisterMetrics register the prometheus metrics.
func RegisterMetrics() {
	prometheus.MustRegister(promInvalidSchema)
	prometheus.MustRegister(promSubgraphLoadErrorCounter)
	prometheus.MustRegister(promPlanDuration)
	prometheus.MustRegister(promPlanOutcomes)
	prometheus.MustRegister(promPlanFetches)
	prometheus.MustRegister(promEvaluatedPlans)
	prometheus.MustRegister(promConditionResolutions)
	prometheus.MustRegister(promHTTPInFlightGauge)
	prometheus.MustRegister(promHTTPRequestCounter)
	prometheus.MustRegister(promHTTPResponseDurations)
	prometheus.MustRegister(promHTTPRequestSizes)
	prometheus.MustRegister(promHTTPResponseSizes)
}

// NewMetricsHandler returns a new Prometheus metrics handler.
func NewMetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)

	return mux
}
