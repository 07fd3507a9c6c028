package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/station-forecast-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Requests still running when shutdown started draining.
	ShutdownInFlightRequests prometheus.Gauge

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Record source reads by outcome. Watch for: errors = unreadable CSV / sqlite.
	RecordSourceReadsTotal *prometheus.CounterVec

	// Record source read latency (full scan per request on a cache miss).
	RecordSourceDuration prometheus.Histogram

	// Rows discarded during cleaning, by reason (bad_date, missing_temperature).
	RecordsDroppedTotal *prometheus.CounterVec

	// Predictor invocations by backend and outcome.
	PredictorCallsTotal *prometheus.CounterVec

	// Predictor latency. Remote backend: watch p95 > 1s.
	PredictorDuration *prometheus.HistogramVec

	// Retry attempts against the remote model server. High = unstable upstream.
	PredictorRetriesTotal prometheus.Counter

	// Predictor failures surfaced to callers, by category.
	PredictorErrorsTotal *prometheus.CounterVec

	// Artifact loads by outcome. Successful loads happen once per location.
	PredictorLoadsTotal *prometheus.CounterVec

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	CircuitBreakerStateValue *prometheus.GaugeVec

	// Circuit breaker transitions by component and target state.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Forecast lookups by kind (current, forecast).
	ForecastQueriesTotal *prometheus.CounterVec

	// Per-location lookups (allow-list; others go to "other").
	ForecastQueriesByLocationTotal *prometheus.CounterVec

	// Alert labels assigned to forecast days.
	AlertsLabeledTotal *prometheus.CounterVec

	// Alert events sent to Kafka by outcome.
	AlertEventsPublishedTotal *prometheus.CounterVec

	// Cache hits by result type. Hit rate = hits/(hits+misses).
	CacheHitsTotal *prometheus.CounterVec

	// Cache misses by result type.
	CacheMissesTotal *prometheus.CounterVec

	// Cache backend errors by operation and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and outcome.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses for one key. Watch for: stampedes after midnight rollover.
	CacheStampedeDetectedTotal *prometheus.CounterVec
	CacheStampedeConcurrency   *prometheus.HistogramVec

	// Callers that joined an in-flight computation instead of starting one.
	RequestCoalescingHitsTotal   *prometheus.CounterVec
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Cache warming runs, latency and failed runs.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram
	CacheWarmingErrorsTotal     prometheus.Counter

	// trackedLocations is built from config; used to resolve location for metrics.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests observed when graceful shutdown began",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	RecordSourceReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordSourceReadsTotal",
			Help: "Total number of record source scans",
		},
		[]string{"status"},
	)
	RecordSourceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recordSourceDurationSeconds",
			Help:    "Record source scan latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
	RecordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsDroppedTotal",
			Help: "Rows discarded while cleaning station records",
		},
		[]string{"reason"},
	)
	PredictorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictorCallsTotal",
			Help: "Total number of predictor invocations",
		},
		[]string{"backend", "status"},
	)
	PredictorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "predictorDurationSeconds",
			Help:    "Predictor latency in seconds (per invocation)",
			Buckets: []float64{.0005, .001, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"backend", "status"},
	)
	PredictorRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "predictorRetriesTotal",
			Help: "Total number of retry attempts against the model server",
		},
	)
	PredictorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictorErrorsTotal",
			Help: "Predictor failures by category",
		},
		[]string{"category"},
	)
	PredictorLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictorLoadsTotal",
			Help: "Predictor artifact loads by outcome",
		},
		[]string{"status"},
	)
	CircuitBreakerStateValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "to"},
	)
	ForecastQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastQueriesTotal",
			Help: "Total number of prediction lookups",
		},
		[]string{"kind"},
	)
	ForecastQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastQueriesByLocationTotal",
			Help: "Prediction lookups by location (allow-list; others use location=other)",
		},
		[]string{"kind", "location"},
	)
	AlertsLabeledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertsLabeledTotal",
			Help: "Extreme-weather labels assigned to forecast days",
		},
		[]string{"label"},
	)
	AlertEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertEventsPublishedTotal",
			Help: "Alert events published to the broker by outcome",
		},
		[]string{"status"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "status"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped another miss for the same key",
		},
		[]string{"location"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent misses observed for one key",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"location"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests served by joining an in-flight computation",
		},
		[]string{"location"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting on a coalesced computation",
			Buckets: prometheus.DefBuckets,
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run latency in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed location",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ShutdownInFlightRequests, RateLimitDeniedTotal,
		RecordSourceReadsTotal, RecordSourceDuration, RecordsDroppedTotal,
		PredictorCallsTotal, PredictorDuration, PredictorRetriesTotal, PredictorErrorsTotal, PredictorLoadsTotal,
		CircuitBreakerStateValue, CircuitBreakerTransitionsTotal,
		ForecastQueriesTotal, ForecastQueriesByLocationTotal,
		AlertsLabeledTotal, AlertEventsPublishedTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		CacheWarmingTotal, CacheWarmingDurationSeconds, CacheWarmingErrorsTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with the overload window.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// SetCircuitBreakerStateGauge records the numeric state for component.
func SetCircuitBreakerStateGauge(component string, state int) {
	CircuitBreakerStateValue.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitBreakerTransition counts a transition into state to.
func RecordCircuitBreakerTransition(component, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, to).Inc()
}

// RecordShutdownInFlight records the in-flight count at the start of draining.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordForecastQuery records a lookup of kind ("current" or "forecast") for location.
func RecordForecastQuery(kind, location string) {
	ForecastQueriesTotal.WithLabelValues(kind).Inc()
	ForecastQueriesByLocationTotal.WithLabelValues(kind, locationLabel(location)).Inc()
}

// MetricLocationLabel extracts the location segment of a result cache key
// ("kind:LOCATION:date[:horizon]") and maps it through the allow-list.
func MetricLocationLabel(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return "other"
	}
	return locationLabel(parts[1])
}

func locationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

func normalizeLocationForMetrics(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
