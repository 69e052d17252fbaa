package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source identifies where the response to an intercepted request came from.
type Source string

const (
	// SourceCache indicates a stored response was served.
	SourceCache Source = "cache"
	// SourceNetwork indicates the live network response was served.
	SourceNetwork Source = "network"
	// SourceOffline indicates the synthetic offline response was served.
	SourceOffline Source = "offline"
	// SourceError indicates the request failed without any response.
	SourceError Source = "error"
	// SourceBypass indicates the request was not intercepted.
	SourceBypass Source = "bypass"
)

// StoreOperation identifies the store method being instrumented.
type StoreOperation string

const (
	StoreOperationMatch StoreOperation = "match"
	StoreOperationPut   StoreOperation = "put"
)

// StoreResult captures the result of a store operation.
type StoreResult string

const (
	StoreResultHit    StoreResult = "hit"
	StoreResultMiss   StoreResult = "miss"
	StoreResultStored StoreResult = "stored"
	StoreResultError  StoreResult = "error"
)

// Recorder publishes Prometheus metrics for the proxy.
// All methods are safe to call on a nil Recorder.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	storeOperations *prometheus.CounterVec
	lifecycleEvents *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offline_cache",
		Name:      "requests_total",
		Help:      "Intercepted requests by strategy and response source.",
	}, []string{"strategy", "source"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offline_cache",
		Name:      "request_duration_seconds",
		Help:      "Time until a response was available for an intercepted request.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"strategy", "source"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offline_cache",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Dynamic store operations executed by the strategies.",
	}, []string{"operation", "result"})

	lifecycleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offline_cache",
		Subsystem: "lifecycle",
		Name:      "events_total",
		Help:      "Install and activate transitions by result.",
	}, []string{"event", "result"})

	reg.MustRegister(requests, requestLatency, storeOperations, lifecycleEvents)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestLatency:  requestLatency,
		storeOperations: storeOperations,
		lifecycleEvents: lifecycleEvents,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records how an intercepted request was answered.
func (r *Recorder) ObserveRequest(strategy string, source Source, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	sourceLabel := normalizeLabel(string(source))
	r.requests.WithLabelValues(strategyLabel, sourceLabel).Inc()
	r.requestLatency.WithLabelValues(strategyLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveStore records the result of a dynamic store operation.
func (r *Recorder) ObserveStore(operation StoreOperation, result StoreResult) {
	if r == nil {
		return
	}
	r.storeOperations.WithLabelValues(normalizeLabel(string(operation)), normalizeLabel(string(result))).Inc()
}

// ObserveLifecycle records the result of an install or activate transition.
func (r *Recorder) ObserveLifecycle(event string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.lifecycleEvents.WithLabelValues(normalizeLabel(event), result).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
