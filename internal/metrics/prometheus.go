package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Worker observability.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Launch Controller
	launchesTotal     *prometheus.CounterVec
	launchDuration    *prometheus.HistogramVec
	launchFailures    *prometheus.CounterVec

	// Recovery Controller
	recoveriesTotal *prometheus.CounterVec

	// Device Accountant
	gpuOccupancy *prometheus.GaugeVec

	// Health/Status Reporter
	healthReportLatency prometheus.Histogram
	healthGatherErrors  prometheus.Counter

	// VirtualEnv Preparer / Download Bridge
	downloadBytesTotal prometheus.Counter
	venvInstallSeconds prometheus.Histogram

	// Sub-Pool Broker
	activeModels     prometheus.Gauge
	subPoolDestroyMs prometheus.Histogram

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem for the
// Worker. Idempotent per process; a second call replaces the registry.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		launchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launches_total",
				Help:      "Total launch attempts by model type and outcome",
			},
			[]string{"model_type", "outcome"},
		),

		launchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "launch_duration_milliseconds",
				Help:      "Duration spent in each launch state, in milliseconds",
				Buckets:   buckets,
			},
			[]string{"model_type", "state"},
		),

		launchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launch_failures_total",
				Help:      "Total launch failures by the state in which they occurred",
			},
			[]string{"model_type", "state", "reason"},
		),

		recoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Total automatic recovery attempts by outcome",
			},
			[]string{"model_type", "outcome"},
		),

		gpuOccupancy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gpu_occupancy",
				Help:      "Current GPU allocation state (1 occupied, 0 free) by device index and allocation kind",
			},
			[]string{"device", "kind"},
		),

		healthReportLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_report_latency_milliseconds",
				Help:      "Latency of the bounded CPU/mem/GPU gather in the Health Reporter loop",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000},
			},
		),

		healthGatherErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_gather_errors_total",
				Help:      "Total health gather deadline exceedances or probe failures",
			},
		),

		downloadBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Total bytes fetched by the artifact Downloader",
			},
		),

		venvInstallSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "venv_install_seconds",
				Help:      "Duration of virtualenv package installation",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		activeModels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_models",
				Help:      "Number of model table entries currently in state running",
			},
		),

		subPoolDestroyMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sub_pool_destroy_milliseconds",
				Help:      "Duration of the bounded sub-pool destroy wait",
				Buckets:   []float64{10, 50, 100, 500, 1000, 2000, 5000},
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the Worker process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.launchesTotal,
		pm.launchDuration,
		pm.launchFailures,
		pm.recoveriesTotal,
		pm.gpuOccupancy,
		pm.healthReportLatency,
		pm.healthGatherErrors,
		pm.downloadBytesTotal,
		pm.venvInstallSeconds,
		pm.activeModels,
		pm.subPoolDestroyMs,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPrometheusLaunch records the terminal outcome of a launch attempt.
func RecordPrometheusLaunch(modelType, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.launchesTotal.WithLabelValues(modelType, outcome).Inc()
}

// ObservePrometheusLaunchState records time spent in a launch state.
func ObservePrometheusLaunchState(modelType, state string, ms float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.launchDuration.WithLabelValues(modelType, state).Observe(ms)
}

// RecordPrometheusLaunchFailure records a launch failure at a given state.
func RecordPrometheusLaunchFailure(modelType, state, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.launchFailures.WithLabelValues(modelType, state, reason).Inc()
}

// RecordPrometheusRecovery records one automatic recovery attempt.
func RecordPrometheusRecovery(modelType, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.recoveriesTotal.WithLabelValues(modelType, outcome).Inc()
}

// SetGPUOccupancy sets the occupancy gauge for a device/kind pair.
// kind is one of "exclusive", "embedding", "pinned".
func SetGPUOccupancy(device int, kind string, occupied bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if occupied {
		v = 1.0
	}
	promMetrics.gpuOccupancy.WithLabelValues(fmt.Sprintf("%d", device), kind).Set(v)
}

// ObserveHealthReportLatency records the duration of one gather cycle.
func ObserveHealthReportLatency(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.healthReportLatency.Observe(float64(d.Milliseconds()))
}

// RecordHealthGatherError increments the gather-error counter.
func RecordHealthGatherError() {
	if promMetrics == nil {
		return
	}
	promMetrics.healthGatherErrors.Inc()
}

// AddDownloadBytes adds n bytes to the cumulative download counter.
func AddDownloadBytes(n int64) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.downloadBytesTotal.Add(float64(n))
}

// ObserveVenvInstallDuration records one virtualenv install duration.
func ObserveVenvInstallDuration(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.venvInstallSeconds.Observe(d.Seconds())
}

// SetActiveModels sets the current count of running model table entries.
func SetActiveModels(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeModels.Set(float64(n))
}

// ObserveSubPoolDestroy records the duration of one bounded destroy wait.
func ObserveSubPoolDestroy(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.subPoolDestroyMs.Observe(float64(d.Milliseconds()))
}

// PrometheusHandler returns an HTTP handler for scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, for registering custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// handshake carries the bound listener address back from the exporter
// goroutine, or an error if binding failed.
type handshake struct {
	addr string
	err  error
}

// StartExporter launches the Prometheus/JSON HTTP exporter on its own
// goroutine and blocks until the listener reports its bound (host, port) or
// the deadline elapses, per the CLI / metrics wiring. A dead goroutine
// before handshake is a fatal startup error.
func StartExporter(ctx context.Context, host string, port int) (string, error) {
	hs := make(chan handshake, 1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", PrometheusHandler())
	mux.Handle("/metrics/json", Global().JSONHandler())
	srv := &http.Server{Handler: mux}

	go func() {
		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			hs <- handshake{err: err}
			return
		}
		hs <- handshake{addr: ln.Addr().String()}
		_ = srv.Serve(ln)
	}()

	select {
	case h := <-hs:
		if h.err != nil {
			return "", fmt.Errorf("start metrics exporter: %w", h.err)
		}
		return h.addr, nil
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("start metrics exporter: handshake timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
