// Package metrics exposes script health as Prometheus metrics: job state,
// metric points logged, tracking API request outcomes, and system usage
// sampled via gopsutil.
package metrics

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/expctx/expctx/pkg/scripting"
)

// Exporter owns the Prometheus registry and collectors for one script
type Exporter struct {
	registry *prometheus.Registry

	jobState       *prometheus.GaugeVec
	jobDuration    prometheus.Gauge
	metricPoints   prometheus.Counter
	clientRequests *prometheus.CounterVec
	cpuPercent     prometheus.Gauge
	rssBytes       prometheus.Gauge

	proc *process.Process
}

// NewExporter creates an exporter with a fresh registry
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		jobState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expctx_job_state",
			Help: "Current job lifecycle state (1 for the active state).",
		}, []string{"state"}),
		jobDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expctx_job_duration_seconds",
			Help: "How long the job has been running.",
		}),
		metricPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expctx_metric_points_total",
			Help: "Metric points logged to the run.",
		}),
		clientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expctx_client_requests_total",
			Help: "Tracking API requests by method and outcome.",
		}, []string{"method", "result"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expctx_cpu_percent",
			Help: "Host CPU utilization percentage.",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expctx_rss_bytes",
			Help: "Resident memory of the script process.",
		}),
	}
	e.registry.MustRegister(e.jobState, e.jobDuration, e.metricPoints, e.clientRequests, e.cpuPercent, e.rssBytes)
	return e
}

// Registry returns the underlying Prometheus registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns an HTTP handler serving the exposition format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ObserveJob records the job's current state and duration
func (e *Exporter) ObserveJob(job *scripting.Job) {
	current := job.State()
	for _, s := range []scripting.State{
		scripting.StatePending, scripting.StateRunning,
		scripting.StateCompleted, scripting.StateFailed, scripting.StateCanceled,
	} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		e.jobState.WithLabelValues(string(s)).Set(v)
	}
	e.jobDuration.Set(job.Duration().Seconds())
}

// ObserveMetricPoint counts a metric point logged to the run
func (e *Exporter) ObserveMetricPoint(name string, value float64) {
	e.metricPoints.Inc()
}

// ObserveClientRequest counts a tracking API request outcome
func (e *Exporter) ObserveClientRequest(method, path string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.clientRequests.WithLabelValues(method, result).Inc()
}

// SampleSystem refreshes the CPU and memory gauges
func (e *Exporter) SampleSystem() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		e.cpuPercent.Set(percents[0])
	}
	if e.proc == nil {
		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			e.proc = p
		}
	}
	if e.proc != nil {
		if mi, err := e.proc.MemoryInfo(); err == nil {
			e.rssBytes.Set(float64(mi.RSS))
		}
	}
}
