// Package metrics exposes engine, cache, pool and HTTP instrumentation
// through Prometheus. A Collector satisfies both rules.Metrics and
// sandbox.Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/policyhub/internal/logger"
)

// Collector owns a private registry and every PolicyHub metric.
type Collector struct {
	registry *prometheus.Registry

	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	compilations      *prometheus.CounterVec
	compileDuration   prometheus.Histogram
	poolWait          prometheus.Histogram
	runtimesDiscarded *prometheus.CounterVec
	scriptsRunning    prometheus.Gauge
	templatesCreated  prometheus.Counter
	policiesCreated   prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers all metrics under namespace on a fresh registry, including
// the Go runtime and process collectors and the logger's counters.
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Policy executions by outcome.",
		}, []string{"outcome"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Policy execution latency, including artifact resolution.",
			// 100µs to ~3s
			Buckets: prometheus.ExponentialBuckets(0.0001, 2.5, 12),
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact_cache",
			Name:      "lookups_total",
			Help:      "Compiled-artifact cache lookups by result.",
		}, []string{"result"}),
		compilations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "Rule source compilations by result.",
		}, []string{"result"}),
		compileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Rule source compilation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2.5, 10),
		}),
		poolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "pool_wait_seconds",
			Help:      "Time spent waiting for a free sandbox runtime.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		runtimesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "runtimes_discarded_total",
			Help:      "Sandbox runtimes replaced after an interrupt or failure.",
		}, []string{"reason"}),
		scriptsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "scripts_running",
			Help:      "Scripts currently running on a sandbox runtime, abandoned ones included.",
		}),
		templatesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "templates_created_total",
			Help:      "Rule template versions created.",
		}),
		policiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policies_created_total",
			Help:      "Policies created.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		c.executions,
		c.executionDuration,
		c.cacheLookups,
		c.compilations,
		c.compileDuration,
		c.poolWait,
		c.runtimesDiscarded,
		c.scriptsRunning,
		c.templatesCreated,
		c.policiesCreated,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.registerLoggerCounters(namespace)
	return c
}

func (c *Collector) registerLoggerCounters(namespace string) {
	for _, lc := range []struct {
		name, help string
		load       func() int64
	}{
		{"log_errors_total", "Errors logged, before sampling.", logger.TotalErrors.Load},
		{"log_warnings_total", "Warnings logged, before sampling.", logger.TotalWarnings.Load},
		{"http_client_errors_total", "Responses with a 4xx status.", logger.Total4xxErrors.Load},
		{"http_server_errors_total", "Responses with a 5xx status.", logger.Total5xxErrors.Load},
		{"rule_failures_total", "Rule executions that threw or timed out.", logger.RuleFailures.Load},
	} {
		load := lc.load
		c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      lc.name,
			Help:      lc.help,
		}, func() float64 { return float64(load()) }))
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) CacheHit()  { c.cacheLookups.WithLabelValues("hit").Inc() }
func (c *Collector) CacheMiss() { c.cacheLookups.WithLabelValues("miss").Inc() }

func (c *Collector) ObserveCompile(result string, d time.Duration) {
	c.compilations.WithLabelValues(result).Inc()
	c.compileDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveExecution(outcome string, d time.Duration) {
	c.executions.WithLabelValues(outcome).Inc()
	c.executionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) TemplateCreated() { c.templatesCreated.Inc() }
func (c *Collector) PolicyCreated()   { c.policiesCreated.Inc() }

func (c *Collector) ObservePoolWait(d time.Duration) { c.poolWait.Observe(d.Seconds()) }

func (c *Collector) RuntimeDiscarded(reason string) {
	c.runtimesDiscarded.WithLabelValues(reason).Inc()
}

func (c *Collector) ScriptStarted()  { c.scriptsRunning.Inc() }
func (c *Collector) ScriptFinished() { c.scriptsRunning.Dec() }

// ObserveRequest records one HTTP request. route is the router pattern,
// not the raw path, to bound label cardinality.
func (c *Collector) ObserveRequest(method, route string, code int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
