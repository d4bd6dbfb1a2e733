// Package metrics exports verification engine instrumentation to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrCodeEU/facegate/pkg/verify"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "facegate"

// Collector implements verify.Recorder on top of a private registry.
type Collector struct {
	registry *prometheus.Registry

	framesSubmitted prometheus.Counter
	framesDropped   *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	scores          prometheus.Histogram
	comparisons     *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	attempts        prometheus.Gauge
}

// New creates a collector registered on a fresh registry. When runtime is
// set the Go and process collectors are registered too.
func New(namespace string, runtime bool) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		framesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_submitted_total",
			Help:      "Total number of frames submitted to a session",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped without reaching the liveness guard",
		}, []string{"reason"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"stage", "status"}), // status: success, error
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "similarity_score",
			Help:      "Distribution of similarity scores against the enrolled embedding",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		comparisons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparisons_total",
			Help:      "Total number of embedding comparisons by decision",
		}, []string{"accepted"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Total number of session outcome changes",
		}, []string{"status", "code"}),
		attempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_attempts",
			Help:      "Rejected attempts in the most recently updated session",
		}),
	}

	c.registry.MustRegister(
		c.framesSubmitted,
		c.framesDropped,
		c.stageDuration,
		c.scores,
		c.comparisons,
		c.outcomes,
		c.attempts,
	)
	if runtime {
		c.registry.MustRegister(collectors.NewGoCollector())
		c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (c *Collector) FrameSubmitted() {
	c.framesSubmitted.Inc()
}

func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) StageObserved(stage string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (c *Collector) ScoreObserved(score float64, accepted bool) {
	c.scores.Observe(score)
	c.comparisons.WithLabelValues(strconv.FormatBool(accepted)).Inc()
}

func (c *Collector) OutcomeObserved(o verify.Outcome) {
	c.outcomes.WithLabelValues(string(o.Status), string(o.Code)).Inc()
	c.attempts.Set(float64(o.Attempts))
}

var _ verify.Recorder = (*Collector)(nil)
