// Package metrics exposes Prometheus counters and histograms for the
// bootloader's retry and timing behavior, following the teacher pack's
// metrics-registerer idiom (loopholelabs/silo's pkg/storage/metrics):
// a struct of vector metrics registered once against a Registerer, with
// per-call label values rather than one metric per chip or session kind.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config names the metric namespace and subsystem, mirroring the
// teacher's MetricsConfig shape.
type Config struct {
	Namespace string
	Subsystem string
}

func DefaultConfig() *Config {
	return &Config{Namespace: "ppmboot", Subsystem: "orchestrator"}
}

// Metrics holds the bootloader's exported instruments.
type Metrics struct {
	sessionAttempts *prometheus.CounterVec
	pageRetries     *prometheus.CounterVec
	framesDropped   prometheus.Counter
	actionDuration  *prometheus.HistogramVec
}

// New constructs and registers the bootloader's metrics against reg.
func New(reg prometheus.Registerer, cfg *Config) *Metrics {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Metrics{
		sessionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "session_attempts_total", Help: "Session exchanges attempted, by session id and outcome.",
		}, []string{"session", "outcome"}),
		pageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "page_retries_total", Help: "Page-ack retry attempts consumed, by session id.",
		}, []string{"session"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "frames_dropped_total", Help: "Decoded frames dropped due to receive-queue overflow.",
		}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "action_duration_seconds", Help: "do_action wall time, by memory and action kind.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"memory", "action"}),
	}
	reg.MustRegister(m.sessionAttempts, m.pageRetries, m.framesDropped, m.actionDuration)
	return m
}

func (m *Metrics) ObserveSessionAttempt(sessionName string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "fail"
	}
	m.sessionAttempts.WithLabelValues(sessionName, outcome).Inc()
}

func (m *Metrics) ObservePageRetry(sessionName string) {
	m.pageRetries.WithLabelValues(sessionName).Inc()
}

func (m *Metrics) ObserveFramesDropped(n uint64) {
	if n == 0 {
		return
	}
	m.framesDropped.Add(float64(n))
}

func (m *Metrics) ObserveActionDuration(memory, action string, d time.Duration) {
	m.actionDuration.WithLabelValues(memory, action).Observe(d.Seconds())
}
