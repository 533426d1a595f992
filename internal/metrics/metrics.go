// Package metrics exposes Prometheus collectors for the offline queue.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors. They are registered via Register.
var (
	regOK atomic.Bool

	actionsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "offlineq",
			Subsystem: "queue",
			Name:      "submitted_total",
			Help:      "Number of actions accepted into the queue.",
		},
	)
	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlineq",
			Subsystem: "drain",
			Name:      "executions_total",
			Help:      "Number of action executions by outcome (success, network, rejected).",
		}, []string{"outcome"},
	)
	dropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "offlineq",
			Subsystem: "drain",
			Name:      "exhausted_total",
			Help:      "Number of actions dropped after exhausting their retries.",
		},
	)
	passes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlineq",
			Subsystem: "drain",
			Name:      "passes_total",
			Help:      "Number of drain passes by how they ended (completed, offline, cancelled).",
		}, []string{"result"},
	)
	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "offlineq",
			Subsystem: "drain",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a drain pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "offlineq",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queued actions by retry state (pending, retrying, failed).",
		}, []string{"state"},
	)
	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "offlineq",
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the connectivity monitor reports online.",
		},
	)
	transitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "offlineq",
			Subsystem: "connectivity",
			Name:      "transitions_total",
			Help:      "Number of online/offline flips.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{actionsSubmitted, executions, dropped, passes, passDuration, queueDepth, online, transitions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	online.Set(1)
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeds.

func IncSubmitted() {
	if regOK.Load() {
		actionsSubmitted.Inc()
	}
}

func IncExecution(outcome string) {
	if regOK.Load() {
		executions.WithLabelValues(outcome).Inc()
	}
}

func IncExhausted() {
	if regOK.Load() {
		dropped.Inc()
	}
}

func ObservePass(result string, seconds float64) {
	if regOK.Load() {
		passes.WithLabelValues(result).Inc()
		passDuration.Observe(seconds)
	}
}

func SetQueueDepth(pending, retrying, failed int) {
	if regOK.Load() {
		queueDepth.WithLabelValues("pending").Set(float64(pending))
		queueDepth.WithLabelValues("retrying").Set(float64(retrying))
		queueDepth.WithLabelValues("failed").Set(float64(failed))
	}
}

func SetOnline(v bool) {
	if !regOK.Load() {
		return
	}
	transitions.Inc()
	if v {
		online.Set(1)
	} else {
		online.Set(0)
	}
}
