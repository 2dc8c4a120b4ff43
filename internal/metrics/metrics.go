package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backstop"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of backend process spawns.",
		},
	)
	backendRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Number of backend restarts by reason.",
		}, []string{"reason"},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Number of backend exits; expected=false marks crashes.",
		}, []string{"expected"},
	)
	backendStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "ready_seconds",
			Help:      "Time from spawn to readiness signal.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health probe results.",
		}, []string{"result"},
	)
	forwardAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "attempts_total",
			Help:      "Backend round trips attempted, retries included.",
		},
	)
	forwardRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "retries_total",
			Help:      "Backend round trips repeated after a transient failure.",
		},
	)
	forwardResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "responses_total",
			Help:      "Forwarded request outcomes.",
		}, []string{"outcome"},
	)
	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frontdoor",
			Name:      "rejections_total",
			Help:      "Requests answered 503 by the front door.",
		}, []string{"reason"},
	)
	backendCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "Backend process CPU usage sampled on health ticks.",
		},
	)
	backendRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "memory_rss_bytes",
			Help:      "Backend process resident memory sampled on health ticks.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		backendStarts, backendRestarts, backendExits, backendStartDuration,
		stateTransitions, currentStates, healthProbes,
		forwardAttempts, forwardRetries, forwardResponses, rejections,
		backendCPU, backendRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncStart() {
	if regOK.Load() {
		backendStarts.Inc()
	}
}

func IncRestart(reason string) {
	if regOK.Load() {
		backendRestarts.WithLabelValues(reason).Inc()
	}
}

func IncExit(expected bool) {
	if regOK.Load() {
		v := "false"
		if expected {
			v = "true"
		}
		backendExits.WithLabelValues(v).Inc()
	}
}

func ObserveReady(seconds float64) {
	if regOK.Load() {
		backendStartDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentStates.WithLabelValues(from).Set(0)
		currentStates.WithLabelValues(to).Set(1)
	}
}

func IncProbe(ok bool) {
	if regOK.Load() {
		r := "failure"
		if ok {
			r = "success"
		}
		healthProbes.WithLabelValues(r).Inc()
	}
}

func IncForwardAttempt() {
	if regOK.Load() {
		forwardAttempts.Inc()
	}
}

func IncForwardRetry() {
	if regOK.Load() {
		forwardRetries.Inc()
	}
}

func IncForwardResponse(outcome string) {
	if regOK.Load() {
		forwardResponses.WithLabelValues(outcome).Inc()
	}
}

func IncRejection(reason string) {
	if regOK.Load() {
		rejections.WithLabelValues(reason).Inc()
	}
}

func SetBackendResources(cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		backendCPU.Set(cpuPercent)
		backendRSS.Set(float64(rssBytes))
	}
}
