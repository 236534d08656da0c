package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devtasks",
			Subsystem: "node",
			Name:      "state_transitions_total",
			Help:      "Number of node state transitions.",
		}, []string{"node", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devtasks",
			Subsystem: "node",
			Name:      "current_state",
			Help:      "Current state of nodes (1 = active state, 0 = inactive).",
		}, []string{"node", "state"},
	)
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devtasks",
			Subsystem: "oneshot",
			Name:      "cache_hits_total",
			Help:      "Oneshot tasks skipped by a status command or unchanged inputs.",
		}, []string{"node", "reason"},
	)
	oneshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devtasks",
			Subsystem: "oneshot",
			Name:      "duration_seconds",
			Help:      "Wall time of executed oneshot commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node", "outcome"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devtasks",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of supervised process restarts.",
		}, []string{"node", "cause"},
	)
	portAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devtasks",
			Subsystem: "port",
			Name:      "allocations_total",
			Help:      "Number of resolved port allocations.",
		}, []string{"node", "shifted"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devtasks",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events discarded because a subscriber was full.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{stateTransitions, currentStates, cacheHits, oneshotDuration, processRestarts, portAllocations, eventsDropped}
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

// Helpers below no-op if Register hasn't been called.

func RecordStateTransition(node, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(node, from, to).Inc()
	}
}

func SetCurrentState(node, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(node, state).Set(value)
	}
}

func IncCacheHit(node, reason string) {
	if regOK.Load() {
		cacheHits.WithLabelValues(node, reason).Inc()
	}
}

func ObserveOneshotDuration(node, outcome string, seconds float64) {
	if regOK.Load() {
		oneshotDuration.WithLabelValues(node, outcome).Observe(seconds)
	}
}

func IncRestart(node, cause string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(node, cause).Inc()
	}
}

func IncPortAllocation(node string, shifted bool) {
	if regOK.Load() {
		s := "false"
		if shifted {
			s = "true"
		}
		portAllocations.WithLabelValues(node, s).Inc()
	}
}

func IncEventsDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}
