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

	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pmwatch",
			Subsystem: "poll",
			Name:      "ticks_total",
			Help:      "Number of poll ticks by outcome.",
		}, []string{"result"},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pmwatch",
			Subsystem: "poll",
			Name:      "duration_seconds",
			Help:      "Wall time of one poll tick including the store write.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	samplesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pmwatch",
			Subsystem: "history",
			Name:      "samples_written_total",
			Help:      "Number of samples committed to the history store.",
		},
	)
	sinkFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pmwatch",
			Subsystem: "history",
			Name:      "sink_failures_total",
			Help:      "Number of batches an export sink failed to accept.",
		},
	)
	retentionSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pmwatch",
			Subsystem: "retention",
			Name:      "sweeps_total",
			Help:      "Number of retention sweeps by outcome.",
		}, []string{"result"},
	)
	retentionRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pmwatch",
			Subsystem: "retention",
			Name:      "removed_total",
			Help:      "Number of samples removed by retention.",
		},
	)
	streamSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pmwatch",
			Subsystem: "stream",
			Name:      "sessions",
			Help:      "Currently open streaming sessions.",
		}, []string{"kind"},
	)
	streamMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pmwatch",
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Number of messages pushed to streaming clients.",
		}, []string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{pollTicks, pollDuration, samplesWritten, sinkFailures, retentionSweeps, retentionRemoved, streamSessions, streamMessages}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called, except the session gauge,
// which is a level and has to see every open and close to stay correct.

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func ObservePoll(ok bool, seconds float64, written int) {
	if regOK.Load() {
		pollTicks.WithLabelValues(result(ok)).Inc()
		pollDuration.Observe(seconds)
		samplesWritten.Add(float64(written))
	}
}

func IncSinkFailure() {
	if regOK.Load() {
		sinkFailures.Inc()
	}
}

func ObserveSweep(ok bool, removed int64) {
	if regOK.Load() {
		retentionSweeps.WithLabelValues(result(ok)).Inc()
		retentionRemoved.Add(float64(removed))
	}
}

func AddSessions(kind string, delta int) {
	streamSessions.WithLabelValues(kind).Add(float64(delta))
}

func IncMessage(kind string) {
	if regOK.Load() {
		streamMessages.WithLabelValues(kind).Inc()
	}
}
