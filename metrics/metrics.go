// File: metrics/metrics.go
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abdelmounim-dev/tasksync/pool"
)

var (
	// Session Metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tasksync_sessions_active",
		Help: "The current number of connected sessions.",
	})
	TotalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_sessions_total",
		Help: "The total number of sessions accepted.",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_events_received_total",
		Help: "The total number of inbound events by name.",
	}, []string{"event"})
	EventFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_event_failures_total",
		Help: "The total number of inbound events that replied with a failure.",
	}, []string{"event"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_messages_sent_total",
		Help: "The total number of messages written to sessions.",
	})

	// Fan-out Metrics
	FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_fanout_deliveries_total",
		Help: "The total number of fan-out deliveries attempted by event.",
	}, []string{"event"})
	FanoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_fanout_failures_total",
		Help: "The total number of fan-out deliveries that failed by event.",
	}, []string{"event"})

	// Relay Metrics
	RelayMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_relay_messages_published_total",
		Help: "The total number of fan-out messages published to other instances.",
	}, []string{"broker_type"})
	RelayPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_relay_publish_retries_total",
		Help: "The total number of retries when publishing to the relay broker.",
	}, []string{"broker_type"})
	RelayMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_relay_messages_received_total",
		Help: "The total number of fan-out messages received from other instances.",
	}, []string{"broker_type"})

	// Rollover Metrics
	RolloverRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_rollover_runs_total",
		Help: "The total number of rollover passes by outcome.",
	}, []string{"outcome"})
	RolloverTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_rollover_tasks_total",
		Help: "The total number of tasks seen by rollover passes by result.",
	}, []string{"result"})
)

// RegisterPoolStats exports the usage of a connection pool as gauges.
func RegisterPoolStats(name string, stats func() pool.Stats) error {
	labels := prometheus.Labels{"pool": name}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tasksync_pool_size",
			Help:        "The number of slots in the pool.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Size) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tasksync_pool_in_use",
			Help:        "The number of slots currently held.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().InUse) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tasksync_pool_waiting",
			Help:        "The number of callers waiting for a slot.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Waiting) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "tasksync_pool_exhausted_total",
			Help:        "The number of acquires that timed out.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Exhausted) }),
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return fmt.Errorf("register pool metrics: %w", err)
		}
	}
	return nil
}

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	slog.Info("starting metrics server", "addr", addr, "path", path)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}
