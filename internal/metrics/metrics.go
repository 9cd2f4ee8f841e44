// Package metrics defines the Prometheus collectors exposed at /metrics
// on both the node and the head.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksCreated counts tasks accepted by the engine.
	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webai_tasks_created_total",
		Help: "Total number of tasks created on this node",
	})

	// TaskTransitions counts status transitions by target status.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webai_task_transitions_total",
		Help: "Total number of task status transitions",
	}, []string{"status"})

	// ActiveRuns tracks runner goroutines currently alive.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webai_active_runs",
		Help: "Number of live task runs (running or waiting for input)",
	})

	// StepsAppended counts agent steps persisted across all tasks.
	StepsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webai_steps_appended_total",
		Help: "Total number of agent steps appended",
	})

	// AssistRequests counts ask-human suspensions.
	AssistRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webai_assist_requests_total",
		Help: "Total number of assistance requests raised by runners",
	})

	// AssistResolved counts how assist waits ended.
	AssistResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webai_assist_resolved_total",
		Help: "Total number of assist waits resolved",
	}, []string{"outcome"}) // answered, timeout, cancelled

	// EnvelopeRejections counts signed-envelope verification failures by
	// rejection reason.
	EnvelopeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webai_envelope_rejections_total",
		Help: "Total number of rejected request envelopes",
	}, []string{"reason"}) // missing, bad_signature, stale, replayed, unknown_key

	// VNCConnections counts proxy connection attempts by result.
	VNCConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webai_vnc_connections_total",
		Help: "Total number of VNC proxy connection attempts",
	}, []string{"result"}) // bridged, rejected

	// VNCSessionsActive tracks currently bridged VNC connections.
	VNCSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webai_vnc_sessions_active",
		Help: "Number of live VNC proxy bridges",
	})

	// FanoutDuration tracks head fan-out round trip time.
	FanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webai_head_fanout_duration_seconds",
		Help:    "Duration of head fan-out list operations",
		Buckets: prometheus.DefBuckets,
	})

	// NodeRequests counts head->node requests by node and outcome.
	NodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webai_head_node_requests_total",
		Help: "Total number of head to node requests",
	}, []string{"node_id", "outcome"}) // ok, error, timeout
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
