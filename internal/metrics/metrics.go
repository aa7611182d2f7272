// Package metrics provides Prometheus metrics for the collaboration service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationBatchesTotal counts submitted operation batches by outcome.
	OperationBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "operation_batches_total",
			Help:      "Total number of operation batches by outcome",
		},
		[]string{"status"}, // "applied", "merged", "conflict", "error"
	)

	// OperationsTotal counts individual operations by kind.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "operations_total",
			Help:      "Total number of operations received by kind",
		},
		[]string{"kind"},
	)

	// MalformedOperationsTotal counts operations that applied as no-ops.
	MalformedOperationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "malformed_operations_total",
			Help:      "Total number of malformed or unknown operations",
		},
	)

	// ConflictsTotal counts detected conflicts by rule.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "conflicts_total",
			Help:      "Total number of conflicts by kind",
		},
		[]string{"kind"},
	)

	// CommitRetries counts commits retried after a concurrent writer won.
	CommitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "commit_retries_total",
			Help:      "Total number of commits retried after a version race",
		},
	)

	// VersionMovesTotal counts pointer moves by kind.
	VersionMovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "version_moves_total",
			Help:      "Total number of revert, undo and redo operations",
		},
		[]string{"kind"},
	)

	// GateWaiters tracks requests holding or waiting for a room gate.
	GateWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "gate_waiters",
			Help:      "Number of requests holding or waiting for a room gate",
		},
	)

	// GateRooms tracks rooms with a live gate.
	GateRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "gate_rooms",
			Help:      "Number of rooms with an active gate",
		},
	)

	// GateWaitDuration tracks time spent waiting for a room gate.
	GateWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting to acquire a room gate",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	// WebSocketConnections tracks connected websocket clients.
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "websocket_connections",
			Help:      "Number of connected websocket clients",
		},
	)

	// BroadcastMessagesTotal counts room broadcasts by message type.
	BroadcastMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "broadcast_messages_total",
			Help:      "Total number of room broadcasts by message type",
		},
		[]string{"type"},
	)

	// BroadcastDropsTotal counts connections dropped after a failed delivery.
	BroadcastDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "broadcast_drops_total",
			Help:      "Total number of connections dropped after a failed send",
		},
	)

	// GenerationsTotal counts AI generations by outcome.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "generations_total",
			Help:      "Total number of AI generations by outcome",
		},
		[]string{"outcome"}, // "committed", "fallback", "degraded", "text_only", "error"
	)

	// GenerationDuration tracks end-to-end generation time.
	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "generation_duration_seconds",
			Help:      "AI generation duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	// StreamElementsTotal counts nodes and edges surfaced while streaming.
	StreamElementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "stream_elements_total",
			Help:      "Total number of workflow elements emitted during streaming",
		},
		[]string{"kind"}, // "node", "edge"
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StoreOperations counts version store calls.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "collab",
			Name:      "store_operations_total",
			Help:      "Total number of version store operations",
		},
		[]string{"operation", "result"}, // operation: ensure, commit, revert; result: success, error
	)
)
