package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDetected counts chain events dispatched to watchers
	EventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_events_detected_total",
			Help: "Total number of chain events dispatched to watchers",
		},
		[]string{"chain", "event_type"},
	)

	// TransactionsSent counts settlement transactions by method and outcome
	TransactionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_transactions_sent_total",
			Help: "Total number of settlement transactions submitted",
		},
		[]string{"chain", "method", "status"},
	)

	// RelayOutcomes counts cross-domain relay attempts by classified outcome
	RelayOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_relay_outcomes_total",
			Help: "Cross-domain relay attempts by outcome",
		},
		[]string{"chain", "outcome"},
	)

	// PendingTransfers tracks work waiting on the next scheduler cycle
	PendingTransfers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_pending_transfers",
			Help: "Number of transfers or roots pending by stage",
		},
		[]string{"stage"},
	)

	// ErrorsTotal counts errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// StoreOperations counts physical store operations
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_store_operations_total",
			Help: "Physical store operations by prefix, operation and status",
		},
		[]string{"prefix", "operation", "status"},
	)

	// CycleDuration tracks scheduler cycle time
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_cycle_duration_seconds",
			Help:    "Scheduler cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
