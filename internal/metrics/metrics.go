// Package metrics holds the bonder's Prometheus collectors. cmd/bonder serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TxSubmissions counts queued submissions by chain, action and final status.
	TxSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonder_tx_submissions_total",
			Help: "Transaction submissions by final status",
		},
		[]string{"chain", "kind", "status"},
	)

	// TxAttempts counts individual attempts, retries included.
	TxAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonder_tx_attempts_total",
			Help: "Transaction submission attempts",
		},
		[]string{"chain", "kind", "outcome"},
	)

	TxAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bonder_tx_attempt_duration_seconds",
			Help:    "Duration of one submission attempt, broadcast to receipt",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"chain", "kind"},
	)

	// TxQueueWait is the time a submission waited for its chain's lane.
	TxQueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bonder_tx_queue_wait_seconds",
			Help:    "Time spent waiting for the per-chain submission lane",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	// TxReplacements counts fee-bumped rebroadcasts.
	TxReplacements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonder_tx_replacements_total",
			Help: "Fee-bumped replacement broadcasts",
		},
		[]string{"chain"},
	)

	GasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bonder_gas_used",
			Help:    "Gas used by mined bonder transactions",
			Buckets: []float64{50000, 100000, 200000, 300000, 500000, 1000000, 2000000},
		},
		[]string{"chain", "kind"},
	)

	EventsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonder_events_synced_total",
			Help: "Bridge events ingested by the sync watcher",
		},
		[]string{"chain", "event"},
	)

	LastSyncedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bonder_last_synced_block",
			Help: "Last block fully synced by chain and token",
		},
		[]string{"chain", "token"},
	)

	WatcherErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonder_watcher_errors_total",
			Help: "Poll cycle errors by watcher kind",
		},
		[]string{"chain", "token", "watcher"},
	)

	PendingTransfers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bonder_pending_transfers",
			Help: "Transfers sent but not yet bonded",
		},
		[]string{"chain", "token"},
	)

	// IntegrityRefusals counts actions refused because local data failed re-validation.
	IntegrityRefusals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonder_integrity_refusals_total",
			Help: "Actions refused on data-integrity violations",
		},
		[]string{"chain", "watcher", "reason"},
	)

	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bonder_is_leader",
			Help: "1 when this process holds the bonder lease",
		},
	)
)
