package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CycleDuration measures full reconciliation cycles. Buckets are wide
	// because the legacy files live on an SMB share and a cold scan of a
	// busy day can take several seconds.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_cycle_duration_seconds",
		Help:    "Duration of a complete reconciliation cycle",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// QueueBacklog is the primary lag indicator: unprocessed rows in
	// sync_changes_log.
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_changelog_backlog",
		Help: "Unprocessed entries in the change log queue",
	})

	// MovementsApplied tracks rows written by the engine, by direction
	// (to_legacy / to_central) and outcome.
	MovementsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_movements_applied_total",
		Help: "Movement rows inserted or updated by the sync engine",
	}, []string{"direction", "status"})

	// OrdersReconciled counts per-order reconciliation outcomes.
	OrdersReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_orders_reconciled_total",
		Help: "Orders processed by the per-order reconciler",
	}, []string{"status"})

	// OrphansDeleted counts central-only movement rows removed because no
	// tombstone and no pending change log entry explained them.
	OrphansDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_orphans_deleted_total",
		Help: "Orphaned central movement rows deleted during reconciliation",
	})

	// ResurrectionsBlocked counts reinsertions suppressed by a matching
	// tombstone fingerprint.
	ResurrectionsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_resurrections_blocked_total",
		Help: "Reinsertion attempts blocked by deletion tombstones",
	})

	// StoreUp is a per-store binary health signal, flipped when a cycle
	// cannot reach a database.
	StoreUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_store_up",
		Help: "Whether the last cycle could reach the store (1 up, 0 down)",
	}, []string{"store"})
)
