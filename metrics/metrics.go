// Package metrics exposes the runtime's prometheus registry, adapted from
// the teacher's per-trader dashboard metrics into the perpetuals execution
// core's own surface: queue depth, intent outcomes, journal writes,
// position book state, and reconciliation cycle health.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the custom prometheus registry for perpsd metrics.
	Registry = prometheus.NewRegistry()

	mu sync.RWMutex

	// ============================================
	// Intent bus / execution metrics
	// ============================================

	QueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "perpsd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of intents buffered on the intent bus",
		},
	)

	QueueBackpressureTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "perpsd",
			Subsystem: "queue",
			Name:      "backpressure_total",
			Help:      "Total intents dropped because the bus was full",
		},
	)

	IntentsProcessedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpsd",
			Subsystem: "execution",
			Name:      "intents_processed_total",
			Help:      "Total intents processed by the execution service",
		},
		[]string{"intent_type", "outcome"}, // outcome: confirmed, simulated, failed, skipped_duplicate
	)

	ExecutionLatencySeconds = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perpsd",
			Subsystem: "execution",
			Name:      "latency_seconds",
			Help:      "Time to process one intent end to end",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"intent_type"},
	)

	// ============================================
	// Journal metrics
	// ============================================

	JournalWritesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpsd",
			Subsystem: "journal",
			Name:      "writes_total",
			Help:      "Total journal status transitions written",
		},
		[]string{"tier", "status"}, // tier: local, remote
	)

	JournalRemoteFailuresTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "perpsd",
			Subsystem: "journal",
			Name:      "remote_failures_total",
			Help:      "Total best-effort remote-tier write failures (never propagated)",
		},
	)

	// ============================================
	// Position book metrics
	// ============================================

	PositionsOpenCount = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "perpsd",
			Subsystem: "positions",
			Name:      "open_count",
			Help:      "Number of currently tracked open positions",
		},
	)

	PositionUnrealizedPnLPct = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perpsd",
			Subsystem: "positions",
			Name:      "unrealized_pnl_pct",
			Help:      "Unrealized P&L percentage per tracked position",
		},
		[]string{"market", "side"},
	)

	ExitTriggersFiredTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpsd",
			Subsystem: "positions",
			Name:      "exit_triggers_fired_total",
			Help:      "Total exit triggers fired, by trigger name",
		},
		[]string{"trigger"},
	)

	DailyRealizedPnLUSD = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "perpsd",
			Subsystem: "positions",
			Name:      "daily_realized_pnl_usd",
			Help:      "Realized P&L accrued so far today in USD",
		},
	)

	// ============================================
	// Reconciliation metrics
	// ============================================

	ReconciliationCycleSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "perpsd",
			Subsystem: "reconcile",
			Name:      "cycle_seconds",
			Help:      "Reconciliation loop cycle duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	ReconciliationDiscrepanciesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpsd",
			Subsystem: "reconcile",
			Name:      "discrepancies_total",
			Help:      "Total reconciliation discrepancies recorded, by class",
		},
		[]string{"class"}, // GHOST, MISMATCH, ZOMBIE
	)

	ReconciliationRPCErrorsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "perpsd",
			Subsystem: "reconcile",
			Name:      "rpc_errors_total",
			Help:      "Total RPC errors encountered during reconciliation, never fatal",
		},
	)

	// ============================================
	// Live-control / system metrics
	// ============================================

	LiveControlArmed = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "perpsd",
			Subsystem: "livecontrol",
			Name:      "armed",
			Help:      "Whether live-mode submission is currently armed (1) or not (0)",
		},
	)

	RunnerUptimeSeconds = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "perpsd",
			Subsystem: "system",
			Name:      "uptime_seconds",
			Help:      "Runner process uptime in seconds",
		},
	)

	TaskCrashesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpsd",
			Subsystem: "system",
			Name:      "task_crashes_total",
			Help:      "Total loop-task crashes, by task name",
		},
		[]string{"task"},
	)
)

// Init registers the standard go/process collectors alongside the custom ones.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// RecordIntentProcessed records one execution-service outcome.
func RecordIntentProcessed(intentType, outcome string, elapsedSeconds float64) {
	mu.Lock()
	defer mu.Unlock()
	IntentsProcessedTotal.WithLabelValues(intentType, outcome).Inc()
	ExecutionLatencySeconds.WithLabelValues(intentType).Observe(elapsedSeconds)
}

// RecordJournalWrite records one journal status transition per tier.
func RecordJournalWrite(tier, status string) {
	JournalWritesTotal.WithLabelValues(tier, status).Inc()
}

// RecordExitTrigger increments the fired-trigger counter by name.
func RecordExitTrigger(trigger string) {
	ExitTriggersFiredTotal.WithLabelValues(trigger).Inc()
}

// RecordReconciliationCycle observes one reconciliation cycle's duration and
// discrepancy counts by class.
func RecordReconciliationCycle(durationSeconds float64, discrepancyCounts map[string]int) {
	ReconciliationCycleSeconds.Observe(durationSeconds)
	for class, count := range discrepancyCounts {
		ReconciliationDiscrepanciesTotal.WithLabelValues(class).Add(float64(count))
	}
}

// SetLiveControlArmed sets the live-control armed gauge.
func SetLiveControlArmed(armed bool) {
	val := 0.0
	if armed {
		val = 1.0
	}
	LiveControlArmed.Set(val)
}

// SetPositionsOpenCount sets the open-position gauge.
func SetPositionsOpenCount(n int) {
	PositionsOpenCount.Set(float64(n))
}

// SetDailyRealizedPnLUSD sets today's realized P&L gauge.
func SetDailyRealizedPnLUSD(v float64) {
	DailyRealizedPnLUSD.Set(v)
}

// SetQueueDepth sets the current intent-bus queue depth gauge.
func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// RecordTaskCrash increments the crash counter for a named loop task.
func RecordTaskCrash(task string) {
	TaskCrashesTotal.WithLabelValues(task).Inc()
}
