package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement wraps the collectors shared by the settlement engines and workers.
type Settlement struct {
	transitions    *prometheus.CounterVec
	submitFailures *prometheus.CounterVec
	payoutBatches  *prometheus.CounterVec
	reconcileRuns  *prometheus.CounterVec
	oracleFallback prometheus.Counter
	submitLatency  *prometheus.HistogramVec
	unsettledSwaps *prometheus.CounterVec
}

var (
	once     sync.Once
	registry *Settlement
)

// Default returns the lazily registered collectors on the default registry.
func Default() *Settlement {
	once.Do(func() {
		registry = newSettlement()
		prometheus.MustRegister(
			registry.transitions,
			registry.submitFailures,
			registry.payoutBatches,
			registry.reconcileRuns,
			registry.oracleFallback,
			registry.submitLatency,
			registry.unsettledSwaps,
		)
	})
	return registry
}

// NewUnregistered builds collectors that are not attached to any registry.
// Tests use it to avoid duplicate registration panics.
func NewUnregistered() *Settlement {
	return newSettlement()
}

func newSettlement() *Settlement {
	return &Settlement{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "state_transitions_total",
			Help:      "Order and stake transitions segmented by entity and resulting status.",
		}, []string{"entity", "status"}),
		submitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "submit_failures_total",
			Help:      "Ledger submission failures segmented by operation and classified kind.",
		}, []string{"operation", "kind"}),
		payoutBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Subsystem: "referral",
			Name:      "payout_batches_total",
			Help:      "Referral payout batches segmented by asset and outcome.",
		}, []string{"asset", "outcome"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Balance-change notifications segmented by handling outcome.",
		}, []string{"outcome"}),
		oracleFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settle",
			Subsystem: "oracle",
			Name:      "stale_fallback_total",
			Help:      "Price lookups served from a stale cache entry after a fetch failure.",
		}),
		submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settle",
			Name:      "submit_confirm_seconds",
			Help:      "Latency from submission to confirmation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		unsettledSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Subsystem: "swap",
			Name:      "funds_in_without_payout_total",
			Help:      "Orders failed after the user's funds were received.",
		}, []string{"input_asset"}),
	}
}

func (m *Settlement) Transition(entity, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, status).Inc()
}

func (m *Settlement) SubmitFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.submitFailures.WithLabelValues(operation, kind).Inc()
}

func (m *Settlement) PayoutBatch(asset, outcome string) {
	if m == nil {
		return
	}
	m.payoutBatches.WithLabelValues(asset, outcome).Inc()
}

func (m *Settlement) ReconcileRun(outcome string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(outcome).Inc()
}

func (m *Settlement) OracleFallback() {
	if m == nil {
		return
	}
	m.oracleFallback.Inc()
}

func (m *Settlement) ObserveSubmit(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// UnsettledSwap counts a swap whose funds-in landed but whose payout failed.
func (m *Settlement) UnsettledSwap(inputAsset string) {
	if m == nil {
		return
	}
	m.unsettledSwaps.WithLabelValues(inputAsset).Inc()
}
