package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	distributordOnce     sync.Once
	distributordRegistry *DistributordMetrics
)

// DistributordMetrics wraps the Prometheus collectors tracking reward
// distribution health.
type DistributordMetrics struct {
	rewardsQueued   *prometheus.CounterVec
	payouts         *prometheus.CounterVec
	payoutLatency   prometheus.Histogram
	swaps           *prometheus.CounterVec
	errors          *prometheus.CounterVec
	pendingEntries  prometheus.Gauge
	stuckRecipients prometheus.Gauge
	pauseEngaged    prometheus.Gauge
	balances        *prometheus.GaugeVec
}

// Distributord exposes the lazily initialised metrics registry for the daemon.
func Distributord() *DistributordMetrics {
	distributordOnce.Do(func() {
		distributordRegistry = &DistributordMetrics{
			rewardsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "rewards_queued_total",
				Help:      "Count of reward entries accepted into the ledger, segmented by kind.",
			}, []string{"kind"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "payouts_total",
				Help:      "Count of payment cycles segmented by outcome.",
			}, []string{"result"}),
			payoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "payout_latency_seconds",
				Help:      "Latency distribution for confirmed payouts.",
				Buckets:   prometheus.DefBuckets,
			}),
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "swaps_total",
				Help:      "Count of rebalancing swaps segmented by direction and outcome.",
			}, []string{"direction", "result"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "errors_total",
				Help:      "Count of failures segmented by stage.",
			}, []string{"stage"}),
			pendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "pending_entries",
				Help:      "Number of reward entries waiting to be paid.",
			}),
			stuckRecipients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "stuck_recipients",
				Help:      "Recipients whose payouts exhausted the retry budget.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "pause_engaged",
				Help:      "Indicates whether the processor pause guard is active (1) or not (0).",
			}),
			balances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "apocat",
				Subsystem: "distributord",
				Name:      "wallet_balance",
				Help:      "Last observed hot wallet balance in whole units, segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			distributordRegistry.rewardsQueued,
			distributordRegistry.payouts,
			distributordRegistry.payoutLatency,
			distributordRegistry.swaps,
			distributordRegistry.errors,
			distributordRegistry.pendingEntries,
			distributordRegistry.stuckRecipients,
			distributordRegistry.pauseEngaged,
			distributordRegistry.balances,
		)
	})
	return distributordRegistry
}

// RecordQueued increments the accepted-reward counter for the supplied kind.
func (m *DistributordMetrics) RecordQueued(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unspecified"
	}
	m.rewardsQueued.WithLabelValues(kind).Inc()
}

// RecordPayout increments the payout counter for the supplied outcome.
func (m *DistributordMetrics) RecordPayout(result string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(result).Inc()
}

// ObservePayoutLatency records the duration of a confirmed payment cycle.
func (m *DistributordMetrics) ObservePayoutLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.payoutLatency.Observe(d.Seconds())
}

// RecordSwap increments the swap counter for a rebalancing direction and outcome.
func (m *DistributordMetrics) RecordSwap(direction, result string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(direction, result).Inc()
}

// RecordError increments the failure counter for the supplied stage.
func (m *DistributordMetrics) RecordError(stage string) {
	if m == nil {
		return
	}
	if stage = strings.TrimSpace(stage); stage == "" {
		stage = "unspecified"
	}
	m.errors.WithLabelValues(stage).Inc()
}

// SetPending updates the pending reward entry gauge.
func (m *DistributordMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pendingEntries.Set(float64(count))
}

// SetStuck updates the stuck recipient gauge.
func (m *DistributordMetrics) SetStuck(count int) {
	if m == nil {
		return
	}
	m.stuckRecipients.Set(float64(count))
}

// SetPause toggles the pause_engaged gauge.
func (m *DistributordMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// SetBalance records the last observed wallet balance for an asset. Amounts are
// wei-scale integers; the gauge stores whole units for dashboard readability.
func (m *DistributordMetrics) SetBalance(asset string, amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), big.NewFloat(1e18)).Float64()
	m.balances.WithLabelValues(strings.ToUpper(strings.TrimSpace(asset))).Set(value)
}
