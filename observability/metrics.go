package observability

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheMetricsOnce sync.Once
	cacheRegistry    *CacheMetrics

	valuationMetricsOnce sync.Once
	valuationRegistry    *ValuationMetrics

	liquidationMetricsOnce sync.Once
	liquidationRegistry    *LiquidationMetrics

	queryMetricsOnce sync.Once
	queryRegistry    *QueryMetrics
)

// CacheMetrics tracks module resolution cache activity.
type CacheMetrics struct {
	lookups   *prometheus.CounterVec
	mutations prometheus.Counter
}

// Cache returns the lazily-initialised metrics registry for the module
// resolution cache.
func Cache() *CacheMetrics {
	cacheMetricsOnce.Do(func() {
		cacheRegistry = &CacheMetrics{
			lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liqcore",
				Subsystem: "modcache",
				Name:      "lookups_total",
				Help:      "Module cache lookups segmented by outcome (hit, miss, expired, rollback).",
			}, []string{"outcome"}),
			mutations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liqcore",
				Subsystem: "modcache",
				Name:      "mutations_total",
				Help:      "Count of successful cache mutations (set, remove, batch).",
			}),
		}
		prometheus.MustRegister(cacheRegistry.lookups, cacheRegistry.mutations)
	})
	return cacheRegistry
}

// RecordLookup increments the lookup counter for the supplied outcome.
// Outcomes should be stable strings such as "hit" or "expired" so dashboards
// remain consistent.
func (m *CacheMetrics) RecordLookup(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

// RecordMutation increments the successful-mutation counter.
func (m *CacheMetrics) RecordMutation() {
	if m == nil {
		return
	}
	m.mutations.Inc()
}

// ValuationMetrics tracks degraded pricing decisions.
type ValuationMetrics struct {
	fallbacks *prometheus.CounterVec
	queries   *prometheus.CounterVec
}

// Valuation returns the singleton metrics registry for the valuation fallback
// engine.
func Valuation() *ValuationMetrics {
	valuationMetricsOnce.Do(func() {
		valuationRegistry = &ValuationMetrics{
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liqcore",
				Subsystem: "valuation",
				Name:      "fallbacks_total",
				Help:      "Count of valuations that substituted a fallback price, segmented by reason.",
			}, []string{"reason"}),
			queries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liqcore",
				Subsystem: "valuation",
				Name:      "queries_total",
				Help:      "Total valuation calls segmented by outcome (primary, fallback).",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(valuationRegistry.fallbacks, valuationRegistry.queries)
	})
	return valuationRegistry
}

// RecordValuation records a valuation call and, when degraded, the fallback
// reason.
func (m *ValuationMetrics) RecordValuation(usedFallback bool, reason string) {
	if m == nil {
		return
	}
	if usedFallback {
		if reason == "" {
			reason = "unspecified"
		}
		m.queries.WithLabelValues("fallback").Inc()
		m.fallbacks.WithLabelValues(reason).Inc()
		return
	}
	m.queries.WithLabelValues("primary").Inc()
}

// LiquidationMetrics tracks execution-core activity.
type LiquidationMetrics struct {
	executions *prometheus.CounterVec
	seized     prometheus.Counter
	latency    prometheus.Histogram
}

// Liquidation returns the singleton metrics registry for the execution core.
func Liquidation() *LiquidationMetrics {
	liquidationMetricsOnce.Do(func() {
		liquidationRegistry = &LiquidationMetrics{
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liqcore",
				Subsystem: "liquidation",
				Name:      "executions_total",
				Help:      "Count of liquidation calls segmented by outcome (completed, failed).",
			}, []string{"outcome"}),
			seized: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liqcore",
				Subsystem: "liquidation",
				Name:      "seized_wei_total",
				Help:      "Cumulative collateral seized across all liquidations, in wei.",
			}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "liqcore",
				Subsystem: "liquidation",
				Name:      "execution_duration_seconds",
				Help:      "Latency distribution for liquidation executions.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			liquidationRegistry.executions,
			liquidationRegistry.seized,
			liquidationRegistry.latency,
		)
	})
	return liquidationRegistry
}

// RecordExecution records a completed or failed liquidation along with the
// seized amount and call duration.
func (m *LiquidationMetrics) RecordExecution(completed bool, seized *big.Int, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "completed"
	if !completed {
		outcome = "failed"
	}
	m.executions.WithLabelValues(outcome).Inc()
	if completed && seized != nil && seized.Sign() > 0 {
		m.seized.Add(bigToFloat(seized))
	}
	m.latency.Observe(duration.Seconds())
}

// QueryMetrics tracks the batch query layer.
type QueryMetrics struct {
	batches      *prometheus.CounterVec
	itemFailures prometheus.Counter
}

// Query returns the singleton metrics registry for batch queries.
func Query() *QueryMetrics {
	queryMetricsOnce.Do(func() {
		queryRegistry = &QueryMetrics{
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liqcore",
				Subsystem: "query",
				Name:      "batches_total",
				Help:      "Count of batch query calls segmented by query kind.",
			}, []string{"kind"}),
			itemFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liqcore",
				Subsystem: "query",
				Name:      "item_failures_total",
				Help:      "Count of per-item failures isolated to default values inside batch queries.",
			}),
		}
		prometheus.MustRegister(queryRegistry.batches, queryRegistry.itemFailures)
	})
	return queryRegistry
}

// RecordBatch increments the batch counter for the supplied query kind.
func (m *QueryMetrics) RecordBatch(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.batches.WithLabelValues(kind).Inc()
}

// RecordItemFailure increments the isolated per-item failure counter.
func (m *QueryMetrics) RecordItemFailure() {
	if m == nil {
		return
	}
	m.itemFailures.Inc()
}

func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
