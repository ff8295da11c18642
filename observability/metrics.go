package observability

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics tracks HTTP activity on the pool service.
type APIMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// API returns the lazily-initialised registry used to record HTTP handler
// activity.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notepool",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notepool",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "notepool",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notepool",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an HTTP request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *APIMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *APIMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// PoolMetrics wraps collectors tracking pool valuation health.
type PoolMetrics struct {
	operations      *prometheus.CounterVec
	nav             *prometheus.GaugeVec
	reserve         *prometheus.GaugeVec
	trancheSupply   *prometheus.GaugeVec
	tranchePrice    *prometheus.GaugeVec
	juniorRatio     *prometheus.GaugeVec
	writeOffs       *prometheus.CounterVec
	juniorShortfall *prometheus.GaugeVec
}

// Pool exposes the metrics registry for the valuation engine.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notepool",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by pool, operation, and outcome.",
			}, []string{"pool", "operation", "outcome"}),
			nav: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "notepool",
				Subsystem: "pool",
				Name:      "nav",
				Help:      "Net asset value of the loan book in whole currency units.",
			}, []string{"pool"}),
			reserve: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "notepool",
				Subsystem: "pool",
				Name:      "reserve",
				Help:      "Uninvested cash in whole currency units.",
			}, []string{"pool"}),
			trancheSupply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "notepool",
				Subsystem: "pool",
				Name:      "tranche_supply",
				Help:      "Outstanding note tokens per tranche.",
			}, []string{"pool", "tranche"}),
			tranchePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "notepool",
				Subsystem: "pool",
				Name:      "tranche_price",
				Help:      "Redemption price per note token, par at one.",
			}, []string{"pool", "tranche"}),
			juniorRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "notepool",
				Subsystem: "pool",
				Name:      "junior_ratio",
				Help:      "Junior share of total asset value, one meaning fully junior funded.",
			}, []string{"pool"}),
			writeOffs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notepool",
				Subsystem: "pool",
				Name:      "write_offs_total",
				Help:      "Count of loan write-off transitions.",
			}, []string{"pool"}),
			juniorShortfall: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "notepool",
				Subsystem: "pool",
				Name:      "junior_shortfall",
				Help:      "Senior claim not covered by pool value, in whole currency units.",
			}, []string{"pool"}),
		}
		prometheus.MustRegister(
			poolRegistry.operations,
			poolRegistry.nav,
			poolRegistry.reserve,
			poolRegistry.trancheSupply,
			poolRegistry.tranchePrice,
			poolRegistry.juniorRatio,
			poolRegistry.writeOffs,
			poolRegistry.juniorShortfall,
		)
	})
	return poolRegistry
}

// RecordOperation counts one engine operation and its outcome.
func (m *PoolMetrics) RecordOperation(pool, operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(pool, op, outcome).Inc()
}

// RecordWriteOff counts a write-off transition.
func (m *PoolMetrics) RecordWriteOff(pool string) {
	if m == nil {
		return
	}
	m.writeOffs.WithLabelValues(pool).Inc()
}

// UpdateValuation publishes the latest snapshot figures. Wad and fraction
// scales are converted to floats for dashboards; the engine remains the
// integer source of truth.
func (m *PoolMetrics) UpdateValuation(pool string, nav, reserve, seniorSupply, juniorSupply, seniorPrice, juniorPrice, juniorRatio, shortfall *big.Int) {
	if m == nil {
		return
	}
	m.nav.WithLabelValues(pool).Set(wadToFloat(nav))
	m.reserve.WithLabelValues(pool).Set(wadToFloat(reserve))
	m.trancheSupply.WithLabelValues(pool, "senior").Set(wadToFloat(seniorSupply))
	m.trancheSupply.WithLabelValues(pool, "junior").Set(wadToFloat(juniorSupply))
	m.tranchePrice.WithLabelValues(pool, "senior").Set(wadToFloat(seniorPrice))
	m.tranchePrice.WithLabelValues(pool, "junior").Set(wadToFloat(juniorPrice))
	m.juniorRatio.WithLabelValues(pool).Set(fractionToFloat(juniorRatio))
	m.juniorShortfall.WithLabelValues(pool).Set(wadToFloat(shortfall))
}

var wadFloat = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

func wadToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(v), wadFloat).Float64()
	return out
}

func fractionToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return float64(v.Int64()) / 1_000_000
}
