// Package metrics exposes the bot's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const namespace = "volume_rider"

// Metrics owns a private registry so tests and multiple instances never collide
// on the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	orders        *prometheus.CounterVec
	quoteFailures prometheus.Counter
	realizedPnL   prometheus.Histogram

	capital          prometheus.Gauge
	cumulativeProfit prometheus.Gauge
	lossStreak       prometheus.Gauge
	breakerState     prometheus.Gauge
}

// New registers every instrument on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Finished trade cycles by outcome",
		}, []string{"outcome", "exit_reason"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order attempts by side and result",
		}, []string{"side", "result"}),
		quoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_failures_total",
			Help:      "Price polls that failed after retries",
		}),
		realizedPnL: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_realized_pnl_dollars",
			Help:      "Realized P&L per settled cycle",
			Buckets:   []float64{-200, -100, -50, -25, -10, 0, 10, 25, 50, 100, 200},
		}),
		capital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capital_dollars",
			Help:      "Session capital available for the next entry",
		}),
		cumulativeProfit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cumulative_profit_dollars",
			Help:      "Realized profit since the session started",
		}),
		lossStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_losses",
			Help:      "Current run of losing cycles",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_breaker_state",
			Help:      "0=closed, 1=half_open, 2=open",
		}),
	}

	m.registry.MustRegister(
		m.cycles, m.orders, m.quoteFailures, m.realizedPnL,
		m.capital, m.cumulativeProfit, m.lossStreak, m.breakerState,
	)
	return m
}

// Registry returns the registry backing Handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOrder implements orders.Observer
func (m *Metrics) ObserveOrder(side, result string) {
	m.orders.WithLabelValues(side, result).Inc()
}

// ObserveCycle counts a finished cycle and, when settled, its P&L
func (m *Metrics) ObserveCycle(r models.CycleResult) {
	m.cycles.WithLabelValues(string(r.Outcome), string(r.ExitReason)).Inc()
	if r.Outcome == models.OutcomeSettled {
		m.realizedPnL.Observe(r.RealizedPnL.InexactFloat64())
	}
}

// ObserveSession mirrors the session aggregate into gauges
func (m *Metrics) ObserveSession(s models.SessionState) {
	m.capital.Set(s.Capital.InexactFloat64())
	m.cumulativeProfit.Set(s.CumulativeProfit.InexactFloat64())
	m.lossStreak.Set(float64(s.ConsecutiveLosses))
}

// QuoteFailed counts one failed price poll
func (m *Metrics) QuoteFailed() {
	m.quoteFailures.Inc()
}

// BreakerStateChanged fits broker.CircuitBreakerSettings.OnStateChange
func (m *Metrics) BreakerStateChanged(_, to gobreaker.State) {
	switch to {
	case gobreaker.StateHalfOpen:
		m.breakerState.Set(1)
	case gobreaker.StateOpen:
		m.breakerState.Set(2)
	default:
		m.breakerState.Set(0)
	}
}
