package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openlev/leverd/pkg/engine"
)

// Metrics are the engine's settlement counters, fed from the event stream.
// Each server owns its registry so repeated construction never collides.
type Metrics struct {
	registry *prometheus.Registry

	positionsOpened     *prometheus.CounterVec
	positionsClosed     *prometheus.CounterVec
	positionsLiquidated *prometheus.CounterVec
	ordersCreated       prometheus.Counter
	ordersExecuted      prometheus.Counter
	ordersCancelled     prometheus.Counter
	badDebtMicroUSD     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		positionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leverd_positions_opened_total",
			Help: "Positions opened, by symbol.",
		}, []string{"symbol"}),
		positionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leverd_positions_closed_total",
			Help: "Positions closed, by symbol.",
		}, []string{"symbol"}),
		positionsLiquidated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leverd_positions_liquidated_total",
			Help: "Positions liquidated, by symbol.",
		}, []string{"symbol"}),
		ordersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "leverd_orders_created_total",
			Help: "Conditional orders created.",
		}),
		ordersExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "leverd_orders_executed_total",
			Help: "Conditional orders executed.",
		}),
		ordersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "leverd_orders_cancelled_total",
			Help: "Conditional orders cancelled.",
		}),
		badDebtMicroUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "leverd_bad_debt_micro_usd_total",
			Help: "Uncovered losses absorbed by the pool, in micro-USD.",
		}),
	}
}

// Handler serves this server's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Observe(ev engine.Event) {
	switch ev.Type {
	case engine.EventPositionOpened:
		m.positionsOpened.WithLabelValues(ev.Symbol).Inc()
	case engine.EventPositionClosed:
		m.positionsClosed.WithLabelValues(ev.Symbol).Inc()
	case engine.EventPositionLiquidated:
		m.positionsLiquidated.WithLabelValues(ev.Symbol).Inc()
	case engine.EventOrderCreated:
		m.ordersCreated.Inc()
	case engine.EventOrderExecuted:
		m.ordersExecuted.Inc()
	case engine.EventOrderCancelled:
		m.ordersCancelled.Inc()
	case engine.EventBadDebt:
		m.badDebtMicroUSD.Add(float64(ev.Amount))
	}
}
