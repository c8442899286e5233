// Package metrics wires Prometheus collectors for the pieces of the
// runtime that the teacher tracked by hand in internal/monitor's
// SystemMetrics (latency histograms, counters, gateway pool stats).
// Exposed on /metrics on both the supervisor API and each strategy
// instance's control surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every collector the runtime publishes. One Registry
// is built per process at bootstrap and threaded through constructors.
type Registry struct {
	reg *prometheus.Registry

	ExecutorLatency   *prometheus.HistogramVec
	ExecutorRollbacks *prometheus.CounterVec
	PositionsOpen     prometheus.Gauge
	PositionsClosed   *prometheus.CounterVec
	FundingCollected  prometheus.Counter
	CloseLatency      *prometheus.HistogramVec
	OrdersSubmitted   *prometheus.CounterVec
	GatewayPoolSize   prometheus.Gauge
	GatewayCircuitOpen *prometheus.GaugeVec
	ReconcileDiffs    prometheus.Gauge
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ExecutorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fundingarb_executor_entry_seconds",
			Help:    "Latency of AtomicTwoLegExecutor entry attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ExecutorRollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingarb_executor_rollbacks_total",
			Help: "Count of entry attempts that ended in rollback, by reason.",
		}, []string{"reason"}),
		PositionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fundingarb_positions_open",
			Help: "Currently open paired positions.",
		}),
		PositionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingarb_positions_closed_total",
			Help: "Closed paired positions, by exit reason.",
		}, []string{"exit_reason"}),
		FundingCollected: factory.NewCounter(prometheus.CounterOpts{
			Name: "fundingarb_funding_collected_usd_total",
			Help: "Cumulative net funding payments recorded, in USD.",
		}),
		CloseLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fundingarb_close_seconds",
			Help:    "Latency of PositionCloser close operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"urgency"}),
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingarb_orders_submitted_total",
			Help: "Orders submitted to venues, by venue and type.",
		}, []string{"venue", "type"}),
		GatewayPoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fundingarb_gateway_pool_size",
			Help: "Live cached venue client connections.",
		}),
		GatewayCircuitOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fundingarb_gateway_circuit_open",
			Help: "1 if the circuit breaker for a cached connection is open.",
		}, []string{"venue", "account"}),
		ReconcileDiffs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fundingarb_reconcile_diffs",
			Help: "Strategy-run vs live-process diffs found on the last reconciliation pass.",
		}),
	}
}

// Gatherer exposes the underlying prometheus.Gatherer for the /metrics
// HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
