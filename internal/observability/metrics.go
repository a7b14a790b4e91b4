package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// Metrics holds the rebalancer's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PassesTotal           *prometheus.CounterVec
	PassSkipped           prometheus.Counter
	PassDuration          prometheus.Histogram
	TransfersTotal        *prometheus.CounterVec
	TransferAmount        *prometheus.CounterVec
	GatewayRequests       *prometheus.CounterVec
	Balance               *prometheus.GaugeVec
	InsufficientLiquidity prometheus.Counter
	LocksHeld             prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_passes_total",
			Help: "Reconciliation passes by result",
		}, []string{"result"}),

		PassSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_pass_skipped_total",
			Help: "Ticks skipped because a pass was still running",
		}),

		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rebalancer_pass_duration_seconds",
			Help:    "Wall time of one reconciliation pass",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_transfers_total",
			Help: "Transfer attempts by kind and result",
		}, []string{"kind", "result"}),

		TransferAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_transfer_amount_total",
			Help: "Amount moved by successful transfers",
		}, []string{"kind"}),

		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_gateway_requests_total",
			Help: "Manual action requests by action and result",
		}, []string{"action", "result"}),

		Balance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rebalancer_balance",
			Help: "Last observed balance per tier",
		}, []string{"tier"}),

		InsufficientLiquidity: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_insufficient_liquidity_total",
			Help: "Passes where savings could not cover the spot deficit",
		}),

		LocksHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rebalancer_locks_held",
			Help: "Asset locks currently held",
		}),
	}
}

func (m *Metrics) ObservePass(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(result).Inc()
	m.PassDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSkip() {
	if m == nil {
		return
	}
	m.PassSkipped.Inc()
}

func (m *Metrics) ObserveTransfer(action model.TransferAction, err error) {
	if m == nil {
		return
	}
	kind := string(action.Kind)
	if err != nil {
		m.TransfersTotal.WithLabelValues(kind, "error").Inc()
		return
	}
	m.TransfersTotal.WithLabelValues(kind, "ok").Inc()
	m.TransferAmount.WithLabelValues(kind).Add(action.Amount.InexactFloat64())
}

func (m *Metrics) ObserveGateway(action, result string) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ObserveSnapshot(snap model.BalanceSnapshot) {
	if m == nil {
		return
	}
	m.Balance.WithLabelValues("spot").Set(snap.SpotFree.InexactFloat64())
	m.Balance.WithLabelValues("savings").Set(snap.SavingsAmount.InexactFloat64())
	m.Balance.WithLabelValues("futures_full").Set(snap.FuturesFull.InexactFloat64())
	m.Balance.WithLabelValues("futures_free").Set(snap.FuturesFree.InexactFloat64())
}

func (m *Metrics) ObserveInsufficientLiquidity() {
	if m == nil {
		return
	}
	m.InsufficientLiquidity.Inc()
}

func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	m.LocksHeld.Set(float64(n))
}
