// Package metrics 注册预占引擎的 Prometheus 指标。所有方法对 nil 接收者安全。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stock_reservation"

// Reservation outcomes.
const (
	OutcomeReserved     = "reserved"
	OutcomeInsufficient = "insufficient"
	OutcomeConfirmed    = "confirmed"
	OutcomeReleased     = "released"
	OutcomeExpired      = "expired"
)

type Metrics struct {
	Reservations         *prometheus.CounterVec
	Expired              prometheus.Counter
	OrderTransitions     *prometheus.CounterVec
	CompensationFailures prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation lifecycle events by outcome.",
		}, []string{"outcome"}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Reservations released by the expiry sweep.",
		}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order state transitions by target status.",
		}, []string{"status"}),
		CompensationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_write_failures_total",
			Help:      "Compensation log appends that failed.",
		}),
	}
	reg.MustRegister(m.Reservations, m.Expired, m.OrderTransitions, m.CompensationFailures)
	return m
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ExpiredReservation() {
	if m == nil {
		return
	}
	m.Expired.Inc()
	m.Reservations.WithLabelValues(OutcomeExpired).Inc()
}

func (m *Metrics) OrderTransition(status string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) CompensationFailure() {
	if m == nil {
		return
	}
	m.CompensationFailures.Inc()
}

// Handler 暴露给 /metrics。
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
