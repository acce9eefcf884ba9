// Package metrics exposes the sidecar's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the sidecar registers. Collectors use
// promauto, so constructing Metrics twice in one process panics; the engine
// builds exactly one.
type Metrics struct {
	ordersTracked    prometheus.Gauge
	orderTransitions *prometheus.CounterVec

	upstreamConnected prometheus.Gauge
	upstreamFrames    *prometheus.CounterVec
	breakerState      prometheus.Gauge

	clientsActive  prometheus.Gauge
	clientMessages *prometheus.CounterVec
	ordersSigned   prometheus.Counter
	signFailures   prometheus.Counter

	notificationsSent       *prometheus.CounterVec
	notificationsSuppressed *prometheus.CounterVec
}

// New registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		ordersTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_orders_tracked",
			Help: "Number of orders currently tracked",
		}),
		orderTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_order_transitions_total",
			Help: "Order state transitions applied, by resulting state",
		}, []string{"state"}),

		upstreamConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_upstream_connected",
			Help: "Upstream websocket status (1=connected, 0=down)",
		}),
		upstreamFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_upstream_frames_total",
			Help: "Upstream frames received, by channel",
		}, []string{"channel"}),
		breakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_breaker_state",
			Help: "Info API circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),

		clientsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_clients_active",
			Help: "Connected downstream websocket clients",
		}),
		clientMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_client_messages_total",
			Help: "Messages received from downstream clients, by type",
		}, []string{"type"}),
		ordersSigned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_orders_signed_total",
			Help: "Orders signed successfully",
		}),
		signFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_sign_failures_total",
			Help: "Order signing failures",
		}),

		notificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_notifications_sent_total",
			Help: "Telegram notifications delivered, by kind",
		}, []string{"kind"}),
		notificationsSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_notifications_suppressed_total",
			Help: "Notifications suppressed, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) SetOrdersTracked(n int) { m.ordersTracked.Set(float64(n)) }

func (m *Metrics) RecordTransition(state string) { m.orderTransitions.WithLabelValues(state).Inc() }

func (m *Metrics) SetUpstreamConnected(up bool) {
	if up {
		m.upstreamConnected.Set(1)
	} else {
		m.upstreamConnected.Set(0)
	}
}

func (m *Metrics) RecordUpstreamFrame(channel string) {
	m.upstreamFrames.WithLabelValues(channel).Inc()
}

func (m *Metrics) SetBreakerState(state int) { m.breakerState.Set(float64(state)) }

func (m *Metrics) ClientConnected() { m.clientsActive.Inc() }

func (m *Metrics) ClientDisconnected() { m.clientsActive.Dec() }

func (m *Metrics) RecordClientMessage(msgType string) {
	m.clientMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordOrderSigned() { m.ordersSigned.Inc() }

func (m *Metrics) RecordSignFailure() { m.signFailures.Inc() }

func (m *Metrics) RecordNotification(kind string) {
	m.notificationsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSuppressed(reason string) {
	m.notificationsSuppressed.WithLabelValues(reason).Inc()
}
