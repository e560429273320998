package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PaymentFlowMetrics exposes counters for payment flow transitions, confirmations,
// retries and realtime pushes. A nil receiver is a valid no-op.
type PaymentFlowMetrics struct {
	transitions   *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	retries       *prometheus.CounterVec
	exhausted     prometheus.Counter
	pushes        *prometheus.CounterVec
	mounts        *prometheus.CounterVec
	activeFlows   prometheus.Gauge
}

// NewPaymentFlowMetrics registers the payment flow metrics on the provided registerer.
func NewPaymentFlowMetrics(reg prometheus.Registerer) *PaymentFlowMetrics {
	if reg == nil {
		return &PaymentFlowMetrics{}
	}
	m := &PaymentFlowMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_transitions_total",
			Help:      "Payment flow status transitions.",
		}, []string{"from", "to"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_attempts_total",
			Help:      "Payment confirmation attempts by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry attempts executed by the retry controller, by outcome.",
		}, []string{"outcome"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Bookings whose retry budget was exhausted.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_pushes_total",
			Help:      "Realtime status pushes by handling result.",
		}, []string{"result"}),
		mounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mount_barrier_total",
			Help:      "Mount-completion barrier outcomes.",
		}, []string{"result"}),
		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_flows",
			Help:      "Payment flows currently held in the flow store.",
		}),
	}
	reg.MustRegister(m.transitions, m.confirmations, m.retries, m.exhausted, m.pushes, m.mounts, m.activeFlows)
	return m
}

// ObserveTransition counts a status change.
func (m *PaymentFlowMetrics) ObserveTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// ObserveConfirmation counts a confirmation attempt (succeeded, declined, recoverable, timeout, stale).
func (m *PaymentFlowMetrics) ObserveConfirmation(outcome string) {
	if m == nil || m.confirmations == nil {
		return
	}
	m.confirmations.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveRetry counts an executed retry attempt (succeeded, failed, deferred, rejected).
func (m *PaymentFlowMetrics) ObserveRetry(outcome string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncExhausted counts a retry budget exhaustion.
func (m *PaymentFlowMetrics) IncExhausted() {
	if m == nil || m.exhausted == nil {
		return
	}
	m.exhausted.Inc()
}

// ObservePush counts a realtime push (applied, duplicate, stale, dropped).
func (m *PaymentFlowMetrics) ObservePush(result string) {
	if m == nil || m.pushes == nil {
		return
	}
	m.pushes.WithLabelValues(normalizeLabel(result)).Inc()
}

// ObserveMount counts a mount barrier outcome (mounted, timeout, cancelled).
func (m *PaymentFlowMetrics) ObserveMount(result string) {
	if m == nil || m.mounts == nil {
		return
	}
	m.mounts.WithLabelValues(normalizeLabel(result)).Inc()
}

// SetActiveFlows records the current flow store size.
func (m *PaymentFlowMetrics) SetActiveFlows(count int) {
	if m == nil || m.activeFlows == nil {
		return
	}
	m.activeFlows.Set(float64(count))
}
