package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the appointment lifecycle
// and the notification dispatcher. A nil *BookingMetrics is a no-op.
type BookingMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	enqueueFailures   prometheus.Counter
	deliveriesTotal   *prometheus.CounterVec
	dispatchBatchSize prometheus.Histogram
	abandonedTotal    prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citizenbook",
			Subsystem: "appointments",
			Name:      "operations_total",
			Help:      "Lifecycle operations by outcome",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "citizenbook",
			Subsystem: "appointments",
			Name:      "operation_duration_seconds",
			Help:      "Latency of lifecycle operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "citizenbook",
			Subsystem: "notifications",
			Name:      "enqueue_failures_total",
			Help:      "Notifications that could not be scheduled after a committed lifecycle change",
		}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citizenbook",
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by channel and status",
		}, []string{"channel", "status"}),
		dispatchBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "citizenbook",
			Subsystem: "notifications",
			Name:      "dispatch_batch_size",
			Help:      "Items claimed per dispatcher tick",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		abandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "citizenbook",
			Subsystem: "notifications",
			Name:      "abandoned_total",
			Help:      "Notifications given up after exhausting retries or lacking a channel",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.operationLatency, m.enqueueFailures, m.deliveriesTotal, m.dispatchBatchSize, m.abandonedTotal)
	return m
}

func (m *BookingMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *BookingMetrics) IncEnqueueFailure() {
	if m == nil {
		return
	}
	m.enqueueFailures.Inc()
}

func (m *BookingMetrics) ObserveDelivery(channel string, ok bool) {
	if m == nil {
		return
	}
	status := "sent"
	if !ok {
		status = "failed"
	}
	m.deliveriesTotal.WithLabelValues(channel, status).Inc()
}

func (m *BookingMetrics) ObserveDispatchBatch(n int) {
	if m == nil {
		return
	}
	m.dispatchBatchSize.Observe(float64(n))
}

func (m *BookingMetrics) IncAbandoned() {
	if m == nil {
		return
	}
	m.abandonedTotal.Inc()
}
