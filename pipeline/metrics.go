package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for monitor cycles and notification
// delivery.
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec
	CycleDuration      *prometheus.HistogramVec
	EventsTotal        *prometheus.CounterVec
	RejectedTotal      *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	SuppressedTotal    *prometheus.CounterVec
	PrunedTotal        *prometheus.CounterVec
	ProductsTracked    *prometheus.GaugeVec
}

// NewMetrics registers the cycle metrics on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	cycles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_cycles_total",
			Help: "Monitor cycles by category and result.",
		},
		[]string{"category", "result"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "monitor_cycle_duration_seconds",
			Help:    "Wall time of a monitor cycle including the scrape.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"category"},
	)
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_change_events_total",
			Help: "Change events classified by the diff engine.",
		},
		[]string{"category", "kind"},
	)
	rejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_records_rejected_total",
			Help: "Raw records dropped during normalization.",
		},
		[]string{"category", "reason"},
	)
	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_notifications_total",
			Help: "Notifications handled by the dispatcher by result.",
		},
		[]string{"kind", "result"},
	)
	suppressed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_notifications_suppressed_total",
			Help: "Events held back by the notification policy.",
		},
		[]string{"category", "reason"},
	)
	pruned := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_products_pruned_total",
			Help: "Products removed after the retention window.",
		},
		[]string{"category"},
	)
	tracked := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_products_tracked",
			Help: "Products observed in the latest cycle.",
		},
		[]string{"category"},
	)

	registry.MustRegister(cycles, duration, events, rejected, notifications, suppressed, pruned, tracked)

	return &Metrics{
		CyclesTotal:        cycles,
		CycleDuration:      duration,
		EventsTotal:        events,
		RejectedTotal:      rejected,
		NotificationsTotal: notifications,
		SuppressedTotal:    suppressed,
		PrunedTotal:        pruned,
		ProductsTracked:    tracked,
	}
}

// ObserveCycle records the result and duration of one cycle.
func (m *Metrics) ObserveCycle(category, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(category, result).Inc()
	m.CycleDuration.WithLabelValues(category).Observe(d.Seconds())
}

// AddEvents counts classified events by kind.
func (m *Metrics) AddEvents(category string, byKind map[string]int) {
	if m == nil {
		return
	}
	for kind, n := range byKind {
		m.EventsTotal.WithLabelValues(category, kind).Add(float64(n))
	}
}

// AddRejected counts dropped raw records by reason.
func (m *Metrics) AddRejected(category string, byReason map[string]int) {
	if m == nil {
		return
	}
	for reason, n := range byReason {
		m.RejectedTotal.WithLabelValues(category, reason).Add(float64(n))
	}
}

// AddSuppressed counts events the policy held back.
func (m *Metrics) AddSuppressed(category string, byReason map[string]int) {
	if m == nil {
		return
	}
	for reason, n := range byReason {
		m.SuppressedTotal.WithLabelValues(category, reason).Add(float64(n))
	}
}

// ObserveNotification counts one dispatcher outcome.
func (m *Metrics) ObserveNotification(kind, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
}

// SetTracked records the snapshot size and prune count of a committed cycle.
func (m *Metrics) SetTracked(category string, products, pruned int) {
	if m == nil {
		return
	}
	m.ProductsTracked.WithLabelValues(category).Set(float64(products))
	if pruned > 0 {
		m.PrunedTotal.WithLabelValues(category).Add(float64(pruned))
	}
}
