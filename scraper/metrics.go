package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the crawl collectors. Registry is shared with the rest of the
// monitor so one endpoint exposes everything.
type Metrics struct {
	Registry        *prometheus.Registry
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Records         *prometheus.CounterVec
	ListingPages    *prometheus.CounterVec
	Retries         prometheus.Counter
	Errors          *prometheus.CounterVec
}

// NewMetrics registers the crawl collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Page requests issued, by page kind.",
		}, []string{"kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "Latency of listing and product page requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_records_extracted_total",
			Help: "Raw product records extracted, by category.",
		}, []string{"category"}),
		ListingPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_listing_pages_total",
			Help: "Listing pages crawled, by category.",
		}, []string{"category"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Retry attempts scheduled.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Failed page requests, by error type.",
		}, []string{"error_type"}),
	}

	registry.MustRegister(m.Requests, m.RequestDuration, m.Records, m.ListingPages, m.Retries, m.Errors)
	return m
}

func (m *Metrics) IncRequest(kind string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) AddRecords(category string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Records.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) IncListingPage(category string) {
	if m == nil {
		return
	}
	m.ListingPages.WithLabelValues(category).Inc()
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(errorType).Inc()
}
