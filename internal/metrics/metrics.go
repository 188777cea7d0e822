package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ledger counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	ledgerEntries     *prometheus.CounterVec
	negativeStock     *prometheus.CounterVec
	insufficientStock prometheus.Counter
	conflictRetries   prometheus.Counter
	events            *prometheus.CounterVec
	discrepancies     prometheus.Gauge
	lowStock          prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	ledgerEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_ledger_entries_total",
		Help: "Ledger entries written, by movement type.",
	}, []string{"type"})
	negativeStock := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_negative_stock_total",
		Help: "Consumptions that would drive a balance below zero, by outcome.",
	}, []string{"outcome"})
	insufficient := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_insufficient_stock_total",
		Help: "Reserve-and-consume calls rejected for lack of stock.",
	})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_conflict_retries_total",
		Help: "Transactions retried after a concurrency conflict.",
	})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_events_total",
		Help: "Inventory events consumed, by type and result.",
	}, []string{"type", "result"})
	discrepancies := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockledger_reconcile_discrepancies",
		Help: "Components whose balance disagrees with the ledger at the last reconciliation.",
	})
	lowStock := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockledger_low_stock_components",
		Help: "Components at or below their reorder level at the last scan.",
	})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	registry.MustRegister(ledgerEntries, negativeStock, insufficient, retries, events, discrepancies, lowStock, requests, duration)

	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ledgerEntries:     ledgerEntries,
		negativeStock:     negativeStock,
		insufficientStock: insufficient,
		conflictRetries:   retries,
		events:            events,
		discrepancies:     discrepancies,
		lowStock:          lowStock,
		requestsTotal:     requests,
		requestDuration:   duration,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func (m *Metrics) LedgerEntry(movementType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(movementType).Inc()
}

// NegativeStock records a fault; allowed reports whether the entry was committed anyway.
func (m *Metrics) NegativeStock(allowed bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	m.negativeStock.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InsufficientStock() {
	if m == nil {
		return
	}
	m.insufficientStock.Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

func (m *Metrics) Event(eventType string, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Discrepancies(n int) {
	if m == nil {
		return
	}
	m.discrepancies.Set(float64(n))
}

func (m *Metrics) LowStock(n int) {
	if m == nil {
		return
	}
	m.lowStock.Set(float64(n))
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
