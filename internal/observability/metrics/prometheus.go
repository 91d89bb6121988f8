// Package metrics provides Prometheus metrics for the dose tracker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing
type Metrics struct {
	DosesExpanded         prometheus.Counter
	RecordParseFailures   prometheus.Counter
	StatusChanges         *prometheus.CounterVec
	DailyResets           prometheus.Counter
	PersistenceErrors     *prometheus.CounterVec
	PrescriptionsCreated  prometheus.Counter
	RemindersPublished    prometheus.Counter
	RemindersDeduplicated prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPRequestDuration   *prometheus.HistogramVec
	ExtractionDuration    prometheus.Histogram
}

// New creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer in services, a fresh registry in tests)
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DosesExpanded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_expanded_total",
			Help: "Total dose events produced by expansion",
		}),
		RecordParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_parse_failures_total",
			Help: "Prescriptions skipped because their medications could not be parsed",
		}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_status_changes_total",
			Help: "Dose status changes by resulting status",
		}, []string{"status"}),
		DailyResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_status_daily_resets_total",
			Help: "Status ledgers reset on date rollover",
		}),
		PersistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_status_persistence_errors_total",
			Help: "Status ledger read/write failures",
		}, []string{"op"}),
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions saved",
		}),
		RemindersPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_reminders_published_total",
			Help: "Dose reminders published",
		}),
		RemindersDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_reminders_deduplicated_total",
			Help: "Dose reminders suppressed because they were already sent today",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "status"}),
		ExtractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_extraction_duration_seconds",
			Help:    "Latency of the prescription extraction service",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40},
		}),
	}

	reg.MustRegister(
		m.DosesExpanded,
		m.RecordParseFailures,
		m.StatusChanges,
		m.DailyResets,
		m.PersistenceErrors,
		m.PrescriptionsCreated,
		m.RemindersPublished,
		m.RemindersDeduplicated,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequestDuration,
		m.ExtractionDuration,
	)

	return m
}

// ObserveExpansion records one expansion pass
func (m *Metrics) ObserveExpansion(events, failures int) {
	if m == nil {
		return
	}
	m.DosesExpanded.Add(float64(events))
	m.RecordParseFailures.Add(float64(failures))
}

// ObserveStatusChange records a status write; an empty status is a clear
func (m *Metrics) ObserveStatusChange(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "cleared"
	}
	m.StatusChanges.WithLabelValues(status).Inc()
}

// ObserveDailyReset records a ledger reset
func (m *Metrics) ObserveDailyReset() {
	if m == nil {
		return
	}
	m.DailyResets.Inc()
}

// ObservePersistenceError records a failed ledger read or write
func (m *Metrics) ObservePersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

// ObserveHTTP records a served request
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveBreakerState records a circuit breaker transition
func (m *Metrics) ObserveBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveOutboxPending records the outbox backlog
func (m *Metrics) ObserveOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// ObserveReminder records a reminder outcome; duplicate reminders are
// counted separately from published ones
func (m *Metrics) ObserveReminder(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.RemindersDeduplicated.Inc()
		return
	}
	m.RemindersPublished.Inc()
}

// ObserveExtraction records one extraction call
func (m *Metrics) ObserveExtraction(d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionDuration.Observe(d.Seconds())
}

// ObserveConsumed records a handled Kafka message
func (m *Metrics) ObserveConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePrescriptionCreated records a saved prescription
func (m *Metrics) ObservePrescriptionCreated() {
	if m == nil {
		return
	}
	m.PrescriptionsCreated.Inc()
}
