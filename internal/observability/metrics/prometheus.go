// Package metrics provides Prometheus metrics for the prescription engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	PrescriptionsCreated      prometheus.Counter
	PrescriptionsModified     prometheus.Counter
	PrescriptionsDiscontinued prometheus.Counter
	PrescriptionsFailed       *prometheus.CounterVec
	NumberConflicts           prometheus.Counter
	InteractionWarnings       *prometheus.CounterVec
	DocumentsRendered         prometheus.Counter
	RenderDuration            prometheus.Histogram
	AuditFailures             prometheus.Counter
	KafkaMessagesProduced     prometheus.Counter
	KafkaMessagesConsumed     prometheus.Counter
	OutboxPending             prometheus.Gauge
	CircuitBreakerState       *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		PrescriptionsModified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_modified_total",
			Help: "Total prescription modifications",
		}),
		PrescriptionsDiscontinued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_discontinued_total",
			Help: "Total prescriptions moved out of active status",
		}),
		PrescriptionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_operations_failed_total",
			Help: "Failed engine operations by operation and error kind",
		}, []string{"operation", "kind"}),
		NumberConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_number_conflicts_total",
			Help: "Prescription number collisions retried",
		}),
		InteractionWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_interaction_warnings_total",
			Help: "Interaction warnings raised at creation",
		}, []string{"severity"}),
		DocumentsRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_documents_rendered_total",
			Help: "Total prescription documents rendered",
		}),
		RenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_render_duration_seconds",
			Help:    "Prescription document render duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_record_failures_total",
			Help: "Audit records that could not be delivered",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
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
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsModified,
		m.PrescriptionsDiscontinued,
		m.PrescriptionsFailed,
		m.NumberConflicts,
		m.InteractionWarnings,
		m.DocumentsRendered,
		m.RenderDuration,
		m.AuditFailures,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns the Prometheus HTTP handler for g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Created() {
	if m != nil {
		m.PrescriptionsCreated.Inc()
	}
}

func (m *Metrics) Modified() {
	if m != nil {
		m.PrescriptionsModified.Inc()
	}
}

func (m *Metrics) Discontinued() {
	if m != nil {
		m.PrescriptionsDiscontinued.Inc()
	}
}

// Failed counts a failed operation, labelled with the error kind
func (m *Metrics) Failed(operation, kind string) {
	if m != nil {
		m.PrescriptionsFailed.WithLabelValues(operation, kind).Inc()
	}
}

func (m *Metrics) NumberConflict() {
	if m != nil {
		m.NumberConflicts.Inc()
	}
}

func (m *Metrics) InteractionWarning(severity string) {
	if m != nil {
		m.InteractionWarnings.WithLabelValues(severity).Inc()
	}
}

// Rendered records one successful render
func (m *Metrics) Rendered(d time.Duration) {
	if m != nil {
		m.DocumentsRendered.Inc()
		m.RenderDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AuditFailure() {
	if m != nil {
		m.AuditFailures.Inc()
	}
}

func (m *Metrics) Produced(n int) {
	if m != nil {
		m.KafkaMessagesProduced.Add(float64(n))
	}
}

func (m *Metrics) Consumed(n int) {
	if m != nil {
		m.KafkaMessagesConsumed.Add(float64(n))
	}
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

// SetBreakerState records a breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// Serve exposes /metrics and /health on addr until ctx is done. Background
// workers use it; the API mounts Handler on its own router.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
