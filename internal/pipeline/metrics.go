package pipeline

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/events"
)

// Metrics provides observability for the stage workers.
type Metrics struct {
	// Message outcomes by stream and outcome
	Messages *prometheus.CounterVec

	// Handling latency by stream, including in-handler retries
	HandleLatency *prometheus.HistogramVec

	// Reports written by the transform stage, by pathogen
	Reports *prometheus.CounterVec

	// Reports rejected by the transform stage, by error kind
	Rejected *prometheus.CounterVec

	// Classification changes by resulting class
	Classifications *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casesurv_pipeline_messages_total",
			Help: "Pipeline messages by stream and outcome",
		}, []string{"stream", "outcome"}), // outcome: "acked", "retry", "parked"

		HandleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casesurv_pipeline_handle_duration_seconds",
			Help:    "Duration of message handling by stream",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stream"}),

		Reports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casesurv_reports_produced_total",
			Help: "Canonical reports written by pathogen",
		}, []string{"pathogen"}),

		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casesurv_documents_rejected_total",
			Help: "Documents the transformer rejected by reason",
		}, []string{"reason"}), // reason: "unmappable_code", "invalid_document"

		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "casesurv_case_classifications_total",
			Help: "Case classification changes by resulting class",
		}, []string{"case_class"}),
	}
}

// ObserveMessage implements events.Observer.
func (m *Metrics) ObserveMessage(stream string, outcome events.Outcome, elapsed time.Duration) {
	if m != nil {
		m.Messages.WithLabelValues(stream, string(outcome)).Inc()
		m.HandleLatency.WithLabelValues(stream).Observe(elapsed.Seconds())
	}
}

// IncrementReports records a written report.
func (m *Metrics) IncrementReports(pathogen string) {
	if m != nil {
		m.Reports.WithLabelValues(pathogen).Inc()
	}
}

// IncrementRejected records a document that cannot become a report.
func (m *Metrics) IncrementRejected(err error) {
	if m == nil {
		return
	}
	switch {
	case errors.Is(err, domain.ErrUnmappableCode):
		m.Rejected.WithLabelValues("unmappable_code").Inc()
	case errors.Is(err, domain.ErrInvalidDocument):
		m.Rejected.WithLabelValues("invalid_document").Inc()
	}
}

// IncrementClassifications records a classification change.
func (m *Metrics) IncrementClassifications(class domain.CaseClass) {
	if m != nil {
		m.Classifications.WithLabelValues(string(class)).Inc()
	}
}
