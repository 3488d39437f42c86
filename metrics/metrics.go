package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger and the approval workflow.
// A nil *Metrics is valid and records nothing, so services and tests can
// run without a registry.
type Metrics struct {
	PointsAdded        prometheus.Counter
	CreditsApplied     prometheus.Counter
	EscalationsCreated *prometheus.CounterVec
	TrainingAssigned   prometheus.Counter
	Transitions        *prometheus.CounterVec
	NotificationsSent  *prometheus.CounterVec
	NotificationsFail  *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PointsAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "contravention_points_added_total",
			Help: "Total penalty points added to ledgers",
		}),
		CreditsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "contravention_training_credits_applied_total",
			Help: "Total training completion credits applied",
		}),
		EscalationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contravention_escalations_created_total",
			Help: "Escalation records created, by level",
		}, []string{"level"}),
		TrainingAssigned: f.NewCounter(prometheus.CounterOpts{
			Name: "contravention_training_assigned_total",
			Help: "Mandatory training records assigned",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contravention_status_transitions_total",
			Help: "Contravention status transitions",
		}, []string{"from", "to"}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contravention_notifications_sent_total",
			Help: "Notifications delivered, by sink and event type",
		}, []string{"sink", "event"}),
		NotificationsFail: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contravention_notifications_failed_total",
			Help: "Notification deliveries that failed, by sink and event type",
		}, []string{"sink", "event"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contravention_job_duration_seconds",
			Help:    "Duration of administrative bulk jobs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"job"}),
	}
}

func (m *Metrics) AddPoints(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PointsAdded.Add(float64(n))
}

func (m *Metrics) IncrementCreditApplied() {
	if m == nil {
		return
	}
	m.CreditsApplied.Inc()
}

func (m *Metrics) IncrementEscalation(level string) {
	if m == nil {
		return
	}
	m.EscalationsCreated.WithLabelValues(level).Inc()
}

func (m *Metrics) IncrementTrainingAssigned() {
	if m == nil {
		return
	}
	m.TrainingAssigned.Inc()
}

// IncrementTransition records a contravention status change. from is empty
// for newly created contraventions.
func (m *Metrics) IncrementTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncrementNotification(sink, event string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.NotificationsFail.WithLabelValues(sink, event).Inc()
		return
	}
	m.NotificationsSent.WithLabelValues(sink, event).Inc()
}

// ObserveJob records the duration of a bulk job.
// Call with time.Now() at the start of the job.
func (m *Metrics) ObserveJob(job string, start time.Time) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
