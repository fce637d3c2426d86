package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_responder"

const (
	// OutcomeSuccess labels delivered notifications.
	OutcomeSuccess = "success"
	// OutcomeError labels notifications the sink refused or never received.
	OutcomeError = "error"
)

var (
	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Finalized incidents, partitioned by terminal state.",
		},
		[]string{"state"},
	)

	incidentDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "incident_seconds",
			Help:      "Time from receipt to finalization of an incident.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 240},
		},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Stage latency in seconds, partitioned by stage and status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage", "status"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation decisions, partitioned by mechanism and status.",
		},
		[]string{"mechanism", "status"},
	)

	riskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of computed risk scores.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	duplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Events dropped because their fingerprint already had an incident.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

// Register attaches responder collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsTotal,
		incidentDurationSeconds,
		stageDurationSeconds,
		remediationsTotal,
		riskScore,
		duplicatesTotal,
		notificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIncident records a finalized incident.
func ObserveIncident(state string, duration time.Duration) {
	incidentsTotal.WithLabelValues(state).Inc()
	incidentDurationSeconds.Observe(seconds(duration))
}

// ObserveStage records one stage execution.
func ObserveStage(stage, status string, duration time.Duration) {
	stageDurationSeconds.WithLabelValues(stage, status).Observe(seconds(duration))
}

// ObserveRemediation records a remediation decision.
func ObserveRemediation(mechanism, status string) {
	remediationsTotal.WithLabelValues(mechanism, status).Inc()
}

// ObserveRisk records a computed risk score.
func ObserveRisk(score float64) {
	riskScore.Observe(score)
}

// IncDuplicate counts a deduplicated event.
func IncDuplicate() {
	duplicatesTotal.Inc()
}

// ObserveNotification records a notification delivery outcome.
func ObserveNotification(channel string, accepted bool) {
	outcome := OutcomeSuccess
	if !accepted {
		outcome = OutcomeError
	}
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
