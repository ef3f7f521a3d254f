package notifications

import (
	"time"

	"github.com/bissquit/statusboard/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "dispatch_total",
			Help:      "State change events accepted for fan-out",
		},
		[]string{"kind", "mode"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch start to completion of both channels",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "email_sent_total",
			Help:      "Email sends by outcome",
		},
		[]string{"status"},
	)

	pushesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "push_sent_total",
			Help:      "Push sends by outcome",
		},
		[]string{"status"},
	)

	pushSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "push_subscribers",
			Help:      "Currently registered push connections",
		},
	)

	activeIncidents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "status",
			Name:      "active_incidents",
			Help:      "Open incidents per organization, refreshed on dispatch",
		},
		[]string{"organization_id"},
	)
)

func recordDispatch(kind, mode string) {
	dispatchesTotal.WithLabelValues(kind, mode).Inc()
}

func recordDispatchDuration(kind string, d time.Duration) {
	dispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func recordEmailReport(report DeliveryReport) {
	emailsSent.WithLabelValues("success").Add(float64(report.Succeeded))
	emailsSent.WithLabelValues("failed").Add(float64(len(report.Failed)))
}

func recordPushReport(report PushReport) {
	pushesSent.WithLabelValues("success").Add(float64(report.Succeeded))
	pushesSent.WithLabelValues("failed").Add(float64(report.Attempted - report.Succeeded))
}
