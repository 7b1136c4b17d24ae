package infrastructure

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vigil/internal/service/reconcile/domain"
)

// MetricsNotifier 把会话进度事件转成 Prometheus 指标，通过 /metrics 暴露。
type MetricsNotifier struct {
	pollAttempts    prometheus.Counter
	outcomes        *prometheus.CounterVec
	activationWarns prometheus.Counter
	pollsPerRun     prometheus.Histogram
}

func NewMetricsNotifier() *MetricsNotifier {
	return &MetricsNotifier{
		pollAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_poll_attempts_total",
			Help: "Total number of payment status poll attempts.",
		}),
		outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_session_outcomes_total",
			Help: "Terminal session outcomes by state and expire reason.",
		}, []string{"state", "reason"}),
		activationWarns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_activation_warnings_total",
			Help: "Settled sessions whose license activation failed or was skipped.",
		}),
		pollsPerRun: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_polls_per_session",
			Help:    "Number of polls a session consumed before reaching a terminal state.",
			Buckets: prometheus.LinearBuckets(0, 5, 7),
		}),
	}
}

func (m *MetricsNotifier) NotifyTick(ctx context.Context, session domain.PaymentSession, remainingSeconds int) {
}

func (m *MetricsNotifier) NotifyPollAttempt(ctx context.Context, session domain.PaymentSession, attempt, maxPolls int) {
	m.pollAttempts.Inc()
}

func (m *MetricsNotifier) NotifyOutcome(ctx context.Context, session domain.PaymentSession) {
	m.outcomes.WithLabelValues(string(session.State), string(session.ExpireReason)).Inc()
	if session.ActivationWarn != "" {
		m.activationWarns.Inc()
	}
	m.pollsPerRun.Observe(float64(session.PollCount))
}
