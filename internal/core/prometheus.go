package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports operation latencies and beam feed
// degradations as Prometheus collectors.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	degraded  *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the recorder's collectors with reg.
// A nil reg uses the default registerer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fluencecore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of fluence service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluencecore",
			Name:      "feed_degraded_total",
			Help:      "Beam feed queries answered with fallback values.",
		}, []string{"query"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.degraded} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := AuditStatusError
	if success {
		status = AuditStatusSuccess
	}
	r.durations.WithLabelValues(operation, string(status)).Observe(duration.Seconds())
}

// FeedDegraded implements FeedDegradationRecorder.
func (r *PrometheusMetricsRecorder) FeedDegraded(_ context.Context, query string) {
	r.degraded.WithLabelValues(query).Inc()
}
