package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports engine metrics to a Prometheus registry.
// All vectors are partitioned by workflow type or activity name so
// dashboards can break down per-workflow behavior.
type PrometheusObserver struct {
	NoopObserver

	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowsFailed    *prometheus.CounterVec
	activityDuration   *prometheus.HistogramVec
	activityFailures   *prometheus.CounterVec
	timersFired        prometheus.Counter
	signalsReceived    *prometheus.CounterVec
}

// NewPrometheusObserver creates an Observer that registers its
// collectors with reg. If reg is nil, prometheus.DefaultRegisterer is
// used. Registration panics on duplicate collectors, so create at most
// one PrometheusObserver per registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		workflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrflow",
			Name:      "workflows_started_total",
			Help:      "Workflow instances started.",
		}, []string{"workflow_type"}),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrflow",
			Name:      "workflows_completed_total",
			Help:      "Workflow instances that completed successfully.",
		}, []string{"workflow_type"}),
		workflowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrflow",
			Name:      "workflows_failed_total",
			Help:      "Workflow instances that failed or were cancelled.",
		}, []string{"workflow_type"}),
		activityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hrflow",
			Name:      "activity_duration_seconds",
			Help:      "Wall-clock duration of successful activity executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"activity"}),
		activityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrflow",
			Name:      "activity_failures_total",
			Help:      "Activity executions that failed permanently.",
		}, []string{"activity"}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hrflow",
			Name:      "timers_fired_total",
			Help:      "Durable timers that fired.",
		}),
		signalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrflow",
			Name:      "signals_received_total",
			Help:      "Signals consumed by waiting workflow instances.",
		}, []string{"signal"}),
	}

	reg.MustRegister(
		o.workflowsStarted,
		o.workflowsCompleted,
		o.workflowsFailed,
		o.activityDuration,
		o.activityFailures,
		o.timersFired,
		o.signalsReceived,
	)
	return o
}

func (o *PrometheusObserver) OnWorkflowStart(ctx context.Context, id string, wt WorkflowType) {
	o.workflowsStarted.WithLabelValues(string(wt)).Inc()
}

func (o *PrometheusObserver) OnWorkflowCompleted(ctx context.Context, id string, wt WorkflowType) {
	o.workflowsCompleted.WithLabelValues(string(wt)).Inc()
}

func (o *PrometheusObserver) OnWorkflowFailed(ctx context.Context, id string, wt WorkflowType, err error) {
	o.workflowsFailed.WithLabelValues(string(wt)).Inc()
}

func (o *PrometheusObserver) OnActivityCompleted(ctx context.Context, id string, name string, callID int, err error, d time.Duration) {
	if err != nil {
		o.activityFailures.WithLabelValues(name).Inc()
		return
	}
	o.activityDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnTimerFired(ctx context.Context, id string, callID int) {
	o.timersFired.Inc()
}

func (o *PrometheusObserver) OnSignalReceived(ctx context.Context, id string, name string) {
	o.signalsReceived.WithLabelValues(name).Inc()
}
