package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eastress_pipeline_steps_total",
			Help: "Pipeline steps executed, labeled by step and outcome.",
		},
		[]string{"step", "outcome"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eastress_pipeline_step_duration_seconds",
			Help:    "Wall time per pipeline step.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"step"},
	)

	gatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eastress_gates_total",
			Help: "Gate evaluations recorded on workflows.",
		},
		[]string{"gate", "outcome"},
	)

	workflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eastress_workflows_total",
			Help: "Workflows reaching a terminal status.",
		},
		[]string{"status"},
	)

	workflowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eastress_workflows_active",
			Help: "Workflows currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal, stepDuration, gatesTotal, workflowsTotal, workflowsActive)
}
