package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_executions_started_total",
		Help: "Executions that entered the initializing state.",
	})
	executionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_executions_finished_total",
		Help: "Executions that reached a terminal state, by result.",
	}, []string{"result"})
	executionsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_executions_running",
		Help: "Executions currently holding a concurrency slot.",
	})
	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runner_node_duration_seconds",
		Help:    "Wall-clock duration of workflow node runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"node", "outcome"})
	nodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_node_failures_total",
		Help: "Node failures by node and error kind.",
	}, []string{"node", "kind"})
)
